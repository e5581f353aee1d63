package sgd

import (
	"log"
	"math"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// trialSnapshot captures everything a speculative run can disturb, so a
// hyperparameter trial leaves no trace on the real training state.
type trialSnapshot struct {
	values map[string]*tensor.Matrix
	states map[string]*updateState
}

func (s *SGD) snapshot() *trialSnapshot {
	sn := &trialSnapshot{
		values: make(map[string]*tensor.Matrix),
		states: make(map[string]*updateState),
	}
	for _, p := range s.net.LearnableParameters() {
		sn.values[p.Name()] = p.Value().Clone()
		st := s.states[p.Name()]
		cp := &updateState{smoothed: st.smoothed.Clone()}
		if st.aux != nil {
			cp.aux = st.aux.Clone()
		}
		if st.signs != nil {
			cp.signs = st.signs.Clone()
		}
		sn.states[p.Name()] = cp
	}
	return sn
}

func (s *SGD) restore(sn *trialSnapshot) {
	for _, p := range s.net.LearnableParameters() {
		p.Value().CopyFrom(sn.values[p.Name()])
		st := s.states[p.Name()]
		st.smoothed.CopyFrom(sn.states[p.Name()].smoothed)
		if st.aux != nil {
			st.aux.CopyFrom(sn.states[p.Name()].aux)
		}
		if st.signs != nil {
			st.signs.CopyFrom(sn.states[p.Name()].signs)
		}
	}
}

// trial trains on a capped slice of the epoch with candidate settings,
// reads off the criterion, and restores the pre-trial state.
func (s *SGD) trial(epoch, mbSize int, learnRate float64, maxSamples int) (float64, error) {
	sn := s.snapshot()
	res, err := s.trainOneEpoch(epochRun{
		epoch:      epoch,
		mbSize:     mbSize,
		learnRate:  learnRate,
		momentum:   s.params.MomentumPerSampleFor(epoch, mbSize),
		epochSize:  s.params.EpochSize,
		maxSamples: maxSamples,
		verbose:    false,
	})
	s.restore(sn)
	if err != nil {
		return 0, err
	}
	return res.criterion, nil
}

// searchForBestLearnRate finds a workable rate for the coming epoch by
// shrinking from an optimistic seed until the criterion beats the
// baseline, then (for the earliest epochs) tightening with a bisection
// between that rate and a conservative floor.
func (s *SGD) searchForBestLearnRate(epoch, mbSize int, prevCriterion float64) (float64, error) {
	adj := &s.params.LearnRateAdjust
	searchSamples := adj.NumMiniBatch4LRSearch * mbSize

	baseCriterion, err := s.trial(epoch, mbSize, 0, searchSamples)
	if err != nil {
		return 0, err
	}
	// The search slice is smaller than the epoch; blend its baseline with
	// the previous epoch's criterion in proportion to how much of the
	// epoch it covers.
	if !math.IsNaN(prevCriterion) && s.params.EpochSize > 0 {
		ratio := math.Sqrt(float64(searchSamples) / float64(s.params.EpochSize))
		if ratio > 1 {
			ratio = 1
		}
		blended := prevCriterion*(1-ratio) + ratio*baseCriterion
		baseCriterion = math.Max(baseCriterion, blended)
	}

	learnRate := 0.1 / float64(mbSize)
	for _, lr := range s.prevLearnRates {
		if lr > learnRate {
			learnRate = lr
		}
	}
	learnRate /= 0.618 * 0.618

	criterion := math.NaN()
	for math.IsNaN(criterion) || criterion > baseCriterion {
		learnRate *= 0.618
		if learnRate < s.params.MinLearnRate {
			return 0, errors.Errorf("sgd: learn rate search failed, no rate above %g beats baseline %g",
				s.params.MinLearnRate, baseCriterion)
		}
		criterion, err = s.trial(epoch, mbSize, learnRate, searchSamples)
		if err != nil {
			return 0, err
		}
	}

	best := learnRate
	if epoch < adj.NumBestSearchEpoch {
		left := 0.01 / float64(mbSize)
		right := learnRate
		leftCriterion, err := s.trial(epoch, mbSize, left, searchSamples)
		if err != nil {
			return 0, err
		}
		rightCriterion := criterion

		for right > left*1.2 {
			if rightCriterion > leftCriterion {
				right *= 0.618
				rightCriterion, err = s.trial(epoch, mbSize, right, searchSamples)
			} else {
				left /= 0.618
				leftCriterion, err = s.trial(epoch, mbSize, left, searchSamples)
			}
			if err != nil {
				return 0, err
			}
		}
		best = right
		if leftCriterion < rightCriterion {
			best = left
		}
	}

	log.Printf("run=%s epoch=%d learnRate search chose %g (baseline=%.8g)", s.runID, epoch, best, baseCriterion)
	return best, nil
}

// roundToMultipleOf64 rounds to the nearest multiple of 64; trial
// minibatch sizes stay friendly to vectorized kernels.
func roundToMultipleOf64(v int) int {
	return 64 * ((v + 32) / 64)
}

// adaptiveMinibatchSizing decides this epoch's minibatch size: reuse the
// previous choice on off-tuning epochs, otherwise search around it.
func (s *SGD) adaptiveMinibatchSizing(epoch, mbSize int, learnRate, prevCriterion float64) (int, error) {
	if epoch < 2 {
		// The first epochs move too fast for a tuned size to stay valid.
		s.prevChosenMBSize = 0
		return mbSize, nil
	}

	freq := s.params.Adaptive.TuningFrequency
	if freq < 1 {
		freq = 1
	}
	if s.prevChosenMBSize != 0 && (epoch+1)%freq != 0 {
		log.Printf("run=%s epoch=%d adaptive minibatch keeping previous size %d", s.runID, epoch, s.prevChosenMBSize)
		return s.prevChosenMBSize, nil
	}

	minMB := mbSize
	maxMB := s.params.Adaptive.TuningMax
	if s.initialLearnRate > 0 {
		// As the rate decays below its initial value, small minibatches
		// stop paying for themselves; raise the floor accordingly.
		ratio := math.Sqrt(learnRate / s.initialLearnRate)
		if ratio < 1 {
			minMB = int(float64(minMB) / ratio)
		}
	}
	if s.prevChosenMBSize != 0 {
		if half := s.prevChosenMBSize / 2; half > minMB {
			minMB = half
		}
		if double := s.prevChosenMBSize * 2; double < maxMB {
			maxMB = double
		}
	}

	chosen, err := s.searchForBestMinibatchSize(epoch, learnRate, prevCriterion, minMB, maxMB)
	if err != nil {
		return 0, err
	}
	s.prevChosenMBSize = chosen
	return chosen, nil
}

// searchForBestMinibatchSize tries sizes from minMB upward by factors of
// sqrt(2), rounded to multiples of 64, and returns the largest size whose
// trial criterion stays within the error margin of the baseline.
func (s *SGD) searchForBestMinibatchSize(epoch int, learnRate, prevCriterion float64, minMB, maxMB int) (int, error) {
	// The decay-raised floor can cross the cap; the cap wins, otherwise
	// the no-trial fallback would return a size beyond it.
	if minMB > maxMB {
		minMB = maxMB
	}
	searchSamples := s.params.Adaptive.NumMiniBatch4Search * minMB

	baseCriterion := math.NaN()
	lastGood := minMB
	tried := make(map[int]bool)

	for trialSize := float64(minMB); ; trialSize *= math.Sqrt2 {
		size := roundToMultipleOf64(int(trialSize))
		if size < minMB {
			size = minMB
		}
		if size > maxMB {
			break
		}
		if tried[size] {
			continue
		}
		tried[size] = true

		criterion, err := s.trial(epoch, size, learnRate, searchSamples)
		if err != nil {
			return 0, err
		}
		log.Printf("run=%s epoch=%d adaptive minibatch trial size=%d criterion=%.8g", s.runID, epoch, size, criterion)

		if math.IsNaN(baseCriterion) {
			if math.IsNaN(criterion) {
				return 0, errors.New("sgd: minibatch size search baseline criterion is NaN")
			}
			baseCriterion = criterion
			if !math.IsNaN(prevCriterion) && prevCriterion < baseCriterion {
				baseCriterion = prevCriterion
			}
			lastGood = size
			continue
		}

		margin := 1 + s.params.Adaptive.ErrorMarginPercent/100
		if math.IsNaN(criterion) || criterion > baseCriterion*margin {
			break
		}
		lastGood = size
	}

	log.Printf("run=%s epoch=%d adaptive minibatch chose %d", s.runID, epoch, lastGood)
	return lastGood, nil
}
