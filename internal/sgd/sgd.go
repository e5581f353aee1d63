package sgd

import (
	"fmt"
	"log"
	"math"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/Farheen2302/CNTK-sub000/internal/aggregation"
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/reader"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// ErrCriterionNaN is returned when an epoch's training criterion is NaN
// and the learning-rate mode has no way to recover (no reduction, no
// best-model reload).
var ErrCriterionNaN = errors.New("sgd: training criterion is NaN")

// SGD drives training of a network against a reader: the epoch state
// machine, learning-rate control, weight updates, checkpointing, and the
// distributed paths.
type SGD struct {
	params *Params
	net    graph.Network
	rdr    reader.Reader
	ctx    *aggregation.TrainingContext
	agg    aggregation.GradientAggregator
	rng    rand.Source
	runID  string

	states map[string]*updateState

	prevLearnRates []float64

	// Adjust-after-epoch bookkeeping.
	avgCriterionSum   float64
	avgCriterionCount int
	reductionCount    int
	bestEpoch         int
	bestCriterion     float64

	totalSamplesSeen uint64
	initialLearnRate float64
	prevChosenMBSize int
}

// NewSGD creates a driver. ctx may be nil for single-worker training.
func NewSGD(params *Params, net graph.Network, rdr reader.Reader, ctx *aggregation.TrainingContext) (*SGD, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = aggregation.NewLocalContext()
	}
	s := &SGD{
		params:    params,
		net:       net,
		rdr:       rdr,
		ctx:       ctx,
		rng:       rand.NewSource(uint64(os.Getpid())),
		runID:     uuid.NewString(),
		states:    make(map[string]*updateState),
		bestEpoch: -1,
	}
	if params.Parallel.Mode == ParallelDataParallelSGD && ctx.Distributed() {
		agg, err := aggregation.NewDataParallelAggregator(ctx, params.Parallel.NumGradientBits, params.Parallel.ZeroThresholdFor1Bit)
		if err != nil {
			return nil, err
		}
		s.agg = agg
	}
	return s, nil
}

// SetRandSource overrides the noise/gradient-check random source, for
// deterministic tests.
func (s *SGD) SetRandSource(src rand.Source) { s.rng = src }

// modelNameForEpoch follows the resume convention: intermediate epochs
// save to modelPath.<epoch+1>, the final epoch to modelPath itself.
func (s *SGD) modelNameForEpoch(e int) string {
	if e == s.params.MaxEpochs-1 {
		return s.params.ModelPath
	}
	return fmt.Sprintf("%s.%d", s.params.ModelPath, e+1)
}

func (s *SGD) checkpointNameForEpoch(e int) string {
	return s.modelNameForEpoch(e) + ".ckp"
}

// DetermineStartEpoch scans for the newest epoch whose model and
// checkpoint both exist, with the checkpoint no older than the model,
// and returns the epoch to resume at. It returns -1 for a fresh start;
// makeMode false always restarts from scratch.
func (s *SGD) DetermineStartEpoch(makeMode bool) int {
	if !makeMode {
		return -1
	}
	for e := s.params.MaxEpochs - 1; e >= 0; e-- {
		model, errM := os.Stat(s.modelNameForEpoch(e))
		ckp, errC := os.Stat(s.checkpointNameForEpoch(e))
		if errM != nil || errC != nil {
			continue
		}
		if ckp.ModTime().Before(model.ModTime()) {
			// A model without a matching checkpoint save is suspect;
			// keep scanning for an older consistent pair.
			continue
		}
		return e + 1
	}
	return -1
}

func (s *SGD) initStates() {
	for _, p := range s.net.LearnableParameters() {
		if _, ok := s.states[p.Name()]; !ok {
			s.states[p.Name()] = newUpdateState(p.Value().Rows(), p.Value().Cols(), s.params.GradUpdate.Type)
		}
	}
}

func (s *SGD) smoothedList() []*tensor.Matrix {
	params := s.net.LearnableParameters()
	out := make([]*tensor.Matrix, 0, len(params))
	for _, p := range params {
		out = append(out, s.states[p.Name()].smoothed)
	}
	return out
}

func (s *SGD) restoreSmoothed(ck *Checkpoint) error {
	params := s.net.LearnableParameters()
	if len(ck.SmoothedGradients) != len(params) {
		return errors.Errorf("sgd: checkpoint has %d smoothed gradients, network has %d parameters",
			len(ck.SmoothedGradients), len(params))
	}
	for i, p := range params {
		g := ck.SmoothedGradients[i]
		if g.Rows() != p.Value().Rows() || g.Cols() != p.Value().Cols() {
			return errors.Errorf("sgd: smoothed gradient %d shape %dx%d does not match parameter %q",
				i, g.Rows(), g.Cols(), p.Name())
		}
		s.states[p.Name()].smoothed.CopyFrom(g)
	}
	return nil
}

// rememberLearnRate keeps the trailing window the rate search seeds from.
func (s *SGD) rememberLearnRate(lr float64) {
	limit := s.params.LearnRateAdjust.NumPrevLearnRates
	if limit < 1 {
		limit = 1
	}
	s.prevLearnRates = append(s.prevLearnRates, lr)
	if len(s.prevLearnRates) > limit {
		s.prevLearnRates = s.prevLearnRates[len(s.prevLearnRates)-limit:]
	}
}

// preCompute runs the one-shot pass that fills precompute nodes from the
// whole training set before the first epoch.
func (s *SGD) preCompute(mbSize int) error {
	log.Printf("run=%s precompute start", s.runID)
	s.net.MarkComputed(false)

	s.rdr.StartMinibatchLoop(mbSize, 0, reader.RequestDataSize)
	inputs := newInputBuffers(s.net)
	numMBs := 0
	for s.rdr.GetMinibatch(inputs) {
		layout := s.rdr.CopyLayout()
		if err := s.net.BindMinibatch(inputs, layout); err != nil {
			return err
		}
		if err := s.net.AccumulatePrecompute(); err != nil {
			return err
		}
		numMBs++
		s.rdr.DataEnd()
	}

	s.net.MarkComputed(true)
	log.Printf("run=%s precompute done minibatches=%d", s.runID, numMBs)
	return nil
}

// Train runs the full epoch loop. With makeMode, an interrupted run
// resumes from its newest usable model/checkpoint pair.
func (s *SGD) Train(makeMode bool) error {
	adj := &s.params.LearnRateAdjust
	startEpoch := s.DetermineStartEpoch(makeMode)
	if startEpoch >= s.params.MaxEpochs {
		log.Printf("run=%s model already trained through epoch %d, nothing to do", s.runID, s.params.MaxEpochs)
		return nil
	}

	s.initStates()
	mbSize := s.params.MinibatchSize.Get(0, 256)
	learnRatePerSample := 0.0
	prevCriterion := math.NaN()

	if startEpoch > 0 {
		modelName := s.modelNameForEpoch(startEpoch - 1)
		log.Printf("run=%s resuming from %s at epoch %d", s.runID, modelName, startEpoch)
		if err := s.net.LoadModel(modelName); err != nil {
			return errors.Wrap(err, "resume model")
		}
		ck, err := LoadCheckpoint(s.checkpointNameForEpoch(startEpoch-1), mbSize)
		if err != nil {
			return errors.Wrap(err, "resume checkpoint")
		}
		if err := s.restoreSmoothed(ck); err != nil {
			return err
		}
		s.totalSamplesSeen = ck.TotalSamplesSeen
		learnRatePerSample = ck.LearnRatePerSample
		prevCriterion = ck.PrevCriterion
		s.prevChosenMBSize = ck.MinibatchSize
	} else {
		startEpoch = 0
	}

	if startEpoch == 0 && s.net.HasUncomputedPrecompute() {
		if err := s.preCompute(mbSize); err != nil {
			return err
		}
	}

	if s.params.GradientCheck {
		if err := s.runGradientCheck(mbSize); err != nil {
			return err
		}
	}

	for e := startEpoch; e < s.params.MaxEpochs; e++ {
		mbSize = s.params.MinibatchSize.Get(e, mbSize)

		schedRate, explicit := s.params.LearnRatePerSample(e, mbSize)
		switch adj.Mode {
		case LRAdjustNone:
			learnRatePerSample = schedRate
		case LRAdjustAfterEpoch:
			if explicit || learnRatePerSample == 0 {
				learnRatePerSample = schedRate
			}
		case LRSearchBeforeEpoch:
			if explicit {
				learnRatePerSample = schedRate
			} else {
				lr, err := s.searchForBestLearnRate(e, mbSize, prevCriterion)
				if err != nil {
					return err
				}
				learnRatePerSample = lr
			}
		}
		if s.initialLearnRate == 0 {
			s.initialLearnRate = learnRatePerSample
		}
		if learnRatePerSample < s.params.MinLearnRate {
			log.Printf("run=%s epoch=%d learnRate=%g below minimum %g, stopping",
				s.runID, e, learnRatePerSample, s.params.MinLearnRate)
			break
		}
		s.rememberLearnRate(learnRatePerSample)

		if s.params.Adaptive.Enabled {
			chosen, err := s.adaptiveMinibatchSizing(e, mbSize, learnRatePerSample, prevCriterion)
			if err != nil {
				return err
			}
			mbSize = chosen
		}

		// Networks with dropout pick up this epoch's rate; others ignore it.
		if setter, ok := s.net.(interface{ SetDropoutRate(rate float64) }); ok {
			setter.SetDropoutRate(s.params.DropoutRates.Get(e, 0))
		}

		momentum := s.params.MomentumPerSampleFor(e, mbSize)
		res, err := s.trainOneEpoch(epochRun{
			epoch:     e,
			mbSize:    mbSize,
			learnRate: learnRatePerSample,
			momentum:  momentum,
			epochSize: s.params.EpochSize,
			verbose:   true,
		})
		if err != nil {
			return err
		}
		s.totalSamplesSeen += uint64(res.samples)
		log.Printf("run=%s epoch=%d finished criterion=%.8g samples=%d learnRate=%g mbSize=%d",
			s.runID, e, res.criterion, res.samples, learnRatePerSample, mbSize)

		if math.IsNaN(res.criterion) && adj.Mode == LRAdjustNone {
			return errors.Wrapf(ErrCriterionNaN, "epoch %d", e)
		}
		if !math.IsNaN(res.criterion) && (s.bestEpoch < 0 || res.criterion < s.bestCriterion) {
			s.bestEpoch = e
			s.bestCriterion = res.criterion
		}

		stop := false
		if adj.Mode == LRAdjustAfterEpoch {
			learnRatePerSample, prevCriterion, stop = s.adjustAfterEpoch(e, res.criterion, learnRatePerSample, prevCriterion)
		} else {
			prevCriterion = res.criterion
		}

		if s.ctx.IsMain() {
			if err := s.net.SaveModel(s.modelNameForEpoch(e)); err != nil {
				return errors.Wrap(err, "save model")
			}
			ck := &Checkpoint{
				TotalSamplesSeen:   s.totalSamplesSeen,
				LearnRatePerSample: learnRatePerSample,
				PrevCriterion:      prevCriterion,
				MinibatchSize:      mbSize,
				SmoothedGradients:  s.smoothedList(),
			}
			if err := SaveCheckpoint(s.checkpointNameForEpoch(e), ck); err != nil {
				return errors.Wrap(err, "save checkpoint")
			}
			if !s.params.KeepCheckPointFiles && e > 0 {
				os.Remove(s.checkpointNameForEpoch(e - 1))
			}
		}
		s.ctx.Barrier()

		if stop {
			log.Printf("run=%s epoch=%d stopping after repeated learn-rate reduction", s.runID, e)
			break
		}
	}
	return nil
}

// adjustAfterEpoch applies the post-epoch learning-rate control. It
// returns the new rate, the new reference criterion, and whether the
// continue-reduce policy says to stop.
func (s *SGD) adjustAfterEpoch(e int, criterion, learnRate, prevCriterion float64) (float64, float64, bool) {
	adj := &s.params.LearnRateAdjust
	interval := adj.LearnRateAdjustInterval
	if interval < 1 {
		interval = 1
	}

	s.avgCriterionSum += criterion
	s.avgCriterionCount++
	if s.avgCriterionCount < interval {
		return learnRate, prevCriterion, false
	}
	avg := s.avgCriterionSum / float64(s.avgCriterionCount)
	s.avgCriterionSum = 0
	s.avgCriterionCount = 0

	if math.IsNaN(prevCriterion) {
		// First interval: nothing to compare against yet.
		return learnRate, avg, false
	}

	improvement := prevCriterion - avg
	stop := false
	switch {
	case math.IsNaN(avg) || improvement < adj.ReduceLearnRateIfImproveLessThan*math.Abs(prevCriterion):
		if adj.LoadBestModel && s.bestEpoch >= 0 && s.bestEpoch != e {
			if err := s.net.LoadModel(s.modelNameForEpoch(s.bestEpoch)); err != nil {
				log.Printf("run=%s epoch=%d best-model reload failed: %v", s.runID, e, err)
			} else {
				log.Printf("run=%s epoch=%d reloaded best model from epoch %d", s.runID, e, s.bestEpoch)
			}
		}
		learnRate *= adj.LearnRateDecreaseFactor
		s.reductionCount++
		log.Printf("run=%s epoch=%d criterion stalled (improvement=%.8g), learnRate reduced to %g",
			s.runID, e, improvement, learnRate)
		if adj.ContinueReduce && s.reductionCount >= 2 {
			stop = true
		}
	case !math.IsInf(adj.IncreaseLearnRateIfImproveMoreThan, 1) &&
		improvement > adj.IncreaseLearnRateIfImproveMoreThan*math.Abs(prevCriterion):
		learnRate *= adj.LearnRateIncreaseFactor
		log.Printf("run=%s epoch=%d criterion improving fast, learnRate increased to %g", s.runID, e, learnRate)
	}

	if math.IsNaN(avg) {
		return learnRate, prevCriterion, stop
	}
	return learnRate, avg, stop
}
