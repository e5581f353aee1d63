package sgd

import (
	"log"
	"math"
	"time"

	"github.com/Farheen2302/CNTK-sub000/internal/aggregation"
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/reader"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// epochRun parameterizes one pass of the training loop. The same loop
// serves full epochs and the capped, silent trial runs the searches use.
type epochRun struct {
	epoch     int
	mbSize    int
	learnRate float64
	momentum  float64
	// epochSize in samples; 0 reads the whole data set.
	epochSize int
	// maxSamples, when positive, stops the pass early. Trials use it.
	maxSamples int
	verbose    bool
}

type epochResult struct {
	// criterion is the per-sample average over the pass.
	criterion  float64
	evalValues []float64
	samples    int
}

// newInputBuffers allocates one destination matrix per network input for
// the reader to fill.
func newInputBuffers(net graph.Network) map[string]*tensor.Matrix {
	inputs := make(map[string]*tensor.Matrix)
	for _, name := range net.InputNames() {
		inputs[name] = tensor.NewMatrix(0, 0)
	}
	return inputs
}

func (s *SGD) dataParallelActive(epoch int) bool {
	return s.agg != nil && epoch+1 >= s.params.Parallel.StartEpoch
}

func (s *SGD) modelAveragingActive(epoch int) bool {
	return s.params.Parallel.Mode == ParallelModelAveragingSGD &&
		s.ctx.Distributed() && epoch+1 >= s.params.Parallel.StartEpoch
}

func (s *SGD) trainOneEpoch(run epochRun) (epochResult, error) {
	dataParallel := s.dataParallelActive(run.epoch)
	modelAveraging := s.modelAveragingActive(run.epoch)

	epochSize := run.epochSize
	if epochSize == 0 {
		epochSize = reader.RequestDataSize
	}
	if dataParallel && s.rdr.SupportsDistributedMBRead() {
		s.rdr.StartDistributedMinibatchLoop(run.mbSize, run.epoch, s.ctx.Rank(), s.ctx.Size(), epochSize)
	} else {
		s.rdr.StartMinibatchLoop(run.mbSize, run.epoch, epochSize)
	}

	inputs := newInputBuffers(s.net)
	learnParams := s.net.LearnableParameters()
	header := aggregation.NewDistGradHeader(s.net.NumEvalNodes())

	// Backprop is pointless once the rate is effectively zero; the pass
	// then just measures the criterion.
	doBackprop := run.learnRate > s.params.MinLearnRate*0.01

	var (
		epochCriterion   float64
		epochEvalValues  = make([]float64, s.net.NumEvalNodes())
		samplesSeen      int
		labeledSeen      int
		samplesSinceSync int
		numMBs           int
		blockCriterion   float64
		blockLabeled     int
		firstMB          = true
		start            = time.Now()
	)

	for s.rdr.GetMinibatch(inputs) {
		layout := s.rdr.CopyLayout()
		if err := s.net.BindMinibatch(inputs, layout); err != nil {
			return epochResult{}, err
		}
		actualMBSize := layout.NumCols()
		numLabeled := layout.NumSamplesWithLabel()

		if err := s.net.ForwardEval(); err != nil {
			return epochResult{}, err
		}
		if err := s.net.ForwardCriterion(); err != nil {
			return epochResult{}, err
		}
		if doBackprop {
			if err := s.net.Backprop(1.0); err != nil {
				return epochResult{}, err
			}
		}

		mbCriterion := s.net.CriterionValue()
		mbEval := s.net.EvalValues()
		updateMBSize := actualMBSize

		if dataParallel {
			header.Clear()
			header.NumSamples = actualMBSize
			header.NumSamplesWithLabel = numLabeled
			header.Criterion = mbCriterion
			copy(header.EvalErrors, mbEval)

			grads := make([]*tensor.Matrix, 0, len(learnParams))
			for _, p := range learnParams {
				if p.UpdateRequired() {
					grads = append(grads, p.Gradient())
				}
			}
			if _, err := s.agg.AggregateGradients(grads, header, firstMB); err != nil {
				return epochResult{}, err
			}
			// The header now carries global sums; account with those so
			// every worker reports the same totals.
			actualMBSize = header.NumSamples
			numLabeled = header.NumSamplesWithLabel
			mbCriterion = header.Criterion
			mbEval = header.EvalErrors
			updateMBSize = header.NumSamples
		}
		firstMB = false

		if doBackprop {
			for _, p := range learnParams {
				if !p.UpdateRequired() {
					continue
				}
				updateWeights(p, s.states[p.Name()], s.params, run.learnRate, run.momentum, updateMBSize, s.rng)
			}
		}

		if modelAveraging {
			samplesSinceSync += actualMBSize
			if aggregation.ModelAveragingDecide(s.ctx, samplesSinceSync, s.params.Parallel.FramesBetweenSync) {
				values := make([]*tensor.Matrix, 0, len(learnParams))
				for _, p := range learnParams {
					values = append(values, p.Value())
				}
				aggregation.ModelAveragingSync(s.ctx, values, samplesSinceSync)
				samplesSinceSync = 0
			}
		}

		epochCriterion += mbCriterion
		for i := range epochEvalValues {
			epochEvalValues[i] += mbEval[i]
		}
		samplesSeen += actualMBSize
		labeledSeen += numLabeled
		blockCriterion += mbCriterion
		blockLabeled += numLabeled
		numMBs++

		if run.verbose && s.params.NumMBsToShowResult > 0 && numMBs%s.params.NumMBsToShowResult == 0 {
			perSample := math.NaN()
			if blockLabeled > 0 {
				perSample = blockCriterion / float64(blockLabeled)
			}
			elapsed := time.Since(start).Seconds()
			rate := 0.0
			if elapsed > 0 {
				rate = float64(samplesSeen) / elapsed
			}
			log.Printf("run=%s epoch=%d mb=%d criterion=%.8g samplesPerSec=%.1f",
				s.runID, run.epoch, numMBs, perSample, rate)
			blockCriterion = 0
			blockLabeled = 0
		}

		s.rdr.DataEnd()

		if run.maxSamples > 0 && samplesSeen >= run.maxSamples {
			break
		}
	}

	if modelAveraging {
		if samplesSinceSync > 0 {
			values := make([]*tensor.Matrix, 0, len(learnParams))
			for _, p := range learnParams {
				values = append(values, p.Value())
			}
			aggregation.ModelAveragingSync(s.ctx, values, samplesSinceSync)
		}
		// Criteria were accumulated locally; combine them so every worker
		// reports the full epoch.
		totals := make([]float64, 2+len(epochEvalValues))
		totals[0] = epochCriterion
		totals[1] = float64(labeledSeen)
		copy(totals[2:], epochEvalValues)
		s.ctx.AllReduceSum(totals)
		epochCriterion = totals[0]
		labeledSeen = int(totals[1])
		copy(epochEvalValues, totals[2:])
	}

	res := epochResult{
		evalValues: epochEvalValues,
		samples:    samplesSeen,
	}
	if labeledSeen > 0 {
		res.criterion = epochCriterion / float64(labeledSeen)
		for i := range res.evalValues {
			res.evalValues[i] /= float64(labeledSeen)
		}
	} else {
		res.criterion = math.NaN()
	}
	return res, nil
}
