package sgd

import (
	"log"
	"math"

	"github.com/Farheen2302/CNTK-sub000/internal/criterion"
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/reader"
)

// Evaluator runs a trained network over held-out data and reports
// per-sample criterion and evaluation averages. No gradients flow.
type Evaluator struct {
	net                graph.Network
	numMBsToShowResult int
}

func NewEvaluator(net graph.Network, numMBsToShowResult int) *Evaluator {
	return &Evaluator{net: net, numMBsToShowResult: numMBsToShowResult}
}

// criterionKind reports the criterion's variant when the network exposes
// it; perplexity only means something for the cross-entropy family.
func (e *Evaluator) criterionKind() (criterion.Kind, bool) {
	holder, ok := e.net.(interface{ Criterion() graph.Criterion })
	if !ok {
		return 0, false
	}
	kinded, ok := holder.Criterion().(interface{ Kind() criterion.Kind })
	if !ok {
		return 0, false
	}
	return kinded.Kind(), true
}

func isCrossEntropyFamily(k criterion.Kind) bool {
	switch k {
	case criterion.KindCrossEntropy,
		criterion.KindCrossEntropyWithSoftmax,
		criterion.KindClassBasedCrossEntropyWithSoftmax,
		criterion.KindSequenceWithSoftmax:
		return true
	}
	return false
}

// Evaluate reads up to testSize samples (0 for all) in minibatches of
// mbSize and returns the per-sample criterion average and the per-sample
// evaluation-node averages.
func (e *Evaluator) Evaluate(rdr reader.Reader, mbSize, testSize int) (float64, []float64, error) {
	if testSize == 0 {
		testSize = reader.RequestDataSize
	}
	rdr.StartMinibatchLoop(mbSize, 0, testSize)

	inputs := newInputBuffers(e.net)
	var (
		totalCriterion float64
		totalEval      = make([]float64, e.net.NumEvalNodes())
		labeledSeen    int
		numMBs         int
		blockCriterion float64
		blockLabeled   int
	)

	for rdr.GetMinibatch(inputs) {
		layout := rdr.CopyLayout()
		if err := e.net.BindMinibatch(inputs, layout); err != nil {
			return 0, nil, err
		}
		if err := e.net.ForwardEval(); err != nil {
			return 0, nil, err
		}
		if err := e.net.ForwardCriterion(); err != nil {
			return 0, nil, err
		}

		numLabeled := layout.NumSamplesWithLabel()
		mbCriterion := e.net.CriterionValue()
		totalCriterion += mbCriterion
		for i, v := range e.net.EvalValues() {
			totalEval[i] += v
		}
		labeledSeen += numLabeled
		blockCriterion += mbCriterion
		blockLabeled += numLabeled
		numMBs++

		if e.numMBsToShowResult > 0 && numMBs%e.numMBsToShowResult == 0 && blockLabeled > 0 {
			log.Printf("eval mb=%d criterion=%.8g", numMBs, blockCriterion/float64(blockLabeled))
			blockCriterion = 0
			blockLabeled = 0
		}
		rdr.DataEnd()
	}

	if labeledSeen == 0 {
		return math.NaN(), totalEval, nil
	}
	avgCriterion := totalCriterion / float64(labeledSeen)
	for i := range totalEval {
		totalEval[i] /= float64(labeledSeen)
	}

	if k, ok := e.criterionKind(); ok && isCrossEntropyFamily(k) {
		log.Printf("eval done samples=%d criterion=%.8g perplexity=%.8g",
			labeledSeen, avgCriterion, math.Exp(avgCriterion))
	} else {
		log.Printf("eval done samples=%d criterion=%.8g", labeledSeen, avgCriterion)
	}
	return avgCriterion, totalEval, nil
}
