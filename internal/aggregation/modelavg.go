package aggregation

import (
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// ModelAveragingDecide returns whether the group should synchronize now.
// The main worker decides from its own sample count and broadcasts the
// decision, so all workers act in lockstep even when their counts drift.
func ModelAveragingDecide(ctx *TrainingContext, samplesSinceSync, framesBetweenSync int) bool {
	decision := 0.0
	if ctx.IsMain() && samplesSinceSync >= framesBetweenSync {
		decision = 1
	}
	buf := []float64{decision}
	ctx.Broadcast(buf)
	return buf[0] != 0
}

// ModelAveragingSync replaces every worker's parameters with the
// sample-weighted average across the group: each worker scales its
// parameters by localSamples/totalSamples and the group sums them. With
// equal sample counts this is the arithmetic mean. It returns the total
// sample count.
func ModelAveragingSync(ctx *TrainingContext, params []*tensor.Matrix, localSamples int) int {
	total := []float64{float64(localSamples)}
	ctx.AllReduceSum(total)
	totalSamples := int(total[0])
	if totalSamples == 0 {
		return 0
	}

	weight := float64(localSamples) / float64(totalSamples)
	for _, p := range params {
		p.Scale(weight)
		ctx.AllReduceSum(p.Data())
	}
	return totalSamples
}
