package aggregation

import (
	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// GradientAggregator combines per-worker gradients and the accompanying
// header across the group. AggregateGradients reports whether anything
// was aggregated; a single-worker context aggregates nothing and leaves
// the inputs untouched.
type GradientAggregator interface {
	AggregateGradients(gradients []*tensor.Matrix, header *DistGradHeader, resetState bool) (bool, error)
}

// DataParallelAggregator sums gradients across workers, optionally
// through 1-bit quantization with per-worker error feedback.
type DataParallelAggregator struct {
	ctx                  *TrainingContext
	numGradientBits      int
	zeroThresholdFor1Bit bool

	residuals [][]float64
}

// NewDataParallelAggregator creates an aggregator. numGradientBits must
// be 1 (quantized) or 32 (exact).
func NewDataParallelAggregator(ctx *TrainingContext, numGradientBits int, zeroThresholdFor1Bit bool) (*DataParallelAggregator, error) {
	if numGradientBits != 1 && numGradientBits != 32 {
		return nil, errors.Errorf("aggregation: unsupported gradient bit depth %d (want 1 or 32)", numGradientBits)
	}
	return &DataParallelAggregator{
		ctx:                  ctx,
		numGradientBits:      numGradientBits,
		zeroThresholdFor1Bit: zeroThresholdFor1Bit,
	}, nil
}

func (a *DataParallelAggregator) AggregateGradients(gradients []*tensor.Matrix, header *DistGradHeader, resetState bool) (bool, error) {
	if !a.ctx.Distributed() {
		return false, nil
	}
	if resetState {
		a.residuals = nil
	}

	if a.numGradientBits == 1 {
		if err := a.quantizeInPlace(gradients); err != nil {
			return false, err
		}
	}
	for _, g := range gradients {
		a.ctx.AllReduceSum(g.Data())
	}

	packed := header.pack()
	a.ctx.AllReduceSum(packed)
	header.unpack(packed)
	return true, nil
}

// quantizeInPlace folds in each gradient's residual, then replaces it
// with its 1-bit reconstruction, leaving the new error in the residual.
func (a *DataParallelAggregator) quantizeInPlace(gradients []*tensor.Matrix) error {
	if a.residuals == nil {
		a.residuals = make([][]float64, len(gradients))
		for i, g := range gradients {
			a.residuals[i] = make([]float64, len(g.Data()))
		}
	}
	if len(a.residuals) != len(gradients) {
		return errors.Errorf("aggregation: gradient count changed from %d to %d", len(a.residuals), len(gradients))
	}
	for i, g := range gradients {
		res := a.residuals[i]
		if len(res) != len(g.Data()) {
			return errors.Errorf("aggregation: gradient %d changed size", i)
		}
		for j := range res {
			g.Data()[j] += res[j]
		}
		rows := g.Rows()
		for c := 0; c < g.Cols(); c++ {
			quantizeColumn1Bit(g.Column(c), res[c*rows:(c+1)*rows], a.zeroThresholdFor1Bit)
		}
	}
	return nil
}
