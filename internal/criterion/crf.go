package criterion

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// logZero stands in for log(0) in the lattice recursions; it is large
// enough to never win a max and small enough to never overflow when
// summed a few times.
const logZero = -1e30

// SequenceCRF is a linear-chain conditional random field criterion over a
// single sequence:
//
//	value = log Z - (sum_t labels(:,t).pos(:,t) + sum_t pair(next, cur))
//
// with Z the partition function computed by the forward (alpha)
// recursion. Backward runs the beta recursion for position-score
// posteriors and the transition recursion for pairwise-score gradients.
//
// Minibatches with more than one parallel sequence are rejected: the
// lattice recursions assume one chain per minibatch.
type SequenceCRF struct {
	scalarValue
	name     string
	labels   *graph.ValueNode // L x T, one-hot per column
	pos      *graph.ValueNode // L x T position scores
	pairwise *graph.ValueNode // L x L transition scores, pair(next, cur)

	alpha    *tensor.Matrix
	beta     *tensor.Matrix
	pool     *tensor.MatrixPool
	firstLbl int
}

// NewSequenceCRF creates the criterion over
// (labels, positionScores, pairwiseScores).
func NewSequenceCRF(name string, labels, pos, pairwise *graph.ValueNode) *SequenceCRF {
	return &SequenceCRF{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		pos:         pos,
		pairwise:    pairwise,
		alpha:       tensor.NewMatrix(0, 0),
		beta:        tensor.NewMatrix(0, 0),
		pool:        tensor.NewMatrixPool(),
	}
}

func (c *SequenceCRF) Kind() Kind   { return KindSequenceCRF }
func (c *SequenceCRF) Name() string { return c.name }

func (c *SequenceCRF) Validate() error {
	if err := requireSameShape(c.name, c.labels, c.pos); err != nil {
		return err
	}
	if err := requireSameLayout(c.name, c.labels, c.pos); err != nil {
		return err
	}
	numLabels := c.labels.Value().Rows()
	if c.pairwise.Value().Rows() != numLabels || c.pairwise.Value().Cols() != numLabels {
		return errors.Errorf("%s: pairwise scores must be %dx%d, got %dx%d",
			c.name, numLabels, numLabels, c.pairwise.Value().Rows(), c.pairwise.Value().Cols())
	}
	if layout := layoutOf(c.labels, c.pos); layout != nil && layout.NumParallelSequences() != 1 {
		return errors.Errorf("%s: only one parallel sequence is supported, got %d",
			c.name, layout.NumParallelSequences())
	}
	return nil
}

// labelAt returns the one-hot index of column t.
func (c *SequenceCRF) labelAt(t int) int {
	col := c.labels.Value().Column(t)
	best, bestVal := 0, col[0]
	for i, v := range col {
		if v > bestVal {
			best, bestVal = i, v
		}
	}
	return best
}

// prevAlpha returns the incoming score of label j at step t: the boundary
// distribution at t=0, alpha(j, t-1) otherwise.
func (c *SequenceCRF) prevAlpha(j, t int) float64 {
	if t == 0 {
		if j == c.firstLbl {
			return 0
		}
		return logZero
	}
	return c.alpha.At(j, t-1)
}

func (c *SequenceCRF) Forward() error {
	pos := c.pos.Value()
	pair := c.pairwise.Value()
	numLabels, numSteps := pos.Rows(), pos.Cols()
	if numSteps == 0 {
		c.setValue(0)
		return nil
	}
	c.firstLbl = c.labelAt(0)

	// Alpha recursion.
	c.alpha.Resize(numLabels, numSteps)
	scratch := make([]float64, numLabels)
	for t := 0; t < numSteps; t++ {
		for k := 0; k < numLabels; k++ {
			for j := 0; j < numLabels; j++ {
				scratch[j] = c.prevAlpha(j, t) + pair.At(k, j)
			}
			c.alpha.Set(k, t, floats.LogSumExp(scratch)+pos.At(k, t))
		}
	}
	logZ := floats.LogSumExp(c.alpha.Column(numSteps - 1))

	// Path score of the reference labels. The boundary step t=0 pairs
	// with the first label itself, mirroring the alpha recursion's
	// boundary distribution.
	score := c.labels.Value().InnerProduct(pos)
	prev := c.firstLbl
	for t := 0; t < numSteps; t++ {
		cur := c.labelAt(t)
		score += pair.At(cur, prev)
		prev = cur
	}

	c.setValue(logZ - score)
	return nil
}

// backwardBeta fills beta with log posteriors: at the last step the
// normalized alpha column, earlier via the backward recursion through the
// pairwise scores.
func (c *SequenceCRF) backwardBeta() {
	pair := c.pairwise.Value()
	numLabels, numSteps := c.alpha.Rows(), c.alpha.Cols()
	c.beta.Resize(numLabels, numSteps)

	last := numSteps - 1
	logZ := floats.LogSumExp(c.alpha.Column(last))
	for k := 0; k < numLabels; k++ {
		c.beta.Set(k, last, c.alpha.At(k, last)-logZ)
	}

	scratch := make([]float64, numLabels)
	denomScratch := make([]float64, numLabels)
	for t := last - 1; t >= 0; t-- {
		for k := 0; k < numLabels; k++ {
			for j := 0; j < numLabels; j++ {
				for m := 0; m < numLabels; m++ {
					denomScratch[m] = c.alpha.At(m, t) + pair.At(j, m)
				}
				scratch[j] = c.beta.At(j, t+1) + c.alpha.At(k, t) + pair.At(j, k) - floats.LogSumExp(denomScratch)
			}
			c.beta.Set(k, t, floats.LogSumExp(scratch))
		}
	}
}

func (c *SequenceCRF) Backward(outGrad float64) error {
	numSteps := c.pos.Value().Cols()
	if numSteps == 0 {
		return nil
	}
	if c.alpha.Cols() != numSteps {
		return errors.Errorf("%s: Backward called before Forward", c.name)
	}
	c.backwardBeta()

	numLabels := c.pos.Value().Rows()
	labels := c.labels.Value()

	if c.pos.NeedsGradient() {
		grad := c.pos.Gradient()
		for t := 0; t < numSteps; t++ {
			g := grad.Column(t)
			lab := labels.Column(t)
			for k := 0; k < numLabels; k++ {
				g[k] += outGrad * (math.Exp(c.beta.At(k, t)) - lab[k])
			}
		}
	}

	if c.pairwise.NeedsGradient() {
		pair := c.pairwise.Value()
		grd := c.pool.Lease(numLabels, numLabels)
		defer c.pool.Release(grd)
		scratch := make([]float64, numLabels)

		// Expected transition counts under the model posterior.
		for t := 0; t < numSteps; t++ {
			for j := 0; j < numLabels; j++ {
				for k := 0; k < numLabels; k++ {
					scratch[k] = c.prevAlpha(k, t) + pair.At(j, k)
				}
				denom := floats.LogSumExp(scratch)
				for i := 0; i < numLabels; i++ {
					grd.AddAt(j, i, math.Exp(c.prevAlpha(i, t)+pair.At(j, i)-denom+c.beta.At(j, t)))
				}
			}
		}
		// Observed transition counts of the reference path.
		prev := c.firstLbl
		for t := 0; t < numSteps; t++ {
			cur := c.labelAt(t)
			grd.AddAt(cur, prev, -1)
			prev = cur
		}

		c.pairwise.Gradient().AddScaled(outGrad, grd)
	}
	return nil
}
