package criterion

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// labelRows is the fixed row layout of a class-based label matrix:
// word index, class index, class range start, class range end.
const labelRows = 4

// ClassBasedCrossEntropyWithSoftmax factors a large-vocabulary softmax
// into a class decision and a word decision within the class:
//
//	value = -sum over non-gap tokens of
//	        ( logSoftmax(weight[:,lft:rgt]^T input)[word-lft]
//	        + logSoftmax(classProbs)[class] )
//
// The labels matrix has exactly four rows per token: word index, class
// index, and the [lft, rgt) column range of the class's words in the
// weight matrix. The label-driven loop is inherently data-dependent and
// runs on the host.
type ClassBasedCrossEntropyWithSoftmax struct {
	scalarValue
	name       string
	labels     *graph.ValueNode // 4 x T
	input      *graph.ValueNode // d x T
	weight     *graph.ValueNode // d x V
	classProbs *graph.ValueNode // C x T, before softmax

	// Concatenated per-token word logSoftmax vectors; tokenOffset[t] is
	// the start of token t's span, gap tokens have empty spans.
	wordLogSoftmax  []float64
	tokenOffset     []int
	tokenSpan       []int
	classLogSoftmax *tensor.Matrix
}

// NewClassBasedCrossEntropyWithSoftmax creates the criterion over
// (labels, input, weight, classProbsBeforeSoftmax).
func NewClassBasedCrossEntropyWithSoftmax(name string, labels, input, weight, classProbs *graph.ValueNode) *ClassBasedCrossEntropyWithSoftmax {
	return &ClassBasedCrossEntropyWithSoftmax{
		scalarValue:     newScalarValue(),
		name:            name,
		labels:          labels,
		input:           input,
		weight:          weight,
		classProbs:      classProbs,
		classLogSoftmax: tensor.NewMatrix(0, 0),
	}
}

func (c *ClassBasedCrossEntropyWithSoftmax) Kind() Kind {
	return KindClassBasedCrossEntropyWithSoftmax
}

func (c *ClassBasedCrossEntropyWithSoftmax) Name() string { return c.name }

func (c *ClassBasedCrossEntropyWithSoftmax) Validate() error {
	if c.labels.Value().Rows() != labelRows {
		return errors.Errorf("%s: label input must have exactly %d rows (word, class, range start, range end), got %d",
			c.name, labelRows, c.labels.Value().Rows())
	}
	if c.labels.Value().Cols() != c.input.Value().Cols() {
		return errors.Errorf("%s: labels and input disagree on token count: %d vs %d",
			c.name, c.labels.Value().Cols(), c.input.Value().Cols())
	}
	if c.classProbs.Value().Cols() != c.input.Value().Cols() {
		return errors.Errorf("%s: class probabilities and input disagree on token count: %d vs %d",
			c.name, c.classProbs.Value().Cols(), c.input.Value().Cols())
	}
	if c.input.Value().Rows() != c.weight.Value().Rows() {
		return errors.Errorf("%s: input rows (%d) must match weight rows (%d)",
			c.name, c.input.Value().Rows(), c.weight.Value().Rows())
	}
	if err := requireSameLayout(c.name, c.labels, c.input); err != nil {
		return err
	}
	return requireSameLayout(c.name, c.labels, c.classProbs)
}

func (c *ClassBasedCrossEntropyWithSoftmax) token(t int) (wrd, cls, lft, rgt int, err error) {
	lab := c.labels.Value()
	wrd = int(lab.At(0, t))
	cls = int(lab.At(1, t))
	lft = int(lab.At(2, t))
	rgt = int(lab.At(3, t))
	switch {
	case lft < 0 || rgt > c.weight.Value().Cols() || rgt <= lft:
		err = errors.Errorf("%s: token %d has bad class range [%d, %d) for %d weight columns",
			c.name, t, lft, rgt, c.weight.Value().Cols())
	case wrd < lft || wrd >= rgt:
		err = errors.Errorf("%s: token %d word %d outside its class range [%d, %d)", c.name, t, wrd, lft, rgt)
	case cls < 0 || cls >= c.classProbs.Value().Rows():
		err = errors.Errorf("%s: token %d class %d out of range", c.name, t, cls)
	}
	return
}

func (c *ClassBasedCrossEntropyWithSoftmax) Forward() error {
	input := c.input.Value()
	weight := c.weight.Value()
	classProbs := c.classProbs.Value()
	layout := layoutOf(c.labels, c.input, c.classProbs)
	numTokens := input.Cols()
	dim := input.Rows()

	c.tokenOffset = make([]int, numTokens)
	c.tokenSpan = make([]int, numTokens)
	c.wordLogSoftmax = c.wordLogSoftmax[:0]
	c.classLogSoftmax.Resize(classProbs.Rows(), numTokens)
	c.classLogSoftmax.Zero()

	sum := 0.0
	for t := 0; t < numTokens; t++ {
		c.tokenOffset[t] = len(c.wordLogSoftmax)
		if isGapCol(layout, t) {
			continue
		}
		wrd, cls, lft, rgt, err := c.token(t)
		if err != nil {
			return err
		}
		span := rgt - lft
		c.tokenSpan[t] = span

		// Word scores: weight[:, lft:rgt]^T * input[:, t].
		scores := make([]float64, span)
		in := input.Column(t)
		for i := 0; i < span; i++ {
			w := weight.Column(lft + i)
			s := 0.0
			for r := 0; r < dim; r++ {
				s += w[r] * in[r]
			}
			scores[i] = s
		}
		logSoftmaxInto(scores, scores)
		c.wordLogSoftmax = append(c.wordLogSoftmax, scores...)
		sum -= scores[wrd-lft]

		// Class scores.
		cl := c.classLogSoftmax.Column(t)
		logSoftmaxInto(cl, classProbs.Column(t))
		sum -= cl[cls]
	}
	c.setValue(sum)
	return nil
}

func (c *ClassBasedCrossEntropyWithSoftmax) Backward(outGrad float64) error {
	input := c.input.Value()
	weight := c.weight.Value()
	layout := layoutOf(c.labels, c.input, c.classProbs)
	dim := input.Rows()

	for t := 0; t < input.Cols(); t++ {
		if isGapCol(layout, t) || c.tokenSpan[t] == 0 {
			continue
		}
		wrd, cls, lft, _, err := c.token(t)
		if err != nil {
			return err
		}
		span := c.tokenSpan[t]
		ls := c.wordLogSoftmax[c.tokenOffset[t] : c.tokenOffset[t]+span]

		// Gradient into the word softmax input: softmax - onehot, scaled.
		grdToSoftMaxInput := make([]float64, span)
		for i := range grdToSoftMaxInput {
			g := math.Exp(ls[i])
			if i == wrd-lft {
				g -= 1
			}
			grdToSoftMaxInput[i] = outGrad * g
		}

		in := input.Column(t)
		if c.input.NeedsGradient() {
			gi := c.input.Gradient().Column(t)
			for i := 0; i < span; i++ {
				w := weight.Column(lft + i)
				for r := 0; r < dim; r++ {
					gi[r] += grdToSoftMaxInput[i] * w[r]
				}
			}
		}
		if c.weight.NeedsGradient() {
			gw := c.weight.Gradient()
			for i := 0; i < span; i++ {
				col := gw.Column(lft + i)
				for r := 0; r < dim; r++ {
					col[r] += grdToSoftMaxInput[i] * in[r]
				}
			}
		}
		if c.classProbs.NeedsGradient() {
			gc := c.classProbs.Gradient().Column(t)
			cl := c.classLogSoftmax.Column(t)
			for i := range gc {
				g := math.Exp(cl[i])
				if i == cls {
					g -= 1
				}
				gc[i] += outGrad * g
			}
		}
	}
	return nil
}
