package criterion

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// CrossEntropyWithSoftmax fuses a softmax with the cross-entropy
// reduction:
//
//	value = -sum over non-gap columns of labels . logSoftmax(logits)
//
// The fused form backpropagates as softmax(logits) - labels, which is both
// cheaper and numerically safer than differentiating through an explicit
// softmax.
type CrossEntropyWithSoftmax struct {
	scalarValue
	name   string
	labels *graph.ValueNode
	logits *graph.ValueNode

	logSoftmax *tensor.Matrix
	softmax    *tensor.Matrix
}

// NewCrossEntropyWithSoftmax creates the fused criterion over
// (labels, logits).
func NewCrossEntropyWithSoftmax(name string, labels, logits *graph.ValueNode) *CrossEntropyWithSoftmax {
	return &CrossEntropyWithSoftmax{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		logits:      logits,
		logSoftmax:  tensor.NewMatrix(0, 0),
		softmax:     tensor.NewMatrix(0, 0),
	}
}

func (c *CrossEntropyWithSoftmax) Kind() Kind   { return KindCrossEntropyWithSoftmax }
func (c *CrossEntropyWithSoftmax) Name() string { return c.name }

func (c *CrossEntropyWithSoftmax) Validate() error {
	if err := requireSameShape(c.name, c.labels, c.logits); err != nil {
		return err
	}
	return requireSameLayout(c.name, c.labels, c.logits)
}

func (c *CrossEntropyWithSoftmax) Forward() error {
	logits := c.logits.Value()
	labels := c.labels.Value()
	layout := layoutOf(c.labels, c.logits)

	c.logSoftmax.Resize(logits.Rows(), logits.Cols())
	c.logSoftmax.Zero()
	c.softmax.Resize(logits.Rows(), logits.Cols())
	c.softmax.Zero()

	sum := 0.0
	for j := 0; j < logits.Cols(); j++ {
		if isGapCol(layout, j) {
			continue
		}
		ls := c.logSoftmax.Column(j)
		logSoftmaxInto(ls, logits.Column(j))
		sm := c.softmax.Column(j)
		for i, v := range ls {
			sm[i] = math.Exp(v)
		}
		lab := labels.Column(j)
		for i, y := range lab {
			sum -= y * ls[i]
		}
	}
	c.setValue(sum)
	return nil
}

func (c *CrossEntropyWithSoftmax) Backward(outGrad float64) error {
	layout := layoutOf(c.labels, c.logits)
	if c.logits.NeedsGradient() {
		grad := c.logits.Gradient()
		labels := c.labels.Value()
		for j := 0; j < grad.Cols(); j++ {
			if isGapCol(layout, j) {
				continue
			}
			g := grad.Column(j)
			sm := c.softmax.Column(j)
			lab := labels.Column(j)
			for i := range g {
				g[i] += outGrad * (sm[i] - lab[i])
			}
		}
	}
	if c.labels.NeedsGradient() {
		grad := c.labels.Gradient()
		for j := 0; j < grad.Cols(); j++ {
			if isGapCol(layout, j) {
				continue
			}
			g := grad.Column(j)
			ls := c.logSoftmax.Column(j)
			for i := range g {
				g[i] -= outGrad * ls[i]
			}
		}
	}
	return nil
}

// CrossEntropy computes cross entropy against probabilities the network
// already normalized:
//
//	value = -sum over non-gap columns of labels . log(probabilities)
//
// The label input must be a constant; gradients flow only to the
// probability input, as -labels/probabilities.
type CrossEntropy struct {
	scalarValue
	name   string
	labels *graph.ValueNode
	probs  *graph.ValueNode

	logOfProb *tensor.Matrix
}

// NewCrossEntropy creates a plain cross-entropy criterion over
// (labels, probabilities).
func NewCrossEntropy(name string, labels, probs *graph.ValueNode) *CrossEntropy {
	return &CrossEntropy{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		probs:       probs,
		logOfProb:   tensor.NewMatrix(0, 0),
	}
}

func (c *CrossEntropy) Kind() Kind   { return KindCrossEntropy }
func (c *CrossEntropy) Name() string { return c.name }

func (c *CrossEntropy) Validate() error {
	if c.labels.NeedsGradient() {
		return errors.Errorf("%s: label input %q must be a constant", c.name, c.labels.Name())
	}
	if err := requireSameShape(c.name, c.labels, c.probs); err != nil {
		return err
	}
	return requireSameLayout(c.name, c.labels, c.probs)
}

func (c *CrossEntropy) Forward() error {
	probs := c.probs.Value()
	labels := c.labels.Value()
	layout := layoutOf(c.labels, c.probs)

	c.logOfProb.Resize(probs.Rows(), probs.Cols())
	c.logOfProb.Zero()

	sum := 0.0
	for j := 0; j < probs.Cols(); j++ {
		if isGapCol(layout, j) {
			continue
		}
		lp := c.logOfProb.Column(j)
		p := probs.Column(j)
		lab := labels.Column(j)
		for i := range p {
			lp[i] = math.Log(p[i])
			sum -= lab[i] * lp[i]
		}
	}
	c.setValue(sum)
	return nil
}

func (c *CrossEntropy) Backward(outGrad float64) error {
	if !c.probs.NeedsGradient() {
		return nil
	}
	layout := layoutOf(c.labels, c.probs)
	grad := c.probs.Gradient()
	probs := c.probs.Value()
	labels := c.labels.Value()
	for j := 0; j < grad.Cols(); j++ {
		if isGapCol(layout, j) {
			continue
		}
		g := grad.Column(j)
		p := probs.Column(j)
		lab := labels.Column(j)
		for i := range g {
			g[i] -= outGrad * lab[i] / p[i]
		}
	}
	return nil
}
