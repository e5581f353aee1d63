package criterion

import (
	"math"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// Logistic is the binary cross-entropy criterion over per-element
// probabilities, with an optional per-element weight input:
//
//	r     = 2*y*p + (1 - y) - p     (= p when y=1, 1-p when y=0)
//	value = -sum of w * log(r) over non-gap columns
//
// Gradients are defined only for the probability input.
type Logistic struct {
	scalarValue
	name    string
	labels  *graph.ValueNode
	probs   *graph.ValueNode
	weights *graph.ValueNode // optional, may be nil

	ratio *tensor.Matrix
}

// NewLogistic creates an unweighted logistic criterion.
func NewLogistic(name string, labels, probs *graph.ValueNode) *Logistic {
	return &Logistic{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		probs:       probs,
		ratio:       tensor.NewMatrix(0, 0),
	}
}

// NewWeightedLogistic creates a logistic criterion with per-element
// weights.
func NewWeightedLogistic(name string, labels, probs, weights *graph.ValueNode) *Logistic {
	l := NewLogistic(name, labels, probs)
	l.weights = weights
	return l
}

func (l *Logistic) Kind() Kind   { return KindLogistic }
func (l *Logistic) Name() string { return l.name }

func (l *Logistic) Validate() error {
	if err := requireSameShape(l.name, l.labels, l.probs); err != nil {
		return err
	}
	if err := requireSameLayout(l.name, l.labels, l.probs); err != nil {
		return err
	}
	if l.weights != nil {
		// Weights ride along with the labels, so they must match them.
		if err := requireSameShape(l.name, l.labels, l.weights); err != nil {
			return err
		}
		if err := requireSameLayout(l.name, l.labels, l.weights); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logistic) weightAt(i, j int) float64 {
	if l.weights == nil {
		return 1
	}
	return l.weights.Value().At(i, j)
}

func (l *Logistic) Forward() error {
	labels := l.labels.Value()
	probs := l.probs.Value()
	layout := layoutOf(l.labels, l.probs)

	l.ratio.Resize(probs.Rows(), probs.Cols())
	l.ratio.Fill(1) // log(1)=0 in gap columns

	sum := 0.0
	for j := 0; j < probs.Cols(); j++ {
		if isGapCol(layout, j) {
			continue
		}
		for i := 0; i < probs.Rows(); i++ {
			y := labels.At(i, j)
			p := probs.At(i, j)
			r := 2*y*p + (1 - y) - p
			l.ratio.Set(i, j, r)
			sum -= l.weightAt(i, j) * math.Log(r)
		}
	}
	l.setValue(sum)
	return nil
}

func (l *Logistic) Backward(outGrad float64) error {
	if !l.probs.NeedsGradient() {
		return nil
	}
	layout := layoutOf(l.labels, l.probs)
	grad := l.probs.Gradient()
	labels := l.labels.Value()
	for j := 0; j < grad.Cols(); j++ {
		if isGapCol(layout, j) {
			continue
		}
		for i := 0; i < grad.Rows(); i++ {
			y := labels.At(i, j)
			r := l.ratio.At(i, j)
			grad.AddAt(i, j, outGrad*l.weightAt(i, j)*(1-2*y)/r)
		}
	}
	return nil
}
