// Package criterion implements the training criterion library: scalar
// loss nodes with exact forward and backward contracts over minibatch
// matrices.
//
// The set of criteria is closed. Each variant is a concrete struct tagged
// with a Kind; there is no open node hierarchy. All variants share three
// contracts:
//
//   - the output is a 1x1 scalar;
//   - layout gap columns are masked to zero before any reduction, so a
//     gap contributes exactly nothing to values or gradients;
//   - Backward accumulates additively into input gradient matrices.
package criterion

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// Kind tags a criterion variant.
type Kind int

const (
	KindSquareError Kind = iota
	KindCrossEntropyWithSoftmax
	KindCrossEntropy
	KindMatrixL1Reg
	KindMatrixL2Reg
	KindLogistic
	KindNoiseContrastiveEstimation
	KindClassBasedCrossEntropyWithSoftmax
	KindSequenceCRF
	KindSequenceWithSoftmax
)

var kindNames = map[Kind]string{
	KindSquareError:                       "SquareError",
	KindCrossEntropyWithSoftmax:           "CrossEntropyWithSoftmax",
	KindCrossEntropy:                      "CrossEntropy",
	KindMatrixL1Reg:                       "MatrixL1Reg",
	KindMatrixL2Reg:                       "MatrixL2Reg",
	KindLogistic:                          "Logistic",
	KindNoiseContrastiveEstimation:        "NoiseContrastiveEstimation",
	KindClassBasedCrossEntropyWithSoftmax: "ClassBasedCrossEntropyWithSoftmax",
	KindSequenceCRF:                       "SequenceCRF",
	KindSequenceWithSoftmax:               "SequenceWithSoftmax",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Criterion extends the graph-level contract with the variant tag.
type Criterion interface {
	graph.Criterion
	Kind() Kind
}

// scalarValue is the 1x1 output every criterion carries.
type scalarValue struct {
	out *tensor.Matrix
}

func newScalarValue() scalarValue {
	return scalarValue{out: tensor.NewMatrix(1, 1)}
}

// Value returns the scalar computed by the last Forward.
func (s *scalarValue) Value() float64 { return s.out.Get00() }

func (s *scalarValue) setValue(v float64) { s.out.Set(0, 0, v) }

// OutputMatrix returns the 1x1 output matrix.
func (s *scalarValue) OutputMatrix() *tensor.Matrix { return s.out }

// requireSameShape checks two inputs agree on dimensions.
func requireSameShape(name string, a, b *graph.ValueNode) error {
	if a.Value().Rows() != b.Value().Rows() || a.Value().Cols() != b.Value().Cols() {
		return errors.Errorf("%s: inputs %q (%dx%d) and %q (%dx%d) must match",
			name, a.Name(), a.Value().Rows(), a.Value().Cols(),
			b.Name(), b.Value().Rows(), b.Value().Cols())
	}
	return nil
}

// requireSameLayout checks two inputs were minibatched together.
func requireSameLayout(name string, a, b *graph.ValueNode) error {
	la, lb := a.Layout(), b.Layout()
	if la == nil && lb == nil {
		return nil
	}
	if la == nil || lb == nil || !la.SameAs(lb) {
		return errors.Errorf("%s: inputs %q and %q carry different minibatch layouts", name, a.Name(), b.Name())
	}
	return nil
}

// layoutOf returns the first non-nil layout among the nodes.
func layoutOf(nodes ...*graph.ValueNode) *tensor.MinibatchLayout {
	for _, n := range nodes {
		if n != nil && n.Layout() != nil {
			return n.Layout()
		}
	}
	return nil
}

// isGapCol reports whether col is a gap under layout; a nil layout has no
// gaps.
func isGapCol(layout *tensor.MinibatchLayout, col int) bool {
	return layout != nil && layout.IsGapCol(col)
}

// logSoftmaxInto writes log(softmax(src)) into dst using the log-sum-exp
// trick. Slices must have equal length.
func logSoftmaxInto(dst, src []float64) {
	lse := floats.LogSumExp(src)
	for i, v := range src {
		dst[i] = v - lse
	}
}
