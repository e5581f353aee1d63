package criterion

import (
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// SquareError computes sum of squared differences between its two inputs,
// halved:
//
//	value = ||left - right||_F^2 / 2
//
// Gradients: d/dleft = outGrad * (left - right), d/dright the negation.
type SquareError struct {
	scalarValue
	name  string
	left  *graph.ValueNode
	right *graph.ValueNode

	leftMinusRight *tensor.Matrix
}

// NewSquareError creates a square-error criterion over (left, right).
func NewSquareError(name string, left, right *graph.ValueNode) *SquareError {
	return &SquareError{
		scalarValue:    newScalarValue(),
		name:           name,
		left:           left,
		right:          right,
		leftMinusRight: tensor.NewMatrix(0, 0),
	}
}

func (s *SquareError) Kind() Kind   { return KindSquareError }
func (s *SquareError) Name() string { return s.name }

func (s *SquareError) Validate() error {
	if err := requireSameShape(s.name, s.left, s.right); err != nil {
		return err
	}
	return requireSameLayout(s.name, s.left, s.right)
}

func (s *SquareError) Forward() error {
	s.leftMinusRight.CopyFrom(s.left.Value())
	s.leftMinusRight.Sub(s.right.Value())
	if layout := layoutOf(s.left, s.right); layout != nil {
		layout.MaskToZero(s.leftMinusRight)
	}
	norm := s.leftMinusRight.FrobeniusNorm()
	s.setValue(norm * norm / 2)
	return nil
}

func (s *SquareError) Backward(outGrad float64) error {
	// leftMinusRight is already gap-masked from Forward.
	if s.left.NeedsGradient() {
		s.left.Gradient().AddScaled(outGrad, s.leftMinusRight)
	}
	if s.right.NeedsGradient() {
		s.right.Gradient().AddScaled(-outGrad, s.leftMinusRight)
	}
	return nil
}
