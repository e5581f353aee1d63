package criterion

import (
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// matrixL2Epsilon guards the L2 gradient against division by a zero norm.
const matrixL2Epsilon = 1e-8

// MatrixL1Reg is the L1 penalty criterion: value = ||input||_1 over
// non-gap columns, gradient outGrad * sign(input).
type MatrixL1Reg struct {
	scalarValue
	name  string
	input *graph.ValueNode

	masked *tensor.Matrix
}

// NewMatrixL1Reg creates an L1 penalty over input.
func NewMatrixL1Reg(name string, input *graph.ValueNode) *MatrixL1Reg {
	return &MatrixL1Reg{
		scalarValue: newScalarValue(),
		name:        name,
		input:       input,
		masked:      tensor.NewMatrix(0, 0),
	}
}

func (r *MatrixL1Reg) Kind() Kind      { return KindMatrixL1Reg }
func (r *MatrixL1Reg) Name() string    { return r.name }
func (r *MatrixL1Reg) Validate() error { return nil }

func (r *MatrixL1Reg) Forward() error {
	r.masked.CopyFrom(r.input.Value())
	if layout := r.input.Layout(); layout != nil {
		layout.MaskToZero(r.masked)
	}
	r.setValue(r.masked.Norm1())
	return nil
}

func (r *MatrixL1Reg) Backward(outGrad float64) error {
	if r.input.NeedsGradient() {
		// masked has zeros in gap columns; sign(0) contributes nothing.
		r.input.Gradient().AddSignScaled(outGrad, r.masked)
	}
	return nil
}

// MatrixL2Reg is the L2 penalty criterion: value = ||input||_F over
// non-gap columns, gradient (outGrad / value) * input.
type MatrixL2Reg struct {
	scalarValue
	name  string
	input *graph.ValueNode

	masked *tensor.Matrix
}

// NewMatrixL2Reg creates an L2 penalty over input.
func NewMatrixL2Reg(name string, input *graph.ValueNode) *MatrixL2Reg {
	return &MatrixL2Reg{
		scalarValue: newScalarValue(),
		name:        name,
		input:       input,
		masked:      tensor.NewMatrix(0, 0),
	}
}

func (r *MatrixL2Reg) Kind() Kind      { return KindMatrixL2Reg }
func (r *MatrixL2Reg) Name() string    { return r.name }
func (r *MatrixL2Reg) Validate() error { return nil }

func (r *MatrixL2Reg) Forward() error {
	r.masked.CopyFrom(r.input.Value())
	if layout := r.input.Layout(); layout != nil {
		layout.MaskToZero(r.masked)
	}
	r.setValue(r.masked.FrobeniusNorm())
	return nil
}

func (r *MatrixL2Reg) Backward(outGrad float64) error {
	if r.input.NeedsGradient() {
		r.input.Gradient().AddScaled(outGrad/(r.Value()+matrixL2Epsilon), r.masked)
	}
	return nil
}
