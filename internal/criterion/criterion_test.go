package criterion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func TestSquareError_ForwardBackward(t *testing.T) {
	layout := tensor.NewFrameLayout(2)
	left := node(t, "left", [][]float64{{1, 3}}, true, layout)
	right := node(t, "right", [][]float64{{0, 1}}, true, layout)

	se := NewSquareError("se", left, right)
	require.NoError(t, se.Validate())
	require.NoError(t, se.Forward())
	assert.InDelta(t, (1.0+4.0)/2, se.Value(), 1e-12)

	require.NoError(t, se.Backward(2.0))
	assert.InDelta(t, 2.0*1.0, left.Gradient().At(0, 0), 1e-12)
	assert.InDelta(t, 2.0*2.0, left.Gradient().At(0, 1), 1e-12)
	assert.InDelta(t, -2.0*1.0, right.Gradient().At(0, 0), 1e-12)
}

func TestSquareError_GradientsAccumulate(t *testing.T) {
	layout := tensor.NewFrameLayout(1)
	left := node(t, "left", [][]float64{{2}}, true, layout)
	right := node(t, "right", [][]float64{{1}}, true, layout)

	se := NewSquareError("se", left, right)
	require.NoError(t, se.Forward())
	require.NoError(t, se.Backward(1.0))
	require.NoError(t, se.Backward(1.0))

	// Two backward passes without zeroing double the gradient.
	assert.InDelta(t, 2.0, left.Gradient().At(0, 0), 1e-12)
}

func TestSquareError_GapColumnsContributeNothing(t *testing.T) {
	layout := tensor.NewFrameLayout(2)
	layout.SetGap(1, 0)
	left := node(t, "left", [][]float64{{1, 1e9}}, true, layout)
	right := node(t, "right", [][]float64{{0, -1e9}}, true, layout)

	se := NewSquareError("se", left, right)
	require.NoError(t, se.Forward())
	assert.InDelta(t, 0.5, se.Value(), 1e-12)

	require.NoError(t, se.Backward(1.0))
	assert.Equal(t, 0.0, left.Gradient().At(0, 1))
}

func TestMatrixL1Reg(t *testing.T) {
	layout := tensor.NewFrameLayout(3)
	layout.SetGap(2, 0)
	input := node(t, "input", [][]float64{{2, -3, 100}}, true, layout)

	r := NewMatrixL1Reg("l1", input)
	require.NoError(t, r.Forward())
	assert.InDelta(t, 5.0, r.Value(), 1e-12)

	require.NoError(t, r.Backward(1.0))
	assert.InDelta(t, 1.0, input.Gradient().At(0, 0), 1e-12)
	assert.InDelta(t, -1.0, input.Gradient().At(0, 1), 1e-12)
	assert.Equal(t, 0.0, input.Gradient().At(0, 2))
}

func TestMatrixL2Reg(t *testing.T) {
	input := node(t, "input", [][]float64{{3}, {4}}, true, nil)

	r := NewMatrixL2Reg("l2", input)
	require.NoError(t, r.Forward())
	assert.InDelta(t, 5.0, r.Value(), 1e-12)

	require.NoError(t, r.Backward(1.0))
	// grad = input / ||input||.
	assert.InDelta(t, 3.0/5.0, input.Gradient().At(0, 0), 1e-6)
	assert.InDelta(t, 4.0/5.0, input.Gradient().At(1, 0), 1e-6)
}

// labelGamma returns the labels themselves as posteriors, the identity
// case where sequence training degenerates to plain cross entropy.
type labelGamma struct {
	labels *tensor.Matrix
}

func (g *labelGamma) CalculateGamma(logits *tensor.Matrix, layout *tensor.MinibatchLayout) (*tensor.Matrix, error) {
	return g.labels.Clone(), nil
}

func TestSequenceWithSoftmax_ZeroSmoothingMatchesCrossEntropy(t *testing.T) {
	layout := tensor.NewFrameLayout(2)
	labelData := [][]float64{
		{1, 0},
		{0, 1},
	}
	logitData := [][]float64{
		{0.7, -0.4},
		{-0.2, 1.1},
	}

	labels := node(t, "labels", labelData, false, layout)
	logits := node(t, "logits", logitData, true, layout)
	seq := NewSequenceWithSoftmax("seq", labels, logits, &labelGamma{labels: labels.Value()})
	require.NoError(t, seq.Validate())
	require.NoError(t, seq.Forward())
	require.NoError(t, seq.Backward(1.0))

	labels2 := node(t, "labels", labelData, false, layout)
	logits2 := node(t, "logits", logitData, true, layout)
	ce := NewCrossEntropyWithSoftmax("ce", labels2, logits2)
	require.NoError(t, ce.Forward())
	require.NoError(t, ce.Backward(1.0))

	assert.InDelta(t, ce.Value(), seq.Value(), 1e-12)
	assert.True(t, logits.Gradient().EqualApprox(logits2.Gradient(), 1e-12))
}

func TestSequenceWithSoftmax_SmoothingBlendsGamma(t *testing.T) {
	layout := tensor.NewFrameLayout(1)
	labels := node(t, "labels", [][]float64{{1}, {0}}, false, layout)
	logits := node(t, "logits", [][]float64{{0.0}, {0.0}}, true, layout)

	seq := NewSequenceWithSoftmax("seq", labels, logits, &labelGamma{labels: labels.Value()})
	seq.SmoothingWeight = 0.4
	require.NoError(t, seq.Forward())
	require.NoError(t, seq.Backward(1.0))

	// softmax = [0.5, 0.5], gamma = labels = [1, 0]:
	// grad = 0.6*softmax + 0.4*gamma - labels.
	assert.InDelta(t, 0.6*0.5+0.4*1.0-1.0, logits.Gradient().At(0, 0), 1e-12)
	assert.InDelta(t, 0.6*0.5, logits.Gradient().At(1, 0), 1e-12)
}

func TestSequenceWithSoftmax_FrameDropping(t *testing.T) {
	layout := tensor.NewFrameLayout(2)
	labels := node(t, "labels", [][]float64{{1, 1}, {0, 0}}, false, layout)
	logits := node(t, "logits", [][]float64{{2.0, 2.0}, {0.0, 0.0}}, true, layout)

	// Gamma gives the second frame's reference label near-zero
	// occupancy, so it is dropped.
	gamma, err := tensor.FromRows([][]float64{{0.9, 0.01}, {0.1, 0.99}})
	require.NoError(t, err)

	seq := NewSequenceWithSoftmax("seq", labels, logits, &labelGamma{labels: gamma})
	seq.FrameDropThresh = 0.5
	require.NoError(t, seq.Forward())
	require.NoError(t, seq.Backward(1.0))

	assert.Equal(t, 0.0, logits.Gradient().At(0, 1))
	assert.Equal(t, 0.0, logits.Gradient().At(1, 1))
	assert.NotEqual(t, 0.0, logits.Gradient().At(0, 0))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "CrossEntropyWithSoftmax", KindCrossEntropyWithSoftmax.String())
	assert.Equal(t, "SequenceCRF", KindSequenceCRF.String())
	assert.Equal(t, "Unknown", Kind(99).String())
}
