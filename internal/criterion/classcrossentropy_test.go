package criterion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func TestClassBasedCrossEntropy_SmallVocab(t *testing.T) {
	// Vocabulary of 4 words in 2 classes: class 0 owns columns [0,2),
	// class 1 owns [2,4). One token: word 3 in class 1.
	layout := tensor.NewFrameLayout(1)
	labels := node(t, "labels", [][]float64{
		{3}, // word
		{1}, // class
		{2}, // range start
		{4}, // range end
	}, false, layout)
	input := node(t, "input", [][]float64{{1.0}, {-0.5}}, true, layout)
	weight := node(t, "weight", [][]float64{
		{0.1, 0.2, 0.3, 0.4},
		{0.5, 0.6, 0.7, 0.8},
	}, true, nil)
	classProbs := node(t, "classProbs", [][]float64{{0.2}, {0.9}}, true, layout)

	ce := NewClassBasedCrossEntropyWithSoftmax("cbce", labels, input, weight, classProbs)
	require.NoError(t, ce.Validate())
	require.NoError(t, ce.Forward())

	// Word scores over the class range: w[:,2].x and w[:,3].x.
	s2 := 0.3*1.0 + 0.7*(-0.5)
	s3 := 0.4*1.0 + 0.8*(-0.5)
	want := -(s3 - refLogSumExp([]float64{s2, s3})) - (0.9 - refLogSumExp([]float64{0.2, 0.9}))
	assert.InDelta(t, want, ce.Value(), 1e-12)
}

func TestClassBasedCrossEntropy_NumericalGradient(t *testing.T) {
	layout := tensor.NewFrameLayout(2)
	labels := node(t, "labels", [][]float64{
		{1, 2},
		{0, 1},
		{0, 2},
		{2, 4},
	}, false, layout)
	input := node(t, "input", [][]float64{
		{0.4, -0.2},
		{-0.1, 0.8},
	}, true, layout)
	weight := node(t, "weight", [][]float64{
		{0.1, -0.2, 0.3, 0.0},
		{0.5, 0.1, -0.4, 0.2},
	}, true, nil)
	classProbs := node(t, "classProbs", [][]float64{
		{0.3, -0.1},
		{-0.2, 0.6},
	}, true, layout)

	ce := NewClassBasedCrossEntropyWithSoftmax("cbce", labels, input, weight, classProbs)
	require.NoError(t, ce.Validate())
	require.NoError(t, ce.Forward())
	require.NoError(t, ce.Backward(1.0))

	check := func(name string, m, grad *tensor.Matrix) {
		const eps = 1e-6
		for i := 0; i < m.Rows(); i++ {
			for j := 0; j < m.Cols(); j++ {
				orig := m.At(i, j)
				m.Set(i, j, orig+eps)
				require.NoError(t, ce.Forward())
				plus := ce.Value()
				m.Set(i, j, orig-eps)
				require.NoError(t, ce.Forward())
				minus := ce.Value()
				m.Set(i, j, orig)
				assert.InDelta(t, (plus-minus)/(2*eps), grad.At(i, j), 1e-5, "%s(%d,%d)", name, i, j)
			}
		}
	}
	check("input", input.Value(), input.Gradient().Clone())
	check("weight", weight.Value(), weight.Gradient().Clone())
	check("classProbs", classProbs.Value(), classProbs.Gradient().Clone())
}

func TestClassBasedCrossEntropy_RequiresFourLabelRows(t *testing.T) {
	layout := tensor.NewFrameLayout(1)
	labels := node(t, "labels", [][]float64{{0}, {0}, {0}}, false, layout)
	input := node(t, "input", [][]float64{{1}}, true, layout)
	weight := node(t, "weight", [][]float64{{1, 1}}, true, nil)
	classProbs := node(t, "classProbs", [][]float64{{0}}, true, layout)

	ce := NewClassBasedCrossEntropyWithSoftmax("cbce", labels, input, weight, classProbs)
	assert.Error(t, ce.Validate())
}

func TestClassBasedCrossEntropy_RejectsWordOutsideRange(t *testing.T) {
	layout := tensor.NewFrameLayout(1)
	labels := node(t, "labels", [][]float64{{0}, {1}, {2}, {4}}, false, layout)
	input := node(t, "input", [][]float64{{1}, {1}}, true, layout)
	weight := node(t, "weight", [][]float64{
		{1, 1, 1, 1},
		{1, 1, 1, 1},
	}, true, nil)
	classProbs := node(t, "classProbs", [][]float64{{0}, {0}}, true, layout)

	ce := NewClassBasedCrossEntropyWithSoftmax("cbce", labels, input, weight, classProbs)
	require.NoError(t, ce.Validate())
	assert.Error(t, ce.Forward())
}
