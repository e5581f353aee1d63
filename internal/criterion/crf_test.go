package criterion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// Two labels, two steps, no transition scores, position scores favoring
// the reference path. The partition function is computable by hand:
//
//	alpha(:,0) = pos(:,0) = [1, 0]
//	alpha(k,1) = pos(k,1) + log(e^1 + e^0)
//	log Z      = 2*log(1+e)
//	score      = pos(0,0) + pos(1,1) = 2
//	NLL        = 2*log(1+e) - 2
func TestSequenceCRF_HandComputableChain(t *testing.T) {
	layout := tensor.NewLayout(1, 2)
	labels := node(t, "labels", [][]float64{
		{1, 0},
		{0, 1},
	}, false, layout)
	pos := node(t, "pos", [][]float64{
		{1, 0},
		{0, 1},
	}, true, layout)
	pair := node(t, "pair", [][]float64{
		{0, 0},
		{0, 0},
	}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	require.NoError(t, crf.Validate())
	require.NoError(t, crf.Forward())

	want := 2*math.Log(1+math.E) - 2
	assert.InDelta(t, want, crf.Value(), 1e-12)
}

func TestSequenceCRF_PositionGradient(t *testing.T) {
	layout := tensor.NewLayout(1, 2)
	labels := node(t, "labels", [][]float64{
		{1, 0},
		{0, 1},
	}, false, layout)
	pos := node(t, "pos", [][]float64{
		{1, 0},
		{0, 1},
	}, true, layout)
	pair := node(t, "pair", [][]float64{
		{0, 0},
		{0, 0},
	}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	require.NoError(t, crf.Forward())
	require.NoError(t, crf.Backward(1.0))

	grad := pos.Gradient()
	// Posterior minus labels: each column sums to zero.
	for tt := 0; tt < 2; tt++ {
		assert.InDelta(t, 0.0, grad.At(0, tt)+grad.At(1, tt), 1e-10)
	}
	// The reference label's gradient pushes its score up (negative).
	assert.Less(t, grad.At(0, 0), 0.0)
	assert.Less(t, grad.At(1, 1), 0.0)
	assert.Greater(t, grad.At(1, 0), 0.0)

	// Expected minus observed transition counts also sum to zero.
	pgrad := pair.Gradient()
	sum := 0.0
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			sum += pgrad.At(i, j)
		}
	}
	assert.InDelta(t, 0.0, sum, 1e-10)
}

func TestSequenceCRF_NumericalGradient(t *testing.T) {
	layout := tensor.NewLayout(1, 3)
	labels := node(t, "labels", [][]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1},
	}, false, layout)
	pos := node(t, "pos", [][]float64{
		{0.5, -0.2, 0.1},
		{0.0, 0.9, -0.3},
		{-0.4, 0.2, 0.7},
	}, true, layout)
	pair := node(t, "pair", [][]float64{
		{0.1, -0.2, 0.0},
		{0.3, 0.0, -0.1},
		{-0.3, 0.2, 0.1},
	}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	require.NoError(t, crf.Forward())
	require.NoError(t, crf.Backward(1.0))
	posGrad := pos.Gradient().Clone()
	pairGrad := pair.Gradient().Clone()

	const eps = 1e-6
	perturb := func(m *tensor.Matrix, i, j int) float64 {
		orig := m.At(i, j)
		m.Set(i, j, orig+eps)
		require.NoError(t, crf.Forward())
		plus := crf.Value()
		m.Set(i, j, orig-eps)
		require.NoError(t, crf.Forward())
		minus := crf.Value()
		m.Set(i, j, orig)
		return (plus - minus) / (2 * eps)
	}

	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			assert.InDelta(t, perturb(pos.Value(), i, j), posGrad.At(i, j), 1e-5, "pos(%d,%d)", i, j)
			assert.InDelta(t, perturb(pair.Value(), i, j), pairGrad.At(i, j), 1e-5, "pair(%d,%d)", i, j)
		}
	}
}

func TestSequenceCRF_RejectsParallelSequences(t *testing.T) {
	layout := tensor.NewLayout(2, 2)
	labels := node(t, "labels", [][]float64{
		{1, 1, 0, 0},
		{0, 0, 1, 1},
	}, false, layout)
	pos := node(t, "pos", [][]float64{
		{0, 0, 0, 0},
		{0, 0, 0, 0},
	}, true, layout)
	pair := node(t, "pair", [][]float64{
		{0, 0},
		{0, 0},
	}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	assert.Error(t, crf.Validate())
}

func TestSequenceCRF_RejectsNonSquarePairwise(t *testing.T) {
	layout := tensor.NewLayout(1, 1)
	labels := node(t, "labels", [][]float64{{1}, {0}}, false, layout)
	pos := node(t, "pos", [][]float64{{0}, {0}}, true, layout)
	pair := node(t, "pair", [][]float64{{0, 0, 0}, {0, 0, 0}}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	assert.Error(t, crf.Validate())
}

func TestSequenceCRF_ScratchPoolDrainsAfterBackward(t *testing.T) {
	layout := tensor.NewLayout(1, 2)
	labels := node(t, "labels", [][]float64{
		{1, 0},
		{0, 1},
	}, false, layout)
	pos := node(t, "pos", [][]float64{
		{0.5, -0.5},
		{0.25, 1.0},
	}, true, layout)
	pair := node(t, "pair", [][]float64{
		{0.1, 0.2},
		{0.3, 0.4},
	}, true, nil)

	crf := NewSequenceCRF("crf", labels, pos, pair)
	require.NoError(t, crf.Forward())
	require.NoError(t, crf.Backward(1))
	require.NoError(t, crf.Backward(1))
	assert.Equal(t, 0, crf.pool.Outstanding(), "every leased scratch matrix is returned")
}
