package criterion

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func TestReadNCEEvalMode_ValidValue(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNCEEvalMode(&buf, NCEEvalUnnormalized))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int32(42)))

	r := bytes.NewReader(buf.Bytes())
	mode, err := ReadNCEEvalMode(r)
	require.NoError(t, err)
	assert.Equal(t, NCEEvalUnnormalized, mode)

	var next int32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &next))
	assert.Equal(t, int32(42), next)
}

func TestReadNCEEvalMode_LegacyClampPreservesPosition(t *testing.T) {
	// A legacy stream has no eval-mode field: the bytes at the cursor
	// belong to the next field. The decoder must clamp to None and leave
	// the cursor untouched so that field still decodes.
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, int32(9999)))

	r := bytes.NewReader(buf.Bytes())
	mode, err := ReadNCEEvalMode(r)
	require.NoError(t, err)
	assert.Equal(t, NCEEvalNone, mode)

	pos, err := r.Seek(0, io.SeekCurrent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	var next int32
	require.NoError(t, binary.Read(r, binary.LittleEndian, &next))
	assert.Equal(t, int32(9999), next)
}

// buildNCE wires a 3-word vocabulary with one noise sample per token.
func buildNCE(t *testing.T) (*NoiseContrastiveEstimation, *tensor.Matrix) {
	t.Helper()
	layout := tensor.NewFrameLayout(1)
	logNoise := math.Log(1.0 / 3.0) // k * Pnoise with k=1, uniform noise
	labels := node(t, "labels", [][]float64{
		{0},        // true word
		{2},        // noise sample
		{logNoise}, // log(k*Pn) for the true word
		{logNoise}, // log(k*Pn) for the noise word
	}, false, layout)
	input := node(t, "input", [][]float64{{0.5}, {-0.25}}, true, layout)
	weight := node(t, "weight", [][]float64{
		{0.1, 0.2},
		{-0.3, 0.4},
		{0.5, -0.6},
	}, true, nil)
	bias := node(t, "bias", [][]float64{{0.0}, {0.1}, {-0.1}}, true, nil)

	nce := NewNoiseContrastiveEstimation("nce", labels, input, weight, bias)
	require.NoError(t, nce.Validate())
	return nce, input.Value()
}

func TestNCE_ForwardMatchesManualObjective(t *testing.T) {
	nce, in := buildNCE(t)
	require.NoError(t, nce.Forward())

	logNoise := math.Log(1.0 / 3.0)
	score := func(row int, w [][]float64, b []float64) float64 {
		return w[row][0]*in.At(0, 0) + w[row][1]*in.At(1, 0) + b[row]
	}
	w := [][]float64{{0.1, 0.2}, {-0.3, 0.4}, {0.5, -0.6}}
	b := []float64{0.0, 0.1, -0.1}
	sigma := func(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

	want := -math.Log(sigma(score(0, w, b)-logNoise)) - math.Log(1-sigma(score(2, w, b)-logNoise))
	assert.InDelta(t, want, nce.Value(), 1e-12)
}

func TestNCE_NumericalGradient(t *testing.T) {
	nce, _ := buildNCE(t)
	require.NoError(t, nce.Forward())
	require.NoError(t, nce.Backward(1.0))

	check := func(name string, m, grad *tensor.Matrix) {
		const eps = 1e-6
		for i := 0; i < m.Rows(); i++ {
			for j := 0; j < m.Cols(); j++ {
				orig := m.At(i, j)
				m.Set(i, j, orig+eps)
				require.NoError(t, nce.Forward())
				plus := nce.Value()
				m.Set(i, j, orig-eps)
				require.NoError(t, nce.Forward())
				minus := nce.Value()
				m.Set(i, j, orig)
				assert.InDelta(t, (plus-minus)/(2*eps), grad.At(i, j), 1e-5, "%s(%d,%d)", name, i, j)
			}
		}
	}
	check("input", nce.input.Value(), nce.input.Gradient().Clone())
	check("weight", nce.weight.Value(), nce.weight.Gradient().Clone())
	check("bias", nce.bias.Value(), nce.bias.Gradient().Clone())
}

func TestNCE_EvalModes(t *testing.T) {
	nce, _ := buildNCE(t)
	require.NoError(t, nce.Forward())

	nce.SetEvalMode(NCEEvalSoftmax)
	softmaxLoss := nce.EvaluateColumn(0)
	assert.Greater(t, softmaxLoss, 0.0)

	nce.SetEvalMode(NCEEvalUnnormalized)
	unnormalized := nce.EvaluateColumn(0)
	// Raw negative logit of the true word: w[0].x + b[0] = 0.
	assert.InDelta(t, 0.0, unnormalized, 1e-12)

	nce.SetEvalMode(NCEEvalNone)
	assert.InDelta(t, nce.Value(), nce.EvaluateColumn(0), 1e-12)
}

func TestNCE_ValidateRejectsOddLabelRows(t *testing.T) {
	layout := tensor.NewFrameLayout(1)
	labels := node(t, "labels", [][]float64{{0}, {1}, {0}}, false, layout)
	input := node(t, "input", [][]float64{{1}}, true, layout)
	weight := node(t, "weight", [][]float64{{1}, {1}}, true, nil)
	bias := node(t, "bias", [][]float64{{0}, {0}}, true, nil)

	nce := NewNoiseContrastiveEstimation("nce", labels, input, weight, bias)
	assert.Error(t, nce.Validate())
}
