package reader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func sampleStreams(t *testing.T, total int) map[string]*tensor.Matrix {
	t.Helper()
	features := tensor.NewMatrix(2, total)
	labels := tensor.NewMatrix(1, total)
	for j := 0; j < total; j++ {
		features.Set(0, j, float64(j))
		features.Set(1, j, float64(-j))
		labels.Set(0, j, float64(j%2))
	}
	return map[string]*tensor.Matrix{"features": features, "labels": labels}
}

func TestMemoryReader_FullEpoch(t *testing.T) {
	r, err := NewMemoryReader(sampleStreams(t, 10))
	require.NoError(t, err)

	r.StartMinibatchLoop(4, 0, RequestDataSize)
	out := map[string]*tensor.Matrix{
		"features": tensor.NewMatrix(0, 0),
		"labels":   tensor.NewMatrix(0, 0),
	}

	var sizes []int
	for r.GetMinibatch(out) {
		sizes = append(sizes, out["features"].Cols())
		r.DataEnd()
	}
	// 10 samples at minibatch size 4: 4 + 4 + 2.
	assert.Equal(t, []int{4, 4, 2}, sizes)
	assert.False(t, r.GetMinibatch(out))
}

func TestMemoryReader_EpochWindowing(t *testing.T) {
	r, err := NewMemoryReader(sampleStreams(t, 10))
	require.NoError(t, err)

	// Epoch 1 with epoch size 4 starts at sample 4.
	r.StartMinibatchLoop(4, 1, 4)
	out := map[string]*tensor.Matrix{"features": tensor.NewMatrix(0, 0)}
	require.True(t, r.GetMinibatch(out))
	assert.Equal(t, 4.0, out["features"].At(0, 0))
	assert.False(t, r.GetMinibatch(out))
}

func TestMemoryReader_DistributedShardsAreDisjoint(t *testing.T) {
	streams := sampleStreams(t, 8)

	collect := func(rank int) []float64 {
		r, err := NewMemoryReader(streams)
		require.NoError(t, err)
		r.StartDistributedMinibatchLoop(4, 0, rank, 2, RequestDataSize)
		out := map[string]*tensor.Matrix{"features": tensor.NewMatrix(0, 0)}
		var seen []float64
		for r.GetMinibatch(out) {
			for j := 0; j < out["features"].Cols(); j++ {
				seen = append(seen, out["features"].At(0, j))
			}
		}
		return seen
	}

	w0 := collect(0)
	w1 := collect(1)
	assert.Len(t, w0, 4)
	assert.Len(t, w1, 4)

	joint := map[float64]bool{}
	for _, v := range append(w0, w1...) {
		assert.False(t, joint[v], "sample %v delivered twice", v)
		joint[v] = true
	}
	assert.Len(t, joint, 8)
}

func TestMemoryReader_RejectsMismatchedStreams(t *testing.T) {
	_, err := NewMemoryReader(map[string]*tensor.Matrix{
		"a": tensor.NewMatrix(1, 3),
		"b": tensor.NewMatrix(1, 4),
	})
	assert.Error(t, err)
}

func TestMemoryReader_LayoutTracksMinibatch(t *testing.T) {
	r, err := NewMemoryReader(sampleStreams(t, 5))
	require.NoError(t, err)
	r.StartMinibatchLoop(3, 0, RequestDataSize)

	out := map[string]*tensor.Matrix{"features": tensor.NewMatrix(0, 0)}
	require.True(t, r.GetMinibatch(out))
	assert.Equal(t, 3, r.CopyLayout().NumCols())
	assert.Equal(t, 3, r.GetNumParallelSequences())

	require.True(t, r.GetMinibatch(out))
	assert.Equal(t, 2, r.CopyLayout().NumCols())
}
