package sgd

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func TestCheckpoint_RoundTrip(t *testing.T) {
	g1 := mustRows(t, [][]float64{{1, 2}, {3, 4}})
	g2 := mustRows(t, [][]float64{{-0.5}})
	ck := &Checkpoint{
		TotalSamplesSeen:   12345,
		LearnRatePerSample: 0.0125,
		PrevCriterion:      3.75,
		MinibatchSize:      512,
		SmoothedGradients:  []*tensor.Matrix{g1, g2},
	}

	path := filepath.Join(t.TempDir(), "model.1.ckp")
	require.NoError(t, SaveCheckpoint(path, ck))

	got, err := LoadCheckpoint(path, 256)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), got.TotalSamplesSeen)
	assert.Equal(t, 0.0125, got.LearnRatePerSample)
	assert.Equal(t, 3.75, got.PrevCriterion)
	assert.Equal(t, 512, got.MinibatchSize)
	require.Len(t, got.SmoothedGradients, 2)
	assert.Equal(t, g1.Data(), got.SmoothedGradients[0].Data())
	assert.Equal(t, 2, got.SmoothedGradients[0].Rows())
	assert.Equal(t, g2.Data(), got.SmoothedGradients[1].Data())
}

func TestCheckpoint_FileWithoutMinibatchSectionFallsBack(t *testing.T) {
	// Files written before minibatch sizes were checkpointed go straight
	// from the learn-rate section to the gradients.
	var buf bytes.Buffer
	buf.WriteString(ckpBegin)
	buf.WriteString(ckpLearnBegin)
	binary.Write(&buf, binary.LittleEndian, uint64(77))
	binary.Write(&buf, binary.LittleEndian, 0.5)
	binary.Write(&buf, binary.LittleEndian, 1.5)
	buf.WriteString(ckpLearnEnd)
	buf.WriteString(ckpGradientBegin)
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	buf.WriteString(ckpGradientEnd)
	buf.WriteString(ckpEnd)

	path := filepath.Join(t.TempDir(), "legacy.ckp")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	got, err := LoadCheckpoint(path, 128)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), got.TotalSamplesSeen)
	assert.Equal(t, 0.5, got.LearnRatePerSample)
	assert.Equal(t, 1.5, got.PrevCriterion)
	assert.Equal(t, 128, got.MinibatchSize, "configured size substitutes for the missing section")
	assert.Empty(t, got.SmoothedGradients)
}

func TestCheckpoint_RejectsCorruptMarkers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.ckp")
	require.NoError(t, os.WriteFile(path, []byte("XCKPgarbage"), 0o644))

	_, err := LoadCheckpoint(path, 256)
	assert.Error(t, err)
}

func TestCheckpoint_SaveIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.ckp")
	ck := &Checkpoint{MinibatchSize: 64}
	require.NoError(t, SaveCheckpoint(path, ck))

	// No temp file left behind.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
