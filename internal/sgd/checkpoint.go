package sgd

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// Checkpoint is the per-epoch training state saved next to each model:
// enough to resume exactly where an interrupted run stopped.
type Checkpoint struct {
	TotalSamplesSeen   uint64
	LearnRatePerSample float64
	PrevCriterion      float64
	// MinibatchSize is the size chosen by adaptive sizing. Older
	// checkpoint files lack the section; loading falls back to the
	// configured size.
	MinibatchSize     int
	SmoothedGradients []*tensor.Matrix
}

// Checkpoint files are little-endian binary framed by ASCII markers:
//
//	BCKP
//	  BLearnRate  totalSamplesSeen u64 | learnRatePerSample f64 | prevCriterion f64  ELearnRate
//	  BMinibatchSize  u64  EMinibatchSize        (optional on read)
//	  BGradient  count u32 | per tensor: rows u32 | cols u32 | data f64...  EGradient
//	ECKP
const (
	ckpBegin         = "BCKP"
	ckpEnd           = "ECKP"
	ckpLearnBegin    = "BLearnRate"
	ckpLearnEnd      = "ELearnRate"
	ckpMBSizeBegin   = "BMinibatchSize"
	ckpMBSizeEnd     = "EMinibatchSize"
	ckpGradientBegin = "BGradient"
	ckpGradientEnd   = "EGradient"
)

// SaveCheckpoint writes ck to path via a temp file and atomic rename.
func SaveCheckpoint(path string, ck *Checkpoint) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create checkpoint file")
	}
	w := bufio.NewWriter(f)

	fail := func(err error) error {
		f.Close()
		os.Remove(tmp)
		return err
	}

	if err := writeCheckpoint(w, ck); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(errors.Wrap(err, "flush checkpoint"))
	}
	if err := f.Sync(); err != nil {
		return fail(errors.Wrap(err, "sync checkpoint"))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp, path), "rename checkpoint")
}

func writeCheckpoint(w io.Writer, ck *Checkpoint) error {
	writeMarker := func(m string) error {
		_, err := w.Write([]byte(m))
		return errors.Wrapf(err, "write %s", m)
	}
	le := func(v any) error { return binary.Write(w, binary.LittleEndian, v) }

	if err := writeMarker(ckpBegin); err != nil {
		return err
	}
	if err := writeMarker(ckpLearnBegin); err != nil {
		return err
	}
	if err := le(ck.TotalSamplesSeen); err != nil {
		return err
	}
	if err := le(ck.LearnRatePerSample); err != nil {
		return err
	}
	if err := le(ck.PrevCriterion); err != nil {
		return err
	}
	if err := writeMarker(ckpLearnEnd); err != nil {
		return err
	}

	if err := writeMarker(ckpMBSizeBegin); err != nil {
		return err
	}
	if err := le(uint64(ck.MinibatchSize)); err != nil {
		return err
	}
	if err := writeMarker(ckpMBSizeEnd); err != nil {
		return err
	}

	if err := writeMarker(ckpGradientBegin); err != nil {
		return err
	}
	if err := le(uint32(len(ck.SmoothedGradients))); err != nil {
		return err
	}
	for _, g := range ck.SmoothedGradients {
		if err := le(uint32(g.Rows())); err != nil {
			return err
		}
		if err := le(uint32(g.Cols())); err != nil {
			return err
		}
		if err := le(g.Data()); err != nil {
			return err
		}
	}
	if err := writeMarker(ckpGradientEnd); err != nil {
		return err
	}
	return writeMarker(ckpEnd)
}

// LoadCheckpoint reads a checkpoint. configuredMBSize substitutes for the
// minibatch-size section when a file predating it is read.
func LoadCheckpoint(path string, configuredMBSize int) (*Checkpoint, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open checkpoint")
	}
	defer f.Close()
	return readCheckpoint(bufio.NewReader(f), configuredMBSize)
}

func readCheckpoint(r *bufio.Reader, configuredMBSize int) (*Checkpoint, error) {
	expect := func(m string) error {
		buf := make([]byte, len(m))
		if _, err := io.ReadFull(r, buf); err != nil {
			return errors.Wrapf(err, "read %s marker", m)
		}
		if string(buf) != m {
			return errors.Errorf("bad checkpoint: expected %s, got %q", m, buf)
		}
		return nil
	}
	le := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	ck := &Checkpoint{}
	if err := expect(ckpBegin); err != nil {
		return nil, err
	}
	if err := expect(ckpLearnBegin); err != nil {
		return nil, err
	}
	if err := le(&ck.TotalSamplesSeen); err != nil {
		return nil, err
	}
	if err := le(&ck.LearnRatePerSample); err != nil {
		return nil, err
	}
	if err := le(&ck.PrevCriterion); err != nil {
		return nil, err
	}
	if err := expect(ckpLearnEnd); err != nil {
		return nil, err
	}

	// The minibatch-size section is optional: peek before committing.
	peek, err := r.Peek(len(ckpMBSizeBegin))
	if err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "peek checkpoint")
	}
	if string(peek) == ckpMBSizeBegin {
		if err := expect(ckpMBSizeBegin); err != nil {
			return nil, err
		}
		var mb uint64
		if err := le(&mb); err != nil {
			return nil, err
		}
		ck.MinibatchSize = int(mb)
		if err := expect(ckpMBSizeEnd); err != nil {
			return nil, err
		}
	} else {
		ck.MinibatchSize = configuredMBSize
	}

	if err := expect(ckpGradientBegin); err != nil {
		return nil, err
	}
	var count uint32
	if err := le(&count); err != nil {
		return nil, err
	}
	for i := uint32(0); i < count; i++ {
		var rows, cols uint32
		if err := le(&rows); err != nil {
			return nil, err
		}
		if err := le(&cols); err != nil {
			return nil, err
		}
		g := tensor.NewMatrix(int(rows), int(cols))
		if err := le(g.Data()); err != nil {
			return nil, errors.Wrapf(err, "read smoothed gradient %d", i)
		}
		ck.SmoothedGradients = append(ck.SmoothedGradients, g)
	}
	if err := expect(ckpGradientEnd); err != nil {
		return nil, err
	}
	if err := expect(ckpEnd); err != nil {
		return nil, err
	}
	return ck, nil
}
