package reader

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// MemoryReader serves frame-mode minibatches from matrices held in
// memory. Every stream shares the same column count; column j of every
// stream is sample j. Epochs walk the data cyclically, so epoch e with
// epoch size n starts at sample (e*n) mod total.
type MemoryReader struct {
	streams map[string]*tensor.Matrix
	total   int

	mbSize     int
	epochStart int
	epochSize  int
	pos        int

	rank       int
	numWorkers int

	lastLayout *tensor.MinibatchLayout
}

// NewMemoryReader creates a reader over the given streams. All streams
// must agree on the number of columns.
func NewMemoryReader(streams map[string]*tensor.Matrix) (*MemoryReader, error) {
	if len(streams) == 0 {
		return nil, errors.New("reader: no streams")
	}
	total := -1
	for name, m := range streams {
		if total == -1 {
			total = m.Cols()
		} else if m.Cols() != total {
			return nil, errors.Errorf("reader: stream %q has %d samples, others have %d", name, m.Cols(), total)
		}
	}
	return &MemoryReader{streams: streams, total: total, numWorkers: 1}, nil
}

// TotalSamples returns the number of samples held.
func (r *MemoryReader) TotalSamples() int { return r.total }

func (r *MemoryReader) StreamNames() []string {
	names := make([]string, 0, len(r.streams))
	for name := range r.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *MemoryReader) StartMinibatchLoop(mbSize, epoch, epochSize int) {
	r.StartDistributedMinibatchLoop(mbSize, epoch, 0, 1, epochSize)
}

func (r *MemoryReader) StartDistributedMinibatchLoop(mbSize, epoch, rank, numWorkers, epochSize int) {
	if epochSize == RequestDataSize || epochSize > r.total {
		epochSize = r.total
	}
	r.mbSize = mbSize
	r.epochSize = epochSize
	r.epochStart = (epoch * epochSize) % r.total
	r.pos = 0
	r.rank = rank
	r.numWorkers = numWorkers
	r.lastLayout = nil
}

func (r *MemoryReader) SupportsDistributedMBRead() bool { return true }

// workerShare returns this worker's [lo, hi) slice of an n-column global
// minibatch, spreading the remainder over the low ranks.
func (r *MemoryReader) workerShare(n int) (lo, hi int) {
	per := n / r.numWorkers
	rem := n % r.numWorkers
	lo = r.rank*per + min(r.rank, rem)
	hi = lo + per
	if r.rank < rem {
		hi++
	}
	return lo, hi
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (r *MemoryReader) GetMinibatch(out map[string]*tensor.Matrix) bool {
	if r.pos >= r.epochSize {
		return false
	}
	n := min(r.mbSize, r.epochSize-r.pos)
	lo, hi := r.workerShare(n)
	if hi <= lo {
		// Minibatch smaller than the worker count; this worker sits the
		// round out but the loop continues.
		r.pos += n
		for name := range out {
			src := r.streams[name]
			out[name].Resize(src.Rows(), 0)
		}
		r.lastLayout = tensor.NewFrameLayout(0)
		return true
	}

	for name, dst := range out {
		src, ok := r.streams[name]
		if !ok {
			return false
		}
		dst.Resize(src.Rows(), hi-lo)
		for j := lo; j < hi; j++ {
			col := (r.epochStart + r.pos + j) % r.total
			copy(dst.Column(j-lo), src.Column(col))
		}
	}
	r.pos += n
	r.lastLayout = tensor.NewFrameLayout(hi - lo)
	return true
}

func (r *MemoryReader) CopyLayout() *tensor.MinibatchLayout {
	if r.lastLayout == nil {
		return tensor.NewFrameLayout(0)
	}
	return r.lastLayout.Clone()
}

func (r *MemoryReader) GetNumParallelSequences() int {
	if r.lastLayout == nil {
		return 0
	}
	return r.lastLayout.NumParallelSequences()
}

func (r *MemoryReader) DataEnd() {}
