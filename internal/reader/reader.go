// Package reader defines the minibatch source contract the training
// driver consumes, plus an in-memory implementation used by tests and
// small runs.
package reader

import (
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// RequestDataSize asks a reader for its whole data set as one epoch.
const RequestDataSize = 0

// Reader produces minibatches for one epoch at a time. The driver calls
// StartMinibatchLoop (or the distributed variant) once per epoch, then
// GetMinibatch until it returns false, calling DataEnd after each
// minibatch so the reader can run its end-of-sentence bookkeeping.
type Reader interface {
	// StartMinibatchLoop positions the reader at the start of an epoch.
	// epochSize is in samples; RequestDataSize means the whole data set.
	StartMinibatchLoop(mbSize, epoch, epochSize int)

	// StartDistributedMinibatchLoop is the data-parallel variant: each of
	// numWorkers workers sees a disjoint share of every minibatch.
	StartDistributedMinibatchLoop(mbSize, epoch, rank, numWorkers, epochSize int)

	// SupportsDistributedMBRead reports whether the reader can shard
	// minibatches itself.
	SupportsDistributedMBRead() bool

	// GetMinibatch fills out with the next minibatch, one matrix per
	// stream name. It returns false when the epoch is exhausted.
	GetMinibatch(out map[string]*tensor.Matrix) bool

	// CopyLayout returns the layout of the minibatch last delivered.
	CopyLayout() *tensor.MinibatchLayout

	// GetNumParallelSequences reports the parallel-sequence count of the
	// current minibatch.
	GetNumParallelSequences() int

	// DataEnd signals the end of minibatch processing.
	DataEnd()

	// StreamNames lists the streams this reader fills.
	StreamNames() []string
}
