package tensor

import "sync"

// MatrixPool is an arena for scratch matrices. Forward/backward passes
// lease temporaries from the pool and return them when done, so an epoch
// of minibatches reuses a fixed working set instead of allocating per
// minibatch.
//
// The pool is safe for concurrent use. Outstanding reports how many leased
// matrices have not been released; tests assert it returns to zero.
type MatrixPool struct {
	mu          sync.Mutex
	free        []*Matrix
	outstanding int
}

// NewMatrixPool creates an empty pool.
func NewMatrixPool() *MatrixPool {
	return &MatrixPool{}
}

// Lease returns a zeroed rows x cols matrix, reusing a released one when
// its capacity suffices.
func (p *MatrixPool) Lease(rows, cols int) *Matrix {
	p.mu.Lock()
	defer p.mu.Unlock()

	need := rows * cols
	for i, m := range p.free {
		if cap(m.data) >= need {
			last := len(p.free) - 1
			p.free[i] = p.free[last]
			p.free = p.free[:last]
			m.Resize(rows, cols)
			m.Zero()
			p.outstanding++
			return m
		}
	}
	p.outstanding++
	return NewMatrix(rows, cols)
}

// Release returns a leased matrix to the pool. Releasing nil is a no-op.
func (p *MatrixPool) Release(m *Matrix) {
	if m == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, m)
	p.outstanding--
}

// Outstanding returns the number of leased matrices not yet released.
func (p *MatrixPool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}
