// Package aggregation implements distributed-training collectives for a
// group of in-process workers: gradient aggregation with optional 1-bit
// quantization, and model averaging.
//
// There is no process-global communicator. A Group is created once and
// each worker goroutine holds its own TrainingContext; everything the
// collectives need travels through the context.
package aggregation

import (
	"sync"

	"gonum.org/v1/gonum/floats"
)

// Group is the shared rendezvous for a fixed-size set of worker
// goroutines. All collective operations must be called by every member
// of the group.
type Group struct {
	size int

	mu         sync.Mutex
	cond       *sync.Cond
	arrived    int
	generation int

	reduceBuf []float64
	bcastBuf  []float64
}

// NewGroup creates a group of the given size.
func NewGroup(size int) *Group {
	if size < 1 {
		panic("aggregation: group size must be at least 1")
	}
	g := &Group{size: size}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Context returns the context for one worker rank.
func (g *Group) Context(rank int) *TrainingContext {
	if rank < 0 || rank >= g.size {
		panic("aggregation: rank out of range")
	}
	return &TrainingContext{rank: rank, size: g.size, group: g}
}

// enterBarrier runs f under the group lock, then blocks until every
// member has entered.
func (g *Group) enterBarrier(f func(first bool)) {
	g.mu.Lock()
	gen := g.generation
	if f != nil {
		f(g.arrived == 0)
	}
	g.arrived++
	if g.arrived == g.size {
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
	} else {
		for gen == g.generation {
			g.cond.Wait()
		}
	}
	g.mu.Unlock()
}

// TrainingContext is one worker's handle on the group. A context with a
// nil group (from NewLocalContext) is a valid single-worker context whose
// collectives are no-ops.
type TrainingContext struct {
	rank  int
	size  int
	group *Group
}

// NewLocalContext returns a single-worker context.
func NewLocalContext() *TrainingContext {
	return &TrainingContext{rank: 0, size: 1}
}

// Rank returns this worker's rank.
func (c *TrainingContext) Rank() int { return c.rank }

// Size returns the number of workers.
func (c *TrainingContext) Size() int { return c.size }

// IsMain reports whether this worker makes group-wide decisions and
// writes checkpoints.
func (c *TrainingContext) IsMain() bool { return c.rank == 0 }

// Distributed reports whether more than one worker participates.
func (c *TrainingContext) Distributed() bool { return c.size > 1 }

// Barrier blocks until every worker reaches it.
func (c *TrainingContext) Barrier() {
	if c.group == nil {
		return
	}
	c.group.enterBarrier(nil)
}

// AllReduceSum replaces data on every worker with the element-wise sum
// over all workers. All workers must pass equal-length slices.
func (c *TrainingContext) AllReduceSum(data []float64) {
	if c.group == nil {
		return
	}
	g := c.group
	g.enterBarrier(func(first bool) {
		if first {
			if cap(g.reduceBuf) < len(data) {
				g.reduceBuf = make([]float64, len(data))
			}
			g.reduceBuf = g.reduceBuf[:len(data)]
			for i := range g.reduceBuf {
				g.reduceBuf[i] = 0
			}
		}
		floats.Add(g.reduceBuf, data)
	})
	g.mu.Lock()
	copy(data, g.reduceBuf)
	g.mu.Unlock()
	// Keep the buffer stable until every worker has copied out.
	g.enterBarrier(nil)
}

// Broadcast copies the main worker's data to every worker.
func (c *TrainingContext) Broadcast(data []float64) {
	if c.group == nil {
		return
	}
	g := c.group
	if c.IsMain() {
		g.mu.Lock()
		g.bcastBuf = append(g.bcastBuf[:0], data...)
		g.mu.Unlock()
	}
	g.enterBarrier(nil)
	g.mu.Lock()
	copy(data, g.bcastBuf)
	g.mu.Unlock()
	g.enterBarrier(nil)
}
