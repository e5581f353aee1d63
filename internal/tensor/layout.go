package tensor

// MinibatchLayout describes how the columns of a minibatch matrix map onto
// parallel sequences and time steps.
//
// A minibatch holds numParallelSequences sequences advancing together in
// time; the frame of sequence s at step t occupies matrix column
// t*numParallelSequences + s. Sequences of unequal length leave gap
// columns, which carry no data and must contribute exactly zero to every
// criterion value and gradient.
type MinibatchLayout struct {
	numParallelSequences int
	numTimeSteps         int
	gap                  []bool
	noInput              []bool
}

// NewLayout creates a layout with the given geometry and no gaps.
func NewLayout(numParallelSequences, numTimeSteps int) *MinibatchLayout {
	n := numParallelSequences * numTimeSteps
	return &MinibatchLayout{
		numParallelSequences: numParallelSequences,
		numTimeSteps:         numTimeSteps,
		gap:                  make([]bool, n),
		noInput:              make([]bool, n),
	}
}

// NewFrameLayout creates a layout for frame-mode data: numSamples
// independent single-step sequences.
func NewFrameLayout(numSamples int) *MinibatchLayout {
	return NewLayout(numSamples, 1)
}

// NumCols returns the number of matrix columns the layout spans.
func (l *MinibatchLayout) NumCols() int { return l.numParallelSequences * l.numTimeSteps }

// NumParallelSequences returns the number of sequences advancing together.
func (l *MinibatchLayout) NumParallelSequences() int { return l.numParallelSequences }

// NumTimeSteps returns the number of time steps.
func (l *MinibatchLayout) NumTimeSteps() int { return l.numTimeSteps }

func (l *MinibatchLayout) colIndex(seq, t int) int {
	return t*l.numParallelSequences + seq
}

// SetGap marks the frame of sequence seq at step t as a gap.
func (l *MinibatchLayout) SetGap(seq, t int) { l.gap[l.colIndex(seq, t)] = true }

// SetNoInput marks the frame of sequence seq at step t as having no input.
func (l *MinibatchLayout) SetNoInput(seq, t int) { l.noInput[l.colIndex(seq, t)] = true }

// IsGap reports whether the frame of sequence seq at step t is a gap.
func (l *MinibatchLayout) IsGap(seq, t int) bool { return l.gap[l.colIndex(seq, t)] }

// IsGapCol reports whether matrix column col is a gap.
func (l *MinibatchLayout) IsGapCol(col int) bool { return l.gap[col] }

// HasGaps reports whether any column is a gap.
func (l *MinibatchLayout) HasGaps() bool {
	for _, g := range l.gap {
		if g {
			return true
		}
	}
	return false
}

// NumSamplesWithLabel returns the number of non-gap columns.
func (l *MinibatchLayout) NumSamplesWithLabel() int {
	n := 0
	for _, g := range l.gap {
		if !g {
			n++
		}
	}
	return n
}

// SameAs reports whether two layouts have identical geometry and flags.
// Criterion nodes use it to cross-check that their inputs were minibatched
// together.
func (l *MinibatchLayout) SameAs(o *MinibatchLayout) bool {
	if o == nil || l.numParallelSequences != o.numParallelSequences || l.numTimeSteps != o.numTimeSteps {
		return false
	}
	for i := range l.gap {
		if l.gap[i] != o.gap[i] || l.noInput[i] != o.noInput[i] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (l *MinibatchLayout) Clone() *MinibatchLayout {
	out := NewLayout(l.numParallelSequences, l.numTimeSteps)
	copy(out.gap, l.gap)
	copy(out.noInput, l.noInput)
	return out
}

// MaskToZero zeroes the gap columns of m, which must span the layout.
func (l *MinibatchLayout) MaskToZero(m *Matrix) {
	if m.Cols() != l.NumCols() {
		panic("tensor: matrix does not span layout")
	}
	for col, g := range l.gap {
		if g {
			m.ZeroColumn(col)
		}
	}
}
