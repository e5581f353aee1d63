package aggregation

// DistGradHeader carries the per-minibatch scalars that ride along with
// aggregated gradients: sample counts, the criterion sum, and one error
// sum per evaluation node.
type DistGradHeader struct {
	NumSamples          int
	NumSamplesWithLabel int
	Criterion           float64
	EvalErrors          []float64
}

// NewDistGradHeader creates a header with room for numEval evaluation
// errors.
func NewDistGradHeader(numEval int) *DistGradHeader {
	return &DistGradHeader{EvalErrors: make([]float64, numEval)}
}

// Clear zeroes all fields.
func (h *DistGradHeader) Clear() {
	h.NumSamples = 0
	h.NumSamplesWithLabel = 0
	h.Criterion = 0
	for i := range h.EvalErrors {
		h.EvalErrors[i] = 0
	}
}

// pack flattens the header for an all-reduce; unpack restores it.
func (h *DistGradHeader) pack() []float64 {
	out := make([]float64, 3+len(h.EvalErrors))
	out[0] = float64(h.NumSamples)
	out[1] = float64(h.NumSamplesWithLabel)
	out[2] = h.Criterion
	copy(out[3:], h.EvalErrors)
	return out
}

func (h *DistGradHeader) unpack(v []float64) {
	h.NumSamples = int(v[0])
	h.NumSamplesWithLabel = int(v[1])
	h.Criterion = v[2]
	copy(h.EvalErrors, v[3:])
}
