package criterion

import (
	"math"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// GammaCalculator produces per-frame posterior occupancies (gamma) for a
// minibatch of logits, typically from a lattice or HMM alignment. It is
// an injected collaborator; this package never computes lattices itself.
type GammaCalculator interface {
	// CalculateGamma returns a matrix shaped like logits whose columns
	// are posterior distributions over the output units.
	CalculateGamma(logits *tensor.Matrix, layout *tensor.MinibatchLayout) (*tensor.Matrix, error)
}

// SequenceWithSoftmax is the sequence-discriminative criterion: the
// softmax gradient is blended with externally computed posterior
// occupancies,
//
//	dlogits = outGrad * ((1-h)*softmax + h*gamma - labels)
//
// with h the smoothing weight. Frames whose reference occupancy
// sum(labels .* gamma) falls below the drop threshold are discarded
// entirely (their columns contribute nothing to value or gradient).
type SequenceWithSoftmax struct {
	scalarValue
	name   string
	labels *graph.ValueNode
	logits *graph.ValueNode
	gammaC GammaCalculator

	// SmoothingWeight is h above; 0 trains on the plain softmax path.
	SmoothingWeight float64
	// FrameDropThresh drops frames with reference occupancy below it.
	FrameDropThresh float64

	logSoftmax *tensor.Matrix
	softmax    *tensor.Matrix
	gamma      *tensor.Matrix
	dropped    []bool
}

// NewSequenceWithSoftmax creates the criterion over (labels, logits)
// with the given gamma collaborator.
func NewSequenceWithSoftmax(name string, labels, logits *graph.ValueNode, gammaC GammaCalculator) *SequenceWithSoftmax {
	return &SequenceWithSoftmax{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		logits:      logits,
		gammaC:      gammaC,
		logSoftmax:  tensor.NewMatrix(0, 0),
		softmax:     tensor.NewMatrix(0, 0),
	}
}

func (s *SequenceWithSoftmax) Kind() Kind   { return KindSequenceWithSoftmax }
func (s *SequenceWithSoftmax) Name() string { return s.name }

func (s *SequenceWithSoftmax) Validate() error {
	if s.gammaC == nil {
		return errors.Errorf("%s: no gamma calculator bound", s.name)
	}
	if s.SmoothingWeight < 0 || s.SmoothingWeight > 1 {
		return errors.Errorf("%s: smoothing weight must be in [0, 1], got %g", s.name, s.SmoothingWeight)
	}
	if err := requireSameShape(s.name, s.labels, s.logits); err != nil {
		return err
	}
	return requireSameLayout(s.name, s.labels, s.logits)
}

func (s *SequenceWithSoftmax) Forward() error {
	logits := s.logits.Value()
	labels := s.labels.Value()
	layout := layoutOf(s.labels, s.logits)

	gamma, err := s.gammaC.CalculateGamma(logits, layout)
	if err != nil {
		return errors.Wrapf(err, "%s: gamma calculation", s.name)
	}
	if gamma.Rows() != logits.Rows() || gamma.Cols() != logits.Cols() {
		return errors.Errorf("%s: gamma shape %dx%d does not match logits %dx%d",
			s.name, gamma.Rows(), gamma.Cols(), logits.Rows(), logits.Cols())
	}
	s.gamma = gamma

	s.logSoftmax.Resize(logits.Rows(), logits.Cols())
	s.logSoftmax.Zero()
	s.softmax.Resize(logits.Rows(), logits.Cols())
	s.softmax.Zero()
	s.dropped = make([]bool, logits.Cols())

	sum := 0.0
	for t := 0; t < logits.Cols(); t++ {
		if isGapCol(layout, t) {
			s.dropped[t] = true
			continue
		}
		lab := labels.Column(t)
		occupancy := 0.0
		for i, g := range gamma.Column(t) {
			occupancy += lab[i] * g
		}
		if occupancy < s.FrameDropThresh {
			s.dropped[t] = true
			continue
		}

		ls := s.logSoftmax.Column(t)
		logSoftmaxInto(ls, logits.Column(t))
		sm := s.softmax.Column(t)
		for i, v := range ls {
			sm[i] = math.Exp(v)
		}
		for i, y := range lab {
			sum -= y * ls[i]
		}
	}
	s.setValue(sum)
	return nil
}

func (s *SequenceWithSoftmax) Backward(outGrad float64) error {
	if !s.logits.NeedsGradient() {
		return nil
	}
	if s.gamma == nil {
		return errors.Errorf("%s: Backward called before Forward", s.name)
	}
	h := s.SmoothingWeight
	grad := s.logits.Gradient()
	labels := s.labels.Value()
	for t := 0; t < grad.Cols(); t++ {
		if s.dropped[t] {
			continue
		}
		g := grad.Column(t)
		sm := s.softmax.Column(t)
		gm := s.gamma.Column(t)
		lab := labels.Column(t)
		for i := range g {
			g[i] += outGrad * ((1-h)*sm[i] + h*gm[i] - lab[i])
		}
	}
	return nil
}
