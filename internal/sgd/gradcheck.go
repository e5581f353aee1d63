package sgd

import (
	"log"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/Farheen2302/CNTK-sub000/internal/reader"
)

const (
	gradCheckSamplesPerParam = 4
	gradCheckRelTolerance    = 1e-2
	gradCheckAbsTolerance    = 1e-5
)

// runGradientCheck compares the network's backpropagated gradients
// against central differences at a few sampled elements of every
// learnable parameter, on one real minibatch. A disagreement beyond
// tolerance means a broken Backward somewhere and training would only
// hide it, so it is an error.
func (s *SGD) runGradientCheck(mbSize int) error {
	s.rdr.StartMinibatchLoop(mbSize, 0, reader.RequestDataSize)
	defer s.rdr.DataEnd()

	inputs := newInputBuffers(s.net)
	if !s.rdr.GetMinibatch(inputs) {
		return errors.New("sgd: gradient check got no minibatch")
	}
	if err := s.net.BindMinibatch(inputs, s.rdr.CopyLayout()); err != nil {
		return err
	}

	if err := s.net.ForwardCriterion(); err != nil {
		return err
	}
	if err := s.net.Backprop(1.0); err != nil {
		return err
	}

	rng := rand.New(s.rng)
	for _, p := range s.net.LearnableParameters() {
		if !p.UpdateRequired() {
			continue
		}
		analytic := p.Gradient().Clone()
		value := p.Value()

		for n := 0; n < gradCheckSamplesPerParam; n++ {
			i := rng.Intn(value.Rows())
			j := rng.Intn(value.Cols())
			v := value.At(i, j)
			eps := math.Max(1e-4*math.Abs(v), 1e-7)

			value.Set(i, j, v+eps)
			if err := s.net.ForwardCriterion(); err != nil {
				return err
			}
			plus := s.net.CriterionValue()

			value.Set(i, j, v-eps)
			if err := s.net.ForwardCriterion(); err != nil {
				return err
			}
			minus := s.net.CriterionValue()
			value.Set(i, j, v)

			numeric := (plus - minus) / (2 * eps)
			diff := math.Abs(numeric - analytic.At(i, j))
			scale := math.Max(math.Abs(numeric), math.Abs(analytic.At(i, j)))
			if diff > gradCheckAbsTolerance && diff > gradCheckRelTolerance*scale {
				return errors.Errorf(
					"sgd: gradient check failed for %q at (%d,%d): backprop %g vs numeric %g",
					p.Name(), i, j, analytic.At(i, j), numeric)
			}
		}
	}

	// Restore a consistent forward state before training starts.
	if err := s.net.ForwardCriterion(); err != nil {
		return err
	}
	log.Printf("run=%s gradient check passed", s.runID)
	return nil
}
