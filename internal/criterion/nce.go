package criterion

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// NCEEvalMode selects how NoiseContrastiveEstimation scores at
// evaluation time. Training always uses the noise-contrastive objective.
type NCEEvalMode int32

const (
	// NCEEvalSoftmax scores with a full softmax over the vocabulary.
	NCEEvalSoftmax NCEEvalMode = iota
	// NCEEvalUnnormalized scores with the raw unnormalized logit.
	NCEEvalUnnormalized
	// NCEEvalNone applies no special evaluation scoring; the training
	// objective is used throughout.
	NCEEvalNone
)

// WriteNCEEvalMode serializes the mode as a little-endian int32.
func WriteNCEEvalMode(w io.Writer, m NCEEvalMode) error {
	return binary.Write(w, binary.LittleEndian, int32(m))
}

// ReadNCEEvalMode deserializes an eval mode. Model files written before
// the mode existed have other data where the field would be: when the
// decoded value is out of range the stream is rewound to where it was and
// the mode defaults to NCEEvalNone, so the next field decodes intact.
func ReadNCEEvalMode(r io.ReadSeeker) (NCEEvalMode, error) {
	pos, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return NCEEvalNone, errors.Wrap(err, "tell stream position")
	}
	var v int32
	if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
		return NCEEvalNone, errors.Wrap(err, "read eval mode")
	}
	if v < int32(NCEEvalSoftmax) || v > int32(NCEEvalNone) {
		if _, err := r.Seek(pos, io.SeekStart); err != nil {
			return NCEEvalNone, errors.Wrap(err, "rewind stream")
		}
		return NCEEvalNone, nil
	}
	return NCEEvalMode(v), nil
}

// NoiseContrastiveEstimation trains a large-vocabulary output layer
// against sampled noise instead of a full softmax.
//
// The labels matrix packs, per token column, 2*(k+1) rows: rows 0..k are
// sample indices into the weight matrix (row 0 the true word, the rest
// noise draws), rows k+1..2k+1 the matching log(k * Pnoise) terms. The
// per-sample logit is
//
//	logit_i = weight[s_i,:] . input + bias[s_i] - logNoise_i
//
// and the objective sums -log sigmoid(logit_0) and -log sigmoid(-logit_i)
// over the noise samples.
type NoiseContrastiveEstimation struct {
	scalarValue
	name   string
	labels *graph.ValueNode // 2(k+1) x T
	input  *graph.ValueNode // d x T
	weight *graph.ValueNode // V x d
	bias   *graph.ValueNode // V x 1

	evalMode NCEEvalMode
	sigmoid  *tensor.Matrix // (k+1) x T, cached for backward
}

// NewNoiseContrastiveEstimation creates the criterion over
// (labels, input, weight, bias).
func NewNoiseContrastiveEstimation(name string, labels, input, weight, bias *graph.ValueNode) *NoiseContrastiveEstimation {
	return &NoiseContrastiveEstimation{
		scalarValue: newScalarValue(),
		name:        name,
		labels:      labels,
		input:       input,
		weight:      weight,
		bias:        bias,
		evalMode:    NCEEvalNone,
		sigmoid:     tensor.NewMatrix(0, 0),
	}
}

func (n *NoiseContrastiveEstimation) Kind() Kind   { return KindNoiseContrastiveEstimation }
func (n *NoiseContrastiveEstimation) Name() string { return n.name }

// EvalMode returns the evaluation scoring mode.
func (n *NoiseContrastiveEstimation) EvalMode() NCEEvalMode { return n.evalMode }

// SetEvalMode sets the evaluation scoring mode.
func (n *NoiseContrastiveEstimation) SetEvalMode(m NCEEvalMode) { n.evalMode = m }

func (n *NoiseContrastiveEstimation) Validate() error {
	if n.labels.Value().Rows() < 2 || n.labels.Value().Rows()%2 != 0 {
		return errors.Errorf("%s: labels must have 2*(numNoiseSamples+1) rows, got %d",
			n.name, n.labels.Value().Rows())
	}
	if n.labels.Value().Cols() != n.input.Value().Cols() {
		return errors.Errorf("%s: labels and input disagree on token count: %d vs %d",
			n.name, n.labels.Value().Cols(), n.input.Value().Cols())
	}
	if n.weight.Value().Cols() != n.input.Value().Rows() {
		return errors.Errorf("%s: weight cols (%d) must match input rows (%d)",
			n.name, n.weight.Value().Cols(), n.input.Value().Rows())
	}
	if n.bias.Value().Rows() != n.weight.Value().Rows() || n.bias.Value().Cols() != 1 {
		return errors.Errorf("%s: bias must be %dx1, got %dx%d",
			n.name, n.weight.Value().Rows(), n.bias.Value().Rows(), n.bias.Value().Cols())
	}
	return requireSameLayout(n.name, n.labels, n.input)
}

func (n *NoiseContrastiveEstimation) numSamples() int { return n.labels.Value().Rows() / 2 }

func (n *NoiseContrastiveEstimation) score(sample int, in []float64) float64 {
	weight := n.weight.Value()
	s := n.bias.Value().At(sample, 0)
	for r := 0; r < weight.Cols(); r++ {
		s += weight.At(sample, r) * in[r]
	}
	return s
}

func (n *NoiseContrastiveEstimation) Forward() error {
	input := n.input.Value()
	labels := n.labels.Value()
	layout := layoutOf(n.labels, n.input)
	k1 := n.numSamples() // true word + k noise samples

	n.sigmoid.Resize(k1, input.Cols())
	n.sigmoid.Zero()

	sum := 0.0
	for t := 0; t < input.Cols(); t++ {
		if isGapCol(layout, t) {
			continue
		}
		in := input.Column(t)
		for i := 0; i < k1; i++ {
			sample := int(labels.At(i, t))
			if sample < 0 || sample >= n.weight.Value().Rows() {
				return errors.Errorf("%s: token %d sample index %d out of range", n.name, t, sample)
			}
			logNoise := labels.At(k1+i, t)
			logit := n.score(sample, in) - logNoise
			sig := 1 / (1 + math.Exp(-logit))
			n.sigmoid.Set(i, t, sig)
			if i == 0 {
				sum -= math.Log(sig)
			} else {
				sum -= math.Log(1 - sig)
			}
		}
	}
	n.setValue(sum)
	return nil
}

// EvaluateColumn scores token column t under the evaluation mode; it is
// what decoders call at test time. NCEEvalNone falls back to the training
// objective for the column.
func (n *NoiseContrastiveEstimation) EvaluateColumn(t int) float64 {
	input := n.input.Value()
	labels := n.labels.Value()
	in := input.Column(t)
	trueWord := int(labels.At(0, t))

	switch n.evalMode {
	case NCEEvalSoftmax:
		vocab := n.weight.Value().Rows()
		scores := make([]float64, vocab)
		for s := 0; s < vocab; s++ {
			scores[s] = n.score(s, in)
		}
		logSoftmaxInto(scores, scores)
		return -scores[trueWord]
	case NCEEvalUnnormalized:
		return -n.score(trueWord, in)
	default:
		k1 := n.numSamples()
		sum := 0.0
		for i := 0; i < k1; i++ {
			sig := n.sigmoid.At(i, t)
			if i == 0 {
				sum -= math.Log(sig)
			} else {
				sum -= math.Log(1 - sig)
			}
		}
		return sum
	}
}

func (n *NoiseContrastiveEstimation) Backward(outGrad float64) error {
	input := n.input.Value()
	labels := n.labels.Value()
	weight := n.weight.Value()
	layout := layoutOf(n.labels, n.input)
	k1 := n.numSamples()
	dim := input.Rows()

	for t := 0; t < input.Cols(); t++ {
		if isGapCol(layout, t) {
			continue
		}
		in := input.Column(t)
		for i := 0; i < k1; i++ {
			sample := int(labels.At(i, t))
			sig := n.sigmoid.At(i, t)
			// d(-log sig)/dlogit = sig - 1 for the true word,
			// d(-log(1-sig))/dlogit = sig for noise samples.
			var dLogit float64
			if i == 0 {
				dLogit = outGrad * (sig - 1)
			} else {
				dLogit = outGrad * sig
			}
			if n.input.NeedsGradient() {
				gi := n.input.Gradient().Column(t)
				for r := 0; r < dim; r++ {
					gi[r] += dLogit * weight.At(sample, r)
				}
			}
			if n.weight.NeedsGradient() {
				gw := n.weight.Gradient()
				for r := 0; r < dim; r++ {
					gw.AddAt(sample, r, dLogit*in[r])
				}
			}
			if n.bias.NeedsGradient() {
				n.bias.Gradient().AddAt(sample, 0, dLogit)
			}
		}
	}
	return nil
}
