package sgd

import (
	"math"

	"golang.org/x/exp/rand"

	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

const adaGradFloor = 1e-8

// updateState is the per-parameter optimizer memory. smoothed doubles as
// the momentum buffer (momentum SGD, FSAdaGrad) and the squared-gradient
// accumulator (AdaGrad, RmsProp); the aux matrices carry RmsProp's
// per-element step multipliers and last gradient signs, and FSAdaGrad's
// second accumulator.
type updateState struct {
	smoothed *tensor.Matrix
	aux      *tensor.Matrix
	signs    *tensor.Matrix
}

func newUpdateState(rows, cols int, ruleType GradUpdateType) *updateState {
	st := &updateState{smoothed: tensor.NewMatrix(rows, cols)}
	switch ruleType {
	case GradUpdateRmsProp:
		st.aux = tensor.NewMatrix(rows, cols)
		st.aux.Fill(1)
		st.signs = tensor.NewMatrix(rows, cols)
	case GradUpdateFSAdaGrad:
		st.aux = tensor.NewMatrix(rows, cols)
	}
	return st
}

// updateWeights applies one optimizer step to a parameter. The sequence
// is fixed: clip, L2 term, update rule, noise injection, L1 proximal
// step.
func updateWeights(
	p *graph.LearnableParameter,
	st *updateState,
	params *Params,
	learnRatePerSample, momentumPerSample float64,
	actualMBSize int,
	rng rand.Source,
) {
	grad := p.Gradient()
	value := p.Value()
	mb := float64(actualMBSize)

	clipGradient(grad, params, actualMBSize)

	var noise *tensor.Matrix
	if params.GradUpdate.GaussianNoiseInjectStd > 0 {
		noise = tensor.NewMatrix(value.Rows(), value.Cols())
		noise.SetGaussianRandomValue(0, params.GradUpdate.GaussianNoiseInjectStd, rng)
	}

	if params.L2RegWeight > 0 {
		// The per-sample L2 weight scales with the minibatch so the
		// penalty per sample stays constant.
		grad.AddScaled(params.L2RegWeight*mb, value)
	}

	switch params.GradUpdate.Type {
	case GradUpdateNone:
		momentum := math.Pow(momentumPerSample, mb)
		sg := st.smoothed
		sg.Scale(momentum)
		sg.AddScaled((1-momentum)*learnRatePerSample, grad)
		value.AddScaled(-1, sg)

	case GradUpdateAdaGrad:
		aveMul := adaGradNormalize(st.smoothed, grad)
		value.AddScaled(-learnRatePerSample/aveMul, grad)

	case GradUpdateFSAdaGrad:
		// Fused variant: AdaGrad-normalized gradient fed through the
		// momentum buffer.
		aveMul := adaGradNormalize(st.aux, grad)
		momentum := math.Pow(momentumPerSample, mb)
		sg := st.smoothed
		sg.Scale(momentum)
		sg.AddScaled((1-momentum)*learnRatePerSample/aveMul, grad)
		value.AddScaled(-1, sg)

	case GradUpdateRmsProp:
		aveMul := rmsPropNormalize(st, grad, &params.RMSProp)
		value.AddScaled(-learnRatePerSample/aveMul, grad)
	}

	if noise != nil {
		value.Add(noise)
	}

	if params.L1RegWeight > 0 {
		value.InplaceSoftThreshold(learnRatePerSample * params.L1RegWeight * mb)
	}
}

// clipGradient limits the gradient against the per-sample threshold
// scaled by the minibatch size, either by element-wise truncation or by
// rescaling the whole matrix to the threshold norm.
func clipGradient(grad *tensor.Matrix, params *Params, actualMBSize int) {
	if math.IsInf(params.ClippingThresholdPerSample, 1) {
		return
	}
	maxNorm := params.ClippingThresholdPerSample * float64(actualMBSize)
	if params.GradientClippingWithTruncation {
		grad.InplaceTruncate(maxNorm)
		return
	}
	norm := grad.FrobeniusNorm()
	if norm > maxNorm {
		grad.Scale(maxNorm / norm)
	}
}

// adaGradNormalize accumulates squared gradients into accum, divides the
// gradient by the accumulated scale, and returns the mean multiplier so
// the caller can renormalize the learning rate: dividing by it keeps the
// average step size at the configured rate.
func adaGradNormalize(accum, grad *tensor.Matrix) float64 {
	a := accum.Data()
	g := grad.Data()
	sumMul := 0.0
	for i := range g {
		a[i] += g[i] * g[i]
		mul := 1 / (math.Sqrt(a[i]) + adaGradFloor)
		g[i] *= mul
		sumMul += mul
	}
	if sumMul == 0 {
		return 1
	}
	return sumMul / float64(len(g))
}

// rmsPropNormalize implements the sign-adaptive RmsProp rule: a leaky
// squared-gradient average plus per-element step multipliers that grow
// while the gradient sign holds and shrink when it flips.
func rmsPropNormalize(st *updateState, grad *tensor.Matrix, info *RMSPropInfo) float64 {
	avgsq := st.smoothed.Data()
	mul := st.aux.Data()
	signs := st.signs.Data()
	g := grad.Data()

	sumMul := 0.0
	for i := range g {
		avgsq[i] = info.Gamma*avgsq[i] + (1-info.Gamma)*g[i]*g[i]

		sign := 0.0
		if g[i] > 0 {
			sign = 1
		} else if g[i] < 0 {
			sign = -1
		}
		if sign*signs[i] > 0 {
			mul[i] = math.Min(mul[i]*info.Inc, info.Max)
		} else if sign*signs[i] < 0 {
			mul[i] = math.Max(mul[i]*info.Dec, info.Min)
		}
		signs[i] = sign

		m := mul[i] / (math.Sqrt(avgsq[i]) + adaGradFloor)
		g[i] *= m
		sumMul += m
	}
	if sumMul == 0 {
		return 1
	}
	return sumMul / float64(len(g))
}
