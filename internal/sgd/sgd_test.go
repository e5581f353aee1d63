package sgd

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Farheen2302/CNTK-sub000/internal/criterion"
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/reader"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

// regressionNet fits a weight matrix directly to a bound target: the
// simplest network with a real gradient path. The weight node shares the
// minibatch layout so the criterion sees consistent inputs.
type regressionNet struct {
	*graph.SimpleNetwork
	w *graph.LearnableParameter
}

func (n *regressionNet) BindMinibatch(inputs map[string]*tensor.Matrix, layout *tensor.MinibatchLayout) error {
	if err := n.SimpleNetwork.BindMinibatch(inputs, layout); err != nil {
		return err
	}
	n.w.SetLayout(layout)
	return nil
}

func mustRows(t *testing.T, rows [][]float64) *tensor.Matrix {
	t.Helper()
	m, err := tensor.FromRows(rows)
	require.NoError(t, err)
	return m
}

func regressionTarget(t *testing.T) *tensor.Matrix {
	t.Helper()
	return mustRows(t, [][]float64{
		{1, 2, 3, 4},
		{5, 6, 7, 8},
	})
}

func newRegressionNet(t *testing.T) *regressionNet {
	t.Helper()
	w := graph.NewLearnableParameter("w", 2, 4)
	target := graph.NewValueNode("target", 2, 4, false)
	net := &regressionNet{
		SimpleNetwork: graph.NewSimpleNetwork(criterion.NewSquareError("mse", &w.ValueNode, target)),
		w:             w,
	}
	net.AddInput(target)
	net.AddParameter(w)
	return net
}

func newRegressionReader(t *testing.T) *reader.MemoryReader {
	t.Helper()
	rdr, err := reader.NewMemoryReader(map[string]*tensor.Matrix{"target": regressionTarget(t)})
	require.NoError(t, err)
	return rdr
}

func regressionParams(t *testing.T) *Params {
	t.Helper()
	p := DefaultParams()
	p.ModelPath = filepath.Join(t.TempDir(), "model")
	p.MaxEpochs = 8
	p.MinibatchSize = IntSchedule{4}
	p.LearnRatesPerSample = FloatSchedule{0.5}
	p.MomentumPerMB = FloatSchedule{0}
	p.GradUpdate.Type = GradUpdateNone
	p.GradUpdate.GaussianNoiseInjectStd = 0
	p.NumMBsToShowResult = 0
	return p
}

func TestTrain_RegressionConverges(t *testing.T) {
	params := regressionParams(t)
	net := newRegressionNet(t)
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)

	require.NoError(t, s.Train(false))

	// Each full-batch step halves the distance to the target; after 8
	// epochs the weights sit within 1/256 of it.
	target := regressionTarget(t)
	for i := 0; i < 2; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, target.At(i, j), net.w.Value().At(i, j), 0.05)
		}
	}

	// Final model and checkpoint exist; intermediate checkpoints are gone.
	_, err = os.Stat(params.ModelPath)
	assert.NoError(t, err)
	_, err = os.Stat(params.ModelPath + ".ckp")
	assert.NoError(t, err)
	_, err = os.Stat(params.ModelPath + ".1.ckp")
	assert.True(t, os.IsNotExist(err))

	ck, err := LoadCheckpoint(params.ModelPath+".ckp", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), ck.TotalSamplesSeen, "8 epochs of 4 samples")
}

func TestTrain_MakeModeSkipsFinishedRun(t *testing.T) {
	params := regressionParams(t)
	net := newRegressionNet(t)
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.Train(false))

	// A second run in make mode sees the finished model and touches
	// nothing.
	net2 := newRegressionNet(t)
	s2, err := NewSGD(params, net2, newRegressionReader(t), nil)
	require.NoError(t, err)
	assert.Equal(t, params.MaxEpochs, s2.DetermineStartEpoch(true))
	require.NoError(t, s2.Train(true))
	assert.Equal(t, 0.0, net2.w.Value().At(0, 0), "weights never trained or loaded")
}

func TestTrain_ResumesFromNewestCheckpoint(t *testing.T) {
	params := regressionParams(t)
	params.KeepCheckPointFiles = true
	net := newRegressionNet(t)
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)
	require.NoError(t, s.Train(false))

	// Drop the final epoch's output; the newest intermediate pair is now
	// epoch 6's model.7.
	require.NoError(t, os.Remove(params.ModelPath))
	require.NoError(t, os.Remove(params.ModelPath+".ckp"))

	net2 := newRegressionNet(t)
	s2, err := NewSGD(params, net2, newRegressionReader(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, s2.DetermineStartEpoch(true))
	require.NoError(t, s2.Train(true))

	ck, err := LoadCheckpoint(params.ModelPath+".ckp", 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(7*4+4), ck.TotalSamplesSeen, "7 epochs carried over plus one trained")

	target := regressionTarget(t)
	assert.InDelta(t, target.At(1, 3), net2.w.Value().At(1, 3), 0.05)
}

func TestDetermineStartEpoch(t *testing.T) {
	params := regressionParams(t)
	params.MaxEpochs = 3
	s, err := NewSGD(params, newRegressionNet(t), newRegressionReader(t), nil)
	require.NoError(t, err)

	assert.Equal(t, -1, s.DetermineStartEpoch(true), "no files yet")

	// Epoch 0's pair appears.
	model1 := params.ModelPath + ".1"
	require.NoError(t, os.WriteFile(model1, []byte("m"), 0o644))
	require.NoError(t, os.WriteFile(model1+".ckp", []byte("c"), 0o644))
	assert.Equal(t, 1, s.DetermineStartEpoch(true))
	assert.Equal(t, -1, s.DetermineStartEpoch(false), "fresh start unless make mode")

	// Epoch 1's pair wins over epoch 0's.
	model2 := params.ModelPath + ".2"
	require.NoError(t, os.WriteFile(model2, []byte("m"), 0o644))
	require.NoError(t, os.WriteFile(model2+".ckp", []byte("c"), 0o644))
	assert.Equal(t, 2, s.DetermineStartEpoch(true))

	// A checkpoint older than its model is a torn save; fall back.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(model2+".ckp", old, old))
	assert.Equal(t, 1, s.DetermineStartEpoch(true))
}

func TestTrain_NaNCriterionIsFatalWithoutAdjustment(t *testing.T) {
	params := regressionParams(t)
	target := regressionTarget(t)
	target.Set(0, 0, math.NaN())
	rdr, err := reader.NewMemoryReader(map[string]*tensor.Matrix{"target": target})
	require.NoError(t, err)

	s, err := NewSGD(params, newRegressionNet(t), rdr, nil)
	require.NoError(t, err)

	err = s.Train(false)
	assert.ErrorIs(t, err, ErrCriterionNaN)
}

func TestAdjustAfterEpoch(t *testing.T) {
	params := regressionParams(t)
	params.LearnRateAdjust.Mode = LRAdjustAfterEpoch
	params.LearnRateAdjust.LearnRateDecreaseFactor = 0.5
	params.LearnRateAdjust.LearnRateIncreaseFactor = 2
	params.LearnRateAdjust.IncreaseLearnRateIfImproveMoreThan = 0.5
	s, err := NewSGD(params, newRegressionNet(t), newRegressionReader(t), nil)
	require.NoError(t, err)

	// First interval has no reference yet: rate unchanged, criterion kept.
	lr, prev, stop := s.adjustAfterEpoch(0, 10.0, 0.1, math.NaN())
	assert.Equal(t, 0.1, lr)
	assert.Equal(t, 10.0, prev)
	assert.False(t, stop)

	// Criterion got worse: rate halves.
	lr, prev, stop = s.adjustAfterEpoch(1, 12.0, lr, prev)
	assert.InDelta(t, 0.05, lr, 1e-12)
	assert.Equal(t, 12.0, prev)
	assert.False(t, stop)

	// Improvement beyond the increase threshold: rate doubles.
	lr, prev, stop = s.adjustAfterEpoch(2, 4.0, lr, prev)
	assert.InDelta(t, 0.1, lr, 1e-12)
	assert.Equal(t, 4.0, prev)
	assert.False(t, stop)
}

func TestAdjustAfterEpoch_ContinueReduceStopsOnSecondTrigger(t *testing.T) {
	params := regressionParams(t)
	params.LearnRateAdjust.Mode = LRAdjustAfterEpoch
	params.LearnRateAdjust.ContinueReduce = true
	params.LearnRateAdjust.LearnRateDecreaseFactor = 0.5
	s, err := NewSGD(params, newRegressionNet(t), newRegressionReader(t), nil)
	require.NoError(t, err)

	lr, prev, stop := s.adjustAfterEpoch(0, 10.0, 0.1, math.NaN())
	require.False(t, stop)

	lr, prev, stop = s.adjustAfterEpoch(1, 11.0, lr, prev)
	assert.False(t, stop, "first reduction keeps going")

	_, _, stop = s.adjustAfterEpoch(2, 12.0, lr, prev)
	assert.True(t, stop, "second reduction ends the run")
}

func TestAdjustAfterEpoch_IntervalAveragesCriteria(t *testing.T) {
	params := regressionParams(t)
	params.LearnRateAdjust.Mode = LRAdjustAfterEpoch
	params.LearnRateAdjust.LearnRateAdjustInterval = 2
	params.LearnRateAdjust.LearnRateDecreaseFactor = 0.5
	s, err := NewSGD(params, newRegressionNet(t), newRegressionReader(t), nil)
	require.NoError(t, err)

	// Mid-interval epochs change nothing.
	lr, prev, _ := s.adjustAfterEpoch(0, 10.0, 0.1, math.NaN())
	assert.Equal(t, 0.1, lr)
	assert.True(t, math.IsNaN(prev))

	// Interval closes: average (10+20)/2 = 15 becomes the reference.
	lr, prev, _ = s.adjustAfterEpoch(1, 20.0, lr, prev)
	assert.Equal(t, 0.1, lr)
	assert.Equal(t, 15.0, prev)
}

func TestGradientCheck_PassesForExactGradients(t *testing.T) {
	params := regressionParams(t)
	net := newRegressionNet(t)
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)
	s.initStates()

	assert.NoError(t, s.runGradientCheck(4))
}

func TestTrain_RunsGradientCheckWhenEnabled(t *testing.T) {
	params := regressionParams(t)
	params.GradientCheck = true
	net := newRegressionNet(t)
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)

	require.NoError(t, s.Train(false))
}

// dropoutNet records the per-epoch dropout rate the driver hands it.
type dropoutNet struct {
	*regressionNet
	rates []float64
}

func (n *dropoutNet) SetDropoutRate(rate float64) { n.rates = append(n.rates, rate) }

func TestTrain_AppliesDropoutSchedule(t *testing.T) {
	params := regressionParams(t)
	params.MaxEpochs = 3
	params.DropoutRates = FloatSchedule{0.5, 0.2}

	net := &dropoutNet{regressionNet: newRegressionNet(t)}
	s, err := NewSGD(params, net, newRegressionReader(t), nil)
	require.NoError(t, err)

	require.NoError(t, s.Train(false))
	assert.Equal(t, []float64{0.5, 0.2, 0.2}, net.rates, "last scheduled rate repeats")
}
