// Package sgd implements the stochastic gradient descent training
// driver: the epoch state machine, learning-rate control with searching
// and post-epoch adjustment, adaptive minibatch sizing, weight update
// rules, checkpointing, gradient checking, and a validation evaluator.
package sgd

import (
	"math"

	"github.com/pkg/errors"
)

// LRAdjustMode selects how the learning rate evolves across epochs.
type LRAdjustMode int

const (
	// LRAdjustNone uses the configured schedule as-is. A NaN epoch
	// criterion is fatal in this mode: nothing would ever recover it.
	LRAdjustNone LRAdjustMode = iota
	// LRSearchBeforeEpoch searches for a good rate on a slice of data
	// before each epoch.
	LRSearchBeforeEpoch
	// LRAdjustAfterEpoch scales the rate after each epoch based on how
	// the criterion moved.
	LRAdjustAfterEpoch
)

// GradUpdateType selects the weight update rule.
type GradUpdateType int

const (
	GradUpdateNone GradUpdateType = iota // momentum SGD
	GradUpdateAdaGrad
	GradUpdateFSAdaGrad
	GradUpdateRmsProp
)

// ParallelizationMode selects how multiple workers cooperate.
type ParallelizationMode int

const (
	ParallelNone ParallelizationMode = iota
	ParallelDataParallelSGD
	ParallelModelAveragingSGD
)

// FloatSchedule maps epoch number to a value; the last entry repeats for
// all later epochs.
type FloatSchedule []float64

// Get returns the value for epoch, or def when the schedule is empty.
func (s FloatSchedule) Get(epoch int, def float64) float64 {
	if len(s) == 0 {
		return def
	}
	if epoch >= len(s) {
		return s[len(s)-1]
	}
	return s[epoch]
}

// IntSchedule is FloatSchedule for integer-valued settings.
type IntSchedule []int

func (s IntSchedule) Get(epoch int, def int) int {
	if len(s) == 0 {
		return def
	}
	if epoch >= len(s) {
		return s[len(s)-1]
	}
	return s[epoch]
}

// RMSPropInfo carries the RmsProp rule's constants.
type RMSPropInfo struct {
	Gamma float64 `yaml:"gamma"`
	Inc   float64 `yaml:"inc"`
	Dec   float64 `yaml:"dec"`
	Max   float64 `yaml:"max"`
	Min   float64 `yaml:"min"`
}

// GradientUpdateInfo selects the update rule and its noise injection.
type GradientUpdateInfo struct {
	Type                   GradUpdateType `yaml:"type"`
	GaussianNoiseInjectStd float64        `yaml:"gaussianNoiseInjectStd"`
}

// LearnRateAdjust groups the learning-rate control settings.
type LearnRateAdjust struct {
	Mode LRAdjustMode `yaml:"mode"`

	ReduceLearnRateIfImproveLessThan   float64 `yaml:"reduceLearnRateIfImproveLessThan"`
	ContinueReduce                     bool    `yaml:"continueReduce"`
	IncreaseLearnRateIfImproveMoreThan float64 `yaml:"increaseLearnRateIfImproveMoreThan"`
	LearnRateDecreaseFactor            float64 `yaml:"learnRateDecreaseFactor"`
	LearnRateIncreaseFactor            float64 `yaml:"learnRateIncreaseFactor"`
	LoadBestModel                      bool    `yaml:"loadBestModel"`
	LearnRateAdjustInterval            int     `yaml:"learnRateAdjustInterval"`

	NumMiniBatch4LRSearch int `yaml:"numMiniBatch4LRSearch"`
	NumBestSearchEpoch    int `yaml:"numBestSearchEpoch"`
	NumPrevLearnRates     int `yaml:"numPrevLearnRates"`
}

// AdaptiveMinibatch groups the minibatch-size search settings.
type AdaptiveMinibatch struct {
	Enabled bool `yaml:"enabled"`
	// TuningFrequency re-tunes every N epochs once a size was chosen.
	TuningFrequency int `yaml:"tuningFrequency"`
	// TuningMax caps the searched size.
	TuningMax int `yaml:"tuningMax"`
	// ErrorMarginPercent accepts sizes whose trial criterion stays within
	// this margin of the baseline.
	ErrorMarginPercent float64 `yaml:"errorMarginPercent"`
	// NumMiniBatch4Search bounds the samples spent per trial.
	NumMiniBatch4Search int `yaml:"numMiniBatch4Search"`
}

// Parallel groups the multi-worker settings.
type Parallel struct {
	Mode                 ParallelizationMode `yaml:"mode"`
	NumGradientBits      int                 `yaml:"numGradientBits"`
	ZeroThresholdFor1Bit bool                `yaml:"zeroThresholdFor1Bit"`
	// StartEpoch is 1-based: parallelization kicks in when
	// epoch+1 >= StartEpoch.
	StartEpoch        int `yaml:"startEpoch"`
	FramesBetweenSync int `yaml:"framesBetweenSync"`
}

// Params is the full configuration surface of the training driver.
type Params struct {
	ModelPath           string `yaml:"modelPath"`
	KeepCheckPointFiles bool   `yaml:"keepCheckPointFiles"`

	MaxEpochs int `yaml:"maxEpochs"`
	// EpochSize in samples; 0 means the whole data set.
	EpochSize     int         `yaml:"epochSize"`
	MinibatchSize IntSchedule `yaml:"minibatchSize"`

	LearnRatesPerSample FloatSchedule `yaml:"learnRatesPerSample"`
	LearnRatesPerMB     FloatSchedule `yaml:"learnRatesPerMB"`
	MomentumPerSample   FloatSchedule `yaml:"momentumPerSample"`
	MomentumPerMB       FloatSchedule `yaml:"momentumPerMB"`
	DropoutRates        FloatSchedule `yaml:"dropoutRates"`
	MinLearnRate        float64       `yaml:"minLearnRate"`

	LearnRateAdjust LearnRateAdjust    `yaml:"learnRateAdjust"`
	GradUpdate      GradientUpdateInfo `yaml:"gradUpdate"`
	RMSProp         RMSPropInfo        `yaml:"rmsProp"`

	L1RegWeight                    float64 `yaml:"l1RegWeight"`
	L2RegWeight                    float64 `yaml:"l2RegWeight"`
	ClippingThresholdPerSample     float64 `yaml:"clippingThresholdPerSample"`
	GradientClippingWithTruncation bool    `yaml:"gradientClippingWithTruncation"`

	Adaptive AdaptiveMinibatch `yaml:"adaptiveMinibatch"`
	Parallel Parallel          `yaml:"parallel"`

	TraceLevel         int  `yaml:"traceLevel"`
	NumMBsToShowResult int  `yaml:"numMBsToShowResult"`
	GradientCheck      bool `yaml:"gradientCheck"`
}

// DefaultParams returns the defaults every run starts from.
func DefaultParams() *Params {
	return &Params{
		MaxEpochs:     1,
		MinibatchSize: IntSchedule{256},
		MomentumPerMB: FloatSchedule{0.9},
		MinLearnRate:  1e-9,
		LearnRateAdjust: LearnRateAdjust{
			Mode:                               LRAdjustNone,
			ReduceLearnRateIfImproveLessThan:   0,
			IncreaseLearnRateIfImproveMoreThan: math.Inf(1),
			LearnRateDecreaseFactor:            0.618,
			LearnRateIncreaseFactor:            1.382,
			LearnRateAdjustInterval:            1,
			NumMiniBatch4LRSearch:              500,
			NumBestSearchEpoch:                 1,
			NumPrevLearnRates:                  5,
		},
		GradUpdate: GradientUpdateInfo{
			Type:                   GradUpdateAdaGrad,
			GaussianNoiseInjectStd: 0.0075,
		},
		RMSProp: RMSPropInfo{
			Gamma: 0.99,
			Inc:   1.2,
			Dec:   0.75,
			Max:   10.0,
			Min:   0.1,
		},
		ClippingThresholdPerSample:     math.Inf(1),
		GradientClippingWithTruncation: true,
		Adaptive: AdaptiveMinibatch{
			TuningFrequency:     1,
			ErrorMarginPercent:  0,
			NumMiniBatch4Search: 500,
		},
		Parallel: Parallel{
			Mode:            ParallelNone,
			NumGradientBits: 32,
			StartEpoch:      1,
		},
		NumMBsToShowResult: 10,
	}
}

// Validate rejects inconsistent configurations before any training runs.
func (p *Params) Validate() error {
	if p.MaxEpochs < 1 {
		return errors.New("sgd: maxEpochs must be at least 1")
	}
	if len(p.MinibatchSize) == 0 {
		return errors.New("sgd: minibatchSize schedule is empty")
	}
	for _, mb := range p.MinibatchSize {
		if mb < 1 {
			return errors.Errorf("sgd: minibatch size %d is not positive", mb)
		}
	}
	if len(p.LearnRatesPerSample) > 0 && len(p.LearnRatesPerMB) > 0 {
		return errors.New("sgd: learnRatesPerSample and learnRatesPerMB are mutually exclusive")
	}
	if len(p.LearnRatesPerSample) == 0 && len(p.LearnRatesPerMB) == 0 &&
		p.LearnRateAdjust.Mode != LRSearchBeforeEpoch {
		return errors.New("sgd: no learning rate given; set learnRatesPerSample, learnRatesPerMB, or use search mode")
	}
	if len(p.MomentumPerSample) > 0 && len(p.MomentumPerMB) > 0 {
		return errors.New("sgd: momentumPerSample and momentumPerMB are mutually exclusive")
	}
	for _, m := range append(append(FloatSchedule{}, p.MomentumPerSample...), p.MomentumPerMB...) {
		if m < 0 || m >= 1 {
			return errors.Errorf("sgd: momentum %g outside [0, 1)", m)
		}
	}
	for _, d := range p.DropoutRates {
		if d < 0 || d >= 1 {
			return errors.Errorf("sgd: dropout rate %g outside [0, 1)", d)
		}
	}
	if p.LearnRateAdjust.LearnRateDecreaseFactor > 1 {
		return errors.Errorf("sgd: learnRateDecreaseFactor %g must not exceed 1", p.LearnRateAdjust.LearnRateDecreaseFactor)
	}
	if p.LearnRateAdjust.LearnRateIncreaseFactor < 1 {
		return errors.Errorf("sgd: learnRateIncreaseFactor %g must be at least 1", p.LearnRateAdjust.LearnRateIncreaseFactor)
	}
	if p.EpochSize > 0 {
		for _, mb := range p.MinibatchSize {
			if p.EpochSize <= mb {
				return errors.Errorf("sgd: epochSize %d must exceed minibatch size %d", p.EpochSize, mb)
			}
		}
	}
	if p.Parallel.Mode != ParallelNone && p.Parallel.NumGradientBits != 1 && p.Parallel.NumGradientBits != 32 {
		return errors.Errorf("sgd: numGradientBits must be 1 or 32, got %d", p.Parallel.NumGradientBits)
	}
	if p.Adaptive.Enabled && p.Adaptive.TuningMax < 1 {
		return errors.New("sgd: adaptive minibatch sizing needs a positive tuningMax")
	}
	return nil
}

// LearnRatePerSample resolves the scheduled rate for an epoch, converting
// a per-minibatch rate with the epoch's minibatch size. The boolean
// reports whether the schedule specifies this epoch explicitly.
func (p *Params) LearnRatePerSample(epoch, mbSize int) (float64, bool) {
	if len(p.LearnRatesPerSample) > 0 {
		return p.LearnRatesPerSample.Get(epoch, 0), epoch < len(p.LearnRatesPerSample)
	}
	if len(p.LearnRatesPerMB) > 0 {
		return p.LearnRatesPerMB.Get(epoch, 0) / float64(mbSize), epoch < len(p.LearnRatesPerMB)
	}
	return 0, false
}

// MomentumPerSampleFor resolves the per-sample momentum for an epoch. A
// per-minibatch momentum m converts as m^(1/mbSize), so that applying it
// once per sample compounds back to m over a minibatch.
func (p *Params) MomentumPerSampleFor(epoch, mbSize int) float64 {
	if len(p.MomentumPerSample) > 0 {
		return p.MomentumPerSample.Get(epoch, 0)
	}
	m := p.MomentumPerMB.Get(epoch, 0.9)
	if m == 0 {
		return 0
	}
	return math.Pow(m, 1/float64(mbSize))
}
