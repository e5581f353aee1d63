// Command sgdtrain runs the training driver against a YAML
// configuration. Without a data file it trains on a built-in synthetic
// regression, which is enough to exercise every part of the driver:
// learning-rate control, checkpoint resume, adaptive minibatch sizing,
// and evaluation.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/Farheen2302/CNTK-sub000/internal/config"
	"github.com/Farheen2302/CNTK-sub000/internal/criterion"
	"github.com/Farheen2302/CNTK-sub000/internal/graph"
	"github.com/Farheen2302/CNTK-sub000/internal/reader"
	"github.com/Farheen2302/CNTK-sub000/internal/sgd"
	"github.com/Farheen2302/CNTK-sub000/internal/tensor"
)

func main() {
	var (
		configPath = flag.String("config", "", "YAML configuration file")
		modelPath  = flag.String("model", "", "override the model output path")
		maxEpochs  = flag.Int("max-epochs", 0, "override the number of epochs")
		dataPath   = flag.String("data", "", "override the training data file")
		seed       = flag.Uint64("seed", 0, "override the random seed")
		makeMode   = flag.Bool("make-mode", false, "resume from the newest usable checkpoint")
		samples    = flag.Int("samples", 64, "synthetic data: number of samples")
		rows       = flag.Int("rows", 8, "synthetic data: feature dimension")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.ApplyOverrides(config.Overrides{
		ModelPath: *modelPath,
		MaxEpochs: *maxEpochs,
		DataPath:  *dataPath,
		Seed:      *seed,
		MakeMode:  *makeMode,
	})

	if err := run(cfg, *samples, *rows); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the file when given, or builds a runnable default
// configuration for the synthetic demo.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Default()
	cfg.SGD.ModelPath = "model"
	cfg.SGD.MaxEpochs = 10
	cfg.SGD.LearnRatesPerSample = sgd.FloatSchedule{0.1}
	cfg.SGD.GradUpdate.Type = sgd.GradUpdateNone
	cfg.SGD.GradUpdate.GaussianNoiseInjectStd = 0
	return cfg, nil
}

// fitNet fits a weight matrix directly to the bound target; the weight
// shares the minibatch layout.
type fitNet struct {
	*graph.SimpleNetwork
	w *graph.LearnableParameter
}

func (n *fitNet) BindMinibatch(inputs map[string]*tensor.Matrix, layout *tensor.MinibatchLayout) error {
	if err := n.SimpleNetwork.BindMinibatch(inputs, layout); err != nil {
		return err
	}
	n.w.SetLayout(layout)
	return nil
}

func run(cfg *config.Config, samples, rows int) error {
	target, err := loadOrGenerateTarget(cfg, samples, rows)
	if err != nil {
		return err
	}
	rdr, err := reader.NewMemoryReader(map[string]*tensor.Matrix{"target": target})
	if err != nil {
		return err
	}

	// The demo fits full-batch, so the minibatch is the whole set.
	cfg.SGD.MinibatchSize = sgd.IntSchedule{target.Cols()}

	w := graph.NewLearnableParameter("w", target.Rows(), target.Cols())
	node := graph.NewValueNode("target", target.Rows(), target.Cols(), false)
	net := &fitNet{
		SimpleNetwork: graph.NewSimpleNetwork(criterion.NewSquareError("mse", &w.ValueNode, node)),
		w:             w,
	}
	net.AddInput(node)
	net.AddParameter(w)

	s, err := sgd.NewSGD(&cfg.SGD, net, rdr, nil)
	if err != nil {
		return err
	}
	s.SetRandSource(rand.NewSource(cfg.Run.Seed))

	if err := s.Train(cfg.Run.MakeMode); err != nil {
		return err
	}

	if cfg.Run.EvalAfterTraining {
		ev := sgd.NewEvaluator(net, cfg.SGD.NumMBsToShowResult)
		avg, _, err := ev.Evaluate(rdr, target.Cols(), 0)
		if err != nil {
			return err
		}
		log.Printf("final criterion=%.8g", avg)
	}
	return nil
}

func loadOrGenerateTarget(cfg *config.Config, samples, rows int) (*tensor.Matrix, error) {
	if cfg.Run.DataPath != "" {
		return loadMatrix(cfg.Run.DataPath)
	}
	target := tensor.NewMatrix(rows, samples)
	target.SetGaussianRandomValue(0, 1, rand.NewSource(cfg.Run.Seed))
	return target, nil
}

// loadMatrix reads a little-endian binary matrix: rows u32, cols u32,
// then rows*cols float64 values in column-major order.
func loadMatrix(path string) (*tensor.Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open data file")
	}
	defer f.Close()

	var rows, cols uint32
	if err := binary.Read(f, binary.LittleEndian, &rows); err != nil {
		return nil, errors.Wrap(err, "read data header")
	}
	if err := binary.Read(f, binary.LittleEndian, &cols); err != nil {
		return nil, errors.Wrap(err, "read data header")
	}
	m := tensor.NewMatrix(int(rows), int(cols))
	if err := binary.Read(f, binary.LittleEndian, m.Data()); err != nil {
		return nil, errors.Wrap(err, "read data values")
	}
	return m, nil
}
