// Package config loads the YAML run configuration: driver settings plus
// the run-level knobs the CLI needs.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Farheen2302/CNTK-sub000/internal/sgd"
)

// Run captures the knobs outside the training driver itself.
type Run struct {
	// DataPath points at the training data file; empty runs the built-in
	// synthetic regression.
	DataPath string `yaml:"dataPath"`
	Seed     uint64 `yaml:"seed"`
	MakeMode bool   `yaml:"makeMode"`

	EvalAfterTraining bool `yaml:"evalAfterTraining"`
	EvalMinibatchSize int  `yaml:"evalMinibatchSize"`
}

// Config is the full configuration for one training run.
type Config struct {
	Run Run        `yaml:"run"`
	SGD sgd.Params `yaml:"sgd"`
}

// Default returns a config with the driver defaults filled in.
func Default() *Config {
	return &Config{
		Run: Run{
			Seed:              1,
			EvalMinibatchSize: 256,
		},
		SGD: *sgd.DefaultParams(),
	}
}

// Load reads and validates a config from YAML, overlaying the file on
// the defaults so absent keys keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Overrides captures CLI-supplied values; zero values leave the config
// untouched.
type Overrides struct {
	ModelPath string
	MaxEpochs int
	DataPath  string
	Seed      uint64
	MakeMode  bool
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ModelPath != "" {
		c.SGD.ModelPath = o.ModelPath
	}
	if o.MaxEpochs > 0 {
		c.SGD.MaxEpochs = o.MaxEpochs
	}
	if o.DataPath != "" {
		c.Run.DataPath = o.DataPath
	}
	if o.Seed != 0 {
		c.Run.Seed = o.Seed
	}
	if o.MakeMode {
		c.Run.MakeMode = true
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.SGD.ModelPath == "" {
		return errors.New("config: sgd.modelPath must be set")
	}
	if c.Run.EvalAfterTraining && c.Run.EvalMinibatchSize < 1 {
		return errors.New("config: evalMinibatchSize must be positive")
	}
	return c.SGD.Validate()
}
