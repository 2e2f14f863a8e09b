package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Optimizer names accepted by the training configuration.
const (
	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"
)

// Config carries the full training surface. Zero values are filled by
// Default; Load applies a YAML document on top of the defaults, and the CLI
// applies flag overrides on top of that.
type Config struct {
	// Batch is the optimization batch size; Subdivisions splits it into
	// micro-batches of Batch/Subdivisions samples.
	Batch        int `yaml:"batch"`
	Subdivisions int `yaml:"subdivisions"`

	// LearningRate is the nominal rate. The optimizer is constructed with
	// LearningRate/Batch; progress records report the product back.
	LearningRate float64 `yaml:"learning_rate"`
	BurnIn       int     `yaml:"burn_in"`
	Steps        []int   `yaml:"steps"`
	Momentum     float64 `yaml:"momentum"`
	Decay        float64 `yaml:"decay"`

	Classes int `yaml:"classes"`
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`

	// Checkpoints is the checkpoint directory; KeepCheckpointMax bounds how
	// many files of the current run are retained (<= 0 disables rotation).
	Checkpoints       string `yaml:"checkpoints"`
	KeepCheckpointMax int    `yaml:"keep_checkpoint_max"`
	SavePrefix        string `yaml:"save_prefix"`

	Optimizer string `yaml:"train_optimizer"`
	Epochs    int    `yaml:"train_epochs"`

	// Pretrained points at backbone weights; when empty the backbone is
	// trained from scratch and never frozen.
	Pretrained string `yaml:"pretrained"`

	TrainLabel string `yaml:"train_label"`
	ValLabel   string `yaml:"val_label"`
	DatasetDir string `yaml:"dataset_dir"`

	// LogStep is the progress record cadence in optimizer steps.
	LogStep int `yaml:"log_step"`

	// Parallel is the in-process data-parallel replica count.
	Parallel int `yaml:"parallel"`
}

// Default returns the configuration with the stock training values.
func Default() *Config {
	return &Config{
		Batch:             64,
		Subdivisions:      16,
		LearningRate:      0.001,
		BurnIn:            1000,
		Steps:             []int{400000, 450000},
		Momentum:          0.949,
		Decay:             0.0005,
		Classes:           80,
		Width:             608,
		Height:            608,
		Checkpoints:       "checkpoints",
		KeepCheckpointMax: 10,
		SavePrefix:        "Yolov4_epoch",
		Optimizer:         OptimizerAdam,
		Epochs:            300,
		LogStep:           20,
		Parallel:          1,
	}
}

// Load reads a YAML config document on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders the configuration as a YAML document, the form the run
// journal stores it in.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to render config: %w", err)
	}
	return string(out), nil
}

// Validate checks the configuration before training starts. Violations are
// startup failures, not warnings.
func (c *Config) Validate() error {
	if c.Batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", c.Batch)
	}
	if c.Subdivisions <= 0 {
		return fmt.Errorf("subdivisions must be positive, got %d", c.Subdivisions)
	}
	if c.Batch%c.Subdivisions != 0 {
		return fmt.Errorf("subdivisions (%d) must divide batch (%d) evenly", c.Subdivisions, c.Batch)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.BurnIn < 0 {
		return fmt.Errorf("burn_in must not be negative, got %d", c.BurnIn)
	}
	if len(c.Steps) != 2 {
		return fmt.Errorf("steps must hold exactly two decay boundaries, got %d", len(c.Steps))
	}
	if c.Steps[0] <= 0 || c.Steps[1] <= c.Steps[0] {
		return fmt.Errorf("steps must be positive and strictly ascending, got %v", c.Steps)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return fmt.Errorf("momentum must be in [0, 1), got %v", c.Momentum)
	}
	if c.Decay < 0 {
		return fmt.Errorf("decay must not be negative, got %v", c.Decay)
	}
	if c.Classes <= 0 {
		return fmt.Errorf("classes must be positive, got %d", c.Classes)
	}
	if c.Width <= 0 || c.Width%32 != 0 {
		return fmt.Errorf("width must be a positive multiple of 32, got %d", c.Width)
	}
	if c.Height <= 0 || c.Height%32 != 0 {
		return fmt.Errorf("height must be a positive multiple of 32, got %d", c.Height)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("train_epochs must be positive, got %d", c.Epochs)
	}
	if c.Optimizer != OptimizerAdam && c.Optimizer != OptimizerSGD {
		return fmt.Errorf("train_optimizer must be %q or %q, got %q", OptimizerAdam, OptimizerSGD, c.Optimizer)
	}
	if c.LogStep <= 0 {
		return fmt.Errorf("log_step must be positive, got %d", c.LogStep)
	}
	if c.Parallel <= 0 {
		return fmt.Errorf("parallel must be positive, got %d", c.Parallel)
	}
	return nil
}

// MicroBatch returns the per-micro-batch sample count.
func (c *Config) MicroBatch() int {
	return c.Batch / c.Subdivisions
}

// BaseRate returns the rate handed to the optimizer, learning_rate/batch.
func (c *Config) BaseRate() float64 {
	return c.LearningRate / float64(c.Batch)
}
