// Package config loads the run configuration file.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-facetrain/trainerr"
)

// Task names, in run order.
const (
	TaskAge    = "age"
	TaskGender = "gender"
	TaskMask   = "mask"
)

// Environment variables that override file values.
const (
	EnvExpRoot  = "FACETRAIN_EXP_ROOT"
	EnvDataRoot = "FACETRAIN_DATA_ROOT"
	EnvDevice   = "FACETRAIN_DEVICE"
)

// Defaults for keys the file may omit.
const (
	DefaultExpRoot          = "exp"
	DefaultDevice           = "cpu"
	DefaultImageSize        = 64
	DefaultCheckpointFormat = "proto"
	DefaultLearningRate     = 0.001
	DefaultBaseOptimizer    = "sgd"
)

// taskDefaults holds the loss settings each task uses unless overridden.
var taskDefaults = map[string]struct {
	gamma     int
	smoothing float64
}{
	TaskAge:    {gamma: 3, smoothing: 0.1},
	TaskGender: {gamma: 2, smoothing: 0.2},
	TaskMask:   {gamma: 2, smoothing: 0.1},
}

var baseOptimizers = map[string]bool{"": true, "sgd": true, "adam": true}

var schedulers = map[string]bool{
	"": true, "none": true, "constant": true, "step": true, "exponential": true, "cosine": true,
}

// TaskSection is one per-task object of the configuration file. Optional
// fields left unset fall back to the task's defaults.
type TaskSection struct {
	Epochs    int      `json:"EPOCHS" yaml:"EPOCHS"`
	Gamma     *int     `json:"GAMMA,omitempty" yaml:"GAMMA,omitempty"`
	Smoothing *float64 `json:"SMOOTHING,omitempty" yaml:"SMOOTHING,omitempty"`
	LR        *float64 `json:"LR,omitempty" yaml:"LR,omitempty"`
}

// TaskConfig is the resolved configuration of one classification task.
type TaskConfig struct {
	Name         string
	Epochs       int
	Gamma        int
	Smoothing    float64
	LearningRate float32
}

// Config is the full run configuration.
type Config struct {
	Seed      *int64 `json:"SEED" yaml:"SEED"`
	BatchSize int    `json:"BATCH_SIZE" yaml:"BATCH_SIZE"`

	Age    *TaskSection `json:"age" yaml:"age"`
	Gender *TaskSection `json:"gender" yaml:"gender"`
	Mask   *TaskSection `json:"mask" yaml:"mask"`

	DataRoot         string `json:"DATA_ROOT" yaml:"DATA_ROOT"`
	ExpRoot          string `json:"EXP_ROOT" yaml:"EXP_ROOT"`
	Device           string `json:"DEVICE" yaml:"DEVICE"`
	ImageSize        int    `json:"IMAGE_SIZE" yaml:"IMAGE_SIZE"`
	NumWorkers       int    `json:"NUM_WORKERS" yaml:"NUM_WORKERS"`
	CheckpointFormat string `json:"CHECKPOINT_FORMAT" yaml:"CHECKPOINT_FORMAT"`
	Scheduler        string `json:"SCHEDULER" yaml:"SCHEDULER"`
	BaseOptimizer    string `json:"BASE_OPTIMIZER" yaml:"BASE_OPTIMIZER"`
	Pretrained       string `json:"PRETRAINED" yaml:"PRETRAINED"`
	TrainLimit       int    `json:"TRAIN_LIMIT" yaml:"TRAIN_LIMIT"`
	SyntheticSamples int    `json:"SYNTHETIC_SAMPLES" yaml:"SYNTHETIC_SAMPLES"`
	Plot             bool   `json:"PLOT" yaml:"PLOT"`
	Progress         bool   `json:"PROGRESS" yaml:"PROGRESS"`
}

// Load reads path from fs, fills defaults, applies environment overrides and
// validates the result. Files ending in .json are decoded as JSON, anything
// else as YAML.
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "reading config %s", path)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".json"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes and fills defaults.
func Parse(data []byte, isJSON bool) (*Config, error) {
	cfg := &Config{}
	var err error
	if isJSON {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Configuration, err, "decoding config")
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LoadDotEnv loads environment variables from the given .env files into the
// process environment. Missing files are skipped.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}

	var present []string
	for _, name := range filenames {
		if _, err := os.Stat(name); err == nil {
			present = append(present, name)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return trainerr.Wrap(trainerr.Configuration, err, "loading %s", strings.Join(present, ", "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ExpRoot == "" {
		c.ExpRoot = DefaultExpRoot
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.ImageSize == 0 {
		c.ImageSize = DefaultImageSize
	}
	if c.CheckpointFormat == "" {
		c.CheckpointFormat = DefaultCheckpointFormat
	}
	if c.BaseOptimizer == "" {
		c.BaseOptimizer = DefaultBaseOptimizer
	}
}

// ApplyEnv overrides the experiment root, data root and device with any
// non-empty values returned by getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvExpRoot); v != "" {
		c.ExpRoot = v
	}
	if v := getenv(EnvDataRoot); v != "" {
		c.DataRoot = v
	}
	if v := getenv(EnvDevice); v != "" {
		c.Device = v
	}
}

// Validate reports the first missing or out-of-range value.
func (c *Config) Validate() error {
	if c.Seed == nil {
		return configError("SEED is required")
	}
	if c.BatchSize <= 0 {
		return configError("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	if c.ImageSize <= 0 {
		return configError("IMAGE_SIZE must be positive, got %d", c.ImageSize)
	}
	if c.NumWorkers != 0 {
		return configError("NUM_WORKERS must be 0, got %d", c.NumWorkers)
	}
	if c.TrainLimit < 0 {
		return configError("TRAIN_LIMIT must be non-negative, got %d", c.TrainLimit)
	}
	if c.SyntheticSamples < 0 {
		return configError("SYNTHETIC_SAMPLES must be non-negative, got %d", c.SyntheticSamples)
	}
	if c.DataRoot == "" && c.SyntheticSamples == 0 {
		return configError("DATA_ROOT is required unless SYNTHETIC_SAMPLES is set")
	}
	switch strings.ToLower(c.CheckpointFormat) {
	case "proto", "onnx", "json":
	default:
		return configError("unknown CHECKPOINT_FORMAT %q", c.CheckpointFormat)
	}
	if !schedulers[strings.ToLower(c.Scheduler)] {
		return configError("unknown SCHEDULER %q", c.Scheduler)
	}
	if !baseOptimizers[strings.ToLower(c.BaseOptimizer)] {
		return configError("unknown BASE_OPTIMIZER %q", c.BaseOptimizer)
	}

	for _, name := range TaskNames() {
		section := c.section(name)
		if section == nil {
			return configError("missing %q section", name)
		}
		if section.Epochs <= 0 {
			return configError("%s.EPOCHS must be positive, got %d", name, section.Epochs)
		}
		if section.Gamma != nil && *section.Gamma < 0 {
			return configError("%s.GAMMA must be non-negative, got %d", name, *section.Gamma)
		}
		if section.Smoothing != nil && (*section.Smoothing < 0 || *section.Smoothing >= 1) {
			return configError("%s.SMOOTHING must be in [0, 1), got %g", name, *section.Smoothing)
		}
		if section.LR != nil && *section.LR <= 0 {
			return configError("%s.LR must be positive, got %g", name, *section.LR)
		}
	}
	return nil
}

// RandomSeed returns SEED, or 0 for a configuration that was never validated.
func (c *Config) RandomSeed() int64 {
	if c.Seed == nil {
		return 0
	}
	return *c.Seed
}

// Tasks returns the resolved task configurations in run order: age, gender, mask.
func (c *Config) Tasks() []TaskConfig {
	tasks := make([]TaskConfig, 0, 3)
	for _, name := range TaskNames() {
		defaults := taskDefaults[name]
		task := TaskConfig{
			Name:         name,
			Gamma:        defaults.gamma,
			Smoothing:    defaults.smoothing,
			LearningRate: DefaultLearningRate,
		}
		if section := c.section(name); section != nil {
			task.Epochs = section.Epochs
			if section.Gamma != nil {
				task.Gamma = *section.Gamma
			}
			if section.Smoothing != nil {
				task.Smoothing = *section.Smoothing
			}
			if section.LR != nil {
				task.LearningRate = float32(*section.LR)
			}
		}
		tasks = append(tasks, task)
	}
	return tasks
}

// TaskNames returns the task names in run order.
func TaskNames() []string {
	return []string{TaskAge, TaskGender, TaskMask}
}

func (c *Config) section(name string) *TaskSection {
	switch name {
	case TaskAge:
		return c.Age
	case TaskGender:
		return c.Gender
	case TaskMask:
		return c.Mask
	}
	return nil
}

func configError(format string, args ...interface{}) error {
	return trainerr.New(trainerr.Configuration, format, args...)
}
