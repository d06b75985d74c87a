// Package runner trains the age, gender and mask classifiers of one
// experiment, one task after another.
package runner

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/tsawler/go-facetrain/checkpoints"
	"github.com/tsawler/go-facetrain/config"
	"github.com/tsawler/go-facetrain/experiment"
	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/memory"
	"github.com/tsawler/go-facetrain/optimizer"
	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
	"github.com/tsawler/go-facetrain/training"
	"github.com/tsawler/go-facetrain/vision/dataset"
)

// Base optimizer settings shared by every task.
const (
	Momentum = 0.9
	Nesterov = true
)

// BackbonePrefix selects the weights a PRETRAINED checkpoint contributes.
const BackbonePrefix = "backbone."

// Dependencies are the collaborators a Runner works with. Only Fs is
// required; the rest fall back to defaults derived from the configuration.
type Dependencies struct {
	Fs     afero.Fs
	Logger *zap.Logger
	// Device is used as is and left open. When nil the runner opens the
	// configured device for the duration of Run.
	Device   *memory.Device
	Datasets DatasetFactory
	Backbone layers.BackboneFactory
	Output   io.Writer
}

// TaskResult summarizes one trained task.
type TaskResult struct {
	Task       string
	NumClasses int
	BestMetric float64
	BestEpoch  int
	// Checkpoint is empty when no epoch improved on the initial best of 0.
	Checkpoint string
	// Curves is empty unless plotting was enabled and produced a file.
	Curves  string
	History []training.EpochMetrics
}

// RunResult is the outcome of a full run.
type RunResult struct {
	ExpID int
	Dir   string
	Tasks []TaskResult
}

// Runner owns the configuration and collaborators of a training run.
type Runner struct {
	cfg      *config.Config
	fs       afero.Fs
	logger   *zap.Logger
	device   *memory.Device
	datasets DatasetFactory
	backbone layers.BackboneFactory
	out      io.Writer
	format   checkpoints.CheckpointFormat
}

// New validates cfg and fills in default collaborators.
func New(cfg *config.Config, deps Dependencies) (*Runner, error) {
	if cfg == nil {
		return nil, trainerr.New(trainerr.Configuration, "runner needs a configuration")
	}
	if deps.Fs == nil {
		return nil, trainerr.New(trainerr.Configuration, "runner needs a filesystem")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	format, err := checkpoints.ParseFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:      cfg,
		fs:       deps.Fs,
		logger:   deps.Logger,
		device:   deps.Device,
		datasets: deps.Datasets,
		backbone: deps.Backbone,
		out:      deps.Output,
		format:   format,
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.out == nil {
		r.out = os.Stdout
	}
	if r.backbone == nil {
		r.backbone = layers.ConvBackbone(layers.DefaultBackboneFeatures)
	}
	if r.datasets == nil {
		r.datasets, err = DefaultDatasets(cfg, deps.Fs)
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Run allocates a new experiment id and trains every task in order. The
// first error aborts the run.
func (r *Runner) Run() (*RunResult, error) {
	device := r.device
	if device == nil {
		opened, err := memory.Open(r.cfg.Device)
		if err != nil {
			return nil, err
		}
		defer opened.Close()
		device = opened
	}

	layout, err := experiment.NewVersioner(r.fs, r.cfg.ExpRoot, config.TaskNames()).Next()
	if err != nil {
		return nil, err
	}
	r.logger.Info("experiment allocated",
		zap.Int("exp_id", layout.ID),
		zap.String("dir", layout.Dir()),
		zap.String("device", device.String()),
	)

	result := &RunResult{ExpID: layout.ID, Dir: layout.Dir()}
	for _, task := range r.cfg.Tasks() {
		taskResult, err := r.runTask(layout, task, device)
		if err != nil {
			return nil, errors.Wrapf(err, "task %s", task.Name)
		}
		result.Tasks = append(result.Tasks, taskResult)

		freed := device.EmptyCache()
		r.logger.Debug("device cache emptied", zap.String("task", task.Name), zap.Int("buffers", freed))
	}
	return result, nil
}

func (r *Runner) runTask(layout *experiment.Layout, task config.TaskConfig, device *memory.Device) (TaskResult, error) {
	trainSet, err := r.datasets(task.Name, dataset.Train)
	if err != nil {
		return TaskResult{}, err
	}
	if r.cfg.TrainLimit > 0 {
		subset, err := training.NewSubsetDataset(trainSet, r.cfg.TrainLimit)
		if err != nil {
			return TaskResult{}, err
		}
		trainSet = subset
	}
	valSet, err := r.datasets(task.Name, dataset.Val)
	if err != nil {
		return TaskResult{}, err
	}

	seed := r.cfg.RandomSeed()
	trainLoader, err := training.NewDataLoader(trainSet, r.cfg.BatchSize, true, seed)
	if err != nil {
		return TaskResult{}, err
	}
	valLoader, err := training.NewDataLoader(valSet, r.cfg.BatchSize, false, seed)
	if err != nil {
		return TaskResult{}, err
	}

	numClasses := trainSet.NumClasses()
	inputShape := []int{r.cfg.BatchSize, 3, r.cfg.ImageSize, r.cfg.ImageSize}
	model, err := layers.BuildClassifier(inputShape, r.backbone, numClasses, seed)
	if err != nil {
		return TaskResult{}, trainerr.Wrap(trainerr.Configuration, err, "building %s model", task.Name)
	}
	if r.cfg.Pretrained != "" {
		loaded, err := checkpoints.NewCheckpointSaver(r.fs, r.format).LoadWeights(r.cfg.Pretrained, model, BackbonePrefix)
		if err != nil {
			return TaskResult{}, err
		}
		r.logger.Info("loaded pretrained backbone",
			zap.String("task", task.Name),
			zap.String("path", r.cfg.Pretrained),
			zap.Int("tensors", loaded),
		)
	}
	training.NewModelArchitecturePrinter(modelName(task.Name)).PrintArchitecture(r.out, model.Spec())

	criterion, err := training.FocalLossWithSmoothing(numClasses, task.Gamma, task.Smoothing)
	if err != nil {
		return TaskResult{}, err
	}

	base, err := newBaseOptimizer(r.cfg.BaseOptimizer, task.LearningRate, model.Parameters())
	if err != nil {
		return TaskResult{}, err
	}
	sam, err := optimizer.NewSAM(base, optimizer.DefaultSAMConfig())
	if err != nil {
		return TaskResult{}, trainerr.Wrap(trainerr.Configuration, err, "creating SAM")
	}

	saver := checkpoints.NewCheckpointSaver(r.fs, r.format)
	writer := training.NewCheckpointWriter(saver, layout.CheckpointPath(task.Name), sam, r.logger)

	opts := []training.TrainerOption{
		training.WithCheckpointer(writer),
		training.WithLogger(r.logger),
		training.WithOutput(r.out),
	}
	scheduler, err := newScheduler(r.cfg.Scheduler, sam)
	if err != nil {
		return TaskResult{}, err
	}
	if scheduler != nil {
		opts = append(opts, training.WithScheduler(scheduler))
	}

	trainer, err := training.NewTrainer(training.TrainerConfig{
		Task:         task.Name,
		Epochs:       task.Epochs,
		ShowProgress: r.cfg.Progress,
	}, model, criterion, sam, device, opts...)
	if err != nil {
		return TaskResult{}, err
	}

	r.logger.Info("training task",
		zap.String("task", task.Name),
		zap.Int("classes", numClasses),
		zap.String("optimizer", r.cfg.BaseOptimizer),
		zap.Int("train_samples", trainLoader.Len()),
		zap.Int("val_samples", valLoader.Len()),
		zap.String("parameters", humanize.Comma(model.NumParameters())),
	)

	res, err := trainer.Train(trainLoader, valLoader)
	if err != nil {
		return TaskResult{}, err
	}

	taskResult := TaskResult{
		Task:       task.Name,
		NumClasses: numClasses,
		BestMetric: res.BestMetric,
		BestEpoch:  res.BestEpoch,
		History:    res.History,
	}
	if writer.Saves() > 0 {
		taskResult.Checkpoint = writer.Path()
	}

	if r.cfg.Plot {
		path := layout.CurvesPath(task.Name)
		plotted, err := training.SaveCurves(r.fs, path, task.Name, res.History)
		if err != nil {
			return TaskResult{}, err
		}
		if plotted {
			taskResult.Curves = path
		}
	}

	r.logger.Info("task complete",
		zap.String("task", task.Name),
		zap.Float64("best_f1", res.BestMetric),
		zap.Int("best_epoch", res.BestEpoch),
	)
	return taskResult, nil
}

// newBaseOptimizer builds the optimizer SAM wraps. Empty and "sgd" select
// Nesterov SGD; "adam" selects Adam with its default betas.
func newBaseOptimizer(name string, lr float32, params []*tensor.Parameter) (optimizer.Optimizer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "sgd":
		sgd, err := optimizer.NewSGDOptimizer(optimizer.SGDConfig{
			LearningRate: lr,
			Momentum:     Momentum,
			Nesterov:     Nesterov,
		}, params)
		if err != nil {
			return nil, trainerr.Wrap(trainerr.Configuration, err, "creating SGD")
		}
		return sgd, nil
	case "adam":
		cfg := optimizer.DefaultAdamConfig()
		cfg.LearningRate = lr
		adam, err := optimizer.NewAdamOptimizer(cfg, params)
		if err != nil {
			return nil, trainerr.Wrap(trainerr.Configuration, err, "creating Adam")
		}
		return adam, nil
	}
	return nil, trainerr.New(trainerr.Configuration, "unknown base optimizer %q", name)
}

// newScheduler maps the SCHEDULER setting to an epoch scheduler driving opt.
// Empty and "none" disable scheduling.
func newScheduler(name string, opt training.LearningRater) (training.Scheduler, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return nil, nil
	}
	policy := training.NewLRScheduler(name)
	if policy == nil {
		return nil, trainerr.New(trainerr.Configuration, "unknown scheduler %q", name)
	}
	return training.NewEpochScheduler(policy, opt), nil
}

// modelName turns "age" into "AgeModel".
func modelName(task string) string {
	if task == "" {
		return "Model"
	}
	return fmt.Sprintf("%s%sModel", strings.ToUpper(task[:1]), task[1:])
}
