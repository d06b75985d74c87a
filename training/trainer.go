package training

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/memory"
	"github.com/tsawler/go-facetrain/optimizer"
	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// Model is a trainable classifier. Backward accumulates parameter gradients
// for the most recent Forward call.
type Model interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOut *tensor.Tensor) error
	Parameters() []*tensor.Parameter
	Train()
	Eval()
	Spec() *layers.ModelSpec
}

// snapshotter is implemented by models that can hand out an independent copy
// of themselves.
type snapshotter interface {
	Snapshot() (*layers.Sequential, error)
}

// TrainerConfig holds configuration for training one task
type TrainerConfig struct {
	Task         string
	Epochs       int
	ShowProgress bool // wrap batch iteration in a progress bar
}

// TrainingState is the trainer's progress for one task. BestModel stays nil
// until some epoch's validation score exceeds zero.
type TrainingState struct {
	Task         string
	Epoch        int
	Step         int // batches processed so far
	BestMetric   float64
	BestEpoch    int
	BestModel    Model
	ValLoss      float64
	LearningRate float32
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch        int
	TrainLoss    float64
	ValLoss      float64
	ValF1        float64
	ValAccuracy  float64
	LearningRate float32
	Duration     time.Duration
	Improved     bool
}

// Result is what a finished training run hands back.
type Result struct {
	BestModel  Model
	BestMetric float64
	BestEpoch  int
	History    []EpochMetrics
}

// TrainerOption configures optional Trainer collaborators.
type TrainerOption func(*Trainer)

// WithScheduler steps s once at the end of every epoch.
func WithScheduler(s Scheduler) TrainerOption {
	return func(t *Trainer) { t.scheduler = s }
}

// WithCheckpointer persists the model whenever the validation score improves.
func WithCheckpointer(c Checkpointer) TrainerOption {
	return func(t *Trainer) { t.checkpointer = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) TrainerOption {
	return func(t *Trainer) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithOutput sets where the per-epoch summary line is printed.
func WithOutput(w io.Writer) TrainerOption {
	return func(t *Trainer) {
		if w != nil {
			t.out = w
		}
	}
}

// Trainer runs sharpness-aware training for one task and keeps the model
// with the best validation macro-F1.
type Trainer struct {
	config       TrainerConfig
	model        Model
	criterion    Loss
	optimizer    optimizer.TwoStep
	device       *memory.Device
	scheduler    Scheduler
	checkpointer Checkpointer
	logger       *zap.Logger
	out          io.Writer

	state   TrainingState
	history []EpochMetrics
}

// NewTrainer creates a new Trainer. device may be nil, in which case batches
// are used where they are.
func NewTrainer(config TrainerConfig, model Model, criterion Loss, opt optimizer.TwoStep, device *memory.Device, opts ...TrainerOption) (*Trainer, error) {
	if config.Epochs < 0 {
		return nil, trainerr.New(trainerr.Configuration, "epochs must be non-negative, got %d", config.Epochs)
	}
	if model == nil || criterion == nil || opt == nil {
		return nil, trainerr.New(trainerr.Configuration, "trainer needs a model, a loss and an optimizer")
	}

	t := &Trainer{
		config:    config,
		model:     model,
		criterion: criterion,
		optimizer: opt,
		device:    device,
		logger:    zap.NewNop(),
		out:       os.Stdout,
		state:     TrainingState{Task: config.Task},
	}
	for _, apply := range opts {
		apply(t)
	}
	return t, nil
}

// State returns a copy of the current training state.
func (t *Trainer) State() TrainingState {
	return t.state
}

// History returns the metrics of every completed epoch.
func (t *Trainer) History() []EpochMetrics {
	return t.history
}

// Train runs the configured number of epochs over trainSrc, validating on
// valSrc after each one.
func (t *Trainer) Train(trainSrc, valSrc DataSource) (*Result, error) {
	t.logger.Info("starting training",
		zap.String("task", t.config.Task),
		zap.Int("epochs", t.config.Epochs),
		zap.Int("train_batches", trainSrc.NumBatches()),
		zap.Int("val_batches", valSrc.NumBatches()),
	)

	for epoch := 1; epoch <= t.config.Epochs; epoch++ {
		metrics, err := t.runEpoch(epoch, trainSrc, valSrc)
		if err != nil {
			return nil, errors.Wrapf(err, "%s epoch %d", t.config.Task, epoch)
		}
		t.history = append(t.history, metrics)
	}

	return &Result{
		BestModel:  t.state.BestModel,
		BestMetric: t.state.BestMetric,
		BestEpoch:  t.state.BestEpoch,
		History:    t.history,
	}, nil
}

func (t *Trainer) runEpoch(epoch int, trainSrc, valSrc DataSource) (EpochMetrics, error) {
	start := time.Now()
	t.state.Epoch = epoch
	t.model.Train()

	if s, ok := trainSrc.(Shuffler); ok {
		s.Shuffle(epoch)
	}

	numBatches := trainSrc.NumBatches()
	losses := make([]float64, 0, numBatches)
	description := fmt.Sprintf("%s epoch %d", t.config.Task, epoch)

	err := forEachBatch(numBatches, description, t.config.ShowProgress, func(i int) error {
		batch, err := trainSrc.Batch(i)
		if err != nil {
			return err
		}
		loss, err := t.trainStep(batch)
		if err != nil {
			return errors.Wrapf(err, "batch %d", i)
		}
		losses = append(losses, loss)
		t.state.Step++
		return nil
	})
	if err != nil {
		return EpochMetrics{}, err
	}

	trainLoss, err := meanLoss(losses)
	if err != nil {
		return EpochMetrics{}, err
	}

	val, err := Validate(t.model, t.criterion, valSrc, t.device)
	if err != nil {
		return EpochMetrics{}, err
	}

	metrics := EpochMetrics{
		Epoch:        epoch,
		TrainLoss:    trainLoss,
		ValLoss:      val.Loss,
		ValF1:        val.MacroF1,
		ValAccuracy:  val.Accuracy,
		LearningRate: t.optimizer.GetLearningRate(),
		Duration:     time.Since(start),
	}
	t.report(metrics)

	if t.scheduler != nil {
		t.scheduler.Step()
	}

	if val.MacroF1 > t.state.BestMetric {
		if err := t.improve(metrics); err != nil {
			return metrics, err
		}
		metrics.Improved = true
	}
	return metrics, nil
}

// trainStep performs one two-pass update and returns the loss of the first pass.
func (t *Trainer) trainStep(batch *Batch) (float64, error) {
	images, labels, release, err := toDevice(t.device, batch)
	if err != nil {
		return 0, err
	}
	defer release()

	t.optimizer.ZeroGrad()

	loss, err := t.forwardBackward(images, labels)
	if err != nil {
		return 0, err
	}
	if err := t.optimizer.FirstStep(true); err != nil {
		return 0, err
	}

	// Gradients at the perturbed weights drive the real update
	if _, err := t.forwardBackward(images, labels); err != nil {
		return 0, err
	}
	if err := t.optimizer.SecondStep(true); err != nil {
		return 0, err
	}
	return loss, nil
}

func (t *Trainer) forwardBackward(images *tensor.Tensor, labels []int) (float64, error) {
	logits, err := t.model.Forward(images)
	if err != nil {
		return 0, errors.Wrap(err, "forward")
	}
	loss, err := t.criterion.Forward(logits, labels)
	if err != nil {
		return 0, errors.Wrap(err, "loss")
	}
	grad, err := t.criterion.Backward()
	if err != nil {
		return 0, errors.Wrap(err, "loss backward")
	}
	if err := t.model.Backward(grad); err != nil {
		return 0, errors.Wrap(err, "backward")
	}
	return loss, nil
}

// improve records a new best score and persists the current weights.
func (t *Trainer) improve(metrics EpochMetrics) error {
	best := Model(t.model)
	if s, ok := t.model.(snapshotter); ok {
		snapshot, err := s.Snapshot()
		if err != nil {
			return errors.Wrap(err, "snapshotting best model")
		}
		best = snapshot
	}

	t.state.BestMetric = metrics.ValF1
	t.state.BestEpoch = metrics.Epoch
	t.state.BestModel = best
	t.state.ValLoss = metrics.ValLoss
	t.state.LearningRate = metrics.LearningRate

	if t.checkpointer == nil {
		return nil
	}
	return t.checkpointer.SaveBest(t.model, t.state)
}

func (t *Trainer) report(m EpochMetrics) {
	t.logger.Info("epoch complete",
		zap.String("task", t.config.Task),
		zap.Int("epoch", m.Epoch),
		zap.Float64("train_loss", m.TrainLoss),
		zap.Float64("val_loss", m.ValLoss),
		zap.Float64("val_f1", m.ValF1),
		zap.Float64("val_accuracy", m.ValAccuracy),
		zap.Float32("lr", m.LearningRate),
		zap.Duration("duration", m.Duration),
	)
	fmt.Fprintln(t.out, FormatEpochLine(m.Epoch, m.TrainLoss, m.ValLoss, m.ValF1))
}

// meanLoss averages batch losses; an epoch with no batches has loss 0.
func meanLoss(losses []float64) (float64, error) {
	if len(losses) == 0 {
		return 0, nil
	}
	return stats.Mean(losses)
}
