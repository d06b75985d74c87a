package training

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/tsawler/go-facetrain/checkpoints"
	"github.com/tsawler/go-facetrain/optimizer"
)

// Checkpointer persists the best model seen so far. Every call replaces the
// previously persisted artifact.
type Checkpointer interface {
	SaveBest(model Model, state TrainingState) error
}

// CheckpointWriter is the Checkpointer used by real runs: one file per task,
// overwritten in place on every improvement.
type CheckpointWriter struct {
	saver     *checkpoints.CheckpointSaver
	path      string
	optimizer optimizer.TwoStep
	logger    *zap.Logger
	saves     int
}

// NewCheckpointWriter writes checkpoints to path. When opt is non-nil its
// state is stored alongside the weights.
func NewCheckpointWriter(saver *checkpoints.CheckpointSaver, path string, opt optimizer.TwoStep, logger *zap.Logger) *CheckpointWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointWriter{
		saver:     saver,
		path:      path,
		optimizer: opt,
		logger:    logger,
	}
}

// Path returns the checkpoint location.
func (cw *CheckpointWriter) Path() string {
	return cw.path
}

// Saves returns how many times a checkpoint has been written.
func (cw *CheckpointWriter) Saves() int {
	return cw.saves
}

// SaveBest snapshots model weights and training progress to disk.
func (cw *CheckpointWriter) SaveBest(model Model, state TrainingState) error {
	checkpoint := &checkpoints.Checkpoint{
		ModelSpec: model.Spec(),
		Weights:   checkpoints.ExtractWeights(model.Parameters()),
		TrainingState: checkpoints.TrainingState{
			Task:         state.Task,
			Epoch:        state.Epoch,
			Step:         state.Step,
			LearningRate: state.LearningRate,
			BestMetric:   state.BestMetric,
			ValLoss:      state.ValLoss,
		},
		Metadata: checkpoints.CheckpointMetadata{
			Description: fmt.Sprintf("best %s model at epoch %d", state.Task, state.Epoch),
			Tags:        []string{state.Task},
		},
	}

	if cw.optimizer != nil {
		optState, err := cw.optimizer.GetState()
		if err != nil {
			return errors.Wrap(err, "failed to extract optimizer state")
		}
		checkpoint.OptimizerState = optState
	}

	size, err := cw.saver.SaveCheckpoint(checkpoint, cw.path)
	if err != nil {
		return err
	}
	cw.saves++

	cw.logger.Info("saved best model",
		zap.String("task", state.Task),
		zap.Int("epoch", state.Epoch),
		zap.Float64("val_f1", state.BestMetric),
		zap.String("path", cw.path),
		zap.String("format", cw.saver.Format().String()),
		zap.String("size", humanize.Bytes(uint64(size))),
	)
	return nil
}
