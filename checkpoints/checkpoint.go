package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/optimizer"
	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// Framework is recorded in every checkpoint's metadata.
const (
	Framework = "go-facetrain"
	Version   = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// ParseFormat maps a configuration value to a format. "proto" and "onnx"
// both select the protobuf encoding.
func ParseFormat(s string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "proto", "onnx":
		return FormatONNX, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, trainerr.New(trainerr.Configuration, "unknown checkpoint format %q", s)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights"`

	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *optimizer.OptimizerState `json:"optimizer_state,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight" or "bias"
}

// TrainingState captures training progress at the time of the save
type TrainingState struct {
	Task         string  `json:"task"`
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestMetric   float64 `json:"best_metric"`
	ValLoss      float64 `json:"val_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// ExtractWeights copies parameter values into serializable weight tensors.
// Parameter names have the form "<layer>.<type>".
func ExtractWeights(params []*tensor.Parameter) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		layer, kind := p.Name, ""
		if i := strings.LastIndex(p.Name, "."); i >= 0 {
			layer, kind = p.Name[:i], p.Name[i+1:]
		}

		data := make([]float32, len(p.Value.Data))
		copy(data, p.Value.Data)
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  data,
			Layer: layer,
			Type:  kind,
		})
	}
	return weights
}

// WeightMap indexes weights by parameter name as tensors.
func WeightMap(weights []WeightTensor) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		t, err := tensor.New(w.Shape, w.Data)
		if err != nil {
			return nil, fmt.Errorf("weight %s: %v", w.Name, err)
		}
		out[w.Name] = t
	}
	return out, nil
}

// RestoreModel rebuilds the model described by a checkpoint and loads its weights.
func RestoreModel(checkpoint *Checkpoint) (*layers.Sequential, error) {
	if checkpoint.ModelSpec == nil {
		return nil, trainerr.New(trainerr.Parse, "checkpoint has no model spec")
	}

	model, err := layers.Build(checkpoint.ModelSpec, nil)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "rebuilding model")
	}
	values, err := WeightMap(checkpoint.Weights)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "reading weights")
	}
	if err := model.LoadParameters(values, true); err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "loading weights")
	}
	model.Eval()
	return model, nil
}

// LoadWeights copies the weights of the checkpoint at path whose names start
// with prefix into the matching parameters of model. Weights outside the
// prefix are ignored, so a backbone can be taken from a model with a
// different head. Returns the number of tensors loaded.
func (cs *CheckpointSaver) LoadWeights(path string, model *layers.Sequential, prefix string) (int, error) {
	checkpoint, err := cs.LoadCheckpoint(path)
	if err != nil {
		return 0, err
	}
	values, err := WeightMap(checkpoint.Weights)
	if err != nil {
		return 0, trainerr.Wrap(trainerr.Parse, err, "reading weights of %s", path)
	}

	selected := make(map[string]*tensor.Tensor)
	for name, value := range values {
		if strings.HasPrefix(name, prefix) {
			selected[name] = value
		}
	}
	if len(selected) == 0 {
		return 0, trainerr.New(trainerr.Parse, "%s has no weights under %q", path, prefix)
	}
	if err := model.LoadParameters(selected, false); err != nil {
		return 0, trainerr.Wrap(trainerr.Parse, err, "loading weights from %s", path)
	}
	return len(selected), nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	fs     afero.Fs
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(fs afero.Fs, format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		fs:     fs,
		format: format,
	}
}

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes a checkpoint to path, replacing any previous file.
// The data goes to a temporary sibling first and is renamed into place, so
// readers never observe a partially written checkpoint. Returns the number
// of bytes written.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) (int, error) {
	// Ensure metadata is set
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = Version
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	data, err := cs.encode(checkpoint)
	if err != nil {
		return 0, err
	}

	if err := cs.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, trainerr.Wrap(trainerr.Filesystem, err, "creating checkpoint directory")
	}

	tmp := path + ".tmp"
	if err := afero.WriteFile(cs.fs, tmp, data, 0o644); err != nil {
		return 0, trainerr.Wrap(trainerr.Filesystem, err, "writing checkpoint %s", tmp)
	}
	if err := cs.fs.Rename(tmp, path); err != nil {
		_ = cs.fs.Remove(tmp)
		return 0, trainerr.Wrap(trainerr.Filesystem, err, "replacing checkpoint %s", path)
	}

	return len(data), nil
}

// LoadCheckpoint loads a model checkpoint. The encoding is detected from the
// file contents, so JSON and protobuf checkpoints can be read by any saver.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := afero.ReadFile(cs.fs, path)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "reading checkpoint %s", path)
	}

	var checkpoint *Checkpoint
	switch DetectFormat(data) {
	case FormatJSON:
		checkpoint, err = decodeJSON(data)
	default:
		checkpoint, err = decodeONNX(data)
	}
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "decoding checkpoint %s", path)
	}
	return checkpoint, nil
}

// DetectFormat guesses the encoding of serialized checkpoint data.
func DetectFormat(data []byte) CheckpointFormat {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return FormatJSON
	}
	return FormatONNX
}

func (cs *CheckpointSaver) encode(checkpoint *Checkpoint) ([]byte, error) {
	switch cs.format {
	case FormatJSON:
		data, err := json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to encode checkpoint: %v", err)
		}
		return data, nil
	case FormatONNX:
		return encodeONNX(checkpoint)
	default:
		return nil, trainerr.New(trainerr.Configuration, "unsupported checkpoint format: %s", cs.format)
	}
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}
