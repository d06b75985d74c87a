package optimizer

import (
	"fmt"

	"github.com/tsawler/go-facetrain/tensor"
)

// Optimizer defines the common interface for all base optimizers.
// Gradients are read from each parameter's Grad tensor and weights are
// updated in place.
type Optimizer interface {
	// Step performs a single optimization step using the accumulated gradients
	Step() error

	// ZeroGrad clears the gradients of every managed parameter
	ZeroGrad()

	// Parameters returns the parameters this optimizer updates
	Parameters() []*tensor.Parameter

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	GetLearningRate() float32
	UpdateLearningRate(lr float32)
}

// TwoStep is an optimizer that needs two gradient evaluations per update:
// FirstStep moves the weights to a probe point, SecondStep restores them and
// applies the real update with the gradients computed at the probe point.
type TwoStep interface {
	ZeroGrad()
	FirstStep(zeroGrad bool) error
	SecondStep(zeroGrad bool) error

	GetState() (*OptimizerState, error)
	GetLearningRate() float32
	UpdateLearningRate(lr float32)
}

// OptimizerState represents the complete state of an optimizer
type OptimizerState struct {
	Type       string                 `json:"type"`       // "Adam", "SGD", etc.
	Parameters map[string]interface{} `json:"parameters"` // Hyperparameters
	StateData  []StateTensor          `json:"state_data"` // Per-parameter buffers
}

// StateTensor is one optimizer buffer (momentum, variance, ...) for one parameter
type StateTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// extractBufferIndex extracts the buffer index from state tensor names like "momentum_0", "variance_1"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

func validateParameters(params []*tensor.Parameter) error {
	if len(params) == 0 {
		return fmt.Errorf("no parameters provided")
	}
	for i, p := range params {
		if p == nil || p.Value == nil || p.Grad == nil {
			return fmt.Errorf("parameter %d is not initialized", i)
		}
		if len(p.Value.Data) != len(p.Grad.Data) {
			return fmt.Errorf("parameter %s: gradient size %d does not match value size %d",
				p.Name, len(p.Grad.Data), len(p.Value.Data))
		}
	}
	return nil
}
