package optimizer

import (
	"fmt"

	"github.com/tsawler/go-facetrain/tensor"
)

// SGDOptimizerState is stochastic gradient descent with optional momentum,
// dampening, L2 weight decay and Nesterov momentum.
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	Dampening    float32 // Dampening applied to the gradient term of the momentum update
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	params []*tensor.Parameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	Dampening    float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		Dampening:    0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates a new SGD optimizer over params
func NewSGDOptimizer(config SGDConfig, params []*tensor.Parameter) (*SGDOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	// Validate configuration parameters
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && (config.Momentum <= 0 || config.Dampening != 0) {
		return nil, fmt.Errorf("nesterov momentum requires a momentum and zero dampening")
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		Dampening:    config.Dampening,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		params:       params,
	}

	// Only allocate momentum buffers if momentum > 0
	if config.Momentum > 0 {
		sizes := make([]int, len(params))
		for i, p := range params {
			sizes[i] = len(p.Value.Data)
		}
		sgd.MomentumBuffers = zeroBuffers(sizes)
	}

	return sgd, nil
}

// Step applies one update. The first step seeds the momentum buffer with the
// gradient itself; later steps use buf = momentum*buf + (1-dampening)*grad.
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		w := p.Value.Data
		g := p.Grad.Data

		for j := range w {
			d := g[j]
			if sgd.WeightDecay != 0 {
				d += sgd.WeightDecay * w[j]
			}

			if sgd.MomentumBuffers != nil {
				buf := sgd.MomentumBuffers[i]
				if sgd.StepCount == 0 {
					buf[j] = d
				} else {
					buf[j] = sgd.Momentum*buf[j] + (1-sgd.Dampening)*d
				}
				if sgd.Nesterov {
					d += sgd.Momentum * buf[j]
				} else {
					d = buf[j]
				}
			}

			w[j] -= sgd.LearningRate * d
		}
	}

	sgd.StepCount++
	return nil
}

func (sgd *SGDOptimizerState) ZeroGrad() {
	tensor.ZeroGrad(sgd.params)
}

func (sgd *SGDOptimizerState) Parameters() []*tensor.Parameter {
	return sgd.params
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

func (sgd *SGDOptimizerState) GetLearningRate() float32 {
	return sgd.LearningRate
}

// GetStepCount returns the current optimization step number
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]StateTensor, 0)

	for i, buffer := range sgd.MomentumBuffers {
		t := extractBufferState(buffer, sgd.params[i].Value.Shape,
			fmt.Sprintf("momentum_%d", i), "momentum")
		if t != nil {
			stateData = append(stateData, *t)
		}
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"dampening":     sgd.Dampening,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.Momentum = extractFloat32Param(state.Parameters, "momentum", sgd.Momentum)
	sgd.Dampening = extractFloat32Param(state.Parameters, "dampening", sgd.Dampening)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	if sgd.Momentum > 0 && sgd.MomentumBuffers == nil {
		sizes := make([]int, len(sgd.params))
		for i, p := range sgd.params {
			sizes[i] = len(p.Value.Data)
		}
		sgd.MomentumBuffers = zeroBuffers(sizes)
	}

	return collectBuffers(state, "momentum", sgd.MomentumBuffers)
}
