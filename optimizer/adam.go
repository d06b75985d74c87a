package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-facetrain/tensor"
)

// AdamOptimizerState is the Adam optimizer with bias-corrected moments
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero (typically 1e-8)
	WeightDecay  float32 // L2 regularization coefficient

	MomentumBuffers [][]float32 // First moment (momentum) for each weight tensor
	VarianceBuffers [][]float32 // Second moment (variance) for each weight tensor

	// Step tracking for bias correction
	StepCount uint64

	params []*tensor.Parameter
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates a new Adam optimizer over params
func NewAdamOptimizer(config AdamConfig, params []*tensor.Parameter) (*AdamOptimizerState, error) {
	if err := validateParameters(params); err != nil {
		return nil, err
	}
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %f", config.Epsilon)
	}

	sizes := make([]int, len(params))
	for i, p := range params {
		sizes[i] = len(p.Value.Data)
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: zeroBuffers(sizes),
		VarianceBuffers: zeroBuffers(sizes),
		params:          params,
	}, nil
}

// Step performs a single Adam update
func (adam *AdamOptimizerState) Step() error {
	adam.StepCount++

	biasCorrection1 := 1 - pow(adam.Beta1, float32(adam.StepCount))
	biasCorrection2 := 1 - pow(adam.Beta2, float32(adam.StepCount))
	stepSize := adam.LearningRate / biasCorrection1
	sqrtBC2 := float32(math.Sqrt(float64(biasCorrection2)))

	for i, p := range adam.params {
		w := p.Value.Data
		g := p.Grad.Data
		m := adam.MomentumBuffers[i]
		v := adam.VarianceBuffers[i]

		for j := range w {
			d := g[j]
			if adam.WeightDecay != 0 {
				d += adam.WeightDecay * w[j]
			}
			m[j] = adam.Beta1*m[j] + (1-adam.Beta1)*d
			v[j] = adam.Beta2*v[j] + (1-adam.Beta2)*d*d

			denom := float32(math.Sqrt(float64(v[j])))/sqrtBC2 + adam.Epsilon
			w[j] -= stepSize * m[j] / denom
		}
	}

	return nil
}

func pow(x, y float32) float32 {
	return float32(math.Pow(float64(x), float64(y)))
}

func (adam *AdamOptimizerState) ZeroGrad() {
	tensor.ZeroGrad(adam.params)
}

func (adam *AdamOptimizerState) Parameters() []*tensor.Parameter {
	return adam.params
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

func (adam *AdamOptimizerState) GetLearningRate() float32 {
	return adam.LearningRate
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]StateTensor, 0, 2*len(adam.params))
	for i, p := range adam.params {
		stateData = append(stateData,
			*extractBufferState(adam.MomentumBuffers[i], p.Value.Shape, fmt.Sprintf("momentum_%d", i), "momentum"),
			*extractBufferState(adam.VarianceBuffers[i], p.Value.Shape, fmt.Sprintf("variance_%d", i), "variance"),
		)
	}

	return &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)

	if err := collectBuffers(state, "momentum", adam.MomentumBuffers); err != nil {
		return err
	}
	return collectBuffers(state, "variance", adam.VarianceBuffers)
}
