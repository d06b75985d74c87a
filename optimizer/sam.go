package optimizer

import (
	"fmt"
	"math"

	"github.com/tsawler/go-facetrain/tensor"
)

// samEpsilon keeps the perturbation finite when every gradient is zero.
const samEpsilon = 1e-12

// SAMConfig holds configuration for sharpness-aware minimization
type SAMConfig struct {
	Rho      float32 // Radius of the neighbourhood searched for the worst-case loss
	Adaptive bool    // Scale the perturbation per weight by w²
}

// DefaultSAMConfig returns the default SAM configuration
func DefaultSAMConfig() SAMConfig {
	return SAMConfig{
		Rho:      0.05,
		Adaptive: false,
	}
}

// SAM wraps a base optimizer with sharpness-aware minimization.
//
// FirstStep saves the weights and climbs to w + e(w) where
// e(w) = rho * g / (||g|| + 1e-12) (adaptive: scaled elementwise by w²).
// The caller then recomputes gradients at the perturbed point, and
// SecondStep restores the saved weights before letting the base optimizer
// apply its update with those gradients.
type SAM struct {
	Rho      float32
	Adaptive bool

	base      Optimizer
	params    []*tensor.Parameter
	saved     [][]float32
	perturbed bool
}

// NewSAM wraps base. The base optimizer's parameters are the ones perturbed.
func NewSAM(base Optimizer, config SAMConfig) (*SAM, error) {
	if base == nil {
		return nil, fmt.Errorf("base optimizer cannot be nil")
	}
	if config.Rho < 0 {
		return nil, fmt.Errorf("invalid rho, should be non-negative: %f", config.Rho)
	}

	params := base.Parameters()
	if err := validateParameters(params); err != nil {
		return nil, err
	}

	sizes := make([]int, len(params))
	for i, p := range params {
		sizes[i] = len(p.Value.Data)
	}

	return &SAM{
		Rho:      config.Rho,
		Adaptive: config.Adaptive,
		base:     base,
		params:   params,
		saved:    zeroBuffers(sizes),
	}, nil
}

// Base returns the wrapped optimizer
func (s *SAM) Base() Optimizer {
	return s.base
}

// Perturbed reports whether FirstStep has been applied without a matching SecondStep
func (s *SAM) Perturbed() bool {
	return s.perturbed
}

func (s *SAM) ZeroGrad() {
	tensor.ZeroGrad(s.params)
}

// FirstStep moves every weight to its locally worst-case neighbour.
func (s *SAM) FirstStep(zeroGrad bool) error {
	if s.perturbed {
		return fmt.Errorf("first step called twice without a second step")
	}

	scale := float64(s.Rho) / (s.gradNorm() + samEpsilon)

	for i, p := range s.params {
		w := p.Value.Data
		g := p.Grad.Data
		copy(s.saved[i], w)

		for j := range w {
			e := float64(g[j]) * scale
			if s.Adaptive {
				e *= float64(w[j]) * float64(w[j])
			}
			w[j] += float32(e)
		}
	}

	s.perturbed = true
	if zeroGrad {
		s.ZeroGrad()
	}
	return nil
}

// SecondStep returns to the saved weights and applies the base update using
// the gradients computed at the perturbed point.
func (s *SAM) SecondStep(zeroGrad bool) error {
	if !s.perturbed {
		return fmt.Errorf("second step called before first step")
	}

	for i, p := range s.params {
		copy(p.Value.Data, s.saved[i])
	}
	s.perturbed = false

	if err := s.base.Step(); err != nil {
		return err
	}

	if zeroGrad {
		s.ZeroGrad()
	}
	return nil
}

// gradNorm is the L2 norm over all gradients (adaptive: of |w|*g).
func (s *SAM) gradNorm() float64 {
	sum := 0.0
	for _, p := range s.params {
		if !s.Adaptive {
			sum += tensor.SumSquares(p.Grad.Data)
			continue
		}
		for j, g := range p.Grad.Data {
			v := math.Abs(float64(p.Value.Data[j])) * float64(g)
			sum += v * v
		}
	}
	return math.Sqrt(sum)
}

func (s *SAM) GetLearningRate() float32 {
	return s.base.GetLearningRate()
}

func (s *SAM) UpdateLearningRate(lr float32) {
	s.base.UpdateLearningRate(lr)
}

func (s *SAM) GetStepCount() uint64 {
	return s.base.GetStepCount()
}

// GetState returns the base optimizer state tagged with the SAM settings
func (s *SAM) GetState() (*OptimizerState, error) {
	baseState, err := s.base.GetState()
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"rho":       s.Rho,
		"adaptive":  s.Adaptive,
		"base_type": baseState.Type,
	}
	for k, v := range baseState.Parameters {
		params[k] = v
	}

	return &OptimizerState{
		Type:       "SAM",
		Parameters: params,
		StateData:  baseState.StateData,
	}, nil
}

// LoadState restores SAM settings and hands the rest to the base optimizer
func (s *SAM) LoadState(state *OptimizerState) error {
	if err := validateStateType("SAM", state); err != nil {
		return err
	}
	if s.perturbed {
		return fmt.Errorf("cannot load state between first and second step")
	}

	s.Rho = extractFloat32Param(state.Parameters, "rho", s.Rho)
	s.Adaptive = extractBoolParam(state.Parameters, "adaptive", s.Adaptive)

	baseParams := make(map[string]interface{}, len(state.Parameters))
	for k, v := range state.Parameters {
		switch k {
		case "rho", "adaptive", "base_type":
		default:
			baseParams[k] = v
		}
	}

	return s.base.LoadState(&OptimizerState{
		Type:       extractStringParam(state.Parameters, "base_type", ""),
		Parameters: baseParams,
		StateData:  state.StateData,
	})
}
