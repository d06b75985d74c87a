package optimizer

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/tsawler/go-facetrain/tensor"
)

func newSAM(t *testing.T, config SAMConfig, lr float32, values ...float32) (*SAM, *tensor.Parameter) {
	t.Helper()
	p := newParam("w", values...)
	base, err := NewSGDOptimizer(SGDConfig{LearningRate: lr}, []*tensor.Parameter{p})
	if err != nil {
		t.Fatalf("Failed to create base optimizer: %v", err)
	}
	sam, err := NewSAM(base, config)
	if err != nil {
		t.Fatalf("Failed to create SAM: %v", err)
	}
	return sam, p
}

// quadraticGrad sets the gradient of 0.5*||w||² at the current weights.
func quadraticGrad(p *tensor.Parameter) {
	copy(p.Grad.Data, p.Value.Data)
}

func TestSAMRestoresBeforeUpdate(t *testing.T) {
	sam, p := newSAM(t, DefaultSAMConfig(), 0.1, 1, 2)

	quadraticGrad(p)
	if err := sam.FirstStep(true); err != nil {
		t.Fatalf("FirstStep failed: %v", err)
	}

	scale := float32(1 + 0.05/math.Sqrt(5))
	if !almostEqual(p.Value.Data[0], 1*scale) || !almostEqual(p.Value.Data[1], 2*scale) {
		t.Errorf("Perturbed weights %v, expected %v", p.Value.Data, []float32{scale, 2 * scale})
	}
	if p.Grad.Data[0] != 0 || p.Grad.Data[1] != 0 {
		t.Errorf("FirstStep(true) should clear gradients, got %v", p.Grad.Data)
	}
	if !sam.Perturbed() {
		t.Errorf("Expected perturbed state after FirstStep")
	}

	// Gradient evaluated at the perturbed point
	quadraticGrad(p)
	if err := sam.SecondStep(true); err != nil {
		t.Fatalf("SecondStep failed: %v", err)
	}

	// Update is applied from the original weights, not from the perturbed ones
	expected := []float32{1 - 0.1*scale, 2 - 0.1*2*scale}
	for i := range expected {
		if !almostEqual(p.Value.Data[i], expected[i]) {
			t.Errorf("w[%d] = %v, expected %v", i, p.Value.Data[i], expected[i])
		}
	}
	if sam.Perturbed() {
		t.Errorf("SecondStep should end the perturbation")
	}
	if sam.GetStepCount() != 1 {
		t.Errorf("Base optimizer should have stepped once, got %d", sam.GetStepCount())
	}
}

func TestSAMStepOrdering(t *testing.T) {
	sam, p := newSAM(t, DefaultSAMConfig(), 0.1, 1)

	if err := sam.SecondStep(false); err == nil {
		t.Errorf("Expected error for SecondStep before FirstStep")
	}

	quadraticGrad(p)
	if err := sam.FirstStep(false); err != nil {
		t.Fatal(err)
	}
	if err := sam.FirstStep(false); err == nil {
		t.Errorf("Expected error for repeated FirstStep")
	}
	if p.Grad.Data[0] != 1 {
		t.Errorf("FirstStep(false) must keep gradients, got %v", p.Grad.Data)
	}
}

func TestSAMZeroGradient(t *testing.T) {
	sam, p := newSAM(t, DefaultSAMConfig(), 0.1, 3, -4)

	if err := sam.FirstStep(false); err != nil {
		t.Fatal(err)
	}
	if p.Value.Data[0] != 3 || p.Value.Data[1] != -4 {
		t.Errorf("Zero gradient must not move weights, got %v", p.Value.Data)
	}
	for _, v := range p.Value.Data {
		if math.IsNaN(float64(v)) {
			t.Fatalf("Perturbation produced NaN")
		}
	}
}

func TestSAMAdaptive(t *testing.T) {
	sam, p := newSAM(t, SAMConfig{Rho: 0.5, Adaptive: true}, 0.1, 2, 1)
	p.Grad.Data[0], p.Grad.Data[1] = 1, 1

	if err := sam.FirstStep(false); err != nil {
		t.Fatal(err)
	}

	// norm = ||(|w| * g)|| = sqrt(4 + 1); e = rho * w² * g / norm
	norm := math.Sqrt(5)
	expected := []float32{
		float32(2 + 0.5*4/norm),
		float32(1 + 0.5*1/norm),
	}
	for i := range expected {
		if !almostEqual(p.Value.Data[i], expected[i]) {
			t.Errorf("w[%d] = %v, expected %v", i, p.Value.Data[i], expected[i])
		}
	}
}

func TestSAMLearningRateDelegates(t *testing.T) {
	sam, _ := newSAM(t, DefaultSAMConfig(), 0.001, 1)
	if !almostEqual(sam.GetLearningRate(), 0.001) {
		t.Errorf("Expected base learning rate, got %v", sam.GetLearningRate())
	}
	sam.UpdateLearningRate(0.01)
	if !almostEqual(sam.Base().GetLearningRate(), 0.01) {
		t.Errorf("Learning rate update did not reach the base optimizer")
	}
}

func TestSAMState(t *testing.T) {
	p := newParam("w", 1)
	base, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.001, Momentum: 0.9, Nesterov: true}, []*tensor.Parameter{p})
	sam, _ := NewSAM(base, DefaultSAMConfig())

	quadraticGrad(p)
	sam.FirstStep(true)
	quadraticGrad(p)
	sam.SecondStep(true)

	state, err := sam.GetState()
	if err != nil {
		t.Fatal(err)
	}
	if state.Type != "SAM" || state.Parameters["base_type"] != "SGD" {
		t.Errorf("Unexpected state header: %s / %v", state.Type, state.Parameters["base_type"])
	}

	data, _ := json.Marshal(state)
	var decoded OptimizerState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}

	q := newParam("w", 1)
	otherBase, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.5, Momentum: 0.9, Nesterov: true}, []*tensor.Parameter{q})
	other, _ := NewSAM(otherBase, SAMConfig{Rho: 1})
	if err := other.LoadState(&decoded); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !almostEqual(other.Rho, 0.05) || !almostEqual(other.GetLearningRate(), 0.001) {
		t.Errorf("State not restored: rho=%v lr=%v", other.Rho, other.GetLearningRate())
	}
	if otherBase.GetStepCount() != 1 {
		t.Errorf("Base step count not restored: %d", otherBase.GetStepCount())
	}
}

func TestNewSAMValidation(t *testing.T) {
	if _, err := NewSAM(nil, DefaultSAMConfig()); err == nil {
		t.Errorf("Expected error for nil base")
	}
	p := newParam("w", 1)
	base, _ := NewSGDOptimizer(DefaultSGDConfig(), []*tensor.Parameter{p})
	if _, err := NewSAM(base, SAMConfig{Rho: -0.1}); err == nil {
		t.Errorf("Expected error for negative rho")
	}
}
