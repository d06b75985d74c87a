package training

import (
	"math"
)

// Scheduler is advanced exactly once at the end of every training epoch.
type Scheduler interface {
	Step()
}

// LRScheduler defines a learning rate policy as a pure function of the
// epoch index and the base learning rate.
type LRScheduler interface {
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// LearningRater is anything whose learning rate can be read and replaced.
// Both base optimizers and SAM satisfy it.
type LearningRater interface {
	GetLearningRate() float32
	UpdateLearningRate(lr float32)
}

// EpochScheduler applies an LRScheduler policy to an optimizer, one epoch per Step.
type EpochScheduler struct {
	policy LRScheduler
	target LearningRater
	baseLR float64
	epoch  int
}

// NewEpochScheduler captures the optimizer's current learning rate as the base rate.
func NewEpochScheduler(policy LRScheduler, target LearningRater) *EpochScheduler {
	return &EpochScheduler{
		policy: policy,
		target: target,
		baseLR: float64(target.GetLearningRate()),
	}
}

// Step moves to the next epoch and updates the optimizer's learning rate.
func (s *EpochScheduler) Step() {
	s.epoch++
	s.target.UpdateLearningRate(float32(s.policy.GetLR(s.epoch, s.baseLR)))
}

// Epoch returns how many times Step has been called.
func (s *EpochScheduler) Epoch() int {
	return s.epoch
}

func (s *EpochScheduler) GetName() string {
	return s.policy.GetName()
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{
		Gamma: gamma,
	}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler implements cosine annealing schedule
type CosineAnnealingLRScheduler struct {
	TMax   int     // Maximum number of epochs
	EtaMin float64 // Minimum learning rate
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler maintains constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// NewLRScheduler returns a policy by name. Unknown names return nil.
func NewLRScheduler(name string) LRScheduler {
	switch name {
	case "step", "StepLR":
		return NewStepLRScheduler(0, 0)
	case "exponential", "ExponentialLR":
		return NewExponentialLRScheduler(0)
	case "cosine", "CosineAnnealingLR":
		return NewCosineAnnealingLRScheduler(0, 0)
	case "", "constant", "ConstantLR":
		return &NoOpScheduler{}
	default:
		return nil
	}
}
