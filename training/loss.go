package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// Loss interface defines methods that all loss functions must implement.
// Backward returns the gradient with respect to the logits passed to the
// most recent Forward call.
type Loss interface {
	Forward(logits *tensor.Tensor, labels []int) (float64, error)
	Backward() (*tensor.Tensor, error)
}

// FocalLoss is a focal loss over softmax probabilities with smoothed targets.
// For each sample the target distribution puts 1-Smoothing on the true class
// and Smoothing/(C-1) on every other class, and the loss is
// (1-p_y)^Gamma * cross-entropy(targets, p). The batch loss is the mean.
type FocalLoss struct {
	NumClasses int
	Gamma      int
	Smoothing  float64

	// Saved by Forward for Backward
	probs  *tensor.Tensor
	labels []int
}

// FocalLossWithSmoothing creates a focal loss for numClasses classes.
func FocalLossWithSmoothing(numClasses, gamma int, smoothing float64) (*FocalLoss, error) {
	if numClasses < 2 {
		return nil, trainerr.New(trainerr.Configuration, "focal loss needs at least 2 classes, got %d", numClasses)
	}
	if gamma < 0 {
		return nil, trainerr.New(trainerr.Configuration, "focal loss gamma must be non-negative, got %d", gamma)
	}
	if smoothing < 0 || smoothing >= 1 {
		return nil, trainerr.New(trainerr.Configuration, "label smoothing must be in [0, 1), got %g", smoothing)
	}

	return &FocalLoss{
		NumClasses: numClasses,
		Gamma:      gamma,
		Smoothing:  smoothing,
	}, nil
}

// NewCrossEntropyLoss is plain softmax cross-entropy: a focal loss with
// gamma 0 and no smoothing.
func NewCrossEntropyLoss(numClasses int) (*FocalLoss, error) {
	return FocalLossWithSmoothing(numClasses, 0, 0)
}

// target returns the smoothed target probability of class k for true label y.
func (fl *FocalLoss) target(k, y int) float64 {
	if k == y {
		return 1 - fl.Smoothing
	}
	return fl.Smoothing / float64(fl.NumClasses-1)
}

// Forward computes the mean loss over the batch.
func (fl *FocalLoss) Forward(logits *tensor.Tensor, labels []int) (float64, error) {
	if len(logits.Shape) != 2 || logits.Shape[1] != fl.NumClasses {
		return 0, errors.Errorf("expected logits of shape [N, %d], got %v", fl.NumClasses, logits.Shape)
	}
	batch := logits.Shape[0]
	if len(labels) != batch {
		return 0, errors.Errorf("labels length mismatch: expected %d, got %d", batch, len(labels))
	}
	if batch == 0 {
		return 0, errors.New("empty batch")
	}

	probs, err := tensor.SoftmaxRows(logits)
	if err != nil {
		return 0, err
	}

	total := 0.0
	for i, y := range labels {
		if y < 0 || y >= fl.NumClasses {
			return 0, errors.Errorf("label %d at sample %d outside [0, %d)", y, i, fl.NumClasses)
		}
		row := probs.Data[i*fl.NumClasses : (i+1)*fl.NumClasses]
		total += fl.sampleLoss(row, y)
	}

	fl.probs = probs
	fl.labels = append(fl.labels[:0], labels...)
	return total / float64(batch), nil
}

func (fl *FocalLoss) sampleLoss(row []float32, y int) float64 {
	ce := 0.0
	for k, p := range row {
		ce -= fl.target(k, y) * logProb(p)
	}
	return math.Pow(1-float64(row[y]), float64(fl.Gamma)) * ce
}

// Backward returns dLoss/dLogits for the last Forward call.
//
// With q = 1-p_y and CE = -sum_k t_k log p_k:
//
//	dL/dz_j = q^g (p_j - t_j) - g q^(g-1) p_y (delta_yj - p_j) CE
func (fl *FocalLoss) Backward() (*tensor.Tensor, error) {
	if fl.probs == nil {
		return nil, errors.New("backward called before forward")
	}

	batch := len(fl.labels)
	grad, err := tensor.Zeros(fl.probs.Shape)
	if err != nil {
		return nil, err
	}

	gamma := float64(fl.Gamma)
	scale := 1.0 / float64(batch)
	for i, y := range fl.labels {
		row := fl.probs.Data[i*fl.NumClasses : (i+1)*fl.NumClasses]
		out := grad.Data[i*fl.NumClasses : (i+1)*fl.NumClasses]

		py := float64(row[y])
		q := 1 - py
		weight := math.Pow(q, gamma)

		ce := 0.0
		for k, p := range row {
			ce -= fl.target(k, y) * logProb(p)
		}

		for j, p := range row {
			pj := float64(p)
			g := weight * (pj - fl.target(j, y))
			if fl.Gamma > 0 {
				delta := 0.0
				if j == y {
					delta = 1
				}
				g -= gamma * math.Pow(q, gamma-1) * py * (delta - pj) * ce
			}
			out[j] = float32(g * scale)
		}
	}
	return grad, nil
}

// logProb clamps p away from zero before taking the log.
func logProb(p float32) float64 {
	const eps = 1e-12
	v := float64(p)
	if v < eps {
		v = eps
	}
	return math.Log(v)
}
