package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-facetrain/memory"
	"github.com/tsawler/go-facetrain/tensor"
)

// ValidationResult summarizes one pass over a validation source.
type ValidationResult struct {
	Loss      float64 // mean of per-batch losses
	MacroF1   float64
	Accuracy  float64
	Samples   int
	Confusion *ConfusionMatrix
}

// Validate runs the model over every batch of src once, in order, without
// updating anything. The model is left in eval mode; the caller switches it
// back to training. An empty source yields zero loss and zero score. The
// confusion matrix is widened to cover every label and prediction seen.
func Validate(model Model, criterion Loss, src DataSource, device *memory.Device) (ValidationResult, error) {
	model.Eval()

	numBatches := src.NumBatches()
	result := ValidationResult{Confusion: NewConfusionMatrix(src.NumClasses())}
	if numBatches == 0 {
		return result, nil
	}

	var trueLabels, predLabels []int
	lossSum := 0.0

	for i := 0; i < numBatches; i++ {
		batch, err := src.Batch(i)
		if err != nil {
			return result, err
		}

		loss, preds, err := evaluateBatch(model, criterion, batch, device)
		if err != nil {
			return result, errors.Wrapf(err, "validation batch %d", i)
		}

		lossSum += loss
		trueLabels = append(trueLabels, batch.Labels...)
		predLabels = append(predLabels, preds...)
	}

	score, err := MacroF1(trueLabels, predLabels)
	if err != nil {
		return result, err
	}
	result.Confusion = NewConfusionMatrix(confusionWidth(src.NumClasses(), trueLabels, predLabels))
	if err := result.Confusion.Update(trueLabels, predLabels); err != nil {
		return result, err
	}

	result.Loss = lossSum / float64(numBatches)
	result.MacroF1 = score
	result.Accuracy = result.Confusion.GetAccuracy()
	result.Samples = len(trueLabels)
	return result, nil
}

func confusionWidth(k int, labels ...[]int) int {
	for _, seq := range labels {
		for _, c := range seq {
			if c+1 > k {
				k = c + 1
			}
		}
	}
	return k
}

func evaluateBatch(model Model, criterion Loss, batch *Batch, device *memory.Device) (float64, []int, error) {
	images, labels, release, err := toDevice(device, batch)
	if err != nil {
		return 0, nil, err
	}
	defer release()

	logits, err := model.Forward(images)
	if err != nil {
		return 0, nil, err
	}
	loss, err := criterion.Forward(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	preds, err := tensor.ArgmaxRows(logits)
	if err != nil {
		return 0, nil, err
	}
	return loss, preds, nil
}

// toDevice moves a batch to device. A nil device uses the batch as is.
// The returned release func hands the device buffers back.
func toDevice(device *memory.Device, batch *Batch) (*tensor.Tensor, []int, func(), error) {
	if device == nil {
		return batch.Images, batch.Labels, func() {}, nil
	}

	images, err := device.Transfer(batch.Images)
	if err != nil {
		return nil, nil, nil, err
	}
	labels, err := device.TransferLabels(batch.Labels)
	if err != nil {
		device.Release(images)
		return nil, nil, nil, err
	}
	return images, labels, func() { device.Release(images) }, nil
}
