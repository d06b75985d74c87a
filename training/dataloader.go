package training

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-facetrain/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	// Len returns the total number of samples
	Len() int

	// Get returns a single CPU sample shaped [C, H, W] and its class label
	Get(idx int) (image *tensor.Tensor, label int, err error)

	NumClasses() int
}

// DataSource is a finite, re-iterable sequence of batches.
type DataSource interface {
	NumBatches() int
	Batch(i int) (*Batch, error)
	NumClasses() int
}

// Shuffler is implemented by sources that reorder their samples each epoch.
type Shuffler interface {
	Shuffle(epoch int)
}

// Batch represents a batch of images and their class labels
type Batch struct {
	Images *tensor.Tensor // [N, C, H, W]
	Labels []int
}

// Size returns the number of samples in the batch.
func (b *Batch) Size() int {
	return len(b.Labels)
}

// DataLoader groups dataset samples into batches. Loading happens on the
// calling goroutine.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	seed      int64
	indices   []int
}

// NewDataLoader creates a new DataLoader. With shuffle set, Shuffle(epoch)
// draws a permutation seeded by seed+epoch; otherwise order is fixed.
func NewDataLoader(dataset Dataset, batchSize int, shuffle bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		seed:      seed,
		indices:   indices,
	}, nil
}

// NumBatches returns the number of batches in an epoch
func (dl *DataLoader) NumBatches() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumClasses returns the class count of the underlying dataset.
func (dl *DataLoader) NumClasses() int {
	return dl.dataset.NumClasses()
}

// Len returns the number of samples.
func (dl *DataLoader) Len() int {
	return len(dl.indices)
}

// Shuffle reorders samples for the given epoch. It is a no-op for loaders
// created without shuffling.
func (dl *DataLoader) Shuffle(epoch int) {
	if !dl.shuffle {
		return
	}

	for i := range dl.indices {
		dl.indices[i] = i
	}
	rng := rand.New(rand.NewSource(dl.seed + int64(epoch)))
	rng.Shuffle(len(dl.indices), func(i, j int) {
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	})
}

// Batch loads batch i of the current ordering. The last batch may be short.
func (dl *DataLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= dl.NumBatches() {
		return nil, errors.Errorf("batch index %d out of range [0, %d)", i, dl.NumBatches())
	}

	start := i * dl.batchSize
	end := start + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}

	batch, err := dl.loadBatch(dl.indices[start:end])
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load batch %d", i)
	}
	return batch, nil
}

// loadBatch loads a batch of samples and combines them into batched tensors
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	images := make([]*tensor.Tensor, len(indices))
	labels := make([]int, len(indices))

	for i, idx := range indices {
		image, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		images[i] = image
		labels[i] = label
	}

	stacked, err := tensor.Stack(images)
	if err != nil {
		return nil, err
	}
	return &Batch{Images: stacked, Labels: labels}, nil
}
