package training

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-facetrain/tensor"
)

// SubsetDataset allows training on a limited number of samples from an underlying dataset.
type SubsetDataset struct {
	originalDataset Dataset
	limit           int
}

// NewSubsetDataset creates a new SubsetDataset that wraps an existing dataset
// and limits the number of samples it exposes. A limit of 0 keeps every sample.
func NewSubsetDataset(original Dataset, limit int) (*SubsetDataset, error) {
	if limit < 0 {
		return nil, errors.New("limit cannot be negative")
	}
	if limit == 0 || limit > original.Len() {
		limit = original.Len()
	}
	return &SubsetDataset{
		originalDataset: original,
		limit:           limit,
	}, nil
}

// Len returns the number of samples in the subset.
func (sd *SubsetDataset) Len() int {
	return sd.limit
}

// NumClasses reports the class count of the full dataset so label encoding
// does not change with the limit.
func (sd *SubsetDataset) NumClasses() int {
	return sd.originalDataset.NumClasses()
}

// Get returns a sample at the given index from the original dataset.
func (sd *SubsetDataset) Get(idx int) (*tensor.Tensor, int, error) {
	if idx < 0 || idx >= sd.limit {
		return nil, 0, errors.Errorf("index out of bounds for subset: %d (limit: %d)", idx, sd.limit)
	}
	return sd.originalDataset.Get(idx)
}
