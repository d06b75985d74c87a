package dataset

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
	"github.com/tsawler/go-facetrain/vision/preprocessing"
)

// SyntheticDataset generates deterministic labelled images without touching
// the filesystem. Sample i has label i % numClasses; its image is noise with
// the label's colour plane brightened, so the classes are separable.
type SyntheticDataset struct {
	n          int
	numClasses int
	imageSize  int
	seed       int64
}

// NewSyntheticDataset creates n samples of size x size RGB images.
func NewSyntheticDataset(n, numClasses, imageSize int, seed int64) (*SyntheticDataset, error) {
	switch {
	case n < 0:
		return nil, trainerr.New(trainerr.Configuration, "synthetic sample count must be non-negative, got %d", n)
	case numClasses < 2:
		return nil, trainerr.New(trainerr.Configuration, "synthetic dataset needs at least 2 classes, got %d", numClasses)
	case imageSize <= 0:
		return nil, trainerr.New(trainerr.Configuration, "image size must be positive, got %d", imageSize)
	}
	return &SyntheticDataset{n: n, numClasses: numClasses, imageSize: imageSize, seed: seed}, nil
}

func (d *SyntheticDataset) Len() int {
	return d.n
}

func (d *SyntheticDataset) NumClasses() int {
	return d.numClasses
}

func (d *SyntheticDataset) Get(index int) (*tensor.Tensor, int, error) {
	if index < 0 || index >= d.n {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, d.n)
	}

	label := index % d.numClasses
	rng := rand.New(rand.NewSource(d.seed + int64(index)))

	plane := d.imageSize * d.imageSize
	data := make([]float32, preprocessing.Channels*plane)
	for i := range data {
		data[i] = 0.25 * rng.Float32()
	}

	level := 0.5 + 0.25*float32(label/preprocessing.Channels)/float32((d.numClasses-1)/preprocessing.Channels+1)
	bright := data[(label%preprocessing.Channels)*plane : (label%preprocessing.Channels+1)*plane]
	for i := range bright {
		bright[i] += level
	}

	img, err := tensor.New([]int{preprocessing.Channels, d.imageSize, d.imageSize}, data)
	if err != nil {
		return nil, 0, err
	}
	return img, label, nil
}
