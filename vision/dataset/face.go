// Package dataset provides the face-attribute datasets the trainer consumes.
package dataset

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
	"github.com/tsawler/go-facetrain/vision/dataloader"
	"github.com/tsawler/go-facetrain/vision/preprocessing"
)

// FaceConfig locates a face dataset and the task it is labelled for.
type FaceConfig struct {
	Fs        afero.Fs
	Root      string
	Split     Split
	Task      string
	Processor *preprocessing.ImageProcessor
	// Cache is optional; decoded images are kept in it across epochs.
	Cache *dataloader.CacheManager
	// NumClasses is a lower bound on the class count. A validation split
	// missing the highest class still reports the training split's width.
	NumClasses int
}

// FaceDataset serves the images listed in a split manifest, labelled by one
// task's column.
type FaceDataset struct {
	fs         afero.Fs
	task       string
	split      Split
	imagePaths []string
	labels     []int
	numClasses int
	processor  *preprocessing.ImageProcessor
	cache      *dataloader.CacheManager
}

// NewFaceDataset reads <root>/<split>.csv.
func NewFaceDataset(cfg FaceConfig) (*FaceDataset, error) {
	if cfg.Fs == nil || cfg.Processor == nil {
		return nil, trainerr.New(trainerr.Configuration, "face dataset needs a filesystem and an image processor")
	}

	records, err := ReadManifest(cfg.Fs, filepath.Join(cfg.Root, cfg.Split.ManifestFile()))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, trainerr.New(trainerr.Parse, "no images listed in %s", filepath.Join(cfg.Root, cfg.Split.ManifestFile()))
	}

	d := &FaceDataset{
		fs:        cfg.Fs,
		task:      cfg.Task,
		split:     cfg.Split,
		processor: cfg.Processor,
		cache:     cfg.Cache,

		numClasses: cfg.NumClasses,
	}
	for _, r := range records {
		label, err := r.Label(cfg.Task)
		if err != nil {
			return nil, err
		}
		if label+1 > d.numClasses {
			d.numClasses = label + 1
		}
		d.imagePaths = append(d.imagePaths, filepath.Join(cfg.Root, r.Path))
		d.labels = append(d.labels, label)
	}
	return d, nil
}

// Len returns the number of items in the dataset
func (d *FaceDataset) Len() int {
	return len(d.imagePaths)
}

// Get decodes the image at index and returns it with its label.
func (d *FaceDataset) Get(index int) (*tensor.Tensor, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}

	path := d.imagePaths[index]
	load := func() (*tensor.Tensor, error) {
		return d.processor.DecodeFile(d.fs, path)
	}

	var (
		img *tensor.Tensor
		err error
	)
	if d.cache != nil {
		img, err = d.cache.GetOrLoad(path, load)
	} else {
		img, err = load()
	}
	if err != nil {
		return nil, 0, err
	}
	return img, d.labels[index], nil
}

// GetItem returns the image path and label at the given index
func (d *FaceDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// NumClasses is one more than the largest label in the manifest.
func (d *FaceDataset) NumClasses() int {
	return d.numClasses
}

// Task returns the label column the dataset was built for.
func (d *FaceDataset) Task() string {
	return d.task
}

// ClassDistribution returns the number of samples per label.
func (d *FaceDataset) ClassDistribution() map[int]int {
	dist := make(map[int]int)
	for _, label := range d.labels {
		dist[label]++
	}
	return dist
}

// String returns a string representation of the dataset
func (d *FaceDataset) String() string {
	dist := d.ClassDistribution()
	labels := make([]int, 0, len(dist))
	for label := range dist {
		labels = append(labels, label)
	}
	sort.Ints(labels)

	s := fmt.Sprintf("FaceDataset(%s/%s): %d images, %d classes\n", d.task, d.split, d.Len(), d.numClasses)
	for _, label := range labels {
		s += fmt.Sprintf("  class %d: %d images\n", label, dist[label])
	}
	return s
}
