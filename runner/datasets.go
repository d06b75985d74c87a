package runner

import (
	"sync"

	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/config"
	"github.com/tsawler/go-facetrain/trainerr"
	"github.com/tsawler/go-facetrain/training"
	"github.com/tsawler/go-facetrain/vision/dataloader"
	"github.com/tsawler/go-facetrain/vision/dataset"
	"github.com/tsawler/go-facetrain/vision/preprocessing"
)

// DefaultCacheSize is the number of decoded images kept in memory across
// tasks and epochs.
const DefaultCacheSize = 4096

// SyntheticClasses is the class count of each task's generated data.
var SyntheticClasses = map[string]int{
	config.TaskAge:    3,
	config.TaskGender: 2,
	config.TaskMask:   3,
}

// DatasetFactory returns the dataset of one task's split.
type DatasetFactory func(task string, split dataset.Split) (training.Dataset, error)

// DefaultDatasets serves generated data when SYNTHETIC_SAMPLES is set and
// the manifests under DATA_ROOT otherwise. Manifest datasets of all tasks
// share one decoded-image cache, and a task's validation split is at least
// as wide as its training split.
func DefaultDatasets(cfg *config.Config, fs afero.Fs) (DatasetFactory, error) {
	if cfg.SyntheticSamples > 0 {
		return syntheticDatasets(cfg), nil
	}

	processor, err := preprocessing.NewImageProcessor(cfg.ImageSize)
	if err != nil {
		return nil, err
	}
	cache, err := dataloader.NewCacheManager(DefaultCacheSize)
	if err != nil {
		return nil, err
	}

	var (
		mu         sync.Mutex
		trainWidth = make(map[string]int)
	)
	return func(task string, split dataset.Split) (training.Dataset, error) {
		mu.Lock()
		defer mu.Unlock()

		fc := dataset.FaceConfig{
			Fs:        fs,
			Root:      cfg.DataRoot,
			Split:     split,
			Task:      task,
			Processor: processor,
			Cache:     cache,
		}
		if split == dataset.Val {
			fc.NumClasses = trainWidth[task]
		}
		ds, err := dataset.NewFaceDataset(fc)
		if err != nil {
			return nil, err
		}
		if split == dataset.Train {
			trainWidth[task] = ds.NumClasses()
		}
		return ds, nil
	}, nil
}

// syntheticDatasets generates SYNTHETIC_SAMPLES training samples and a
// quarter as many validation samples, seeded so the two never overlap.
func syntheticDatasets(cfg *config.Config) DatasetFactory {
	n := cfg.SyntheticSamples
	return func(task string, split dataset.Split) (training.Dataset, error) {
		classes, ok := SyntheticClasses[task]
		if !ok {
			return nil, trainerr.New(trainerr.Configuration, "unknown task %q", task)
		}
		size, seed := n, cfg.RandomSeed()
		if split == dataset.Val {
			size, seed = (n+3)/4, cfg.RandomSeed()+int64(n)
		}
		ds, err := dataset.NewSyntheticDataset(size, classes, cfg.ImageSize, seed)
		if err != nil {
			return nil, err
		}
		return ds, nil
	}
}
