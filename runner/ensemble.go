package runner

import (
	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/checkpoints"
	"github.com/tsawler/go-facetrain/config"
	"github.com/tsawler/go-facetrain/experiment"
	"github.com/tsawler/go-facetrain/layers"
	"github.com/tsawler/go-facetrain/tensor"
)

// Ensemble bundles the best age, gender and mask models of one experiment.
type Ensemble struct {
	Age    *layers.Sequential
	Gender *layers.Sequential
	Mask   *layers.Sequential
}

// LoadEnsemble restores the three best.pt artifacts of experiment id under
// root. The checkpoint format is detected from each file.
func LoadEnsemble(fs afero.Fs, root string, id int) (*Ensemble, error) {
	layout := &experiment.Layout{Root: root, ID: id}
	saver := checkpoints.NewCheckpointSaver(fs, checkpoints.FormatONNX)

	load := func(task string) (*layers.Sequential, error) {
		ckpt, err := saver.LoadCheckpoint(layout.CheckpointPath(task))
		if err != nil {
			return nil, err
		}
		return checkpoints.RestoreModel(ckpt)
	}

	var (
		e   Ensemble
		err error
	)
	if e.Age, err = load(config.TaskAge); err != nil {
		return nil, err
	}
	if e.Gender, err = load(config.TaskGender); err != nil {
		return nil, err
	}
	if e.Mask, err = load(config.TaskMask); err != nil {
		return nil, err
	}
	return &e, nil
}

// Forward returns the age, gender and mask logits for x.
func (e *Ensemble) Forward(x *tensor.Tensor) (age, gender, mask *tensor.Tensor, err error) {
	if age, err = e.Age.Forward(x); err != nil {
		return nil, nil, nil, err
	}
	if gender, err = e.Gender.Forward(x); err != nil {
		return nil, nil, nil, err
	}
	if mask, err = e.Mask.Forward(x); err != nil {
		return nil, nil, nil, err
	}
	return age, gender, mask, nil
}
