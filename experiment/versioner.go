// Package experiment allocates numbered experiment directories.
package experiment

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/trainerr"
)

// CheckpointFile is the name of the best-model artifact inside a task directory.
const CheckpointFile = "best.pt"

// CurvesFile is the name of the optional training-curve plot inside a task directory.
const CurvesFile = "curves.png"

// Versioner hands out the next experiment id under root and creates its
// directory tree, one subdirectory per task.
type Versioner struct {
	fs    afero.Fs
	root  string
	tasks []string
}

// NewVersioner creates a versioner for root on fs.
func NewVersioner(fs afero.Fs, root string, tasks []string) *Versioner {
	return &Versioner{
		fs:    fs,
		root:  root,
		tasks: append([]string(nil), tasks...),
	}
}

// Next allocates a new experiment id: 0 when root holds no visible entries,
// otherwise one more than the largest existing id. Entries whose names start
// with "." are ignored; any other name must parse as an integer.
func (v *Versioner) Next() (*Layout, error) {
	if err := v.fs.MkdirAll(v.root, 0o755); err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "creating experiment root %s", v.root)
	}

	entries, err := afero.ReadDir(v.fs, v.root)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "listing %s", v.root)
	}

	next := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			return nil, trainerr.Wrap(trainerr.Parse, err, "experiment entry %q in %s is not an integer", name, v.root)
		}
		if id+1 > next {
			next = id + 1
		}
	}

	layout := &Layout{Root: v.root, ID: next}
	if err := v.fs.Mkdir(layout.Dir(), 0o755); err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "creating %s", layout.Dir())
	}
	for _, task := range v.tasks {
		if err := v.fs.Mkdir(layout.TaskDir(task), 0o755); err != nil {
			return nil, trainerr.Wrap(trainerr.Filesystem, err, "creating %s", layout.TaskDir(task))
		}
	}
	return layout, nil
}

// Layout locates the files of one experiment.
type Layout struct {
	Root string
	ID   int
}

// Dir is root/<id>.
func (l *Layout) Dir() string {
	return filepath.Join(l.Root, strconv.Itoa(l.ID))
}

// TaskDir is root/<id>/<task>.
func (l *Layout) TaskDir(task string) string {
	return filepath.Join(l.Dir(), task)
}

// CheckpointPath is root/<id>/<task>/best.pt.
func (l *Layout) CheckpointPath(task string) string {
	return filepath.Join(l.TaskDir(task), CheckpointFile)
}

// CurvesPath is root/<id>/<task>/curves.png.
func (l *Layout) CurvesPath(task string) string {
	return filepath.Join(l.TaskDir(task), CurvesFile)
}
