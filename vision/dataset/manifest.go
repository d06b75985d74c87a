package dataset

import (
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spf13/afero"

	"github.com/tsawler/go-facetrain/trainerr"
)

// Split selects the manifest a dataset is read from.
type Split string

const (
	Train Split = "train"
	Val   Split = "val"
)

// ManifestFile is the manifest name for the split: train.csv or val.csv.
func (s Split) ManifestFile() string {
	return string(s) + ".csv"
}

// Record is one row of a manifest. Path is relative to the data root.
type Record struct {
	Path   string `csv:"path"`
	Age    int    `csv:"age"`
	Gender int    `csv:"gender"`
	Mask   int    `csv:"mask"`
}

// Label returns the record's label for task.
func (r *Record) Label(task string) (int, error) {
	switch task {
	case "age":
		return r.Age, nil
	case "gender":
		return r.Gender, nil
	case "mask":
		return r.Mask, nil
	}
	return 0, trainerr.New(trainerr.Configuration, "unknown task %q", task)
}

// ReadManifest parses the CSV manifest at path.
func ReadManifest(fs afero.Fs, path string) ([]*Record, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Filesystem, err, "opening manifest %s", path)
	}
	defer f.Close()

	var records []*Record
	if err := gocsv.Unmarshal(f, &records); err != nil {
		return nil, trainerr.Wrap(trainerr.Parse, err, "parsing manifest %s", path)
	}

	for i, r := range records {
		r.Path = strings.TrimSpace(r.Path)
		if r.Path == "" {
			return nil, trainerr.New(trainerr.Parse, "%s row %d: empty path", path, i+1)
		}
		if r.Age < 0 || r.Gender < 0 || r.Mask < 0 {
			return nil, trainerr.New(trainerr.Parse, "%s row %d: negative label", path, i+1)
		}
	}
	return records, nil
}

// WriteManifest writes records to path as CSV with a header row.
func WriteManifest(fs afero.Fs, path string, records []*Record) error {
	out, err := gocsv.MarshalString(&records)
	if err != nil {
		return trainerr.Wrap(trainerr.Parse, err, "encoding manifest %s", path)
	}
	if err := afero.WriteFile(fs, path, []byte(out), 0o644); err != nil {
		return trainerr.Wrap(trainerr.Filesystem, err, "writing manifest %s", path)
	}
	return nil
}
