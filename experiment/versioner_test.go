package experiment

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-facetrain/trainerr"
)

var tasks = []string{"age", "gender", "mask"}

// dirsUnder lists every directory below root, relative to it.
func dirsUnder(t *testing.T, fs afero.Fs, root string) []string {
	t.Helper()
	var dirs []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() && path != root {
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			dirs = append(dirs, rel)
		}
		return nil
	})
	require.NoError(t, err)
	sort.Strings(dirs)
	return dirs
}

func TestNextOnEmptyRoot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/exp", 0o755))

	layout, err := NewVersioner(fs, "/exp", tasks).Next()
	require.NoError(t, err)
	assert.Equal(t, 0, layout.ID)
	assert.Equal(t, []string{"0", "0/age", "0/gender", "0/mask"}, dirsUnder(t, fs, "/exp"))
}

func TestNextCreatesMissingRoot(t *testing.T) {
	fs := afero.NewMemMapFs()

	layout, err := NewVersioner(fs, "/data/exp", tasks).Next()
	require.NoError(t, err)
	assert.Equal(t, 0, layout.ID)
	assert.Len(t, dirsUnder(t, fs, "/data/exp"), 4)
}

func TestNextAfterExistingIDs(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{"0", "2", "5"} {
		require.NoError(t, fs.MkdirAll(filepath.Join("/exp", name), 0o755))
	}
	require.NoError(t, fs.MkdirAll("/exp/.ipynb_checkpoints", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/exp/.DS_Store", nil, 0o644))

	v := NewVersioner(fs, "/exp", tasks)
	layout, err := v.Next()
	require.NoError(t, err)
	assert.Equal(t, 6, layout.ID)

	for _, task := range tasks {
		exists, err := afero.DirExists(fs, layout.TaskDir(task))
		require.NoError(t, err)
		assert.True(t, exists, task)
	}

	layout, err = v.Next()
	require.NoError(t, err)
	assert.Equal(t, 7, layout.ID)
}

func TestNextRejectsNonIntegerEntries(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/exp/0", 0o755))
	require.NoError(t, fs.MkdirAll("/exp/abc", 0o755))

	_, err := NewVersioner(fs, "/exp", tasks).Next()
	require.Error(t, err)
	assert.True(t, trainerr.Is(err, trainerr.Parse))

	exists, err := afero.DirExists(fs, "/exp/1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNextFilesystemErrors(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())

	_, err := NewVersioner(fs, "/exp", tasks).Next()
	require.Error(t, err)
	assert.True(t, trainerr.Is(err, trainerr.Filesystem))
}

func TestLayoutPaths(t *testing.T) {
	layout := &Layout{Root: "exp", ID: 3}
	assert.Equal(t, filepath.Join("exp", "3"), layout.Dir())
	assert.Equal(t, filepath.Join("exp", "3", "mask"), layout.TaskDir("mask"))
	assert.Equal(t, filepath.Join("exp", "3", "mask", "best.pt"), layout.CheckpointPath("mask"))
	assert.Equal(t, filepath.Join("exp", "3", "age", "curves.png"), layout.CurvesPath("age"))
}
