package dataset

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-facetrain/trainerr"
	"github.com/tsawler/go-facetrain/vision/dataloader"
	"github.com/tsawler/go-facetrain/vision/preprocessing"
)

func writePNG(t *testing.T, fs afero.Fs, path string, gray uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 3, 3))
	for i := range img.Pix {
		img.Pix[i] = gray
	}

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.NoError(t, afero.WriteFile(fs, path, buf.Bytes(), 0o644))
}

func faceFixture(t *testing.T) afero.Fs {
	t.Helper()
	fs := afero.NewMemMapFs()
	records := []*Record{
		{Path: "img/0.png", Age: 0, Gender: 1, Mask: 0},
		{Path: "img/1.png", Age: 2, Gender: 0, Mask: 0},
		{Path: "img/2.png", Age: 1, Gender: 1, Mask: 1},
	}
	require.NoError(t, WriteManifest(fs, "/data/train.csv", records))
	for i, r := range records {
		writePNG(t, fs, "/data/"+r.Path, uint8(i*100))
	}
	return fs
}

func processor(t *testing.T) *preprocessing.ImageProcessor {
	t.Helper()
	p, err := preprocessing.NewImageProcessor(2)
	require.NoError(t, err)
	return p
}

func TestReadManifest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/m.csv", []byte("path,age,gender,mask\n a.jpg ,2,1,0\nb.jpg,0,0,1\n"), 0o644))

	records, err := ReadManifest(fs, "/m.csv")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Record{Path: "a.jpg", Age: 2, Gender: 1, Mask: 0}, *records[0])

	label, err := records[1].Label("mask")
	require.NoError(t, err)
	assert.Equal(t, 1, label)
	_, err = records[1].Label("hair")
	assert.True(t, trainerr.Is(err, trainerr.Configuration))
}

func TestReadManifestErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.csv", []byte("path,age,gender,mask\na.jpg,x,1,0\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/neg.csv", []byte("path,age,gender,mask\na.jpg,-1,1,0\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/nopath.csv", []byte("path,age,gender,mask\n,1,1,0\n"), 0o644))

	_, err := ReadManifest(fs, "/missing.csv")
	assert.True(t, trainerr.Is(err, trainerr.Filesystem))

	for _, path := range []string{"/bad.csv", "/neg.csv", "/nopath.csv"} {
		_, err := ReadManifest(fs, path)
		assert.True(t, trainerr.Is(err, trainerr.Parse), path)
	}
}

func TestFaceDataset(t *testing.T) {
	fs := faceFixture(t)

	age, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "age", Processor: processor(t)})
	require.NoError(t, err)
	assert.Equal(t, 3, age.Len())
	assert.Equal(t, 3, age.NumClasses())
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1}, age.ClassDistribution())
	assert.True(t, strings.HasPrefix(age.String(), "FaceDataset(age/train): 3 images, 3 classes"))

	img, label, err := age.Get(1)
	require.NoError(t, err)
	assert.Equal(t, 2, label)
	assert.Equal(t, []int{3, 2, 2}, img.Shape)
	assert.InDelta(t, 100.0/255.0, img.Data[0], 1e-6)

	path, label, err := age.GetItem(2)
	require.NoError(t, err)
	assert.Equal(t, "/data/img/2.png", path)
	assert.Equal(t, 1, label)

	_, _, err = age.Get(3)
	assert.Error(t, err)

	mask, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "mask", Processor: processor(t)})
	require.NoError(t, err)
	assert.Equal(t, 2, mask.NumClasses())
	assert.Equal(t, "mask", mask.Task())

	wide, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "mask", Processor: processor(t), NumClasses: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, wide.NumClasses())

	narrow, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "age", Processor: processor(t), NumClasses: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, narrow.NumClasses())
}

func TestFaceDatasetUsesCache(t *testing.T) {
	fs := faceFixture(t)
	cache, err := dataloader.NewCacheManager(8)
	require.NoError(t, err)

	d, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "gender", Processor: processor(t), Cache: cache})
	require.NoError(t, err)

	first, _, err := d.Get(0)
	require.NoError(t, err)
	require.NoError(t, fs.Remove("/data/img/0.png"))
	second, _, err := d.Get(0)
	require.NoError(t, err)
	assert.Same(t, first, second)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestFaceDatasetErrors(t *testing.T) {
	fs := faceFixture(t)

	_, err := NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Val, Task: "age", Processor: processor(t)})
	assert.True(t, trainerr.Is(err, trainerr.Filesystem))

	_, err = NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Train, Task: "hair", Processor: processor(t)})
	assert.True(t, trainerr.Is(err, trainerr.Configuration))

	require.NoError(t, afero.WriteFile(fs, "/data/val.csv", []byte("path,age,gender,mask\n"), 0o644))
	_, err = NewFaceDataset(FaceConfig{Fs: fs, Root: "/data", Split: Val, Task: "age", Processor: processor(t)})
	assert.True(t, trainerr.Is(err, trainerr.Parse))

	_, err = NewFaceDataset(FaceConfig{Root: "/data", Split: Train, Task: "age"})
	assert.True(t, trainerr.Is(err, trainerr.Configuration))
}

func TestSyntheticDataset(t *testing.T) {
	d, err := NewSyntheticDataset(7, 3, 4, 11)
	require.NoError(t, err)
	assert.Equal(t, 7, d.Len())
	assert.Equal(t, 3, d.NumClasses())

	for i := 0; i < d.Len(); i++ {
		img, label, err := d.Get(i)
		require.NoError(t, err)
		assert.Equal(t, i%3, label)
		assert.Equal(t, []int{3, 4, 4}, img.Shape)

		// the label's plane is the brightest
		var sums [3]float32
		for c := 0; c < 3; c++ {
			for _, v := range img.Data[c*16 : (c+1)*16] {
				sums[c] += v
			}
		}
		for c := 0; c < 3; c++ {
			if c != label {
				assert.Greater(t, sums[label], sums[c])
			}
		}
	}

	a, _, err := d.Get(5)
	require.NoError(t, err)
	b, _, err := d.Get(5)
	require.NoError(t, err)
	assert.Equal(t, a.Data, b.Data)

	_, _, err = d.Get(7)
	assert.Error(t, err)
}

func TestNewSyntheticDatasetValidation(t *testing.T) {
	for _, args := range [][3]int{{-1, 2, 4}, {4, 1, 4}, {4, 2, 0}} {
		_, err := NewSyntheticDataset(args[0], args[1], args[2], 0)
		assert.True(t, trainerr.Is(err, trainerr.Configuration), "%v", args)
	}
}
