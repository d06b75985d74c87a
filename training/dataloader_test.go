package training

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleOrder reads back the sample indices encoded in the image values.
func sampleOrder(t *testing.T, dl *DataLoader) []int {
	t.Helper()
	var order []int
	for i := 0; i < dl.NumBatches(); i++ {
		batch, err := dl.Batch(i)
		require.NoError(t, err)
		_, per := batch.Images.Rows()
		for j := 0; j < batch.Size(); j++ {
			order = append(order, int(batch.Images.Data[j*per]))
		}
	}
	return order
}

func TestDataLoaderBatches(t *testing.T) {
	dl, err := NewDataLoader(&fakeDataset{n: 10, numClasses: 3}, 4, false, 0)
	require.NoError(t, err)

	assert.Equal(t, 3, dl.NumBatches())
	assert.Equal(t, 3, dl.NumClasses())
	assert.Equal(t, 10, dl.Len())

	first, err := dl.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 1, 2, 2}, first.Images.Shape)
	assert.Equal(t, []int{0, 1, 2, 0}, first.Labels)

	last, err := dl.Batch(2)
	require.NoError(t, err)
	assert.Equal(t, 2, last.Size())

	_, err = dl.Batch(3)
	assert.Error(t, err)
}

func TestDataLoaderFixedOrderWithoutShuffle(t *testing.T) {
	dl, err := NewDataLoader(&fakeDataset{n: 6, numClasses: 2}, 4, false, 0)
	require.NoError(t, err)

	dl.Shuffle(1)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, sampleOrder(t, dl))
}

func TestDataLoaderSeededShuffle(t *testing.T) {
	a, err := NewDataLoader(&fakeDataset{n: 20, numClasses: 2}, 8, true, 42)
	require.NoError(t, err)
	b, err := NewDataLoader(&fakeDataset{n: 20, numClasses: 2}, 8, true, 42)
	require.NoError(t, err)

	a.Shuffle(1)
	b.Shuffle(1)
	orderA := sampleOrder(t, a)
	assert.Equal(t, orderA, sampleOrder(t, b))

	sorted := append([]int(nil), orderA...)
	sort.Ints(sorted)
	for i, v := range sorted {
		assert.Equal(t, i, v)
	}

	a.Shuffle(2)
	assert.NotEqual(t, orderA, sampleOrder(t, a))

	// shuffling is a function of the epoch, not of previous shuffles
	a.Shuffle(1)
	assert.Equal(t, orderA, sampleOrder(t, a))
}

func TestDataLoaderValidation(t *testing.T) {
	_, err := NewDataLoader(&fakeDataset{n: 3, numClasses: 2}, 0, false, 0)
	assert.Error(t, err)

	empty, err := NewDataLoader(&fakeDataset{n: 0, numClasses: 2}, 4, false, 0)
	require.NoError(t, err)
	assert.Zero(t, empty.NumBatches())
}

func TestSubsetDataset(t *testing.T) {
	full := &fakeDataset{n: 10, numClasses: 5}

	sub, err := NewSubsetDataset(full, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, sub.Len())
	assert.Equal(t, 5, sub.NumClasses())

	_, label, err := sub.Get(3)
	require.NoError(t, err)
	assert.Equal(t, 3, label)

	_, _, err = sub.Get(4)
	assert.Error(t, err)

	all, err := NewSubsetDataset(full, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, all.Len())

	capped, err := NewSubsetDataset(full, 50)
	require.NoError(t, err)
	assert.Equal(t, 10, capped.Len())

	_, err = NewSubsetDataset(full, -1)
	assert.Error(t, err)
}
