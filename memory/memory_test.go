package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

func TestBufferPoolCapacity(t *testing.T) {
	pool := NewBufferPool(16, 2)

	a, err := pool.Get()
	require.NoError(t, err)
	_, err = pool.Get()
	require.NoError(t, err)
	_, err = pool.Get()
	assert.Error(t, err, "third allocation should exceed capacity")

	pool.Return(a)
	available, allocated, maxSize := pool.Stats()
	assert.Equal(t, 1, available)
	assert.Equal(t, 2, allocated)
	assert.Equal(t, 2, maxSize)

	assert.Equal(t, 1, pool.Drain())
	_, allocated, _ = pool.Stats()
	assert.Equal(t, 1, allocated)
}

func TestMemoryManagerTiers(t *testing.T) {
	mm := NewMemoryManager()
	assert.Equal(t, 256, mm.findPoolSize(1))
	assert.Equal(t, 1024, mm.findPoolSize(300))
	assert.Equal(t, 50000000, mm.findPoolSize(50000000))

	buf, err := mm.GetBuffer(300)
	require.NoError(t, err)
	assert.Len(t, buf, 300)
	assert.Equal(t, 1024, cap(buf))

	buf[0] = 7
	mm.ReturnBuffer(buf)

	again, err := mm.GetBuffer(500)
	require.NoError(t, err)
	assert.Equal(t, float32(0), again[0], "reused buffers are zeroed")

	_, err = mm.GetBuffer(0)
	assert.Error(t, err)
}

func TestMemoryManagerEmptyCache(t *testing.T) {
	mm := NewMemoryManager()
	a, _ := mm.GetBuffer(10)
	b, _ := mm.GetBuffer(10)
	mm.ReturnBuffer(a)
	mm.ReturnBuffer(b)

	assert.Equal(t, 2, mm.EmptyCache())
	assert.Equal(t, 0, mm.EmptyCache())

	stats := mm.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, 256, stats[0].BufferSize)
	assert.Equal(t, 0, stats[0].Allocated)
}

func TestOpenDevice(t *testing.T) {
	d, err := Open("CPU")
	require.NoError(t, err)
	assert.Equal(t, "cpu", d.String())
	assert.Equal(t, tensor.CPU, d.Type())

	for _, name := range []string{"cuda", "gpu", "tpu"} {
		_, err := Open(name)
		assert.True(t, trainerr.Is(err, trainerr.Device), name)
	}
}

func TestDeviceTransferAndRelease(t *testing.T) {
	d, err := Open("cpu")
	require.NoError(t, err)

	src, _ := tensor.New([]int{2, 2}, []float32{1, 2, 3, 4})
	moved, err := d.Transfer(src)
	require.NoError(t, err)
	assert.Equal(t, src.Data, moved.Data)
	assert.Equal(t, 1, d.LiveTensors())

	moved.Data[0] = 9
	assert.Equal(t, float32(1), src.Data[0], "transfer copies")

	d.Release(moved)
	assert.Equal(t, 0, d.LiveTensors())
	assert.Equal(t, 1, d.EmptyCache())

	labels, err := d.TransferLabels([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, labels)
}

func TestClosedDeviceRejectsTransfers(t *testing.T) {
	d, err := Open("")
	require.NoError(t, err)
	d.Close()

	src, _ := tensor.New([]int{1}, []float32{1})
	_, err = d.Transfer(src)
	assert.True(t, trainerr.Is(err, trainerr.Device))
	_, err = d.TransferLabels([]int{0})
	assert.True(t, trainerr.Is(err, trainerr.Device))
}
