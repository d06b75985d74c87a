package memory

import (
	"strings"
	"sync"

	"github.com/tsawler/go-facetrain/tensor"
	"github.com/tsawler/go-facetrain/trainerr"
)

// Device is the compute device batches are moved to before a forward pass.
// Only host memory is available; accelerator names are rejected rather than
// silently falling back.
type Device struct {
	name    string
	kind    tensor.DeviceType
	manager *MemoryManager

	mu     sync.Mutex
	closed bool
	live   int
}

// Open returns the named device. "cpu" (or empty) is the only supported name.
func Open(name string) (*Device, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return &Device{
			name:    "cpu",
			kind:    tensor.CPU,
			manager: NewMemoryManager(),
		}, nil
	case "gpu", "cuda", "mps", "metal":
		return nil, trainerr.New(trainerr.Device, "device %q is not available in this build", name)
	default:
		return nil, trainerr.New(trainerr.Device, "unknown device %q", name)
	}
}

func (d *Device) String() string {
	return d.name
}

// Type returns the tensor device type tensors on this device carry.
func (d *Device) Type() tensor.DeviceType {
	return d.kind
}

// Transfer copies t into a buffer owned by the device. The copy must be
// handed back with Release once the step that uses it is done.
func (d *Device) Transfer(t *tensor.Tensor) (*tensor.Tensor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, trainerr.New(trainerr.Device, "device %s is closed", d.name)
	}

	buffer, err := d.manager.GetBuffer(t.NumElems)
	if err != nil {
		return nil, trainerr.Wrap(trainerr.Device, err, "allocating %d elements on %s", t.NumElems, d.name)
	}
	copy(buffer, t.Data)

	out, err := tensor.New(t.Shape, buffer)
	if err != nil {
		d.manager.ReturnBuffer(buffer)
		return nil, err
	}
	out.Device = d.kind
	d.live++
	return out, nil
}

// TransferLabels copies integer labels for use on the device.
func (d *Device) TransferLabels(labels []int) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, trainerr.New(trainerr.Device, "device %s is closed", d.name)
	}
	out := make([]int, len(labels))
	copy(out, labels)
	return out, nil
}

// Release returns a transferred tensor's buffer to the device pool.
func (d *Device) Release(t *tensor.Tensor) {
	if t == nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.manager.ReturnBuffer(t.Data)
	t.Data = nil
	if d.live > 0 {
		d.live--
	}
}

// EmptyCache frees all idle pooled buffers and returns how many were released.
func (d *Device) EmptyCache() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.manager.EmptyCache()
}

// LiveTensors returns the number of transferred tensors not yet released.
func (d *Device) LiveTensors() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// Stats returns per-tier pool statistics.
func (d *Device) Stats() []PoolStats {
	return d.manager.Stats()
}

// Close releases pooled memory. Further transfers fail with a device error.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.manager.EmptyCache()
	d.closed = true
}
