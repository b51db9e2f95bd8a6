package device

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)
var _ Device = (*CPUDevice)(nil)
var _ Tensor = (*CPUTensor)(nil)

const float64Size = 8

// CPUBackend simulates a node with a fixed number of devices whose memory
// is host memory.
type CPUBackend struct {
	devices  int
	memLimit int64
	used     []atomic.Int64
	// pool holds *[]float64 buffers returned by Free.
	pool sync.Pool
}

// NewCPUBackend creates a backend exposing the given number of devices.
// memLimit bounds each device in bytes; 0 means unbounded.
func NewCPUBackend(devices int, memLimit int64) *CPUBackend {
	if devices < 1 {
		devices = 1
	}
	return &CPUBackend{
		devices:  devices,
		memLimit: memLimit,
		used:     make([]atomic.Int64, devices),
	}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) DeviceCount() int {
	return b.devices
}

func (b *CPUBackend) Open(index int) (Device, error) {
	if index < 0 || index >= b.devices {
		return nil, fmt.Errorf("%w: %d (backend has %d devices)", ErrInvalidDevice, index, b.devices)
	}
	return &CPUDevice{backend: b, index: index, label: strconv.Itoa(index)}, nil
}

type CPUDevice struct {
	backend  *CPUBackend
	index    int
	label    string
	released atomic.Bool
	streams  atomic.Int32
}

func (d *CPUDevice) Index() int {
	return d.index
}

func (d *CPUDevice) Alloc(n int) (Tensor, error) {
	if d.released.Load() {
		return nil, ErrDeviceReleased
	}
	if n < 0 {
		return nil, fmt.Errorf("device: invalid allocation size %d", n)
	}
	size := int64(n) * float64Size
	used := &d.backend.used[d.index]
	if total := used.Add(size); d.backend.memLimit > 0 && total > d.backend.memLimit {
		used.Add(-size)
		allocFailures.WithLabelValues(d.label).Inc()
		return nil, fmt.Errorf("%w: device %d cannot allocate %d bytes (%d of %d in use)",
			ErrOutOfMemory, d.index, size, total-size, d.backend.memLimit)
	}
	allocatedBytes.WithLabelValues(d.label).Add(float64(size))

	t := &CPUTensor{device: d}
	if buf, ok := d.backend.pool.Get().(*[]float64); ok && cap(*buf) >= n {
		// Contents are left as they were: allocations are uninitialized.
		poolHits.Inc()
		t.data = (*buf)[:n]
	} else {
		poolMisses.Inc()
		t.data = make([]float64, n)
	}
	return t, nil
}

func (d *CPUDevice) NewStream() (Stream, error) {
	if d.released.Load() {
		return nil, ErrDeviceReleased
	}
	id := d.streams.Add(1)
	return NewQueueStream(fmt.Sprintf("cpu:%d/stream:%d", d.index, id)), nil
}

func (d *CPUDevice) MemoryUsage() (int64, int64) {
	return d.backend.used[d.index].Load(), d.backend.memLimit
}

func (d *CPUDevice) Release() error {
	if !d.released.CompareAndSwap(false, true) {
		return ErrDeviceReleased
	}
	return nil
}

type CPUTensor struct {
	device *CPUDevice
	data   []float64
	freed  bool
}

func (t *CPUTensor) Len() int {
	return len(t.data)
}

func (t *CPUTensor) Data() []float64 {
	return t.data
}

func (t *CPUTensor) ToHost() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

func (t *CPUTensor) CopyFromFloat64(data []float64) {
	if len(data) != len(t.data) {
		panic("Size mismatch")
	}
	copy(t.data, data)
}

func (t *CPUTensor) Free() {
	if t.freed || t.device == nil {
		return
	}
	t.freed = true
	size := int64(len(t.data)) * float64Size
	d := t.device
	d.backend.used[d.index].Add(-size)
	allocatedBytes.WithLabelValues(d.label).Sub(float64(size))

	buf := t.data
	t.data = nil
	t.device = nil
	d.backend.pool.Put(&buf)
}
