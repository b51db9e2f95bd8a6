package device

import "errors"

var (
	ErrInvalidDevice      = errors.New("device: invalid device index")
	ErrOutOfMemory        = errors.New("device: out of memory")
	ErrBackendUnavailable = errors.New("device: backend not available in this build")
	ErrStreamClosed       = errors.New("device: stream closed")
	ErrDeviceReleased     = errors.New("device: device already released")
)

// Tensor is a float64 vector resident in device memory.
type Tensor interface {
	// Len returns the number of elements.
	Len() int

	// Data returns the backing slice when the memory is host addressable
	// (nil for real GPU memory). Only stream operations should touch it
	// while work is still queued.
	Data() []float64

	// ToHost copies the data to a Go slice.
	ToHost() []float64

	// CopyFromFloat64 copies data from a Go slice into the tensor.
	CopyFromFloat64(data []float64)

	// Free returns the memory to its device.
	Free()
}

// Stream is an ordered queue of device operations. Operations run in
// enqueue order, asynchronously to the caller.
type Stream interface {
	// Enqueue schedules op. Once an operation fails the remaining ones
	// are skipped and the error is reported by Synchronize.
	Enqueue(name string, op func() error) error

	// Synchronize blocks until all queued operations are complete.
	Synchronize() error

	// Close drains the queue and stops the stream.
	Close() error
}

// Device is a scoped binding to one device. Release reverts the binding.
type Device interface {
	Index() int
	Alloc(n int) (Tensor, error)
	NewStream() (Stream, error)
	// MemoryUsage returns allocated and total bytes (total is 0 when unbounded).
	MemoryUsage() (allocated int64, total int64)
	Release() error
}

// Backend creates device bindings.
type Backend interface {
	Name() string
	DeviceCount() int
	Open(index int) (Device, error)
}
