package device

import "fmt"

// Open returns the backend registered under name. devices and memLimit
// only apply to backends that simulate their hardware.
func Open(name string, devices int, memLimit int64) (Backend, error) {
	switch name {
	case "", "cpu":
		return NewCPUBackend(devices, memLimit), nil
	case "cuda":
		return NewCudaBackend()
	default:
		return nil, fmt.Errorf("device: unknown backend %q", name)
	}
}
