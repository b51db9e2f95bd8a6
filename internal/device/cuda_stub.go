package device

// NewCudaBackend is not available: this build carries no CUDA bridge.
func NewCudaBackend() (Backend, error) {
	return nil, ErrBackendUnavailable
}
