//go:build !linux || !cuda

package device

// NewCUDADevice reports ErrUnsupportedDevice; build with -tags cuda on Linux
// to enable the CUDA device.
func NewCUDADevice(ordinal int) (Device, error) {
	return nil, ErrUnsupportedDevice
}
