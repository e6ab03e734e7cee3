//go:build !opencl

package device

// NewOpenCLDevice reports ErrUnsupportedDevice; build with -tags opencl to
// enable the OpenCL device.
func NewOpenCLDevice(ordinal int) (Device, error) {
	return nil, ErrUnsupportedDevice
}
