package device

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupportedDevice is returned when a device framework is not compiled in
	// or not available on this machine.
	ErrUnsupportedDevice = errors.New("device: unsupported device")

	// ErrNotSynced is returned when memory is requested at a location that holds
	// no up-to-date copy of the tensor.
	ErrNotSynced = errors.New("device: tensor not synchronized at location")

	// ErrNotAllocated is returned when write access is requested at a location
	// that holds no copy of the tensor.
	ErrNotAllocated = errors.New("device: tensor has no memory at location")

	// ErrAllocation is returned when a device cannot allocate memory.
	ErrAllocation = errors.New("device: allocation failed")

	// ErrTransfer is returned when a copy between host and device fails.
	ErrTransfer = errors.New("device: transfer failed")

	// ErrForeignMemory is returned when a device is handed memory it does not own.
	ErrForeignMemory = errors.New("device: memory belongs to another location")

	// ErrInvalidShape is returned for negative dimensions or element counts
	// above MaxElements.
	ErrInvalidShape = errors.New("device: invalid shape")
)

// MaxElements bounds the element count of a tensor so its size in bytes fits
// in an int.
const MaxElements = math.MaxInt / 8

// ValidateShape reports whether shape describes an allocatable tensor.
func ValidateShape(shape ...int) error {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("%w: negative dimension in %v", ErrInvalidShape, shape)
		}
		if d != 0 && n > MaxElements/d {
			return fmt.Errorf("%w: %v has more than %d elements", ErrInvalidShape, shape, MaxElements)
		}
		n *= d
	}
	return nil
}

// Framework identifies a family of compute devices.
type Framework int

const (
	Native Framework = iota
	CUDA
	OpenCL
	Mock
)

func (f Framework) String() string {
	switch f {
	case Native:
		return "native"
	case CUDA:
		return "cuda"
	case OpenCL:
		return "opencl"
	case Mock:
		return "mock"
	}
	return fmt.Sprintf("framework(%d)", int(f))
}

// Location is a memory location: one device of one framework.
// It is comparable and used as a map key.
type Location struct {
	Framework Framework
	Ordinal   int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Framework, l.Ordinal)
}

// HostLocation is the location of host memory.
var HostLocation = Location{Framework: Native}

// DType is the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Float64
	Float16
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case Float16:
		return 2
	case Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

func (d DType) String() string {
	switch d {
	case Float16:
		return "float16"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	}
	return fmt.Sprintf("dtype(%d)", int(d))
}

// ParseDType parses the names returned by DType.String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "float16", "fp16":
		return Float16, nil
	case "float32", "fp32":
		return Float32, nil
	case "float64", "fp64":
		return Float64, nil
	}
	return 0, fmt.Errorf("device: unknown dtype %q", s)
}

// Memory is a buffer resident at a single location.
type Memory interface {
	Location() Location
	DType() DType
	// Len returns the number of elements.
	Len() int
}

// Device is a backend context: it owns one memory location and moves data
// between that location and host memory.
//
// Implementations must be safe for concurrent use if tensors bound to them are
// used from several goroutines.
type Device interface {
	Name() string
	Framework() Framework
	Location() Location

	// Alloc returns zeroed memory for n elements of dtype.
	Alloc(dtype DType, n int) (Memory, error)
	// Free releases memory returned by Alloc.
	Free(m Memory)

	// Upload copies host memory into dst, which must live on this device.
	Upload(dst Memory, src *HostMemory) error
	// Download copies src, which must live on this device, into host memory.
	Download(dst *HostMemory, src Memory) error

	// Synchronize blocks until all queued work on the device is complete.
	Synchronize() error
}

// Open returns the device for a framework name ("cpu", "cuda", "opencl", "mock").
func Open(name string, ordinal int) (Device, error) {
	switch name {
	case "cpu", "native", "host":
		return Host(), nil
	case "cuda":
		return NewCUDADevice(ordinal)
	case "opencl":
		return NewOpenCLDevice(ordinal)
	case "mock":
		return NewMockDevice(ordinal), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, name)
}
