package blas

import "github.com/23skdu/fletcher-blas/internal/device"

// Operation is implemented by every routine a registry vends.
//
// Compute methods take operands that are already synchronized to the
// registry's device. They never move data between locations: a stale or
// missing operand copy fails with a ComputeError of kind ErrBackendExecution.
// On success the outputs are written on the device and no other operand is
// modified. On failure the outputs' contents are unspecified.
type Operation interface {
	Descriptor() Descriptor
}

// AsumOperation computes result = sum |x_i|.
type AsumOperation interface {
	Operation
	Compute(x, result *device.SharedTensor) error
}

// AxpyOperation computes y = a*x + y.
type AxpyOperation interface {
	Operation
	Compute(a, x, y *device.SharedTensor) error
}

// CopyOperation computes y = x.
type CopyOperation interface {
	Operation
	Compute(x, y *device.SharedTensor) error
}

// DotOperation computes result = sum x_i*y_i.
type DotOperation interface {
	Operation
	Compute(x, y, result *device.SharedTensor) error
}

// Nrm2Operation computes result = sqrt(sum x_i^2).
type Nrm2Operation interface {
	Operation
	Compute(x, result *device.SharedTensor) error
}

// ScalOperation computes x = a*x.
type ScalOperation interface {
	Operation
	Compute(a, x *device.SharedTensor) error
}

// SwapOperation exchanges the contents of x and y.
type SwapOperation interface {
	Operation
	Compute(x, y *device.SharedTensor) error
}

// GemmOperation computes c = alpha*op(a)*op(b) + beta*c on row-major
// matrices, where op transposes its argument when asked to.
type GemmOperation interface {
	Operation
	Compute(alpha *device.SharedTensor, transA Transpose, a *device.SharedTensor, transB Transpose, b, beta, c *device.SharedTensor) error
}
