package blas

import (
	"errors"
	"fmt"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// Registry error kinds.
var (
	// ErrUnsupportedOperation means the backend has no implementation of the
	// routine at all.
	ErrUnsupportedOperation = errors.New("blas: operation not supported by backend")

	// ErrConstructionFailed means building the operation instance failed, for
	// example because a backend handle could not be created.
	ErrConstructionFailed = errors.New("blas: operation construction failed")
)

// Compute error kinds.
var (
	ErrInvalidDimensions  = errors.New("blas: invalid dimensions")
	ErrBackendExecution   = errors.New("blas: backend execution failure")
	ErrUnsupportedVariant = errors.New("blas: unsupported precision or variant")
)

// Operation error kinds, returned by the managed forms.
var (
	ErrUnsupportedOnBackend = errors.New("blas: unsupported on backend")
	ErrSyncFailed           = errors.New("blas: synchronization failed")
	ErrCompute              = errors.New("blas: computation failed")
)

// RegistryError is returned when a registry cannot provide an operation.
type RegistryError struct {
	Op        Op
	Framework device.Framework
	Kind      error
	Err       error
}

func (e *RegistryError) Error() string {
	return formatError(e.Kind, fmt.Sprintf("%s on %s", e.Op, e.Framework), e.Err)
}

func (e *RegistryError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

// ComputeError is returned by an operation's Compute method.
type ComputeError struct {
	Op   Op
	Kind error
	Err  error
}

func (e *ComputeError) Error() string {
	return formatError(e.Kind, e.Op.String(), e.Err)
}

func (e *ComputeError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

// OperationError is returned by the managed forms of Blas.
type OperationError struct {
	Op   Op
	Kind error
	Err  error
}

func (e *OperationError) Error() string {
	return formatError(e.Kind, e.Op.String(), e.Err)
}

func (e *OperationError) Unwrap() []error { return unwrap(e.Kind, e.Err) }

func formatError(kind error, subject string, cause error) string {
	if cause == nil {
		return fmt.Sprintf("%v: %s", kind, subject)
	}
	return fmt.Sprintf("%v: %s: %v", kind, subject, cause)
}

func unwrap(kind, cause error) []error {
	if cause == nil {
		return []error{kind}
	}
	return []error{kind, cause}
}

// errorKind returns a short label for the kind of err, for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedOnBackend), errors.Is(err, ErrUnsupportedOperation):
		return "unsupported_on_backend"
	case errors.Is(err, ErrSyncFailed):
		return "sync_failed"
	case errors.Is(err, ErrConstructionFailed):
		return "construction_failed"
	case errors.Is(err, ErrInvalidDimensions):
		return "invalid_dimensions"
	case errors.Is(err, ErrUnsupportedVariant):
		return "unsupported_variant"
	case errors.Is(err, ErrBackendExecution):
		return "backend_execution"
	}
	return "unknown"
}
