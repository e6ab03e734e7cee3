package blas

import (
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/device"
)

const (
	formManaged = "managed"
	formPlain   = "plain"
)

// Blas is the backend-agnostic BLAS facade bound to one device.
//
// Each routine has a managed form, which synchronizes every operand to the
// device before computing, and a plain form, which computes on operands the
// caller has already synchronized. Managed forms return *OperationError;
// plain forms return the *ComputeError or *RegistryError of the layer that
// failed. No form retries.
type Blas struct {
	dev      device.Device
	registry *Registry
}

// New returns a Blas computing on dev with its framework's registered kernels.
func New(dev device.Device) *Blas {
	return &Blas{dev: dev, registry: NewRegistry(dev)}
}

// NewWithTable returns a Blas computing on dev with the given kernels.
func NewWithTable(dev device.Device, table *Table) *Blas {
	return &Blas{dev: dev, registry: NewRegistryWithTable(dev, table)}
}

// Device returns the device operations run on.
func (b *Blas) Device() device.Device { return b.dev }

// Registry returns the registry backing b.
func (b *Blas) Registry() *Registry { return b.registry }

// Supports reports whether op can run on b's device.
func (b *Blas) Supports(op Op) bool { return b.registry.Supports(op) }

// Synchronize waits for queued device work.
func (b *Blas) Synchronize() error { return b.dev.Synchronize() }

// Close releases the registry's backend state.
func (b *Blas) Close() error { return b.registry.Close() }

// managed implements the managed form shared by every routine: capability
// check, synchronization of all operands, then the computation.
func (b *Blas) managed(op Op, operands []*device.SharedTensor, compute func() error) error {
	start := time.Now()
	err := b.runManaged(op, operands, compute)
	b.observe(op, formManaged, start, err)
	return err
}

func (b *Blas) runManaged(op Op, operands []*device.SharedTensor, compute func() error) error {
	if !b.registry.Supports(op) {
		return &OperationError{Op: op, Kind: ErrUnsupportedOnBackend, Err: &RegistryError{
			Op: op, Framework: b.dev.Framework(), Kind: ErrUnsupportedOperation,
		}}
	}
	for _, t := range operands {
		if t == nil {
			continue
		}
		if err := t.Validate(); err != nil {
			return &OperationError{Op: op, Kind: ErrCompute, Err: &ComputeError{Op: op, Kind: ErrInvalidDimensions, Err: err}}
		}
	}
	if err := b.syncAll(operands); err != nil {
		return &OperationError{Op: op, Kind: ErrSyncFailed, Err: err}
	}

	err := compute()
	if err == nil {
		return nil
	}
	if re, ok := isRegistryError(err); ok {
		kind := ErrConstructionFailed
		if errors.Is(re, ErrUnsupportedOperation) {
			kind = ErrUnsupportedOnBackend
		}
		return &OperationError{Op: op, Kind: kind, Err: err}
	}
	return &OperationError{Op: op, Kind: ErrCompute, Err: err}
}

// syncAll synchronizes every distinct operand to the device. If one fails,
// the operands synchronized before it are rolled back so the call leaves no
// partially synchronized set behind.
func (b *Blas) syncAll(operands []*device.SharedTensor) error {
	type synced struct {
		t  *device.SharedTensor
		cp device.Checkpoint
	}
	seen := make(map[*device.SharedTensor]bool, len(operands))
	done := make([]synced, 0, len(operands))

	for _, t := range operands {
		if t == nil || seen[t] {
			continue
		}
		seen[t] = true
		cp := t.Checkpoint()
		if err := t.SyncTo(b.dev); err != nil {
			for i := len(done) - 1; i >= 0; i-- {
				done[i].t.Rollback(done[i].cp)
			}
			log.Warn().Err(err).Str("device", b.dev.Name()).Int("rolled_back", len(done)).Msg("Operand synchronization failed")
			return err
		}
		done = append(done, synced{t: t, cp: cp})
	}
	return nil
}

// plain runs compute with metrics.
func (b *Blas) plain(op Op, compute func() error) error {
	start := time.Now()
	err := compute()
	b.observe(op, formPlain, start, err)
	return err
}

func (b *Blas) observe(op Op, form string, start time.Time, err error) {
	fw := b.dev.Framework().String()
	operationDuration.WithLabelValues(fw, op.String(), form).Observe(time.Since(start).Seconds())
	if err != nil {
		operationErrors.WithLabelValues(fw, op.String(), errorKind(err)).Inc()
	}
}

// Asum computes result = sum |x_i|.
func (b *Blas) Asum(x, result *device.SharedTensor) error {
	return b.managed(Asum, []*device.SharedTensor{x, result}, func() error {
		return b.asum(x, result)
	})
}

// AsumPlain is Asum without synchronization.
func (b *Blas) AsumPlain(x, result *device.SharedTensor) error {
	return b.plain(Asum, func() error {
		return b.asum(x, result)
	})
}

func (b *Blas) asum(x, result *device.SharedTensor) error {
	impl, err := lookup[AsumOperation](b.registry, Asum)
	if err != nil {
		return err
	}
	return impl.Compute(x, result)
}

// Axpy computes y = a*x + y.
func (b *Blas) Axpy(a, x, y *device.SharedTensor) error {
	return b.managed(Axpy, []*device.SharedTensor{a, x, y}, func() error {
		return b.axpy(a, x, y)
	})
}

// AxpyPlain is Axpy without synchronization.
func (b *Blas) AxpyPlain(a, x, y *device.SharedTensor) error {
	return b.plain(Axpy, func() error {
		return b.axpy(a, x, y)
	})
}

func (b *Blas) axpy(a, x, y *device.SharedTensor) error {
	impl, err := lookup[AxpyOperation](b.registry, Axpy)
	if err != nil {
		return err
	}
	return impl.Compute(a, x, y)
}

// Copy computes y = x.
func (b *Blas) Copy(x, y *device.SharedTensor) error {
	return b.managed(Copy, []*device.SharedTensor{x, y}, func() error {
		return b.copy(x, y)
	})
}

// CopyPlain is Copy without synchronization.
func (b *Blas) CopyPlain(x, y *device.SharedTensor) error {
	return b.plain(Copy, func() error {
		return b.copy(x, y)
	})
}

func (b *Blas) copy(x, y *device.SharedTensor) error {
	impl, err := lookup[CopyOperation](b.registry, Copy)
	if err != nil {
		return err
	}
	return impl.Compute(x, y)
}

// Dot computes result = sum x_i*y_i.
func (b *Blas) Dot(x, y, result *device.SharedTensor) error {
	return b.managed(Dot, []*device.SharedTensor{x, y, result}, func() error {
		return b.dot(x, y, result)
	})
}

// DotPlain is Dot without synchronization.
func (b *Blas) DotPlain(x, y, result *device.SharedTensor) error {
	return b.plain(Dot, func() error {
		return b.dot(x, y, result)
	})
}

func (b *Blas) dot(x, y, result *device.SharedTensor) error {
	impl, err := lookup[DotOperation](b.registry, Dot)
	if err != nil {
		return err
	}
	return impl.Compute(x, y, result)
}

// Nrm2 computes result = sqrt(sum x_i^2).
func (b *Blas) Nrm2(x, result *device.SharedTensor) error {
	return b.managed(Nrm2, []*device.SharedTensor{x, result}, func() error {
		return b.nrm2(x, result)
	})
}

// Nrm2Plain is Nrm2 without synchronization.
func (b *Blas) Nrm2Plain(x, result *device.SharedTensor) error {
	return b.plain(Nrm2, func() error {
		return b.nrm2(x, result)
	})
}

func (b *Blas) nrm2(x, result *device.SharedTensor) error {
	impl, err := lookup[Nrm2Operation](b.registry, Nrm2)
	if err != nil {
		return err
	}
	return impl.Compute(x, result)
}

// Scal computes x = a*x.
func (b *Blas) Scal(a, x *device.SharedTensor) error {
	return b.managed(Scal, []*device.SharedTensor{a, x}, func() error {
		return b.scal(a, x)
	})
}

// ScalPlain is Scal without synchronization.
func (b *Blas) ScalPlain(a, x *device.SharedTensor) error {
	return b.plain(Scal, func() error {
		return b.scal(a, x)
	})
}

func (b *Blas) scal(a, x *device.SharedTensor) error {
	impl, err := lookup[ScalOperation](b.registry, Scal)
	if err != nil {
		return err
	}
	return impl.Compute(a, x)
}

// Swap exchanges x and y.
func (b *Blas) Swap(x, y *device.SharedTensor) error {
	return b.managed(Swap, []*device.SharedTensor{x, y}, func() error {
		return b.swap(x, y)
	})
}

// SwapPlain is Swap without synchronization.
func (b *Blas) SwapPlain(x, y *device.SharedTensor) error {
	return b.plain(Swap, func() error {
		return b.swap(x, y)
	})
}

func (b *Blas) swap(x, y *device.SharedTensor) error {
	impl, err := lookup[SwapOperation](b.registry, Swap)
	if err != nil {
		return err
	}
	return impl.Compute(x, y)
}

// Gemm computes c = alpha*op(a)*op(b) + beta*c.
func (b *Blas) Gemm(alpha *device.SharedTensor, transA Transpose, a *device.SharedTensor, transB Transpose, bm, beta, c *device.SharedTensor) error {
	return b.managed(Gemm, []*device.SharedTensor{alpha, a, bm, beta, c}, func() error {
		return b.gemm(alpha, transA, a, transB, bm, beta, c)
	})
}

// GemmPlain is Gemm without synchronization.
func (b *Blas) GemmPlain(alpha *device.SharedTensor, transA Transpose, a *device.SharedTensor, transB Transpose, bm, beta, c *device.SharedTensor) error {
	return b.plain(Gemm, func() error {
		return b.gemm(alpha, transA, a, transB, bm, beta, c)
	})
}

func (b *Blas) gemm(alpha *device.SharedTensor, transA Transpose, a *device.SharedTensor, transB Transpose, bm, beta, c *device.SharedTensor) error {
	impl, err := lookup[GemmOperation](b.registry, Gemm)
	if err != nil {
		return err
	}
	return impl.Compute(alpha, transA, a, transB, bm, beta, c)
}
