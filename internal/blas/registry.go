package blas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// Registry vends the operation implementations of one backend context.
//
// Operations are constructed on first request and then reused for the
// lifetime of the registry, so backend handles are created once per routine.
// Failed constructions are not cached. A Registry is safe for concurrent use.
type Registry struct {
	dev   device.Device
	table *Table

	mu            sync.Mutex
	ops           map[Op]Operation
	kernels       map[Op]*Kernels
	constructions int
}

// NewRegistry returns a registry for dev using the table registered for its
// framework. Without a registered table every routine is unsupported.
func NewRegistry(dev device.Device) *Registry {
	return NewRegistryWithTable(dev, TableFor(dev.Framework()))
}

// NewRegistryWithTable returns a registry for dev backed by table.
func NewRegistryWithTable(dev device.Device, table *Table) *Registry {
	return &Registry{
		dev:     dev,
		table:   table,
		ops:     make(map[Op]Operation),
		kernels: make(map[Op]*Kernels),
	}
}

// Device returns the device the registry computes on.
func (r *Registry) Device() device.Device { return r.dev }

// Supports reports whether the backend implements op. It has no side effects.
func (r *Registry) Supports(op Op) bool {
	return r.table.Supports(op)
}

// Operation returns the implementation of op, constructing it on first use.
// It returns a *RegistryError of kind ErrUnsupportedOperation or
// ErrConstructionFailed.
func (r *Registry) Operation(op Op) (Operation, error) {
	fw := r.dev.Framework()
	if !r.Supports(op) {
		return nil, &RegistryError{Op: op, Framework: fw, Kind: ErrUnsupportedOperation}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if impl, ok := r.ops[op]; ok {
		registryHits.WithLabelValues(fw.String(), op.String()).Inc()
		return impl, nil
	}

	impl, k, err := r.construct(op)
	if err != nil {
		log.Warn().Err(err).Str("op", op.String()).Str("device", r.dev.Name()).Msg("BLAS operation construction failed")
		return nil, &RegistryError{Op: op, Framework: fw, Kind: ErrConstructionFailed, Err: err}
	}

	r.ops[op] = impl
	r.kernels[op] = k
	r.constructions++
	registryConstructions.WithLabelValues(fw.String(), op.String()).Inc()
	log.Debug().Str("op", op.String()).Str("device", r.dev.Name()).Str("table", r.table.Name).Msg("Constructed BLAS operation")
	return impl, nil
}

func (r *Registry) construct(op Op) (Operation, *Kernels, error) {
	if r.table.Bind == nil {
		return nil, nil, fmt.Errorf("table %s has no binder", r.table.Name)
	}
	k, err := r.table.Bind(r.dev, op)
	if err != nil {
		return nil, nil, err
	}
	if k == nil {
		return nil, nil, fmt.Errorf("table %s bound no kernels for %s", r.table.Name, op)
	}
	impl, err := newOperation(op, r.dev.Location(), r.table, k)
	if err != nil {
		if k.Release != nil {
			k.Release()
		}
		return nil, nil, err
	}
	return impl, k, nil
}

// Constructions returns how many operation instances have been built.
func (r *Registry) Constructions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.constructions
}

// Close releases the backend state of every constructed operation. Operations
// obtained earlier must not be used afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for op, k := range r.kernels {
		if k.Release != nil {
			k.Release()
		}
		delete(r.kernels, op)
		delete(r.ops, op)
	}
	return nil
}

// lookup resolves op and asserts its operation interface.
func lookup[T Operation](r *Registry, op Op) (T, error) {
	var zero T
	impl, err := r.Operation(op)
	if err != nil {
		return zero, err
	}
	typed, ok := impl.(T)
	if !ok {
		return zero, &RegistryError{
			Op:        op,
			Framework: r.dev.Framework(),
			Kind:      ErrConstructionFailed,
			Err:       fmt.Errorf("%T does not implement the %s interface", impl, op),
		}
	}
	return typed, nil
}

// isRegistryError reports whether err came from the registry rather than from
// a computation.
func isRegistryError(err error) (*RegistryError, bool) {
	var re *RegistryError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
