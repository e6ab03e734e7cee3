package blas

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// Kernels are the native entry points of one backend. Memory arguments are
// resident on the backend's device and already validated: lengths match n,
// scalars hold one element, and all operands share one dtype.
type Kernels struct {
	Asum func(n int, x, result device.Memory) error
	Axpy func(n int, a, x, y device.Memory) error
	Copy func(n int, x, y device.Memory) error
	Dot  func(n int, x, y, result device.Memory) error
	Nrm2 func(n int, x, result device.Memory) error
	Scal func(n int, a, x device.Memory) error
	Swap func(n int, x, y device.Memory) error
	Gemm func(args GemmArgs) error

	// Release frees backend state acquired by Table.Bind. It may be nil.
	Release func()
}

// GemmArgs describes one row-major gemm call.
//
// A is stored with ARows x ACols elements and B with BRows x BCols; the
// product is op(A) (M x K) times op(B) (K x N) into C (M x N).
type GemmArgs struct {
	TransA, TransB Transpose
	M, N, K        int
	Alpha, Beta    device.Memory
	A              device.Memory
	ARows, ACols   int
	B              device.Memory
	BRows, BCols   int
	C              device.Memory
}

// Table declares what a framework can compute and how to build it.
// A Table must not be modified after it is registered.
type Table struct {
	Name string

	// Ops maps each routine the backend implements to the dtypes it handles.
	Ops map[Op][]device.DType

	// Bind returns the kernels for one operation instance on dev. A registry
	// calls it once per routine and keeps the result for its lifetime.
	Bind func(dev device.Device, op Op) (*Kernels, error)
}

// Supports reports whether the table implements op for at least one dtype.
func (t *Table) Supports(op Op) bool {
	return t != nil && len(t.Ops[op]) > 0
}

// SupportsDType reports whether the table implements op for dtype.
func (t *Table) SupportsDType(op Op, dtype device.DType) bool {
	return t != nil && slices.Contains(t.Ops[op], dtype)
}

var (
	tablesMu sync.RWMutex
	tables   = make(map[device.Framework]*Table)
)

// Register installs the kernel table for a framework, replacing any previous
// one. Passing nil removes it. Registries already created keep their table.
func Register(fw device.Framework, t *Table) {
	tablesMu.Lock()
	defer tablesMu.Unlock()
	if t == nil {
		delete(tables, fw)
		return
	}
	tables[fw] = t
	log.Debug().Str("framework", fw.String()).Str("table", t.Name).Msg("Registered BLAS kernel table")
}

// TableFor returns the kernel table registered for fw, or nil.
func TableFor(fw device.Framework) *Table {
	tablesMu.RLock()
	defer tablesMu.RUnlock()
	return tables[fw]
}
