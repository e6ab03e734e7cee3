package device

import (
	"fmt"
	"math"
	"unsafe"
)

// ensure interface compliance
var _ Memory = (*HostMemory)(nil)

// HostMemory is memory addressable from Go. Exactly one of the typed slices is
// set, matching dtype. Float16 values are stored as IEEE 754 binary16 bits.
type HostMemory struct {
	loc   Location
	dtype DType
	f16   []uint16
	f32   []float32
	f64   []float64
}

// NewHostMemory allocates zeroed host memory outside of any pool.
func NewHostMemory(dtype DType, n int) *HostMemory {
	m := &HostMemory{loc: HostLocation, dtype: dtype}
	m.resize(n)
	return m
}

// resize sets the length to n, reusing capacity, and zeroes the contents.
func (m *HostMemory) resize(n int) {
	switch m.dtype {
	case Float16:
		if cap(m.f16) < n {
			m.f16 = make([]uint16, n)
			return
		}
		m.f16 = m.f16[:n]
		clear(m.f16)
	case Float32:
		if cap(m.f32) < n {
			m.f32 = make([]float32, n)
			return
		}
		m.f32 = m.f32[:n]
		clear(m.f32)
	case Float64:
		if cap(m.f64) < n {
			m.f64 = make([]float64, n)
			return
		}
		m.f64 = m.f64[:n]
		clear(m.f64)
	}
}

// capacity returns the element capacity of the backing slice.
func (m *HostMemory) capacity() int {
	switch m.dtype {
	case Float16:
		return cap(m.f16)
	case Float32:
		return cap(m.f32)
	}
	return cap(m.f64)
}

func (m *HostMemory) capBytes() int64 {
	return int64(cap(m.f16))*2 + int64(cap(m.f32))*4 + int64(cap(m.f64))*8
}

func (m *HostMemory) Location() Location { return m.loc }
func (m *HostMemory) DType() DType       { return m.dtype }

func (m *HostMemory) Len() int {
	switch m.dtype {
	case Float16:
		return len(m.f16)
	case Float32:
		return len(m.f32)
	}
	return len(m.f64)
}

// Float16s returns the raw binary16 storage, or nil for other dtypes.
func (m *HostMemory) Float16s() []uint16 { return m.f16 }

// Float32s returns the float32 storage, or nil for other dtypes.
func (m *HostMemory) Float32s() []float32 { return m.f32 }

// Float64s returns the float64 storage, or nil for other dtypes.
func (m *HostMemory) Float64s() []float64 { return m.f64 }

// At returns element i widened to float64.
func (m *HostMemory) At(i int) float64 {
	switch m.dtype {
	case Float16:
		return float64(Float16ToFloat32(m.f16[i]))
	case Float32:
		return float64(m.f32[i])
	}
	return m.f64[i]
}

// Set stores v at element i, narrowing to the memory's dtype.
func (m *HostMemory) Set(i int, v float64) {
	switch m.dtype {
	case Float16:
		m.f16[i] = Float32ToFloat16(float32(v))
	case Float32:
		m.f32[i] = float32(v)
	default:
		m.f64[i] = v
	}
}

// CopyFrom copies src into m. Both must have the same dtype and length.
func (m *HostMemory) CopyFrom(src *HostMemory) error {
	if src.dtype != m.dtype || src.Len() != m.Len() {
		return fmt.Errorf("%w: host copy %s[%d] into %s[%d]", ErrTransfer, src.dtype, src.Len(), m.dtype, m.Len())
	}
	switch m.dtype {
	case Float16:
		copy(m.f16, src.f16)
	case Float32:
		copy(m.f32, src.f32)
	default:
		copy(m.f64, src.f64)
	}
	return nil
}

// HasNaN reports whether any element is NaN.
func (m *HostMemory) HasNaN() bool {
	for i := 0; i < m.Len(); i++ {
		if math.IsNaN(m.At(i)) {
			return true
		}
	}
	return false
}

// HostView is implemented by memory whose contents are addressable from Go,
// such as host memory and the mock device's emulated memory.
type HostView interface {
	Host() *HostMemory
}

// Host returns m itself.
func (m *HostMemory) Host() *HostMemory { return m }

// AsHost returns the host view of m, if it has one.
func AsHost(m Memory) (*HostMemory, bool) {
	v, ok := m.(HostView)
	if !ok {
		return nil, false
	}
	return v.Host(), true
}

// hostPointer returns the address of the first element of host memory.
func hostPointer(h *HostMemory) unsafe.Pointer {
	switch h.dtype {
	case Float16:
		return unsafe.Pointer(&h.f16[0])
	case Float32:
		return unsafe.Pointer(&h.f32[0])
	}
	return unsafe.Pointer(&h.f64[0])
}
