//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Check interface compliance
var _ Device = (*CUDADevice)(nil)
var _ Memory = (*CUDAMemory)(nil)

// CUDADevice is one CUDA GPU. Memory is allocated with cudaMalloc and moved
// with blocking cudaMemcpy calls.
type CUDADevice struct {
	loc Location
}

// NewCUDADevice opens the CUDA device with the given ordinal.
func NewCUDADevice(ordinal int) (Device, error) {
	var count C.int
	if rc := C.cudaGetDeviceCount(&count); rc != C.cudaSuccess {
		return nil, fmt.Errorf("%w: cudaGetDeviceCount: %s", ErrUnsupportedDevice, cudaError(rc))
	}
	if ordinal < 0 || ordinal >= int(count) {
		return nil, fmt.Errorf("%w: cuda device %d of %d", ErrUnsupportedDevice, ordinal, int(count))
	}
	log.Debug().Int("ordinal", ordinal).Int("devices", int(count)).Msg("CUDA device opened")
	return &CUDADevice{loc: Location{Framework: CUDA, Ordinal: ordinal}}, nil
}

// CUDAMemory is a device buffer.
type CUDAMemory struct {
	loc   Location
	dtype DType
	n     int
	ptr   unsafe.Pointer
}

func (m *CUDAMemory) Location() Location { return m.loc }
func (m *CUDAMemory) DType() DType       { return m.dtype }
func (m *CUDAMemory) Len() int           { return m.n }

// Pointer returns the device address of the buffer.
func (m *CUDAMemory) Pointer() unsafe.Pointer { return m.ptr }

func (m *CUDAMemory) bytes() C.size_t { return C.size_t(m.n * m.dtype.Size()) }

func cudaError(rc C.cudaError_t) string {
	return C.GoString(C.cudaGetErrorString(rc))
}

func (d *CUDADevice) Name() string         { return fmt.Sprintf("CUDA-%d", d.loc.Ordinal) }
func (d *CUDADevice) Framework() Framework { return CUDA }
func (d *CUDADevice) Location() Location   { return d.loc }

// Ordinal returns the CUDA device index.
func (d *CUDADevice) Ordinal() int { return d.loc.Ordinal }

// Activate makes d the current CUDA device of the calling thread. Callers
// must hold the thread with runtime.LockOSThread until their CUDA calls are done.
func (d *CUDADevice) Activate() error { return d.activate() }

func (d *CUDADevice) activate() error {
	if rc := C.cudaSetDevice(C.int(d.loc.Ordinal)); rc != C.cudaSuccess {
		return fmt.Errorf("cudaSetDevice: %s", cudaError(rc))
	}
	return nil
}

// run calls fn with d current on a locked OS thread.
func (d *CUDADevice) run(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := d.activate(); err != nil {
		return err
	}
	return fn()
}

func (d *CUDADevice) Alloc(dtype DType, n int) (Memory, error) {
	m := &CUDAMemory{loc: d.loc, dtype: dtype, n: n}
	if n == 0 {
		return m, nil
	}
	var ptr unsafe.Pointer
	err := d.run(func() error {
		if rc := C.cudaMalloc(&ptr, m.bytes()); rc != C.cudaSuccess {
			return fmt.Errorf("cudaMalloc %d bytes: %s", int(m.bytes()), cudaError(rc))
		}
		if rc := C.cudaMemset(ptr, 0, m.bytes()); rc != C.cudaSuccess {
			C.cudaFree(ptr)
			return fmt.Errorf("cudaMemset: %s", cudaError(rc))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAllocation, err)
	}
	m.ptr = ptr
	return m, nil
}

func (d *CUDADevice) Free(m Memory) {
	cm, ok := m.(*CUDAMemory)
	if !ok || cm.loc != d.loc || cm.ptr == nil {
		return
	}
	_ = d.run(func() error {
		C.cudaFree(cm.ptr)
		return nil
	})
	cm.ptr = nil
}

func (d *CUDADevice) own(m Memory) (*CUDAMemory, error) {
	cm, ok := m.(*CUDAMemory)
	if !ok || cm.loc != d.loc {
		return nil, fmt.Errorf("%w: %s on %s", ErrForeignMemory, m.Location(), d.loc)
	}
	return cm, nil
}

func (d *CUDADevice) Upload(dst Memory, src *HostMemory) error {
	cm, err := d.own(dst)
	if err != nil {
		return err
	}
	if src.dtype != cm.dtype || src.Len() != cm.n {
		return fmt.Errorf("%w: upload %s[%d] into %s[%d]", ErrTransfer, src.dtype, src.Len(), cm.dtype, cm.n)
	}
	if cm.n == 0 {
		return nil
	}
	err = d.run(func() error {
		if rc := C.cudaMemcpy(cm.ptr, hostPointer(src), cm.bytes(), C.cudaMemcpyHostToDevice); rc != C.cudaSuccess {
			return fmt.Errorf("cudaMemcpy to device: %s", cudaError(rc))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return nil
}

func (d *CUDADevice) Download(dst *HostMemory, src Memory) error {
	cm, err := d.own(src)
	if err != nil {
		return err
	}
	if dst.dtype != cm.dtype || dst.Len() != cm.n {
		return fmt.Errorf("%w: download %s[%d] into %s[%d]", ErrTransfer, cm.dtype, cm.n, dst.dtype, dst.Len())
	}
	if cm.n == 0 {
		return nil
	}
	err = d.run(func() error {
		if rc := C.cudaMemcpy(hostPointer(dst), cm.ptr, cm.bytes(), C.cudaMemcpyDeviceToHost); rc != C.cudaSuccess {
			return fmt.Errorf("cudaMemcpy to host: %s", cudaError(rc))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	return nil
}

func (d *CUDADevice) Synchronize() error {
	return d.run(func() error {
		if rc := C.cudaDeviceSynchronize(); rc != C.cudaSuccess {
			return fmt.Errorf("cudaDeviceSynchronize: %s", cudaError(rc))
		}
		return nil
	})
}

// residentOrdinal reports which device holds the buffer behind m.
func residentOrdinal(m *CUDAMemory) (int, error) {
	var attrs C.struct_cudaPointerAttributes
	if rc := C.cudaPointerGetAttributes(&attrs, m.ptr); rc != C.cudaSuccess {
		return 0, fmt.Errorf("cudaPointerGetAttributes: %s", cudaError(rc))
	}
	return int(attrs.device), nil
}
