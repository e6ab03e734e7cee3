//go:build opencl

package device

/*
#cgo LDFLAGS: -lOpenCL
#define CL_TARGET_OPENCL_VERSION 120
#ifdef __APPLE__
#include <OpenCL/opencl.h>
#else
#include <CL/cl.h>
#endif
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// Check interface compliance
var _ Device = (*OpenCLDevice)(nil)
var _ Memory = (*OpenCLMemory)(nil)

// OpenCLDevice is one OpenCL device of the first platform, with its own
// context and in-order command queue. Transfers are blocking.
type OpenCLDevice struct {
	loc   Location
	name  string
	id    C.cl_device_id
	ctx   C.cl_context
	queue C.cl_command_queue

	closeOnce sync.Once
}

// OpenCLMemory is a buffer object in an OpenCL context.
type OpenCLMemory struct {
	loc   Location
	dtype DType
	n     int
	buf   C.cl_mem
}

func (m *OpenCLMemory) Location() Location { return m.loc }
func (m *OpenCLMemory) DType() DType       { return m.dtype }
func (m *OpenCLMemory) Len() int           { return m.n }

func (m *OpenCLMemory) bytes() C.size_t { return C.size_t(m.n * m.dtype.Size()) }

// NewOpenCLDevice opens the OpenCL device with the given ordinal on the first
// platform.
func NewOpenCLDevice(ordinal int) (Device, error) {
	var platform C.cl_platform_id
	var numPlatforms C.cl_uint
	if rc := C.clGetPlatformIDs(1, &platform, &numPlatforms); rc != C.CL_SUCCESS || numPlatforms == 0 {
		return nil, fmt.Errorf("%w: no OpenCL platform (code %d)", ErrUnsupportedDevice, int(rc))
	}

	var numDevices C.cl_uint
	if rc := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, 0, nil, &numDevices); rc != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: clGetDeviceIDs (code %d)", ErrUnsupportedDevice, int(rc))
	}
	if ordinal < 0 || ordinal >= int(numDevices) {
		return nil, fmt.Errorf("%w: opencl device %d of %d", ErrUnsupportedDevice, ordinal, int(numDevices))
	}
	ids := make([]C.cl_device_id, int(numDevices))
	if rc := C.clGetDeviceIDs(platform, C.CL_DEVICE_TYPE_ALL, numDevices, &ids[0], nil); rc != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: clGetDeviceIDs (code %d)", ErrUnsupportedDevice, int(rc))
	}
	id := ids[ordinal]

	var rc C.cl_int
	ctx := C.clCreateContext(nil, 1, &id, nil, nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: clCreateContext (code %d)", ErrUnsupportedDevice, int(rc))
	}
	queue := C.clCreateCommandQueue(ctx, id, 0, &rc)
	if rc != C.CL_SUCCESS {
		C.clReleaseContext(ctx)
		return nil, fmt.Errorf("%w: clCreateCommandQueue (code %d)", ErrUnsupportedDevice, int(rc))
	}

	d := &OpenCLDevice{
		loc:   Location{Framework: OpenCL, Ordinal: ordinal},
		id:    id,
		ctx:   ctx,
		queue: queue,
	}
	d.name = d.deviceName()
	log.Debug().Int("ordinal", ordinal).Str("name", d.name).Msg("OpenCL device opened")
	return d, nil
}

func (d *OpenCLDevice) deviceName() string {
	var buf [256]C.char
	if rc := C.clGetDeviceInfo(d.id, C.CL_DEVICE_NAME, C.size_t(len(buf)), unsafe.Pointer(&buf[0]), nil); rc != C.CL_SUCCESS {
		return fmt.Sprintf("OpenCL-%d", d.loc.Ordinal)
	}
	return C.GoString(&buf[0])
}

func (d *OpenCLDevice) Name() string         { return d.name }
func (d *OpenCLDevice) Framework() Framework { return OpenCL }
func (d *OpenCLDevice) Location() Location   { return d.loc }

func (d *OpenCLDevice) Alloc(dtype DType, n int) (Memory, error) {
	m := &OpenCLMemory{loc: d.loc, dtype: dtype, n: n}
	if n == 0 {
		return m, nil
	}
	var rc C.cl_int
	m.buf = C.clCreateBuffer(d.ctx, C.CL_MEM_READ_WRITE, m.bytes(), nil, &rc)
	if rc != C.CL_SUCCESS {
		return nil, fmt.Errorf("%w: clCreateBuffer %d bytes (code %d)", ErrAllocation, int(m.bytes()), int(rc))
	}
	if err := d.Upload(m, NewHostMemory(dtype, n)); err != nil {
		C.clReleaseMemObject(m.buf)
		return nil, fmt.Errorf("%w: zero fill: %w", ErrAllocation, err)
	}
	return m, nil
}

func (d *OpenCLDevice) Free(m Memory) {
	om, ok := m.(*OpenCLMemory)
	if !ok || om.loc != d.loc || om.buf == nil {
		return
	}
	C.clReleaseMemObject(om.buf)
	om.buf = nil
}

func (d *OpenCLDevice) own(m Memory) (*OpenCLMemory, error) {
	om, ok := m.(*OpenCLMemory)
	if !ok || om.loc != d.loc {
		return nil, fmt.Errorf("%w: %s on %s", ErrForeignMemory, m.Location(), d.loc)
	}
	return om, nil
}

func (d *OpenCLDevice) Upload(dst Memory, src *HostMemory) error {
	om, err := d.own(dst)
	if err != nil {
		return err
	}
	if src.dtype != om.dtype || src.Len() != om.n {
		return fmt.Errorf("%w: upload %s[%d] into %s[%d]", ErrTransfer, src.dtype, src.Len(), om.dtype, om.n)
	}
	if om.n == 0 {
		return nil
	}
	rc := C.clEnqueueWriteBuffer(d.queue, om.buf, C.CL_TRUE, 0, om.bytes(), hostPointer(src), 0, nil, nil)
	if rc != C.CL_SUCCESS {
		return fmt.Errorf("%w: clEnqueueWriteBuffer (code %d)", ErrTransfer, int(rc))
	}
	return nil
}

func (d *OpenCLDevice) Download(dst *HostMemory, src Memory) error {
	om, err := d.own(src)
	if err != nil {
		return err
	}
	if dst.dtype != om.dtype || dst.Len() != om.n {
		return fmt.Errorf("%w: download %s[%d] into %s[%d]", ErrTransfer, om.dtype, om.n, dst.dtype, dst.Len())
	}
	if om.n == 0 {
		return nil
	}
	rc := C.clEnqueueReadBuffer(d.queue, om.buf, C.CL_TRUE, 0, om.bytes(), hostPointer(dst), 0, nil, nil)
	if rc != C.CL_SUCCESS {
		return fmt.Errorf("%w: clEnqueueReadBuffer (code %d)", ErrTransfer, int(rc))
	}
	return nil
}

func (d *OpenCLDevice) Synchronize() error {
	if rc := C.clFinish(d.queue); rc != C.CL_SUCCESS {
		return fmt.Errorf("clFinish (code %d)", int(rc))
	}
	return nil
}

// Close releases the command queue and context.
func (d *OpenCLDevice) Close() error {
	d.closeOnce.Do(func() {
		C.clReleaseCommandQueue(d.queue)
		C.clReleaseContext(d.ctx)
	})
	return nil
}
