//go:build linux && cuda

package blas

/*
#cgo LDFLAGS: -lcublas -lcudart
#include <cublas_v2.h>
*/
import "C"
import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// cudaTable runs every routine with cuBLAS. Each operation instance owns one
// handle in device pointer mode, so scalars never leave the GPU.
var cudaTable = &Table{
	Name: "cublas",
	Ops: map[Op][]device.DType{
		Asum: {device.Float32, device.Float64},
		Axpy: {device.Float32, device.Float64},
		Copy: {device.Float32, device.Float64},
		Dot:  {device.Float32, device.Float64},
		Nrm2: {device.Float32, device.Float64},
		Scal: {device.Float32, device.Float64},
		Swap: {device.Float32, device.Float64},
		Gemm: {device.Float32, device.Float64},
	},
	Bind: bindCUDA,
}

func init() {
	Register(device.CUDA, cudaTable)
}

type cublasStatus C.cublasStatus_t

func (s cublasStatus) err(call string) error {
	if C.cublasStatus_t(s) == C.CUBLAS_STATUS_SUCCESS {
		return nil
	}
	return fmt.Errorf("%w: %s: cublas status %d", ErrBackendExecution, call, int(s))
}

type cublasKernels struct {
	dev    *device.CUDADevice
	handle C.cublasHandle_t
}

func bindCUDA(dev device.Device, op Op) (*Kernels, error) {
	cd, ok := dev.(*device.CUDADevice)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a CUDA device", device.ErrUnsupportedDevice, dev.Name())
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := cd.Activate(); err != nil {
		return nil, err
	}

	ck := &cublasKernels{dev: cd}
	if err := cublasStatus(C.cublasCreate_v2(&ck.handle)).err("cublasCreate"); err != nil {
		return nil, err
	}
	if err := cublasStatus(C.cublasSetPointerMode_v2(ck.handle, C.CUBLAS_POINTER_MODE_DEVICE)).err("cublasSetPointerMode"); err != nil {
		C.cublasDestroy_v2(ck.handle)
		return nil, err
	}
	log.Debug().Str("op", op.String()).Str("device", dev.Name()).Msg("cuBLAS handle created")

	return &Kernels{
		Asum:    ck.asum,
		Axpy:    ck.axpy,
		Copy:    ck.copy,
		Dot:     ck.dot,
		Nrm2:    ck.nrm2,
		Scal:    ck.scal,
		Swap:    ck.swap,
		Gemm:    ck.gemm,
		Release: func() { C.cublasDestroy_v2(ck.handle) },
	}, nil
}

// run pins the goroutine to its thread while the device is current.
func (ck *cublasKernels) run(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := ck.dev.Activate(); err != nil {
		return fmt.Errorf("%w: %w", ErrBackendExecution, err)
	}
	return fn()
}

func devPtr(m device.Memory) (unsafe.Pointer, error) {
	cm, ok := m.(*device.CUDAMemory)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrForeignMemory, m.Location())
	}
	return cm.Pointer(), nil
}

func devPtrs(ms ...device.Memory) ([]unsafe.Pointer, error) {
	ps := make([]unsafe.Pointer, len(ms))
	for i, m := range ms {
		p, err := devPtr(m)
		if err != nil {
			return nil, err
		}
		ps[i] = p
	}
	return ps, nil
}

func f32(p unsafe.Pointer) *C.float  { return (*C.float)(p) }
func f64(p unsafe.Pointer) *C.double { return (*C.double)(p) }

func (ck *cublasKernels) asum(n int, x, result device.Memory) error {
	p, err := devPtrs(x, result)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSasum_v2(ck.handle, C.int(n), f32(p[0]), 1, f32(p[1]))).err("cublasSasum")
		case device.Float64:
			return cublasStatus(C.cublasDasum_v2(ck.handle, C.int(n), f64(p[0]), 1, f64(p[1]))).err("cublasDasum")
		}
		return fmt.Errorf("%w: cublas has no %s asum", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) axpy(n int, a, x, y device.Memory) error {
	p, err := devPtrs(a, x, y)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSaxpy_v2(ck.handle, C.int(n), f32(p[0]), f32(p[1]), 1, f32(p[2]), 1)).err("cublasSaxpy")
		case device.Float64:
			return cublasStatus(C.cublasDaxpy_v2(ck.handle, C.int(n), f64(p[0]), f64(p[1]), 1, f64(p[2]), 1)).err("cublasDaxpy")
		}
		return fmt.Errorf("%w: cublas has no %s axpy", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) copy(n int, x, y device.Memory) error {
	p, err := devPtrs(x, y)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasScopy_v2(ck.handle, C.int(n), f32(p[0]), 1, f32(p[1]), 1)).err("cublasScopy")
		case device.Float64:
			return cublasStatus(C.cublasDcopy_v2(ck.handle, C.int(n), f64(p[0]), 1, f64(p[1]), 1)).err("cublasDcopy")
		}
		return fmt.Errorf("%w: cublas has no %s copy", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) dot(n int, x, y, result device.Memory) error {
	p, err := devPtrs(x, y, result)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSdot_v2(ck.handle, C.int(n), f32(p[0]), 1, f32(p[1]), 1, f32(p[2]))).err("cublasSdot")
		case device.Float64:
			return cublasStatus(C.cublasDdot_v2(ck.handle, C.int(n), f64(p[0]), 1, f64(p[1]), 1, f64(p[2]))).err("cublasDdot")
		}
		return fmt.Errorf("%w: cublas has no %s dot", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) nrm2(n int, x, result device.Memory) error {
	p, err := devPtrs(x, result)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSnrm2_v2(ck.handle, C.int(n), f32(p[0]), 1, f32(p[1]))).err("cublasSnrm2")
		case device.Float64:
			return cublasStatus(C.cublasDnrm2_v2(ck.handle, C.int(n), f64(p[0]), 1, f64(p[1]))).err("cublasDnrm2")
		}
		return fmt.Errorf("%w: cublas has no %s nrm2", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) scal(n int, a, x device.Memory) error {
	p, err := devPtrs(a, x)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSscal_v2(ck.handle, C.int(n), f32(p[0]), f32(p[1]), 1)).err("cublasSscal")
		case device.Float64:
			return cublasStatus(C.cublasDscal_v2(ck.handle, C.int(n), f64(p[0]), f64(p[1]), 1)).err("cublasDscal")
		}
		return fmt.Errorf("%w: cublas has no %s scal", ErrUnsupportedVariant, x.DType())
	})
}

func (ck *cublasKernels) swap(n int, x, y device.Memory) error {
	p, err := devPtrs(x, y)
	if err != nil {
		return err
	}
	return ck.run(func() error {
		switch x.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSswap_v2(ck.handle, C.int(n), f32(p[0]), 1, f32(p[1]), 1)).err("cublasSswap")
		case device.Float64:
			return cublasStatus(C.cublasDswap_v2(ck.handle, C.int(n), f64(p[0]), 1, f64(p[1]), 1)).err("cublasDswap")
		}
		return fmt.Errorf("%w: cublas has no %s swap", ErrUnsupportedVariant, x.DType())
	})
}

func cublasOp(t Transpose) C.cublasOperation_t {
	if t == Trans {
		return C.CUBLAS_OP_T
	}
	return C.CUBLAS_OP_N
}

// gemm computes the row-major product through the column-major identity
// C^T = op(B)^T * op(A)^T, so A and B swap places and keep their flags.
func (ck *cublasKernels) gemm(g GemmArgs) error {
	if g.M == 0 || g.N == 0 {
		return nil
	}
	p, err := devPtrs(g.Alpha, g.A, g.B, g.Beta, g.C)
	if err != nil {
		return err
	}
	lda, ldb, ldc := max(1, g.ACols), max(1, g.BCols), max(1, g.N)
	return ck.run(func() error {
		switch g.C.DType() {
		case device.Float32:
			return cublasStatus(C.cublasSgemm_v2(ck.handle, cublasOp(g.TransB), cublasOp(g.TransA),
				C.int(g.N), C.int(g.M), C.int(g.K),
				f32(p[0]), f32(p[2]), C.int(ldb), f32(p[1]), C.int(lda),
				f32(p[3]), f32(p[4]), C.int(ldc))).err("cublasSgemm")
		case device.Float64:
			return cublasStatus(C.cublasDgemm_v2(ck.handle, cublasOp(g.TransB), cublasOp(g.TransA),
				C.int(g.N), C.int(g.M), C.int(g.K),
				f64(p[0]), f64(p[2]), C.int(ldb), f64(p[1]), C.int(lda),
				f64(p[3]), f64(p[4]), C.int(ldc))).err("cublasDgemm")
		}
		return fmt.Errorf("%w: cublas has no %s gemm", ErrUnsupportedVariant, g.C.DType())
	})
}
