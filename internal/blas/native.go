package blas

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// nativeTable runs every routine on the host with gonum. Its kernels accept
// any memory with a host view, so it also serves the mock device in tests.
var nativeTable = &Table{
	Name: "gonum",
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
	Bind: func(dev device.Device, op Op) (*Kernels, error) {
		return nativeKernels(), nil
	},
}

func init() {
	Register(device.Native, nativeTable)
}

// NativeTable returns the gonum kernel table registered for the native framework.
func NativeTable() *Table { return nativeTable }

func nativeKernels() *Kernels {
	return &Kernels{
		Asum: nativeAsum,
		Axpy: nativeAxpy,
		Copy: nativeCopy,
		Dot:  nativeDot,
		Nrm2: nativeNrm2,
		Scal: nativeScal,
		Swap: nativeSwap,
		Gemm: nativeGemm,
	}
}

// hosts resolves the host views of ms.
func hosts(ms ...device.Memory) ([]*device.HostMemory, error) {
	hs := make([]*device.HostMemory, len(ms))
	for i, m := range ms {
		h, ok := device.AsHost(m)
		if !ok {
			return nil, fmt.Errorf("%w: %s memory is not host addressable", device.ErrForeignMemory, m.Location())
		}
		hs[i] = h
	}
	return hs, nil
}

// guard turns a gonum panic into an error. exec assigns its kind.
func guard(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("gonum: %v", r)
	}
}

func vec32(h *device.HostMemory, n int) blas32.Vector {
	return blas32.Vector{N: n, Inc: 1, Data: h.Float32s()}
}

func vec64(h *device.HostMemory, n int) blas64.Vector {
	return blas64.Vector{N: n, Inc: 1, Data: h.Float64s()}
}

func unsupported(dtype device.DType) error {
	return fmt.Errorf("%w: gonum has no %s kernel", ErrUnsupportedVariant, dtype)
}

func nativeAsum(n int, x, result device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(x, result)
	if err != nil {
		return err
	}
	switch x.DType() {
	case device.Float32:
		hs[1].Float32s()[0] = blas32.Asum(vec32(hs[0], n))
	case device.Float64:
		hs[1].Float64s()[0] = blas64.Asum(vec64(hs[0], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeAxpy(n int, a, x, y device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(a, x, y)
	if err != nil {
		return err
	}
	alpha := hs[0].At(0)
	switch x.DType() {
	case device.Float32:
		blas32.Axpy(float32(alpha), vec32(hs[1], n), vec32(hs[2], n))
	case device.Float64:
		blas64.Axpy(alpha, vec64(hs[1], n), vec64(hs[2], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeCopy(n int, x, y device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(x, y)
	if err != nil {
		return err
	}
	switch x.DType() {
	case device.Float32:
		blas32.Copy(vec32(hs[0], n), vec32(hs[1], n))
	case device.Float64:
		blas64.Copy(vec64(hs[0], n), vec64(hs[1], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeDot(n int, x, y, result device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(x, y, result)
	if err != nil {
		return err
	}
	switch x.DType() {
	case device.Float32:
		hs[2].Float32s()[0] = blas32.Dot(vec32(hs[0], n), vec32(hs[1], n))
	case device.Float64:
		hs[2].Float64s()[0] = blas64.Dot(vec64(hs[0], n), vec64(hs[1], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeNrm2(n int, x, result device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(x, result)
	if err != nil {
		return err
	}
	switch x.DType() {
	case device.Float32:
		hs[1].Float32s()[0] = blas32.Nrm2(vec32(hs[0], n))
	case device.Float64:
		hs[1].Float64s()[0] = blas64.Nrm2(vec64(hs[0], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeScal(n int, a, x device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(a, x)
	if err != nil {
		return err
	}
	alpha := hs[0].At(0)
	switch x.DType() {
	case device.Float32:
		blas32.Scal(float32(alpha), vec32(hs[1], n))
	case device.Float64:
		blas64.Scal(alpha, vec64(hs[1], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeSwap(n int, x, y device.Memory) (err error) {
	defer guard(&err)
	hs, err := hosts(x, y)
	if err != nil {
		return err
	}
	switch x.DType() {
	case device.Float32:
		blas32.Swap(vec32(hs[0], n), vec32(hs[1], n))
	case device.Float64:
		blas64.Swap(vec64(hs[0], n), vec64(hs[1], n))
	default:
		return unsupported(x.DType())
	}
	return nil
}

func nativeGemm(g GemmArgs) (err error) {
	defer guard(&err)
	hs, err := hosts(g.Alpha, g.A, g.B, g.Beta, g.C)
	if err != nil {
		return err
	}
	alpha, beta := hs[0].At(0), hs[3].At(0)
	tA, tB := g.TransA.gonum(), g.TransB.gonum()
	switch g.C.DType() {
	case device.Float32:
		a := blas32.General{Rows: g.ARows, Cols: g.ACols, Stride: max(1, g.ACols), Data: hs[1].Float32s()}
		b := blas32.General{Rows: g.BRows, Cols: g.BCols, Stride: max(1, g.BCols), Data: hs[2].Float32s()}
		c := blas32.General{Rows: g.M, Cols: g.N, Stride: max(1, g.N), Data: hs[4].Float32s()}
		blas32.Gemm(tA, tB, float32(alpha), a, b, float32(beta), c)
	case device.Float64:
		a := blas64.General{Rows: g.ARows, Cols: g.ACols, Stride: max(1, g.ACols), Data: hs[1].Float64s()}
		b := blas64.General{Rows: g.BRows, Cols: g.BCols, Stride: max(1, g.BCols), Data: hs[2].Float64s()}
		c := blas64.General{Rows: g.M, Cols: g.N, Stride: max(1, g.N), Data: hs[4].Float64s()}
		blas64.Gemm(tA, tB, alpha, a, b, beta, c)
	default:
		return unsupported(g.C.DType())
	}
	return nil
}
