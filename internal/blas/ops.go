package blas

import (
	"errors"
	"fmt"

	"github.com/23skdu/fletcher-blas/internal/device"
)

// base is shared by every operation implementation. The implementations are
// backend independent; all backend specifics live in the kernels.
type base struct {
	desc    Descriptor
	loc     device.Location
	table   *Table
	kernels *Kernels
}

func (b *base) Descriptor() Descriptor { return b.desc }

func (b *base) fail(kind error, format string, args ...any) error {
	return &ComputeError{Op: b.desc.Op, Kind: kind, Err: fmt.Errorf(format, args...)}
}

// precision checks that all operands are present, share one dtype and that
// the backend has a kernel for it.
func (b *base) precision(operands ...*device.SharedTensor) error {
	for i, t := range operands {
		if t == nil {
			return b.fail(ErrInvalidDimensions, "missing operand %q", b.desc.Roles[i].Name)
		}
		if err := t.Validate(); err != nil {
			return &ComputeError{Op: b.desc.Op, Kind: ErrInvalidDimensions, Err: fmt.Errorf("%s: %w", b.desc.Roles[i].Name, err)}
		}
	}
	dtype := operands[0].DType()
	for _, t := range operands[1:] {
		if t.DType() != dtype {
			return b.fail(ErrUnsupportedVariant, "mixed precision %s and %s", dtype, t.DType())
		}
	}
	if !b.table.SupportsDType(b.desc.Op, dtype) {
		return b.fail(ErrUnsupportedVariant, "%s has no %s kernel", b.table.Name, dtype)
	}
	return nil
}

func (b *base) scalar(role string, t *device.SharedTensor) error {
	if t.Len() != 1 {
		return b.fail(ErrInvalidDimensions, "%s must be a scalar, has %d elements", role, t.Len())
	}
	return nil
}

func (b *base) sameLength(x, y *device.SharedTensor) error {
	if x.Len() != y.Len() {
		return b.fail(ErrInvalidDimensions, "vector lengths %d and %d differ", x.Len(), y.Len())
	}
	return nil
}

// read returns the resident copies of the operands.
func (b *base) read(operands ...*device.SharedTensor) ([]device.Memory, error) {
	mems := make([]device.Memory, len(operands))
	for i, t := range operands {
		m, err := t.Memory(b.loc)
		if err != nil {
			return nil, &ComputeError{Op: b.desc.Op, Kind: ErrBackendExecution, Err: err}
		}
		mems[i] = m
	}
	return mems, nil
}

// write returns the device copy of t for writing. Read operands must be
// resolved first, since this invalidates every other copy of t.
func (b *base) write(t *device.SharedTensor) (device.Memory, error) {
	m, err := t.MutableMemory(b.loc)
	if err != nil {
		return nil, &ComputeError{Op: b.desc.Op, Kind: ErrBackendExecution, Err: err}
	}
	return m, nil
}

// exec classifies a kernel error.
func (b *base) exec(err error) error {
	if err == nil {
		return nil
	}
	var ce *ComputeError
	if errors.As(err, &ce) {
		return err
	}
	kind := ErrBackendExecution
	switch {
	case errors.Is(err, ErrInvalidDimensions):
		kind = ErrInvalidDimensions
	case errors.Is(err, ErrUnsupportedVariant):
		kind = ErrUnsupportedVariant
	}
	return &ComputeError{Op: b.desc.Op, Kind: kind, Err: err}
}

type asumOp struct{ base }

func (o *asumOp) Compute(x, result *device.SharedTensor) error {
	if err := o.precision(x, result); err != nil {
		return err
	}
	if err := o.scalar("result", result); err != nil {
		return err
	}
	in, err := o.read(x)
	if err != nil {
		return err
	}
	out, err := o.write(result)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Asum(x.Len(), in[0], out))
}

type axpyOp struct{ base }

func (o *axpyOp) Compute(a, x, y *device.SharedTensor) error {
	if err := o.precision(a, x, y); err != nil {
		return err
	}
	if err := o.scalar("a", a); err != nil {
		return err
	}
	if err := o.sameLength(x, y); err != nil {
		return err
	}
	in, err := o.read(a, x, y)
	if err != nil {
		return err
	}
	out, err := o.write(y)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Axpy(x.Len(), in[0], in[1], out))
}

type copyOp struct{ base }

func (o *copyOp) Compute(x, y *device.SharedTensor) error {
	if err := o.precision(x, y); err != nil {
		return err
	}
	if err := o.sameLength(x, y); err != nil {
		return err
	}
	in, err := o.read(x)
	if err != nil {
		return err
	}
	out, err := o.write(y)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Copy(x.Len(), in[0], out))
}

type dotOp struct{ base }

func (o *dotOp) Compute(x, y, result *device.SharedTensor) error {
	if err := o.precision(x, y, result); err != nil {
		return err
	}
	if err := o.sameLength(x, y); err != nil {
		return err
	}
	if err := o.scalar("result", result); err != nil {
		return err
	}
	in, err := o.read(x, y)
	if err != nil {
		return err
	}
	out, err := o.write(result)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Dot(x.Len(), in[0], in[1], out))
}

type nrm2Op struct{ base }

func (o *nrm2Op) Compute(x, result *device.SharedTensor) error {
	if err := o.precision(x, result); err != nil {
		return err
	}
	if err := o.scalar("result", result); err != nil {
		return err
	}
	in, err := o.read(x)
	if err != nil {
		return err
	}
	out, err := o.write(result)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Nrm2(x.Len(), in[0], out))
}

type scalOp struct{ base }

func (o *scalOp) Compute(a, x *device.SharedTensor) error {
	if err := o.precision(a, x); err != nil {
		return err
	}
	if err := o.scalar("a", a); err != nil {
		return err
	}
	in, err := o.read(a, x)
	if err != nil {
		return err
	}
	out, err := o.write(x)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Scal(x.Len(), in[0], out))
}

type swapOp struct{ base }

func (o *swapOp) Compute(x, y *device.SharedTensor) error {
	if err := o.precision(x, y); err != nil {
		return err
	}
	if err := o.sameLength(x, y); err != nil {
		return err
	}
	if _, err := o.read(x, y); err != nil {
		return err
	}
	xm, err := o.write(x)
	if err != nil {
		return err
	}
	ym, err := o.write(y)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Swap(x.Len(), xm, ym))
}

type gemmOp struct{ base }

func (o *gemmOp) Compute(alpha *device.SharedTensor, transA Transpose, a *device.SharedTensor, transB Transpose, b, beta, c *device.SharedTensor) error {
	if err := o.precision(alpha, a, b, beta, c); err != nil {
		return err
	}
	if err := o.scalar("alpha", alpha); err != nil {
		return err
	}
	if err := o.scalar("beta", beta); err != nil {
		return err
	}
	for _, m := range []struct {
		name string
		t    *device.SharedTensor
	}{{"a", a}, {"b", b}, {"c", c}} {
		if m.t.Rank() != 2 {
			return o.fail(ErrInvalidDimensions, "%s must be a matrix, has shape %v", m.name, m.t.Shape())
		}
	}

	ar, ac := a.Dims()
	br, bc := b.Dims()
	cr, cc := c.Dims()
	m, k := ar, ac
	if transA == Trans {
		m, k = ac, ar
	}
	kb, n := br, bc
	if transB == Trans {
		kb, n = bc, br
	}
	if k != kb {
		return o.fail(ErrInvalidDimensions, "op(a) is %dx%d but op(b) is %dx%d", m, k, kb, n)
	}
	if cr != m || cc != n {
		return o.fail(ErrInvalidDimensions, "c is %dx%d, want %dx%d", cr, cc, m, n)
	}
	// gemm scales c by beta before reading a and b.
	if c == a || c == b {
		return o.fail(ErrInvalidDimensions, "c must not alias a or b")
	}

	in, err := o.read(alpha, a, b, beta, c)
	if err != nil {
		return err
	}
	out, err := o.write(c)
	if err != nil {
		return err
	}
	return o.exec(o.kernels.Gemm(GemmArgs{
		TransA: transA, TransB: transB,
		M: m, N: n, K: k,
		Alpha: in[0], Beta: in[3],
		A: in[1], ARows: ar, ACols: ac,
		B: in[2], BRows: br, BCols: bc,
		C: out,
	}))
}

// newOperation builds the generic implementation of op on top of kernels.
func newOperation(op Op, loc device.Location, table *Table, k *Kernels) (Operation, error) {
	b := base{desc: Describe(op), loc: loc, table: table, kernels: k}
	var (
		impl    Operation
		missing bool
	)
	switch op {
	case Asum:
		impl, missing = &asumOp{b}, k.Asum == nil
	case Axpy:
		impl, missing = &axpyOp{b}, k.Axpy == nil
	case Copy:
		impl, missing = &copyOp{b}, k.Copy == nil
	case Dot:
		impl, missing = &dotOp{b}, k.Dot == nil
	case Nrm2:
		impl, missing = &nrm2Op{b}, k.Nrm2 == nil
	case Scal:
		impl, missing = &scalOp{b}, k.Scal == nil
	case Swap:
		impl, missing = &swapOp{b}, k.Swap == nil
	case Gemm:
		impl, missing = &gemmOp{b}, k.Gemm == nil
	default:
		return nil, fmt.Errorf("unknown operation %d", int(op))
	}
	if missing {
		return nil, fmt.Errorf("%s kernels have no %s entry point", table.Name, op)
	}
	return impl, nil
}
