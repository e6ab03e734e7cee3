package blas

import (
	"fmt"

	gonum "gonum.org/v1/gonum/blas"
)

// Op identifies a BLAS routine.
type Op int

const (
	Asum Op = iota
	Axpy
	Copy
	Dot
	Nrm2
	Scal
	Swap
	Gemm
)

// Ops lists every routine in descriptor order.
var Ops = []Op{Asum, Axpy, Copy, Dot, Nrm2, Scal, Swap, Gemm}

func (op Op) String() string {
	if op < 0 || int(op) >= len(descriptors) {
		return fmt.Sprintf("op(%d)", int(op))
	}
	return descriptors[op].Name
}

// ParseOp returns the routine with the given name.
func ParseOp(name string) (Op, error) {
	for _, op := range Ops {
		if descriptors[op].Name == name {
			return op, nil
		}
	}
	return 0, fmt.Errorf("blas: unknown operation %q", name)
}

// Rank is the shape class an operand must have.
type Rank int

const (
	Scalar Rank = iota
	Vector
	Matrix
)

// Access is how a routine uses an operand.
type Access int

const (
	Read Access = iota
	Write
	ReadWrite
)

// Role is one operand slot of a routine.
type Role struct {
	Name   string
	Rank   Rank
	Access Access
}

// Descriptor is the identity and operand contract of a routine.
type Descriptor struct {
	Op    Op
	Name  string
	Roles []Role
}

// Arity returns the number of operands.
func (d Descriptor) Arity() int { return len(d.Roles) }

var descriptors = [...]Descriptor{
	Asum: {Op: Asum, Name: "asum", Roles: []Role{
		{"x", Vector, Read},
		{"result", Scalar, Write},
	}},
	Axpy: {Op: Axpy, Name: "axpy", Roles: []Role{
		{"a", Scalar, Read},
		{"x", Vector, Read},
		{"y", Vector, ReadWrite},
	}},
	Copy: {Op: Copy, Name: "copy", Roles: []Role{
		{"x", Vector, Read},
		{"y", Vector, Write},
	}},
	Dot: {Op: Dot, Name: "dot", Roles: []Role{
		{"x", Vector, Read},
		{"y", Vector, Read},
		{"result", Scalar, Write},
	}},
	Nrm2: {Op: Nrm2, Name: "nrm2", Roles: []Role{
		{"x", Vector, Read},
		{"result", Scalar, Write},
	}},
	Scal: {Op: Scal, Name: "scal", Roles: []Role{
		{"a", Scalar, Read},
		{"x", Vector, ReadWrite},
	}},
	Swap: {Op: Swap, Name: "swap", Roles: []Role{
		{"x", Vector, ReadWrite},
		{"y", Vector, ReadWrite},
	}},
	Gemm: {Op: Gemm, Name: "gemm", Roles: []Role{
		{"alpha", Scalar, Read},
		{"a", Matrix, Read},
		{"b", Matrix, Read},
		{"beta", Scalar, Read},
		{"c", Matrix, ReadWrite},
	}},
}

// Describe returns the descriptor of op.
func Describe(op Op) Descriptor {
	return descriptors[op]
}

// Transpose selects whether a gemm input is used as stored or transposed.
type Transpose int

const (
	NoTrans Transpose = iota
	Trans
)

func (t Transpose) String() string {
	if t == Trans {
		return "T"
	}
	return "N"
}

func (t Transpose) gonum() gonum.Transpose {
	if t == Trans {
		return gonum.Trans
	}
	return gonum.NoTrans
}
