package blas

import "github.com/23skdu/fletcher-blas/internal/device"

// openCLTable is registered so OpenCL contexts get a registry that reports
// every routine unsupported instead of having no registry at all.
var openCLTable = &Table{
	Name: "opencl",
	Ops:  map[Op][]device.DType{},
}

func init() {
	Register(device.OpenCL, openCLTable)
}
