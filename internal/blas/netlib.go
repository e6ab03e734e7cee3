//go:build cgo && netlib

package blas

// Routes the gonum kernels of the native table through the system BLAS
// (Accelerate on macOS, OpenBLAS on Linux).

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	blas64.Use(netlib.Implementation{})
	nativeTable.Name = "netlib"
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
