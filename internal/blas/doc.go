// Package blas dispatches BLAS operations to whichever device a backend
// context is bound to.
//
// It is organized in three layers:
//
//   - Operation interfaces (DotOperation, GemmOperation, ...): compute one
//     routine on operands that are already resident on the device.
//   - Registry: one per backend context. It vends operation instances built
//     from the framework's kernel Table, constructing each at most once.
//   - Blas: the facade applications call. Every routine has a managed form
//     (Dot) that synchronizes all operands to the device first, and a plain
//     form (DotPlain) that assumes residency and computes directly.
//
// Call sequences that keep data on one device can use the plain forms
// repeatedly and pay for synchronization once, at the sequence boundary.
//
// Kernel tables are registered per framework: the native table (gonum, or the
// system BLAS through netlib when built with the cgo and netlib tags), cuBLAS
// with the linux and cuda tags, and an OpenCL table that provides no kernels.
//
// The package adds no locking around operands. Concurrent calls on one Blas are
// safe as long as they do not share operands.
package blas
