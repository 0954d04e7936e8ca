//go:build amd64

package ctxswitch

import "unsafe"

// Swap saves the currently-running context's callee-saved registers and
// stack pointer into from, then loads to's and resumes it. Implemented in
// ctxswitch_amd64.s; see spec.md §4.1.
//
//go:noescape
func Swap(from, to *Context)

// Set loads to without saving the caller's state. Used once a context is
// known never to be resumed (the guest has already returned through the
// backstop trampoline), per spec.md §4.1.
//
//go:noescape
func Set(to *Context)

// bootstrapTrampoline and backstopTrampoline are implemented in
// ctxswitch_amd64.s. They are never called directly from Go; Init places
// their addresses on the guest stack so the assembly `ret`-chains into
// them. The Go declarations exist purely so funcPC can take their address.
func bootstrapTrampoline()
func backstopTrampoline()

// funcPC returns the entry address of a Go function value with no
// arguments, the same trick wazero's cranelift engine entrypoints use to
// hand an assembly-implemented function's address to another piece of
// assembly; see internal/engine/cranelift/entrypoints.go in the upstream
// engine this package's structure is modeled on.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
