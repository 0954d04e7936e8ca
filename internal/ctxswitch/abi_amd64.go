//go:build amd64

package ctxswitch

import "unsafe"

// These named constants exist so the Go toolchain's assembly-header
// generator (go_asm.h, produced automatically for any package containing
// .s files) exposes Context's field offsets to ctxswitch_amd64.s as
// `const_<name>`. Keeping the offsets derived via unsafe.Offsetof rather
// than hand-copied integers means a field reorder in context.go cannot
// silently desync the assembly.
const (
	ctxRspOffset      = unsafe.Offsetof(ctxLayout{}.rsp)
	ctxRetGPOffset    = unsafe.Offsetof(ctxLayout{}.retGP)
	ctxRetFPOffset    = unsafe.Offsetof(ctxLayout{}.retFP)
	ctxParkedGPOffset = unsafe.Offsetof(ctxLayout{}.parkedGP)
	ctxParkedFPOffset = unsafe.Offsetof(ctxLayout{}.parkedFP)
)

// ctxLayout mirrors Context field-for-field so unsafe.Offsetof above can be
// computed without exporting Context's fields.
type ctxLayout struct {
	rsp      uintptr
	retGP    [2]uint64
	retFP    uint64
	stack    []byte
	parkedGP []uint64
	parkedFP []uint64
}
