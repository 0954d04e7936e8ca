//go:build arm64

package ctxswitch

import "unsafe"

// See abi_amd64.go: these drive go_asm.h generation for ctxswitch_arm64.s.
const (
	ctxRspOffset      = unsafe.Offsetof(ctxLayout{}.rsp)
	ctxRetGPOffset    = unsafe.Offsetof(ctxLayout{}.retGP)
	ctxRetFPOffset    = unsafe.Offsetof(ctxLayout{}.retFP)
	ctxParkedGPOffset = unsafe.Offsetof(ctxLayout{}.parkedGP)
	ctxParkedFPOffset = unsafe.Offsetof(ctxLayout{}.parkedFP)
)

type ctxLayout struct {
	rsp      uintptr
	retGP    [2]uint64
	retFP    uint64
	stack    []byte
	parkedGP []uint64
	parkedFP []uint64
}
