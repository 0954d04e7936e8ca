//go:build arm64

package ctxswitch

import "unsafe"

//go:noescape
func Swap(from, to *Context)

//go:noescape
func Set(to *Context)

func bootstrapTrampoline()
func backstopTrampoline()

func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}
