// Package dlopen wraps libdl to load a guest shared object and resolve its
// exported symbols by name (spec.md §4.3, §6). This is the one place the
// module loader needs cgo: Go has no standard way to dlopen an arbitrary
// shared object and take the address of an arbitrary exported symbol as a
// function pointer usable from architecture-specific call sequences.
package dlopen

/*
#cgo linux LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"
)

// Handle is an open shared object, as returned by dlopen(3).
type Handle struct {
	handle unsafe.Pointer
	path   string
}

// Open dlopens path with RTLD_NOW|RTLD_LOCAL: every symbol is resolved
// immediately (so a malformed guest .so fails at load, not on first call,
// matching spec.md §7's "no partial Instance is ever observable"), and
// symbols are not exposed to subsequently loaded objects.
func Open(path string) (*Handle, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	C.dlerror() // clear any pending error
	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_LOCAL)
	if h == nil {
		return nil, fmt.Errorf("dlopen: %s: %s", path, dlerror())
	}
	return &Handle{handle: h, path: path}, nil
}

// Sym resolves name to its address, or returns ok=false if the symbol is
// absent. The returned pointer is valid for the lifetime of the Handle.
func (h *Handle) Sym(name string) (ptr unsafe.Pointer, ok bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	sym := C.dlsym(h.handle, cname)
	if sym == nil {
		return nil, false
	}
	return sym, true
}

// MustSym resolves a required symbol, returning an error in the style of
// spec.md §7's DlError when it's absent.
func (h *Handle) MustSym(name string) (unsafe.Pointer, error) {
	ptr, ok := h.Sym(name)
	if !ok {
		return nil, fmt.Errorf("dlopen: %s: missing required symbol %q", h.path, name)
	}
	return ptr, nil
}

// Close dlcloses the handle. The Module that owns this Handle must not be
// referenced by any live Instance when Close is called.
func (h *Handle) Close() error {
	if h == nil || h.handle == nil {
		return nil
	}
	if C.dlclose(h.handle) != 0 {
		return fmt.Errorf("dlclose: %s: %s", h.path, dlerror())
	}
	h.handle = nil
	return nil
}

func dlerror() string {
	msg := C.dlerror()
	if msg == nil {
		return "unknown error"
	}
	return C.GoString(msg)
}
