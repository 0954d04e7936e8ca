package arena

import "unsafe"

// unsafeBase returns the address of the first byte of b. b must be
// non-empty and must not be moved by the GC — true for mmap-backed slices,
// which the Go runtime never relocates since they are not heap-allocated.
func unsafeBase(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
