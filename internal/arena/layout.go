// Package arena implements the per-instance virtual memory layout described
// in spec.md §4.2: instance header, heap (accessible + inaccessible +
// guard), stack, globals, and signal stack, each page-aligned and separated
// by PROT_NONE guard pages.
package arena

import "golang.org/x/sys/unix"

// WasmPageSize is the WebAssembly linear memory page size (spec.md
// GLOSSARY). initial_size in a HeapSpec must be a multiple of this.
const WasmPageSize = 65536

// HostPageSize returns the OS page size used to align every region
// boundary. Cached at package init since it never changes for a process.
var HostPageSize = uint64(unix.Getpagesize())

// alignUp rounds n up to the next multiple of align (align must be a power
// of two).
func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// HeapSpec mirrors the module-declared lucet_heap_spec (spec.md §3, §6).
type HeapSpec struct {
	ReservedSize uint64
	GuardSize    uint64
	InitialSize  uint64
	MaxSize      uint64
	MaxValid     bool
}

// Limits bounds what any single Arena in a Region may be asked to satisfy
// (spec.md §3 Region, §4.7).
type Limits struct {
	HeapMemorySize       uint64
	HeapAddressSpaceSize uint64
	StackSize            uint64
	GlobalsSize          uint64
}

// DefaultLimits: 4 GiB of heap memory (a full 32-bit linear memory), 8 GiB
// of heap address space (room for that plus its guard), 8 MiB stack,
// 1 MiB globals.
func DefaultLimits() Limits {
	return Limits{
		HeapMemorySize:       4 << 30,
		HeapAddressSpaceSize: 8 << 30,
		StackSize:            8 << 20,
		GlobalsSize:          1 << 20,
	}
}

// RuntimeSpec is what allocate_runtime validates a HeapSpec plus global
// count against (spec.md §4.2).
type RuntimeSpec struct {
	Heap       HeapSpec
	NumGlobals uint32
}

// layout describes the byte offsets of each region within the Arena's
// single contiguous reservation, computed once from a Limits at Arena
// construction (spec.md §3 Arena, §4.2).
type layout struct {
	headerSize uint64 // one host page
	heapOffset uint64 // == headerSize, fixed layout invariant (spec.md §4.2, §9)
	heapTotal  uint64 // HeapAddressSpaceSize from Limits; bounds any module's reserved_size + guard_size
	guard1     uint64 // one page between heap-region and stack
	stackSize  uint64
	guard2     uint64 // one page between stack and globals
	globalsOff uint64
	globalsSz  uint64
	guard3     uint64 // one page between globals and signal stack
	sigStackOff uint64
	sigStackSz  uint64
	total       uint64
}

// signalStackSize is fixed: big enough for a handler frame, small enough to
// not matter in the address-space budget. Matches MINSIGSTKSZ headroom on
// common Linux/amd64/arm64 targets.
const signalStackSize = 64 * 1024

func newLayout(lim Limits) layout {
	page := HostPageSize
	l := layout{
		headerSize: page,
		heapTotal:  alignUp(lim.HeapAddressSpaceSize, page),
		guard1:     page,
		stackSize:  alignUp(lim.StackSize, page),
		guard2:     page,
		globalsSz:  alignUp(lim.GlobalsSize, page),
		guard3:     page,
		sigStackSz: alignUp(signalStackSize, page),
	}
	l.heapOffset = l.headerSize
	off := l.heapOffset + l.heapTotal
	off += l.guard1
	off += l.stackSize
	off += l.guard2
	l.globalsOff = off
	off += l.globalsSz
	off += l.guard3
	l.sigStackOff = off
	off += l.sigStackSz
	l.total = off
	return l
}

func (l layout) stackOffset() uint64 {
	return l.heapOffset + l.heapTotal + l.guard1
}
