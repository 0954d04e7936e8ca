//go:build linux || darwin

package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Arena owns one contiguous virtual-address reservation laid out per
// spec.md §3/§4.2. It is created once per Region slot (Region.acquireArena),
// bound to a live Instance on Allocate, scrubbed back to PROT_NONE on
// Free, and never returned to the OS until the Region tears down
// (Arena.Release).
type Arena struct {
	limits Limits
	layout layout
	mem    []byte // the whole PROT_NONE reservation

	// accessibleHeap is the current size, in bytes, of the RW prefix of the
	// heap region. Grows via Expand, shrinks back to InitialSize on Reset.
	accessibleHeap uint64
	heapSpec       HeapSpec
	numGlobals     uint32
	bound          bool // true between Allocate and Free
}

// New reserves (PROT_NONE) the full address range for one Arena sized to
// lim, but makes nothing accessible yet. Call Allocate before use.
func New(lim Limits) (*Arena, error) {
	l := newLayout(lim)
	mem, err := unix.Mmap(-1, 0, int(l.total), unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("arena: reserve %d bytes: %w", l.total, err)
	}
	return &Arena{limits: lim, layout: l, mem: mem}, nil
}

// HeaderPage returns the arena's instance-header page: one host page, RW
// once Allocate has run (PROT_NONE before that and after Free), used by
// Instance to store its header (spec.md §4.2 "instance header").
func (a *Arena) HeaderPage() []byte {
	return a.mem[:a.layout.headerSize]
}

// HeapBase is the address at which the guest heap begins. VmCtx ==
// HeapBase by the layout invariant in spec.md §3/§9.
func (a *Arena) HeapBase() uintptr {
	return uintptr(unsafeBase(a.mem)) + uintptr(a.layout.heapOffset)
}

// AccessibleHeap returns the currently-RW prefix of the heap region.
func (a *Arena) AccessibleHeap() []byte {
	return a.mem[a.layout.heapOffset : a.layout.heapOffset+a.accessibleHeap]
}

// Stack returns the full stack region (RW, grows downward per the guest's
// own calling convention — the Arena just provides the bytes).
func (a *Arena) Stack() []byte {
	off := a.layout.stackOffset()
	return a.mem[off : off+a.layout.stackSize]
}

// Globals returns the globals region.
func (a *Arena) Globals() []byte {
	return a.mem[a.layout.globalsOff : a.layout.globalsOff+a.layout.globalsSz]
}

// SignalStack returns the alternate signal stack region backing this
// Arena's instance while it runs (spec.md §4.4).
func (a *Arena) SignalStack() []byte {
	return a.mem[a.layout.sigStackOff : a.layout.sigStackOff+a.layout.sigStackSz]
}

// HeapGuardRange reports [start,end) of the inaccessible heap+guard region
// (reserved+guard minus whatever is currently accessible), in absolute
// address terms. SignalHandling uses this to decide fatal-ness of a fault
// address per spec.md §4.4 step "upgrade fatal".
func (a *Arena) HeapGuardRange() (start, end uintptr) {
	base := uintptr(unsafeBase(a.mem))
	start = base + uintptr(a.layout.heapOffset) + uintptr(a.accessibleHeap)
	end = base + uintptr(a.layout.heapOffset) + uintptr(a.heapSpec.ReservedSize+a.heapSpec.GuardSize)
	return
}

// Allocate validates spec against the Arena's Limits and mprotects the
// accessible prefixes RW (spec.md §4.2 allocate_runtime).
func (a *Arena) Allocate(spec RuntimeSpec) error {
	if a.bound {
		return fmt.Errorf("arena: already allocated")
	}
	h := spec.Heap
	if h.ReservedSize > 1<<32 || h.GuardSize > 1<<32 {
		return ErrSpecOverLimits
	}
	if h.ReservedSize+h.GuardSize > a.limits.HeapAddressSpaceSize {
		return ErrSpecOverLimits
	}
	if h.InitialSize > a.limits.HeapMemorySize {
		return ErrSpecOverLimits
	}
	if uint64(spec.NumGlobals)*8 > a.limits.GlobalsSize {
		return ErrSpecOverLimits
	}

	if err := unix.Mprotect(a.mem[:a.layout.headerSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("arena: mprotect header: %w", err)
	}
	if h.InitialSize > 0 {
		if err := unix.Mprotect(a.mem[a.layout.heapOffset:a.layout.heapOffset+h.InitialSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("arena: mprotect heap: %w", err)
		}
	}
	stackOff := a.layout.stackOffset()
	if err := unix.Mprotect(a.mem[stackOff:stackOff+a.layout.stackSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("arena: mprotect stack: %w", err)
	}
	if err := unix.Mprotect(a.mem[a.layout.globalsOff:a.layout.globalsOff+a.layout.globalsSz], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("arena: mprotect globals: %w", err)
	}
	if err := unix.Mprotect(a.mem[a.layout.sigStackOff:a.layout.sigStackOff+a.layout.sigStackSz], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("arena: mprotect signal stack: %w", err)
	}

	a.heapSpec = h
	a.numGlobals = spec.NumGlobals
	a.accessibleHeap = h.InitialSize
	a.bound = true
	return nil
}

// Expand grows the accessible heap prefix by at least bytes, rounded up to
// a host page, per spec.md §4.2 expand_heap. It returns the byte offset at
// which the newly-accessible region begins (the old accessible size).
func (a *Arena) Expand(bytes uint64) (uint64, error) {
	if !a.bound {
		return 0, fmt.Errorf("arena: not allocated")
	}
	grown := alignUp(bytes, HostPageSize)
	newSize := a.accessibleHeap + grown
	heapTotal := a.heapSpec.ReservedSize + a.heapSpec.GuardSize
	if newSize > heapTotal {
		return 0, ErrGuardViolation
	}
	remainingGuard := heapTotal - newSize
	if remainingGuard < a.heapSpec.GuardSize {
		return 0, ErrGuardViolation
	}
	if a.heapSpec.MaxValid && newSize > a.heapSpec.MaxSize {
		return 0, ErrGuardViolation
	}
	if newSize > a.limits.HeapMemorySize {
		return 0, ErrGuardViolation
	}

	old := a.accessibleHeap
	if err := unix.Mprotect(a.mem[a.layout.heapOffset+old:a.layout.heapOffset+newSize], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return 0, fmt.Errorf("arena: mprotect expand: %w", err)
	}
	a.accessibleHeap = newSize
	return old, nil
}

// Reset zeros the currently-accessible heap, shrinks any growth back to
// InitialSize (PROT_NONE + MADV_DONTNEED on the excess), and leaves stack
// and globals regions RW but untouched — callers (internal/instance)
// re-apply globals and data-segment initialisation afterward, per
// spec.md §4.2 reset_runtime / §4.5 Instance.reset.
func (a *Arena) Reset() error {
	if !a.bound {
		return fmt.Errorf("arena: not allocated")
	}
	for i := range a.AccessibleHeap() {
		a.mem[a.layout.heapOffset+uint64(i)] = 0
	}
	if a.accessibleHeap > a.heapSpec.InitialSize {
		shrinkFrom := a.layout.heapOffset + a.heapSpec.InitialSize
		shrinkTo := a.layout.heapOffset + a.accessibleHeap
		region := a.mem[shrinkFrom:shrinkTo]
		if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
			return fmt.Errorf("arena: mprotect shrink: %w", err)
		}
		if err := unix.Madvise(region, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("arena: madvise shrink: %w", err)
		}
		a.accessibleHeap = a.heapSpec.InitialSize
	}
	return nil
}

// Free returns the Arena to PROT_NONE across every region it made
// accessible (spec.md §4.2 free_runtime), releasing it for reuse by the
// owning Region but keeping the virtual reservation mapped.
func (a *Arena) Free() error {
	if !a.bound {
		return nil
	}
	regions := [][]byte{
		a.mem[:a.layout.headerSize],
		a.mem[a.layout.heapOffset : a.layout.heapOffset+a.layout.heapTotal],
		func() []byte { off := a.layout.stackOffset(); return a.mem[off : off+a.layout.stackSize] }(),
		a.Globals(),
		a.SignalStack(),
	}
	for _, r := range regions {
		if len(r) == 0 {
			continue
		}
		if err := unix.Mprotect(r, unix.PROT_NONE); err != nil {
			return fmt.Errorf("arena: mprotect free: %w", err)
		}
		if err := unix.Madvise(r, unix.MADV_DONTNEED); err != nil {
			return fmt.Errorf("arena: madvise free: %w", err)
		}
	}
	a.accessibleHeap = 0
	a.bound = false
	return nil
}

// Release unmaps the Arena's entire reservation. Only called at Region
// teardown (spec.md §3 Arena lifecycle).
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// TotalReservedBytes is the full virtual-address footprint of this Arena,
// used by Region for address-space accounting (SPEC_FULL.md §4).
func (a *Arena) TotalReservedBytes() uint64 {
	return a.layout.total
}
