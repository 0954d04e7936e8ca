package instance

import (
	"encoding/binary"
	"runtime/cgo"
	"unsafe"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/ctxswitch"
)

// RecoverInstance resolves the Instance that owns vmctx, walking back from
// the heap base to the Arena's header page and validating the magic
// sentinel New wrote there (spec.md §4.6). Any guest-controlled or
// otherwise untrusted value must never reach this function; it is only
// ever called with the vmctx a hostcall's own trampoline was invoked with.
func RecoverInstance(vmctx uintptr) (*Instance, bool) {
	headerAddr := vmctx - uintptr(arena.HostPageSize)
	hdr := unsafe.Slice((*byte)(unsafe.Pointer(headerAddr)), 16)
	if binary.LittleEndian.Uint64(hdr[0:8]) != instanceMagic {
		return nil, false
	}
	h := cgo.Handle(binary.LittleEndian.Uint64(hdr[8:16]))
	inst, ok := h.Value().(*Instance)
	return inst, ok
}

// VmCtx is the pointer a guest hostcall receives as its implicit first
// argument (spec.md §4.1/§4.6): the heap base address, from which the
// owning Instance and all the operations below are recovered.
type VmCtx uintptr

func (v VmCtx) instance() *Instance {
	inst, ok := RecoverInstance(uintptr(v))
	if !ok {
		panic("instance: vmctx does not resolve to a live Instance")
	}
	return inst
}

// Heap returns the currently-accessible linear memory.
func (v VmCtx) Heap() []byte { return v.instance().arena.AccessibleHeap() }

// HeapMut is Heap's mutable alias; the Arena's accessible heap is always
// RW, so the two are equivalent here (spec.md §4.6 distinguishes them for
// embedders that want to express read-only vs read-write intent at the
// call site).
func (v VmCtx) HeapMut() []byte { return v.Heap() }

// CheckHeap reports whether [ptr, ptr+length) lies entirely within the
// accessible heap, per spec.md §4.6 check_heap.
func (v VmCtx) CheckHeap(ptr, length uint32) bool {
	heap := v.Heap()
	end := uint64(ptr) + uint64(length)
	return end <= uint64(len(heap)) && end >= uint64(ptr)
}

// CurrentMemory reports the accessible heap size in WebAssembly pages.
func (v VmCtx) CurrentMemory() uint32 {
	return uint32(uint64(len(v.Heap())) / arena.WasmPageSize)
}

// GrowMemory grows the heap by deltaPages, returning the previous size in
// pages and whether the grow succeeded (spec.md §4.6 grow_memory: a
// rejected grow returns ok=false rather than trapping).
func (v VmCtx) GrowMemory(deltaPages uint32) (prevPages uint32, ok bool) {
	inst := v.instance()
	old, err := inst.arena.Expand(uint64(deltaPages) * arena.WasmPageSize)
	if err != nil {
		return 0, false
	}
	return uint32(old / arena.WasmPageSize), true
}

// GetFuncFromIdx resolves an indirect-call target through the module's
// function table, per spec.md §4.6.
func (v VmCtx) GetFuncFromIdx(table, idx uint32) (unsafe.Pointer, bool) {
	return v.instance().mod.LookupFunctionByTableID(table, idx)
}

// GetEmbedderCtx returns the opaque pointer the embedder supplied when
// constructing this Instance (spec.md §4.6).
func (v VmCtx) GetEmbedderCtx() unsafe.Pointer { return v.instance().embedderCtx }

// Terminate unwinds the guest immediately back into the host, the way
// spec.md §4.5 describes a guest-initiated terminate: it never returns to
// its caller. Only sound to call from within a running guest call on this
// VmCtx's Instance (i.e. from a hostcall), since it reuses the same
// ctxswitch.Set primitive the backstop trampoline uses for a normal
// return. Terminating an Instance from another thread while it runs is not
// supported; see DESIGN.md's Open Question note on async termination.
func (v VmCtx) Terminate(info string) {
	inst := v.instance()
	inst.mu.Lock()
	inst.termMsg = info
	inst.state = StateTerminated
	hostCtx := &inst.hostCtx
	inst.mu.Unlock()
	ctxswitch.Set(hostCtx)
	panic("instance: unreachable after ctxswitch.Set")
}
