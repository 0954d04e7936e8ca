// Package module loads a guest shared object produced by the out-of-scope
// AOT compiler, resolves the exported symbols documented in spec.md §6,
// and validates them (spec.md §4.3).
package module

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/dlopen"
	"github.com/lucet-rt/lucet/internal/trap"
)

// ErrImportGlobals is returned by Load when the module declares one or more
// import globals; spec.md §3 requires these be rejected at load.
var ErrImportGlobals = errors.New("module: import globals are not supported, load rejected")

// Module is immutable after Load (spec.md §3). Multiple Instances may share
// one Module concurrently; Module itself is never mutated post-construction
// except via its reference count.
type Module struct {
	handle *dlopen.Handle
	path   string

	Heap       arena.HeapSpec
	Globals    []GlobalDesc
	DataSegs   []DataSegment
	FuncTable  []FuncTableEntry
	TrapTable  *trap.Manifest
	startFunc  unsafe.Pointer // nil if the module has no start function

	exportsMu sync.Mutex
	exports   map[string]unsafe.Pointer

	refcount int64
}

// HasStart reports whether the module declares a start function, resolving
// the "is run_start a no-op" ambiguity flagged in spec.md §9's Open
// Question with an explicit predicate rather than reusing the
// SymbolNotFound error channel.
func (m *Module) HasStart() bool { return m.startFunc != nil }

// Load dlopens path and resolves/validates the symbols spec.md §6
// documents. No partial Module is ever returned: any validation failure
// closes the handle and returns an error (spec.md §7).
func Load(path string) (mod *Module, err error) {
	h, err := dlopen.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = h.Close()
		}
	}()

	m := &Module{handle: h, path: path, exports: map[string]unsafe.Pointer{}}

	heapPtr, err := h.MustSym("lucet_heap_spec")
	if err != nil {
		return nil, err
	}
	m.Heap = decodeHeapSpec(heapPtr)
	if m.Heap.InitialSize > m.Heap.ReservedSize {
		return nil, fmt.Errorf("module: %s: initial_size %d exceeds reserved_size %d", path, m.Heap.InitialSize, m.Heap.ReservedSize)
	}

	globalsPtr, err := h.MustSym("lucet_globals_spec")
	if err != nil {
		return nil, err
	}
	m.Globals = decodeGlobalsSpec(globalsPtr)
	for _, g := range m.Globals {
		if g.IsImport {
			return nil, ErrImportGlobals
		}
	}

	segPtr, errSeg := h.MustSym("wasm_data_segments")
	segLenPtr, errLen := h.MustSym("wasm_data_segments_len")
	if errSeg != nil || errLen != nil {
		return nil, fmt.Errorf("module: %s: wasm_data_segments/_len must both be present", path)
	}
	segLen := *(*uint64)(segLenPtr)
	m.DataSegs, err = decodeDataSegments(segPtr, segLen)
	if err != nil {
		return nil, err
	}
	for _, seg := range m.DataSegs {
		if uint64(seg.Offset)+uint64(seg.Length) > m.Heap.InitialSize {
			return nil, fmt.Errorf("module: %s: data segment [%d,%d) overruns initial heap size %d",
				path, seg.Offset, seg.Offset+seg.Length, m.Heap.InitialSize)
		}
	}

	tablePtr, tableOk := h.Sym("guest_table_0")
	tableLenPtr, tableLenOk := h.Sym("guest_table_0_len")
	if tableOk != tableLenOk {
		return nil, fmt.Errorf("module: %s: guest_table_0 and guest_table_0_len must both be present or both absent", path)
	}
	if tableOk {
		tableLen := *(*uint64)(tableLenPtr)
		m.FuncTable, err = decodeFuncTable(tablePtr, tableLen)
		if err != nil {
			return nil, err
		}
	}

	trapPtr, trapOk := h.Sym("lucet_trap_manifest")
	trapLenPtr, trapLenOk := h.Sym("lucet_trap_manifest_len")
	if trapOk != trapLenOk {
		return nil, fmt.Errorf("module: %s: lucet_trap_manifest and lucet_trap_manifest_len must both be present or both absent", path)
	}
	var probeBase, probeLen uintptr
	if probePtr, ok := h.Sym("lucet_probestack"); ok {
		probeBase = uintptr(probePtr)
		probeLen = probestackDefaultRange
	}
	if trapOk {
		trapLen := *(*uint64)(trapLenPtr)
		records, derr := decodeTrapManifest(trapPtr, trapLen)
		if derr != nil {
			return nil, derr
		}
		m.TrapTable = trap.NewManifest(records, probeBase, probeLen)
	} else {
		m.TrapTable = trap.NewManifest(nil, probeBase, probeLen)
	}

	if start, ok := h.Sym("guest_start"); ok {
		m.startFunc = start
	}

	return m, nil
}

// probestackDefaultRange bounds the compiler-emitted probestack helper.
// Real Lucet records the exact emitted size; without disassembling the
// object this port uses a fixed, generous bound instead — large enough to
// cover every probestack variant the compiler emits, small enough that it
// can't spuriously swallow an adjacent function's address range in
// practice for the module sizes this runtime targets.
const probestackDefaultRange = 256

// LookupExport resolves a guest_func_<name> symbol, per spec.md §4.3. Each
// name is resolved lazily and cached.
func (m *Module) LookupExport(name string) (unsafe.Pointer, bool) {
	m.exportsMu.Lock()
	defer m.exportsMu.Unlock()
	if ptr, ok := m.exports[name]; ok {
		return ptr, true
	}
	if m.handle == nil {
		return nil, false
	}
	ptr, ok := m.handle.Sym("guest_func_" + name)
	if !ok {
		return nil, false
	}
	m.exports[name] = ptr
	return ptr, true
}

// LookupFunctionByTableID resolves a function table entry, per spec.md
// §4.3. table is currently always 0 (only table 0 is decoded, per §6).
func (m *Module) LookupFunctionByTableID(table uint32, id uint32) (unsafe.Pointer, bool) {
	if table != 0 || int(id) >= len(m.FuncTable) {
		return nil, false
	}
	return m.FuncTable[id].CodePtr, true
}

// StartFunc returns the module's start function pointer, or nil if absent.
func (m *Module) StartFunc() unsafe.Pointer { return m.startFunc }

// AddressDetails gives diagnostics-only information about an instruction
// pointer, per spec.md §4.3. Resolution is not signal-safe and must only be
// called from post-unwind code (spec.md §4.4).
type AddressDetails struct {
	FileName    string
	SymbolName  string
	InModule    bool
	Resolvable  bool
}

// AddressDetails is best-effort and parses no symbol table: FileName is the
// module's path, InModule reports whether rip is a trap site listed in the
// module's trap manifest, SymbolName is left empty and Resolvable is always
// false. An embedder wanting file/line detail plugs one in externally (out
// of scope for the core, per spec.md §1).
func (m *Module) AddressDetails(rip uintptr) AddressDetails {
	_, inModule := m.TrapTable.Lookup(rip)
	return AddressDetails{FileName: m.path, InModule: inModule, Resolvable: false}
}

// Retain/Release implement the reference counting described in spec.md §3
// ("Module ... reference-counted; refcount held for instance lifetime").
func (m *Module) Retain() { atomic.AddInt64(&m.refcount, 1) }

// Release drops a reference; once it reaches zero the underlying shared
// object is dlclosed.
func (m *Module) Release() error {
	if atomic.AddInt64(&m.refcount, -1) > 0 {
		return nil
	}
	return m.handle.Close()
}
