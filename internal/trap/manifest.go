// Package trap maps a faulting instruction pointer to an api.Trap using a
// module's trap manifest (spec.md §4.3, §4.4, §6). Lookup must be safe to
// call from a signal handler: no allocation, no locking, no map access —
// everything here is built once at load time into flat, sorted slices.
package trap

import (
	"sort"

	"github.com/lucet-rt/lucet/api"
)

// Site is one (offset, trapcode) entry within a function's trap table,
// sorted by Offset within its owning Record.
type Site struct {
	Offset uint32
	Word   uint32 // packed api.Trap, see api.PackedTrap
}

// Record is one function's trap manifest entry: the function's address
// range in the loaded shared object, and its sorted Sites table.
type Record struct {
	FuncAddr uintptr
	FuncLen  uintptr
	Sites    []Site // sorted by Offset
}

// Manifest is the whole-module trap table, sorted by FuncAddr so that the
// record covering a given RIP can be found with a binary search.
type Manifest struct {
	records        []Record // sorted by FuncAddr
	probestackBase uintptr
	probestackLen  uintptr
}

// NewManifest builds a Manifest from the records decoded out of a module's
// lucet_trap_manifest symbol (internal/module owns the decoding). Records
// need not arrive sorted; NewManifest sorts a copy.
func NewManifest(records []Record, probestackBase, probestackLen uintptr) *Manifest {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].FuncAddr < sorted[j].FuncAddr })
	return &Manifest{records: sorted, probestackBase: probestackBase, probestackLen: probestackLen}
}

// Lookup finds the Trap for a faulting instruction pointer. ok is false if
// rip falls outside every record, or inside a record at an offset its Sites
// table does not list. Lookup does not consult the probestack range;
// ClassifyFault does that after a miss here.
//
// Signal-safety: this performs only slice indexing and integer comparisons,
// no allocation, no map access, no locking — safe to call from the
// SIGSEGV/SIGBUS/SIGILL/SIGFPE handler.
func (m *Manifest) Lookup(rip uintptr) (api.Trap, bool) {
	if m == nil {
		return api.Trap{}, false
	}
	// Binary search for the last record whose FuncAddr <= rip.
	i := sort.Search(len(m.records), func(i int) bool {
		return m.records[i].FuncAddr > rip
	})
	if i == 0 {
		return api.Trap{}, false
	}
	rec := &m.records[i-1]
	if rip < rec.FuncAddr || rip >= rec.FuncAddr+rec.FuncLen {
		return api.Trap{}, false
	}
	offset := uint32(rip - rec.FuncAddr)
	j := sort.Search(len(rec.Sites), func(j int) bool {
		return rec.Sites[j].Offset >= offset
	})
	if j >= len(rec.Sites) || rec.Sites[j].Offset != offset {
		return api.Trap{}, false
	}
	return api.PackedTrap(rec.Sites[j].Word), true
}

// InProbestack reports whether rip lies within the well-known probestack
// helper range declared at Manifest construction, per spec.md §4.4 step 4.
func (m *Manifest) InProbestack(rip uintptr) bool {
	if m == nil || m.probestackLen == 0 {
		return false
	}
	return rip >= m.probestackBase && rip < m.probestackBase+m.probestackLen
}

// ClassifyFault implements the full spec.md §4.4 steps 3–5 decision: manifest
// lookup, then probestack range check, then TrapUnknown fallback.
func (m *Manifest) ClassifyFault(rip uintptr) api.Trap {
	if t, ok := m.Lookup(rip); ok {
		return t
	}
	if m.InProbestack(rip) {
		return api.Trap{Code: api.TrapStackOverflow, Tag: api.ProbestackSentinelTag}
	}
	return api.Trap{Code: api.TrapUnknown}
}
