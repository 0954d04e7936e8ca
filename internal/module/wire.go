package module

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/trap"
)

// This file decodes the wire formats a guest shared object exports, as
// documented in spec.md §6. Every symbol is a flat, fixed-layout C struct
// written by the AOT compiler; we read it directly out of process memory
// via unsafe.Slice over the dlopen-resolved pointer.

func bytesAt(ptr unsafe.Pointer, n int) []byte {
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

func readU32(b []byte, off int) uint32 { return binary.LittleEndian.Uint32(b[off:]) }
func readU64(b []byte, off int) uint64 { return binary.LittleEndian.Uint64(b[off:]) }
func readI64(b []byte, off int) int64  { return int64(readU64(b, off)) }

const (
	heapSpecSize   = 5 * 8 // reserved, guard, initial, max (all u64) + max_valid (u64, 0/1)
	globalSpecSize = 24    // flags u64, initial_value i64, name_ptr u64
	tableEntrySize = 16    // type_tag u64, code_ptr u64
	trapRecordSize = 32    // func_addr, func_len, table_addr, table_len (u64 each)
	trapSiteSize   = 8     // offset u32, trapcode u32
)

func decodeHeapSpec(ptr unsafe.Pointer) arena.HeapSpec {
	b := bytesAt(ptr, heapSpecSize)
	return arena.HeapSpec{
		ReservedSize: readU64(b, 0),
		GuardSize:    readU64(b, 8),
		InitialSize:  readU64(b, 16),
		MaxSize:      readU64(b, 24),
		MaxValid:     readU64(b, 32) != 0,
	}
}

// GlobalDesc mirrors a decoded lucet_globals_spec entry (spec.md §3, §6).
type GlobalDesc struct {
	IsImport     bool
	HasName      bool
	InitialValue int64
	Name         string
}

const (
	globalFlagImport   = 1 << 0
	globalFlagHasName  = 1 << 1
)

func decodeGlobalsSpec(ptr unsafe.Pointer) []GlobalDesc {
	countBytes := bytesAt(ptr, 8)
	count := readU64(countBytes, 0)
	out := make([]GlobalDesc, 0, count)
	recs := unsafe.Pointer(uintptr(ptr) + 8)
	for i := uint64(0); i < count; i++ {
		b := bytesAt(unsafe.Pointer(uintptr(recs)+uintptr(i)*globalSpecSize), globalSpecSize)
		flags := readU64(b, 0)
		g := GlobalDesc{
			IsImport:     flags&globalFlagImport != 0,
			HasName:      flags&globalFlagHasName != 0,
			InitialValue: readI64(b, 8),
		}
		if g.HasName {
			namePtr := uintptr(readU64(b, 16))
			if namePtr != 0 {
				g.Name = cStringAt(unsafe.Pointer(namePtr))
			}
		}
		out = append(out, g)
	}
	return out
}

func cStringAt(ptr unsafe.Pointer) string {
	n := 0
	for {
		c := *(*byte)(unsafe.Pointer(uintptr(ptr) + uintptr(n)))
		if c == 0 {
			break
		}
		n++
		if n > 1<<16 { // defensive cap against a malformed/missing NUL
			break
		}
	}
	return string(bytesAt(ptr, n))
}

// DataSegment mirrors a decoded wasm_data_segments record (spec.md §3, §6).
type DataSegment struct {
	MemoryIndex uint32
	Offset      uint32
	Length      uint32
	Bytes       []byte
}

func alignUp8(n uintptr) uintptr { return (n + 7) &^ 7 }

func decodeDataSegments(ptr unsafe.Pointer, totalLen uint64) ([]DataSegment, error) {
	var segs []DataSegment
	cursor := uintptr(0)
	for cursor < uintptr(totalLen) {
		hdr := bytesAt(unsafe.Pointer(uintptr(ptr)+cursor), 12)
		seg := DataSegment{
			MemoryIndex: readU32(hdr, 0),
			Offset:      readU32(hdr, 4),
			Length:      readU32(hdr, 8),
		}
		bodyOff := cursor + 12
		if bodyOff+uintptr(seg.Length) > uintptr(totalLen) {
			return nil, fmt.Errorf("module: data segment at offset %d overruns wasm_data_segments_len", cursor)
		}
		if seg.Length > 0 {
			seg.Bytes = append([]byte(nil), bytesAt(unsafe.Pointer(uintptr(ptr)+bodyOff), int(seg.Length))...)
		}
		segs = append(segs, seg)
		cursor = alignUp8(bodyOff + uintptr(seg.Length))
	}
	return segs, nil
}

// FuncTableEntry mirrors a decoded guest_table_0 entry (spec.md §6).
type FuncTableEntry struct {
	TypeTag uint64
	CodePtr unsafe.Pointer
}

func decodeFuncTable(ptr unsafe.Pointer, lenBytes uint64) ([]FuncTableEntry, error) {
	if lenBytes%tableEntrySize != 0 {
		return nil, fmt.Errorf("module: guest_table_0_len %d is not a multiple of %d", lenBytes, tableEntrySize)
	}
	n := int(lenBytes / tableEntrySize)
	out := make([]FuncTableEntry, n)
	for i := 0; i < n; i++ {
		b := bytesAt(unsafe.Pointer(uintptr(ptr)+uintptr(i)*tableEntrySize), tableEntrySize)
		out[i] = FuncTableEntry{
			TypeTag: readU64(b, 0),
			CodePtr: unsafe.Pointer(uintptr(readU64(b, 8))),
		}
	}
	return out, nil
}

func decodeTrapManifest(ptr unsafe.Pointer, lenBytes uint64) ([]trap.Record, error) {
	if lenBytes%trapRecordSize != 0 {
		return nil, fmt.Errorf("module: lucet_trap_manifest_len %d is not a multiple of %d", lenBytes, trapRecordSize)
	}
	n := int(lenBytes / trapRecordSize)
	out := make([]trap.Record, n)
	for i := 0; i < n; i++ {
		b := bytesAt(unsafe.Pointer(uintptr(ptr)+uintptr(i)*trapRecordSize), trapRecordSize)
		funcAddr := uintptr(readU64(b, 0))
		funcLen := uintptr(readU64(b, 8))
		tableAddr := unsafe.Pointer(uintptr(readU64(b, 16)))
		tableLen := readU64(b, 24) // number of (offset, trapcode) entries

		sites := make([]trap.Site, tableLen)
		for j := uint64(0); j < tableLen; j++ {
			sb := bytesAt(unsafe.Pointer(uintptr(tableAddr)+uintptr(j)*trapSiteSize), trapSiteSize)
			sites[j] = trap.Site{Offset: readU32(sb, 0), Word: readU32(sb, 4)}
		}
		out[i] = trap.Record{FuncAddr: funcAddr, FuncLen: funcLen, Sites: sites}
	}
	return out, nil
}
