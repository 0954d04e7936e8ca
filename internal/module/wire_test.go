package module

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func le64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func ptrOf(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }

func TestDecodeHeapSpec(t *testing.T) {
	var buf []byte
	buf = append(buf, le64(64*1024*8)...) // reserved
	buf = append(buf, le64(64*1024*2)...) // guard
	buf = append(buf, le64(64*1024*1)...) // initial
	buf = append(buf, le64(64*1024*4)...) // max
	buf = append(buf, le64(1)...)         // max_valid

	hs := decodeHeapSpec(ptrOf(buf))
	require.EqualValues(t, 64*1024*8, hs.ReservedSize)
	require.EqualValues(t, 64*1024*2, hs.GuardSize)
	require.EqualValues(t, 64*1024*1, hs.InitialSize)
	require.True(t, hs.MaxValid)
	require.EqualValues(t, 64*1024*4, hs.MaxSize)
}

func TestDecodeGlobalsSpec(t *testing.T) {
	var buf []byte
	buf = append(buf, le64(2)...) // count

	// global 0: plain, initial value 42
	buf = append(buf, le64(0)...)
	buf = append(buf, le64(uint64(42))...)
	buf = append(buf, le64(0)...)

	// global 1: has name
	name := append([]byte("counter"), 0)
	namePlaceholderIdx := len(buf)
	buf = append(buf, le64(globalFlagHasName)...)
	buf = append(buf, le64(uint64(7))...)
	buf = append(buf, le64(0)...) // patched below once we know name's address

	full := append(buf, name...)
	nameAddr := uint64(uintptr(ptrOf(full)) + uintptr(len(buf)))
	binary.LittleEndian.PutUint64(full[namePlaceholderIdx+16:], nameAddr)

	globals := decodeGlobalsSpec(ptrOf(full))
	require.Len(t, globals, 2)
	require.False(t, globals[0].IsImport)
	require.EqualValues(t, 42, globals[0].InitialValue)
	require.True(t, globals[1].HasName)
	require.Equal(t, "counter", globals[1].Name)
	require.EqualValues(t, 7, globals[1].InitialValue)
}

func TestDecodeGlobalsSpecFlagsImport(t *testing.T) {
	var buf []byte
	buf = append(buf, le64(1)...)
	buf = append(buf, le64(globalFlagImport)...)
	buf = append(buf, le64(0)...)
	buf = append(buf, le64(0)...)

	globals := decodeGlobalsSpec(ptrOf(buf))
	require.True(t, globals[0].IsImport)
}

func TestDecodeDataSegments(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(0)...)  // memory_index
	buf = append(buf, le32(16)...) // offset
	buf = append(buf, le32(3)...)  // length
	buf = append(buf, []byte{1, 2, 3}...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	buf = append(buf, le32(0)...)
	buf = append(buf, le32(100)...)
	buf = append(buf, le32(2)...)
	buf = append(buf, []byte{9, 8}...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	segs, err := decodeDataSegments(ptrOf(buf), uint64(len(buf)))
	require.NoError(t, err)
	require.Len(t, segs, 2)
	require.EqualValues(t, 16, segs[0].Offset)
	require.Equal(t, []byte{1, 2, 3}, segs[0].Bytes)
	require.EqualValues(t, 100, segs[1].Offset)
	require.Equal(t, []byte{9, 8}, segs[1].Bytes)
}

func TestDecodeDataSegmentsOverrun(t *testing.T) {
	var buf []byte
	buf = append(buf, le32(0)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, le32(100)...) // claims 100 bytes body but buffer is tiny
	buf = append(buf, make([]byte, 4)...)

	_, err := decodeDataSegments(ptrOf(buf), uint64(len(buf)))
	require.Error(t, err)
}

func TestDecodeFuncTable(t *testing.T) {
	var buf []byte
	buf = append(buf, le64(1)...)
	buf = append(buf, le64(0xdeadbeef)...)
	buf = append(buf, le64(2)...)
	buf = append(buf, le64(0xc0ffee)...)

	entries, err := decodeFuncTable(ptrOf(buf), uint64(len(buf)))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.EqualValues(t, 1, entries[0].TypeTag)
	require.Equal(t, uintptr(0xdeadbeef), uintptr(entries[0].CodePtr))
}

func TestDecodeFuncTableBadAlignment(t *testing.T) {
	buf := make([]byte, 17)
	_, err := decodeFuncTable(ptrOf(buf), 17)
	require.Error(t, err)
}

func TestDecodeTrapManifest(t *testing.T) {
	var table []byte
	table = append(table, le32(0)...)
	table = append(table, le32(7)...)
	table = append(table, le32(8)...)
	table = append(table, le32(9)...)
	tableAddr := uint64(uintptr(ptrOf(table)))

	var rec []byte
	rec = append(rec, le64(0x1000)...) // func_addr
	rec = append(rec, le64(0x40)...)   // func_len
	rec = append(rec, le64(tableAddr)...)
	rec = append(rec, le64(2)...) // table_len (entries)

	records, err := decodeTrapManifest(ptrOf(rec), uint64(len(rec)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.EqualValues(t, 0x1000, records[0].FuncAddr)
	require.Len(t, records[0].Sites, 2)
	require.EqualValues(t, 0, records[0].Sites[0].Offset)
	require.EqualValues(t, 8, records[0].Sites[1].Offset)
}
