package trap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucet-rt/lucet/api"
)

func TestManifestLookup(t *testing.T) {
	m := NewManifest([]Record{
		{
			FuncAddr: 0x2000, FuncLen: 0x100,
			Sites: []Site{
				{Offset: 0x10, Word: api.Trap{Code: api.TrapIntegerDivByZero}.Pack()},
				{Offset: 0x40, Word: api.Trap{Code: api.TrapHeapOutOfBounds}.Pack()},
			},
		},
		{
			FuncAddr: 0x1000, FuncLen: 0x50,
			Sites: []Site{
				{Offset: 0x4, Word: api.Trap{Code: api.TrapBadSignature}.Pack()},
			},
		},
	}, 0x5000, 0x40)

	tr, ok := m.Lookup(0x1004)
	require.True(t, ok)
	require.Equal(t, api.TrapBadSignature, tr.Code)

	tr, ok = m.Lookup(0x2040)
	require.True(t, ok)
	require.Equal(t, api.TrapHeapOutOfBounds, tr.Code)

	// Within a record's range but not a listed offset.
	_, ok = m.Lookup(0x2041)
	require.False(t, ok)

	// Outside every record.
	_, ok = m.Lookup(0x9999)
	require.False(t, ok)

	require.True(t, m.InProbestack(0x5010))
	require.False(t, m.InProbestack(0x6000))
}

func TestManifestClassifyFault(t *testing.T) {
	m := NewManifest([]Record{
		{FuncAddr: 0x1000, FuncLen: 0x10, Sites: []Site{{Offset: 0, Word: api.Trap{Code: api.TrapIntegerOverflow}.Pack()}}},
	}, 0x3000, 0x100)

	require.Equal(t, api.TrapIntegerOverflow, m.ClassifyFault(0x1000).Code)

	probestack := m.ClassifyFault(0x3050)
	require.Equal(t, api.TrapStackOverflow, probestack.Code)
	require.Equal(t, api.ProbestackSentinelTag, probestack.Tag)

	require.Equal(t, api.TrapUnknown, m.ClassifyFault(0x8000).Code)
}

func TestNilManifest(t *testing.T) {
	var m *Manifest
	require.Equal(t, api.TrapUnknown, m.ClassifyFault(0x1000).Code)
}
