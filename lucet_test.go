package lucet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/lucetconfig"
	"github.com/lucet-rt/lucet/internal/trap"
)

func testModule() *Module {
	return &Module{
		Heap: arena.HeapSpec{
			ReservedSize: 64 * 1024,
			GuardSize:    64 * 1024,
			InitialSize:  64 * 1024,
		},
		TrapTable: trap.NewManifest(nil, 0, 0),
	}
}

func TestNewRegionAppliesOptions(t *testing.T) {
	cfg := lucetconfigForTest(2)
	r, err := NewRegion(WithRegionConfig(cfg), WithLogLevel("error"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.EqualValues(t, 2, r.Stats().Capacity)
}

func TestRegionInstanceLifecycle(t *testing.T) {
	r, err := NewRegion(WithRegionConfig(lucetconfigForTest(1)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	inst, err := r.NewInstance(testModule(), nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, r.Stats().Issued)

	require.NoError(t, r.ReleaseInstance(inst))
	require.EqualValues(t, 1, r.Stats().Free)
}

func lucetconfigForTest(capacity uint32) RegionConfig {
	cfg := lucetconfig.DefaultRegionConfig()
	cfg.InstanceCapacity = capacity
	return cfg
}
