package region

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/lucetconfig"
	"github.com/lucet-rt/lucet/internal/lucetrt"
	"github.com/lucet-rt/lucet/internal/module"
	"github.com/lucet-rt/lucet/internal/trap"
)

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel + 1)
	return l
}

func smallRegionConfig(capacity uint32) lucetconfig.RegionConfig {
	cfg := lucetconfig.DefaultRegionConfig()
	cfg.InstanceCapacity = capacity
	return cfg
}

func testModule() *module.Module {
	return &module.Module{
		Heap: arena.HeapSpec{
			ReservedSize: 64 * 1024,
			GuardSize:    64 * 1024,
			InitialSize:  64 * 1024,
		},
		TrapTable: trap.NewManifest(nil, 0, 0),
	}
}

func TestNewInstanceAcquiresAndReleasesArena(t *testing.T) {
	r, err := New(smallRegionConfig(1), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	inst, err := r.NewInstance(testModule(), nil)
	require.NoError(t, err)

	stats := r.Stats()
	require.EqualValues(t, 1, stats.Issued)
	require.EqualValues(t, 0, stats.Free)

	require.NoError(t, r.ReleaseInstance(inst))

	stats = r.Stats()
	require.EqualValues(t, 1, stats.Issued)
	require.EqualValues(t, 1, stats.Free)
}

func TestNewInstanceExhaustsCapacity(t *testing.T) {
	r, err := New(smallRegionConfig(1), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	inst, err := r.NewInstance(testModule(), nil)
	require.NoError(t, err)

	_, err = r.NewInstance(testModule(), nil)
	require.ErrorIs(t, err, lucetrt.ErrRegionFull)

	require.NoError(t, r.ReleaseInstance(inst))

	_, err = r.NewInstance(testModule(), nil)
	require.NoError(t, err)
}

func TestReleasedArenaIsReusedNotReallocated(t *testing.T) {
	r, err := New(smallRegionConfig(2), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	inst1, err := r.NewInstance(testModule(), nil)
	require.NoError(t, err)
	a1 := inst1.Arena()
	require.NoError(t, r.ReleaseInstance(inst1))

	inst2, err := r.NewInstance(testModule(), nil)
	require.NoError(t, err)
	require.Same(t, a1, inst2.Arena())
	require.EqualValues(t, 1, r.Stats().Issued)
}
