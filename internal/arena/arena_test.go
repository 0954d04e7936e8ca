//go:build linux || darwin

package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func smallLimits() Limits {
	return Limits{
		HeapMemorySize:       16 * WasmPageSize,
		HeapAddressSpaceSize: 64 * WasmPageSize,
		StackSize:            64 * 1024,
		GlobalsSize:          4096,
	}
}

func TestAllocateAndAccessibleHeap(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	err = a.Allocate(RuntimeSpec{
		Heap: HeapSpec{
			ReservedSize: 32 * WasmPageSize,
			GuardSize:    4 * WasmPageSize,
			InitialSize:  2 * WasmPageSize,
		},
		NumGlobals: 4,
	})
	require.NoError(t, err)

	heap := a.AccessibleHeap()
	require.Len(t, heap, 2*WasmPageSize)
	for _, b := range heap {
		require.Zero(t, b)
	}

	start, end := a.HeapGuardRange()
	require.Equal(t, a.HeapBase()+uintptr(2*WasmPageSize), start)
	require.Equal(t, a.HeapBase()+uintptr(36*WasmPageSize), end)
}

func TestAllocateOverLimitsRejected(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	err = a.Allocate(RuntimeSpec{Heap: HeapSpec{
		ReservedSize: 1000 * WasmPageSize,
		InitialSize:  1 * WasmPageSize,
	}})
	require.ErrorIs(t, err, ErrSpecOverLimits)
}

func TestExpandHeap(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Allocate(RuntimeSpec{Heap: HeapSpec{
		ReservedSize: 32 * WasmPageSize,
		GuardSize:    4 * WasmPageSize,
		InitialSize:  1 * WasmPageSize,
		MaxValid:     true,
		MaxSize:      4 * WasmPageSize,
	}}))

	old, err := a.Expand(WasmPageSize)
	require.NoError(t, err)
	require.EqualValues(t, WasmPageSize, old)
	require.Len(t, a.AccessibleHeap(), 2*WasmPageSize)

	// Expanding past MaxSize fails and never mutates state.
	_, err = a.Expand(10 * WasmPageSize)
	require.ErrorIs(t, err, ErrGuardViolation)
	require.Len(t, a.AccessibleHeap(), 2*WasmPageSize)
}

func TestExpandRespectsGuard(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Allocate(RuntimeSpec{Heap: HeapSpec{
		ReservedSize: 4 * WasmPageSize,
		GuardSize:    2 * WasmPageSize,
		InitialSize:  1 * WasmPageSize,
	}}))

	// reserved(4)+guard(2) = 6 pages total; growing to consume the last
	// guard page must fail.
	_, err = a.Expand(5 * WasmPageSize)
	require.ErrorIs(t, err, ErrGuardViolation)
}

func TestResetZeroesAndShrinks(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	require.NoError(t, a.Allocate(RuntimeSpec{Heap: HeapSpec{
		ReservedSize: 8 * WasmPageSize,
		GuardSize:    1 * WasmPageSize,
		InitialSize:  1 * WasmPageSize,
	}}))

	heap := a.AccessibleHeap()
	heap[0] = 0xff
	_, err = a.Expand(2 * WasmPageSize)
	require.NoError(t, err)
	a.AccessibleHeap()[WasmPageSize] = 0xaa

	require.NoError(t, a.Reset())
	require.Len(t, a.AccessibleHeap(), WasmPageSize)
	for _, b := range a.AccessibleHeap() {
		require.Zero(t, b)
	}
}

func TestFreeRebindable(t *testing.T) {
	a, err := New(smallLimits())
	require.NoError(t, err)
	defer a.Release()

	spec := RuntimeSpec{Heap: HeapSpec{ReservedSize: 4 * WasmPageSize, GuardSize: WasmPageSize, InitialSize: WasmPageSize}}
	require.NoError(t, a.Allocate(spec))
	require.NoError(t, a.Free())
	require.NoError(t, a.Allocate(spec))
	require.Len(t, a.AccessibleHeap(), WasmPageSize)
}
