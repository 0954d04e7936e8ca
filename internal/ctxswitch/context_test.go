package ctxswitch

import (
	"testing"
	"unsafe"

	"github.com/lucet-rt/lucet/api"
	"github.com/stretchr/testify/require"
)

func TestValidateArgsRejectsOverflow(t *testing.T) {
	err := ValidateArgs([]api.Arg{{Type: api.ArgU8, Value: 256}})
	require.Error(t, err)
}

func TestValidateArgsAcceptsInRange(t *testing.T) {
	err := ValidateArgs([]api.Arg{
		{Type: api.ArgU8, Value: 255},
		{Type: api.ArgI32, Value: 42},
		{Type: api.ArgBool, Value: 1},
		{Type: api.ArgF64, Value: 0x3ff0000000000000},
	})
	require.NoError(t, err)
}

func TestValidateArgsRejectsBadBool(t *testing.T) {
	err := ValidateArgs([]api.Arg{{Type: api.ArgBool, Value: 2}})
	require.Error(t, err)
}

func TestValidateArgsRejectsOutOfRangeI16(t *testing.T) {
	err := ValidateArgs([]api.Arg{{Type: api.ArgI16, Value: 0x10000}})
	require.Error(t, err)
}

func TestValidateArgsAcceptsSignExtendedNegatives(t *testing.T) {
	err := ValidateArgs([]api.Arg{
		{Type: api.ArgI8, Value: uint64(int64(-1))},
		{Type: api.ArgI16, Value: uint64(int64(-1))},
		{Type: api.ArgI32, Value: uint64(int64(-1))},
	})
	require.NoError(t, err)
}

func TestValidateArgsRejectsOutOfRangeI32(t *testing.T) {
	err := ValidateArgs([]api.Arg{{Type: api.ArgI32, Value: 1 << 32}})
	require.Error(t, err)
}

func TestClassify(t *testing.T) {
	require.Equal(t, classFP, classify(api.Arg{Type: api.ArgF32}))
	require.Equal(t, classFP, classify(api.Arg{Type: api.ArgF64}))
	require.Equal(t, classGP, classify(api.Arg{Type: api.ArgI32}))
	require.Equal(t, classGP, classify(api.Arg{Type: api.ArgGuestPtr}))
}

func TestInitRejectsSmallStack(t *testing.T) {
	ctx := &Context{}
	err := Init(ctx, make([]byte, 16), &Context{}, 0x1000, 0x2000, nil)
	require.Error(t, err)
}

func TestInitLaysOutAlignedStack(t *testing.T) {
	ctx := &Context{}
	parent := &Context{}
	stack := make([]byte, 64*1024)

	args := make([]api.Arg, 0, 10)
	for i := 0; i < 10; i++ {
		args = append(args, api.Arg{Type: api.ArgI64, Value: uint64(i)})
	}

	err := Init(ctx, stack, parent, 0xdeadbeef, 0xcafebabe, args)
	require.NoError(t, err)
	require.NotZero(t, ctx.rsp)
	require.Zero(t, ctx.rsp%16, "stack pointer must be 16-byte aligned")

	low := uintptr(unsafe.Pointer(&stack[0]))
	high := low + uintptr(len(stack))
	require.GreaterOrEqual(t, ctx.rsp, low)
	require.Less(t, ctx.rsp, high)

	// vmctx always occupies parkedGP[0]; the remaining register-class
	// arguments up to the architecture's GP arg register count follow it,
	// with the rest spilled to the stack by Init rather than parked.
	require.Equal(t, uint64(0xcafebabe), ctx.parkedGP[0])
}

func TestInitRejectsOversizedArg(t *testing.T) {
	ctx := &Context{}
	err := Init(ctx, make([]byte, 64*1024), &Context{}, 0x1000, 0x2000, []api.Arg{
		{Type: api.ArgU16, Value: 1 << 20},
	})
	require.Error(t, err)
}
