package sig

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunGuardedNoFault(t *testing.T) {
	require.NoError(t, InstallGlobalHandlers())

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	altStack := make([]byte, 64*1024) // a plain slice suffices here since
	// this test never actually faults; a real Instance always supplies
	// Arena.SignalStack() instead, per EnterAltStack's doc comment.
	restore, err := EnterAltStack(altStack)
	require.NoError(t, err)
	defer restore()

	ran := false
	fault := RunGuarded(func() { ran = true }, nil)
	require.Nil(t, fault)
	require.True(t, ran)
}

func TestSignalVerdictString(t *testing.T) {
	require.Equal(t, "none", SignalNone.String())
	require.Equal(t, "continue", SignalContinue.String())
	require.Equal(t, "terminate", SignalTerminate.String())
}
