package lucetconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsZeroValue(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Empty(t, f.Regions)
}

func TestLoadParsesRegionsAndEmbedder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lucet.toml")
	doc := `
[embedder]
log_level = "debug"
install_signal_handlers = true

[regions.default]
instance_capacity = 4
heap_address_space_size = 1073741824
heap_memory_size = 536870912
stack_size = 1048576
globals_size = 4096
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", f.Embedder.LogLevel)
	require.True(t, f.Embedder.InstallSigHandlers)
	require.Contains(t, f.Regions, "default")
	require.EqualValues(t, 4, f.Regions["default"].InstanceCapacity)
}

func TestRegionConfigLimits(t *testing.T) {
	c := DefaultRegionConfig()
	lim := c.Limits()
	require.Equal(t, c.HeapMemorySize, lim.HeapMemorySize)
	require.Equal(t, c.StackSize, lim.StackSize)
}
