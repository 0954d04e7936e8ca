// Package lucetconfig loads the TOML-encoded settings an embedder supplies
// for a Region and its instances (SPEC_FULL.md §2.2), in the same load/
// unmarshal shape dsmmcken-dh-cli uses for its own config.toml.
package lucetconfig

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/lucet-rt/lucet/internal/arena"
)

// RegionConfig sizes and counts the Arenas a Region pre-allocates, per
// spec.md §4.7. The signal stack within each Arena is a fixed size (see
// internal/arena); everything else here maps directly onto arena.Limits.
type RegionConfig struct {
	InstanceCapacity     uint32 `toml:"instance_capacity"`
	HeapAddressSpaceSize uint64 `toml:"heap_address_space_size"`
	HeapMemorySize       uint64 `toml:"heap_memory_size"`
	StackSize            uint64 `toml:"stack_size"`
	GlobalsSize          uint64 `toml:"globals_size"`
}

// Limits converts a RegionConfig into the arena.Limits every Arena in the
// owning Region is constructed with.
func (c RegionConfig) Limits() arena.Limits {
	return arena.Limits{
		HeapMemorySize:       c.HeapMemorySize,
		HeapAddressSpaceSize: c.HeapAddressSpaceSize,
		StackSize:            c.StackSize,
		GlobalsSize:          c.GlobalsSize,
	}
}

// EmbedderConfig carries the process-wide knobs SPEC_FULL.md's ambient
// stack needs that aren't per-Region: the log level, and the
// install_signal_handlers flag. Both are parsed only; nothing in this
// module reads them, and region.New installs the signal handlers at
// construction regardless of the flag.
type EmbedderConfig struct {
	LogLevel        string `toml:"log_level"`
	InstallSigHandlers bool `toml:"install_signal_handlers"`
}

// File is the top-level shape of a lucet.toml file: one embedder section
// plus any number of named region profiles, so a host process can run
// several Regions with different limits from one config file.
type File struct {
	Embedder EmbedderConfig          `toml:"embedder"`
	Regions  map[string]RegionConfig `toml:"regions"`
}

// Load reads and parses path. A missing file is not an error: callers get
// a zero-value File and fall back to DefaultRegionConfig.
func Load(path string) (*File, error) {
	f := &File{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("lucetconfig: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("lucetconfig: parse %s: %w", path, err)
	}
	return f, nil
}

// DefaultRegionConfig is the configuration used without an explicit config
// file: arena.DefaultLimits for every size, and a capacity of 16 instances.
func DefaultRegionConfig() RegionConfig {
	d := arena.DefaultLimits()
	return RegionConfig{
		InstanceCapacity:     16,
		HeapAddressSpaceSize: d.HeapAddressSpaceSize,
		HeapMemorySize:       d.HeapMemorySize,
		StackSize:            d.StackSize,
		GlobalsSize:          d.GlobalsSize,
	}
}
