// Package region implements the Arena pool described in spec.md §4.7: a
// fixed-capacity set of Arenas, acquired for a new Instance and returned
// to the free list once the Instance is done, guarded by one mutex so
// concurrent creation/release from multiple goroutines is safe.
package region

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/instance"
	"github.com/lucet-rt/lucet/internal/lucetconfig"
	"github.com/lucet-rt/lucet/internal/lucetrt"
	"github.com/lucet-rt/lucet/internal/module"
	"github.com/lucet-rt/lucet/internal/observ"
	"github.com/lucet-rt/lucet/internal/sig"
)

var regionIDSeq uint64

func nextRegionID() uint64 {
	// Single-process runtime, one Region per embedder-visible pool; a
	// plain counter under regionMu is simpler than atomic for the low
	// frequency Regions are created at (once per host process, typically).
	regionMu.Lock()
	defer regionMu.Unlock()
	regionIDSeq++
	return regionIDSeq
}

var regionMu sync.Mutex

// Region owns a bounded pool of Arenas all sized to the same Limits
// (spec.md §3 Region, §4.7).
type Region struct {
	mu     sync.Mutex
	limits arena.Limits
	cap    uint32
	free   []*arena.Arena
	issued uint32

	log *logrus.Entry
	id  uint64
}

// New constructs a Region from cfg, installing the process-wide signal
// handlers (idempotent) the Instances it creates will rely on.
func New(cfg lucetconfig.RegionConfig, logger *logrus.Logger) (*Region, error) {
	if err := sig.InstallGlobalHandlers(); err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	id := nextRegionID()
	log := observ.Region(logger, id)
	log.WithField("capacity", cfg.InstanceCapacity).Debug("region created")
	return &Region{limits: cfg.Limits(), cap: cfg.InstanceCapacity, log: log, id: id}, nil
}

// acquireArena pops a free Arena or creates a new one, up to the Region's
// configured capacity.
func (r *Region) acquireArena() (*arena.Arena, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		a := r.free[n-1]
		r.free = r.free[:n-1]
		return a, nil
	}
	if r.issued >= r.cap {
		return nil, lucetrt.ErrRegionFull
	}
	a, err := arena.New(r.limits)
	if err != nil {
		return nil, fmt.Errorf("region: %w", err)
	}
	r.issued++
	return a, nil
}

func (r *Region) releaseArena(a *arena.Arena) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.free = append(r.free, a)
}

// NewInstance acquires an Arena from the pool and binds mod to it
// (spec.md §4.5 new_instance / §4.7).
func (r *Region) NewInstance(mod *module.Module, embedderCtx unsafe.Pointer) (*instance.Instance, error) {
	a, err := r.acquireArena()
	if err != nil {
		return nil, err
	}
	log := observ.Instance(r.log, r.issued, "")
	inst, err := instance.New(mod, a, log, embedderCtx)
	if err != nil {
		if ferr := a.Free(); ferr != nil {
			r.log.WithError(ferr).Warn("arena free after failed instance construction")
		}
		r.releaseArena(a)
		return nil, err
	}
	return inst, nil
}

// ReleaseInstance closes inst (dropping its Module reference) and returns
// its Arena to this Region's free list, scrubbed (spec.md §4.2
// free_runtime / §4.7).
func (r *Region) ReleaseInstance(inst *instance.Instance) error {
	a := inst.Arena()
	closeErr := inst.Close()
	if err := a.Free(); err != nil {
		return fmt.Errorf("region: free arena: %w", err)
	}
	r.releaseArena(a)
	return closeErr
}

// Stats reports address-space and slot accounting for the Region
// (SPEC_FULL.md §4 Instance.Stats/Region accounting). ReservedBytes sums
// the reservations of the Arenas currently on the free list; Arenas bound
// to live Instances are not counted.
type Stats struct {
	Capacity       uint32
	Issued         uint32
	Free           uint32
	ReservedBytes  uint64
}

func (r *Region) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reserved uint64
	for _, a := range r.free {
		reserved += a.TotalReservedBytes()
	}
	return Stats{Capacity: r.cap, Issued: r.issued, Free: uint32(len(r.free)), ReservedBytes: reserved}
}

// Close releases every pooled Arena's virtual memory reservation back to
// the OS. The Region must have no live Instances outstanding.
func (r *Region) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.free {
		if err := a.Release(); err != nil {
			return fmt.Errorf("region: release arena: %w", err)
		}
	}
	r.free = nil
	r.log.Debug("region closed")
	return nil
}
