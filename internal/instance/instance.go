// Package instance implements the Instance state machine and run loop
// described in spec.md §4.5: binding a Module to an Arena, running guest
// code under the ctxswitch/sig fault barrier, and recovering the owning
// Instance from a bare VmCtx pointer during a hostcall (spec.md §4.6).
package instance

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"runtime/cgo"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/lucet-rt/lucet/api"
	"github.com/lucet-rt/lucet/internal/arena"
	"github.com/lucet-rt/lucet/internal/ctxswitch"
	"github.com/lucet-rt/lucet/internal/module"
	"github.com/lucet-rt/lucet/internal/sig"
)

// SignalHandlerFunc is the embedder's signal-handler override (spec.md
// §4.4 step 6, §6 instance.set_signal_handler). It runs synchronously
// inside the signal handler itself (see internal/sig's package doc) with
// the trap code already derived from the module's trap manifest, and
// decides whether the guest resumes (SignalContinue), unwinds to a
// recorded Fault (SignalNone), or unwinds straight to Terminated
// (SignalTerminate).
type SignalHandlerFunc func(inst *Instance, trap api.Trap, signum int, faultAddr, rip uintptr) sig.SignalVerdict

// FatalHandlerFunc is the embedder's fatal-handler override (spec.md
// §4.5 "Fatal handling", §6 instance.set_fatal_handler), invoked once a
// fault has been upgraded to fatal. Per spec.md, the contract is that it
// does not return; if it does, the core aborts the process anyway.
type FatalHandlerFunc func(inst *Instance, detail FaultDetail)

// defaultFatalHandler implements spec.md §4.5's default fatal behaviour:
// print diagnostics to the host's diagnostic channel and abort the
// process. Grounded on the teacher pack's own os.Exit-on-fatal-error
// idiom (dsmmcken-dh-cli's cmd/* error paths).
func defaultFatalHandler(inst *Instance, detail FaultDetail) {
	inst.log.WithFields(logrus.Fields{
		"trap":   detail.Trap.String(),
		"rip":    detail.RIP,
		"signum": detail.Signum,
		"addr":   detail.FaultAddr,
	}).Error("fatal guest fault: aborting process")
	os.Exit(2)
}

// State is the Instance lifecycle state spec.md §4.5 describes as
// Ready | Running | Fault | Terminated.
type State int

const (
	StateReady State = iota
	StateRunning
	StateFault
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFault:
		return "fault"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// FaultDetail is populated when State == StateFault, per spec.md §4.5's
// "Fault{fatal, trapcode, rip, siginfo, mcontext, addr_details}".
type FaultDetail struct {
	Fatal      bool
	Trap       api.Trap
	RIP        uintptr
	FaultAddr  uintptr
	Signum     int
	AddrDetail module.AddressDetails
}

// instanceMagic is the sentinel written into an Arena's header page
// alongside a cgo.Handle, letting a hostcall recover its owning Instance
// from nothing but the VmCtx pointer it was handed (spec.md §4.6).
const instanceMagic uint64 = 0x4c55434554000001

// Instance binds one Module to one Arena for as long as it's in use. Not
// safe for concurrent Run calls; the embedder serializes access to a given
// Instance (spec.md §3).
type Instance struct {
	mu sync.Mutex

	arena *arena.Arena
	mod   *module.Module
	log   *logrus.Entry

	state     State
	retvals   [2]uint64
	retFP     uint64
	fault     FaultDetail
	termMsg   string
	runCount  uint64
	lastError error

	hostCtx  ctxswitch.Context
	guestCtx ctxswitch.Context

	embedderCtx unsafe.Pointer
	handle      cgo.Handle

	signalHandler SignalHandlerFunc
	fatalHandler  FatalHandlerFunc
}

// New binds mod to a, applying heap allocation and globals/data-segment
// initialization (spec.md §4.5 new_instance). mod is Retained for the
// Instance's lifetime; Close releases it.
func New(mod *module.Module, a *arena.Arena, log *logrus.Entry, embedderCtx unsafe.Pointer) (*Instance, error) {
	spec := arena.RuntimeSpec{Heap: mod.Heap, NumGlobals: uint32(len(mod.Globals))}
	if err := a.Allocate(spec); err != nil {
		return nil, fmt.Errorf("instance: allocate: %w", err)
	}

	inst := &Instance{arena: a, mod: mod, log: log, state: StateReady, embedderCtx: embedderCtx}
	mod.Retain()

	if err := inst.applyGlobals(); err != nil {
		_ = a.Free()
		mod.Release()
		return nil, err
	}
	if err := inst.applyDataSegments(); err != nil {
		_ = a.Free()
		mod.Release()
		return nil, err
	}

	inst.handle = cgo.NewHandle(inst)
	hdr := a.HeaderPage()
	binary.LittleEndian.PutUint64(hdr[0:8], instanceMagic)
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(inst.handle))

	return inst, nil
}

func (i *Instance) applyGlobals() error {
	g := i.arena.Globals()
	for idx, gd := range i.mod.Globals {
		off := idx * 8
		if (off+8) > len(g) {
			return fmt.Errorf("instance: globals region too small for %d globals", len(i.mod.Globals))
		}
		binary.LittleEndian.PutUint64(g[off:off+8], uint64(gd.InitialValue))
	}
	return nil
}

func (i *Instance) applyDataSegments() error {
	heap := i.arena.AccessibleHeap()
	for _, seg := range i.mod.DataSegs {
		end := uint64(seg.Offset) + uint64(seg.Length)
		if end > uint64(len(heap)) {
			return fmt.Errorf("instance: data segment [%d,%d) exceeds accessible heap %d", seg.Offset, end, len(heap))
		}
		copy(heap[seg.Offset:end], seg.Bytes)
	}
	return nil
}

// State returns the current lifecycle state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Fault returns the detail recorded for the current fault, valid only
// while State() == StateFault.
func (i *Instance) Fault() FaultDetail {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.fault
}

// SetSignalHandler installs the embedder's signal-handler override
// (spec.md §6 instance.set_signal_handler), replacing any previously set
// one. A nil fn restores the default behaviour.
func (i *Instance) SetSignalHandler(fn SignalHandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.signalHandler = fn
}

// SetFatalHandler installs the embedder's fatal-handler override (spec.md
// §6 instance.set_fatal_handler), replacing any previously set one. A nil
// fn restores defaultFatalHandler.
func (i *Instance) SetFatalHandler(fn FatalHandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.fatalHandler = fn
}

// Stats is a read-only diagnostic snapshot for embedders building
// monitoring on top of an Instance; it never influences control flow.
type Stats struct {
	State         State
	RunCount      uint64
	LastError     error
	HeapSizeBytes uint64
}

// Stats returns the current diagnostic snapshot.
func (i *Instance) Stats() Stats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Stats{
		State:         i.state,
		RunCount:      i.runCount,
		LastError:     i.lastError,
		HeapSizeBytes: uint64(len(i.arena.AccessibleHeap())),
	}
}

// Run invokes a guest export by name with args, per spec.md §4.5's run.
func (i *Instance) Run(name string, args []api.Arg) ([2]uint64, uint64, error) {
	ptr, ok := i.mod.LookupExport(name)
	if !ok {
		return [2]uint64{}, 0, fmt.Errorf("instance: export %q not found", name)
	}
	return i.runInternal(ptr, args)
}

// RunStart invokes the module's start function if it declared one,
// resolving spec.md §9's HasStart ambiguity: a module with no start
// function is a successful no-op, never SymbolNotFound.
func (i *Instance) RunStart() error {
	if !i.mod.HasStart() {
		return nil
	}
	_, _, err := i.runInternal(i.mod.StartFunc(), nil)
	return err
}

// RunFuncByIdx invokes a function resolved through the module's function
// table, per spec.md §4.5 run_function_by_idx.
func (i *Instance) RunFuncByIdx(table, idx uint32, args []api.Arg) ([2]uint64, uint64, error) {
	ptr, ok := i.mod.LookupFunctionByTableID(table, idx)
	if !ok {
		return [2]uint64{}, 0, fmt.Errorf("instance: no function at table %d index %d", table, idx)
	}
	return i.runInternal(ptr, args)
}

func (i *Instance) runInternal(fn unsafe.Pointer, args []api.Arg) (gp [2]uint64, fp uint64, err error) {
	defer func() {
		i.mu.Lock()
		i.runCount++
		i.lastError = err
		i.mu.Unlock()
	}()

	i.mu.Lock()
	if i.state != StateReady {
		state := i.state
		i.mu.Unlock()
		return [2]uint64{}, 0, fmt.Errorf("instance: cannot run from state %s", state)
	}
	i.state = StateRunning
	signalHandler := i.signalHandler
	i.mu.Unlock()

	vmctx := i.arena.HeapBase()
	if err := ctxswitch.Init(&i.guestCtx, i.arena.Stack(), &i.hostCtx, uintptr(fn), vmctx, args); err != nil {
		i.mu.Lock()
		i.state = StateReady
		i.mu.Unlock()
		return [2]uint64{}, 0, fmt.Errorf("instance: init: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := sig.EnterAltStack(i.arena.SignalStack())
	if err != nil {
		i.mu.Lock()
		i.state = StateReady
		i.mu.Unlock()
		return [2]uint64{}, 0, fmt.Errorf("instance: sigaltstack: %w", err)
	}
	defer restore()

	// override runs synchronously inside the signal handler itself (see
	// internal/sig's package doc): it classifies the trap from the
	// faulting rip using the module's signal-safe trap manifest lookup
	// and hands the decision to the embedder's SignalHandlerFunc, per
	// spec.md §4.4 step 6.
	var override sig.OverrideFunc
	if signalHandler != nil {
		override = func(signum int, faultAddr, rip uintptr) sig.SignalVerdict {
			trap := i.mod.TrapTable.ClassifyFault(rip)
			return signalHandler(i, trap, signum, faultAddr, rip)
		}
	}

	fault := sig.RunGuarded(func() {
		ctxswitch.Swap(&i.hostCtx, &i.guestCtx)
	}, override)

	i.mu.Lock()

	if i.state == StateTerminated {
		// VmCtx.Terminate already set state and swapped back; nothing
		// further to classify.
		err := fmt.Errorf("instance: terminated: %s", i.termMsg)
		i.mu.Unlock()
		return [2]uint64{}, 0, err
	}

	if fault != nil && fault.Verdict == sig.SignalTerminate {
		i.state = StateTerminated
		i.termMsg = "terminated by signal handler override"
		err := fmt.Errorf("instance: terminated: %s", i.termMsg)
		i.mu.Unlock()
		return [2]uint64{}, 0, err
	}

	if fault != nil {
		trap := i.mod.TrapTable.ClassifyFault(fault.RIP)
		fatal := i.classifyFatal(trap, fault)
		detail := FaultDetail{
			Fatal:      fatal,
			Trap:       trap,
			RIP:        fault.RIP,
			FaultAddr:  fault.FaultAddr,
			Signum:     fault.Signum,
			AddrDetail: i.mod.AddressDetails(fault.RIP),
		}
		i.fault = detail
		i.state = StateFault
		fatalHandler := i.fatalHandler
		i.mu.Unlock()

		if fatal {
			// spec.md §4.5: invoke the instance's fatal-handler override,
			// or the default, which prints diagnostics and aborts. Per
			// spec, neither is expected to return; if one does anyway,
			// fall through to the default as a backstop so a misbehaving
			// override can't leave the process running past a fatal
			// fault.
			if fatalHandler != nil {
				fatalHandler(i, detail)
			}
			defaultFatalHandler(i, detail)
		}

		return [2]uint64{}, 0, fmt.Errorf("instance: trapped: %s", trap)
	}

	defer i.mu.Unlock()

	gp0, gp1 := i.guestCtx.RetGP()
	i.retvals = [2]uint64{gp0, gp1}
	i.retFP = i.guestCtx.RetFP()
	i.state = StateReady
	return i.retvals, i.retFP, nil
}

// classifyFatal implements spec.md §4.4's fatal-upgrade rule: a trap the
// manifest and probestack range both failed to explain is always fatal;
// otherwise a SIGSEGV/SIGBUS is fatal unless the faulting address falls
// within the heap's own inaccessible guard range, where it's the expected
// signal for heap-out-of-bounds/grow-on-demand and stays recoverable.
func (i *Instance) classifyFatal(trap api.Trap, f *sig.FaultInfo) bool {
	if trap.Code == api.TrapUnknown {
		return true
	}
	isSegvOrBus := f.Signum == int(unix.SIGSEGV) || f.Signum == int(unix.SIGBUS)
	if !isSegvOrBus {
		return false
	}
	start, end := i.arena.HeapGuardRange()
	inGuard := f.FaultAddr >= start && f.FaultAddr < end
	return !inGuard
}

// reset re-applies globals and data-segment initialization and returns the
// Instance to Ready, per spec.md §4.5 reset (the higher-level counterpart
// to arena.Arena.Reset, which is purely mechanical zero+shrink and knows
// nothing about globals or data segments).
func (i *Instance) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == StateRunning {
		return fmt.Errorf("instance: cannot reset while running")
	}
	if err := i.arena.Reset(); err != nil {
		return fmt.Errorf("instance: reset: %w", err)
	}
	if err := i.applyGlobals(); err != nil {
		return err
	}
	if err := i.applyDataSegments(); err != nil {
		return err
	}
	i.state = StateReady
	i.fault = FaultDetail{}
	i.termMsg = ""
	return nil
}

// Close releases the Instance's Module reference and cgo.Handle. The
// owning Region is responsible for freeing the Arena back to its pool.
func (i *Instance) Close() error {
	i.handle.Delete()
	return i.mod.Release()
}
