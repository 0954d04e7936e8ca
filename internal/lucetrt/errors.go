// Package lucetrt defines the error vocabulary shared across the runtime
// core: sentinel errors for wrapping with fmt.Errorf/%w, and RuntimeError,
// the typed payload a run* call returns once it has a concrete
// api.OutcomeCode (spec.md §7, SPEC_FULL.md §2.3).
package lucetrt

import (
	"errors"
	"fmt"

	"github.com/lucet-rt/lucet/api"
)

// Sentinel errors, one per spec.md §7 outcome category that isn't already
// carried as a typed value elsewhere (arena.ErrSpecOverLimits and
// module.ErrImportGlobals are the two that are).
var (
	ErrDlOpen          = errors.New("lucetrt: dlopen failed")
	ErrInvalidArgument = errors.New("lucetrt: invalid argument")
	ErrSymbolNotFound  = errors.New("lucetrt: symbol not found")
	ErrRegionFull      = errors.New("lucetrt: region has no free instance slots")
	ErrTerminated      = errors.New("lucetrt: instance was terminated")
	ErrNotReady        = errors.New("lucetrt: instance is not in the Ready state")
)

// RuntimeError is what a failed run/run_start/run_func_idx call returns to
// the embedder: the outcome category plus whatever diagnostic detail is
// available for it (spec.md §6's run_result / §7).
type RuntimeError struct {
	Outcome api.OutcomeCode
	Trap    api.Trap // only meaningful when Outcome == api.RuntimeFault
	RIP     uintptr  // only meaningful when Outcome == api.RuntimeFault
	Detail  string
	Wrapped error
}

func (e *RuntimeError) Error() string {
	if e.Outcome == api.RuntimeFault {
		return fmt.Sprintf("lucetrt: %s: trap=%s rip=%#x", e.Outcome, e.Trap, e.RIP)
	}
	if e.Detail != "" {
		return fmt.Sprintf("lucetrt: %s: %s", e.Outcome, e.Detail)
	}
	return fmt.Sprintf("lucetrt: %s", e.Outcome)
}

func (e *RuntimeError) Unwrap() error { return e.Wrapped }

// NewFault builds the RuntimeError for a fatal or non-fatal trap, per
// spec.md §4.4/§4.5.
func NewFault(trap api.Trap, rip uintptr) *RuntimeError {
	return &RuntimeError{Outcome: api.RuntimeFault, Trap: trap, RIP: rip}
}
