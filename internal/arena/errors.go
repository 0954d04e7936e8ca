package arena

import "errors"

// ErrSpecOverLimits is returned by Allocate when a module's HeapSpec or
// global count demands more than the Arena's configured Limits allow
// (spec.md §4.2, §7).
var ErrSpecOverLimits = errors.New("arena: runtime spec exceeds region limits")

// ErrGuardViolation is returned by Expand when growing the heap would eat
// into the module's declared guard region or exceed its declared max_size.
var ErrGuardViolation = errors.New("arena: heap expansion would violate guard or max_size")
