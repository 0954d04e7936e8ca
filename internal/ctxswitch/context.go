// Package ctxswitch implements the architecture-specific cooperative stack
// swap described in spec.md §4.1: Init prepares a fresh guest stack so the
// first Swap into it begins at a bootstrap trampoline; Swap saves the
// caller's callee-saved registers and loads the callee's; Set loads without
// saving (used once a context is known to be dead, e.g. after the guest has
// returned through the backstop).
//
// The signal mask is deliberately NOT touched by Swap/Set — see spec.md §9.
// Recovery from the bypassed sigreturn path (the spec's set_from_signal) is
// handled one layer up, in internal/sig, via sigsetjmp/siglongjmp plus an
// explicit mask restore; see that package's doc comment for why.
package ctxswitch

import (
	"fmt"

	"github.com/lucet-rt/lucet/api"
)

// Context holds one side of a cooperative stack swap: the saved stack
// pointer (from which the architecture-specific assembly restores callee
// saved GP/FP registers, spec.md §4.1) and the out-of-band return-value
// slots the backstop trampoline populates when the guest returns normally.
type Context struct {
	rsp uintptr // valid only while this context is not the one executing

	retGP [2]uint64 // general-purpose / pointer return values
	retFP uint64    // bit pattern of a float32/float64 return value

	// stack is retained so the Go GC keeps the guest stack's backing array
	// alive for the lifetime of this Context, even though the Arena (not the
	// GC) actually owns the memory; see internal/arena.
	stack []byte

	// parkedGP/parkedFP hold the register-class argument words for the next
	// Swap into this context, read once by the bootstrap trampoline. They
	// exist because the trampoline is shared across every call shape, so a
	// variable-length argument list can't be baked into its own code the
	// way init_amd64.go/init_arm64.go bake it into the stack layout.
	parkedGP []uint64
	parkedFP []uint64
}

// RetGP returns the two general-purpose return slots populated by the
// backstop trampoline after a normal guest return.
func (c *Context) RetGP() (uint64, uint64) { return c.retGP[0], c.retGP[1] }

// RetFP returns the floating point return slot.
func (c *Context) RetFP() uint64 { return c.retFP }

// entryFn is the guest function pointer type: (vmctx, args...) per spec.md
// §4.1's "the first argument is always the VmCtx pointer".
type entryFn = uintptr

// argClass is which register file an Arg is routed through during
// marshalling (spec.md §4.1).
type argClass int

const (
	classGP argClass = iota
	classFP
)

func classify(a api.Arg) argClass {
	if a.IsFloat() {
		return classFP
	}
	return classGP
}

// fitsSigned reports whether v, a Value word, represents a number that fits
// in a signed integer of the given bit width. v may be given either as the
// raw zero-extended width-bit pattern (0 .. 2^bits-1) or as the full 64-bit
// two's-complement sign extension of a negative value; both are accepted as
// "fits", matching how a caller naturally produces either form when packing
// a Go int8/int16/int32 into a uint64 Value.
func fitsSigned(v uint64, bits uint) bool {
	width := uint64(1) << bits
	if v < width {
		return true
	}
	sv := int64(v)
	min := -(int64(1) << (bits - 1))
	max := int64(1)<<(bits-1) - 1
	return sv >= min && sv <= max
}

// fitsUnsigned reports whether v fits in an unsigned integer of the given
// bit width.
func fitsUnsigned(v uint64, bits uint) bool {
	if bits >= 64 {
		return true
	}
	return v < uint64(1)<<bits
}

// checkRange enforces spec.md §4.1's "rejects any integer argument whose
// value does not fit the declared typed width" rule.
func checkRange(a api.Arg) error {
	v := a.Value
	switch a.Type {
	case api.ArgI8:
		if !fitsSigned(v, 8) {
			return fmt.Errorf("ctxswitch: value %d does not fit i8", v)
		}
	case api.ArgU8:
		if !fitsUnsigned(v, 8) {
			return fmt.Errorf("ctxswitch: value %d does not fit u8", v)
		}
	case api.ArgI16:
		if !fitsSigned(v, 16) {
			return fmt.Errorf("ctxswitch: value %d does not fit i16", v)
		}
	case api.ArgU16:
		if !fitsUnsigned(v, 16) {
			return fmt.Errorf("ctxswitch: value %d does not fit u16", v)
		}
	case api.ArgI32:
		if !fitsSigned(v, 32) {
			return fmt.Errorf("ctxswitch: value %d does not fit i32", v)
		}
	case api.ArgU32:
		if !fitsUnsigned(v, 32) {
			return fmt.Errorf("ctxswitch: value %d does not fit u32", v)
		}
	case api.ArgBool:
		if v != 0 && v != 1 {
			return fmt.Errorf("ctxswitch: bool value %d is not 0 or 1", v)
		}
	case api.ArgI64, api.ArgU64, api.ArgF32, api.ArgF64, api.ArgGuestPtr, api.ArgCPtr:
		// full width, nothing to reject.
	default:
		return fmt.Errorf("ctxswitch: unsupported argument type %v", a.Type)
	}
	return nil
}

// ValidateArgs runs every argument through checkRange, matching spec.md
// §4.1's "init returns an error for argument overflow or unsupported
// argument types".
func ValidateArgs(args []api.Arg) error {
	for i, a := range args {
		if err := checkRange(a); err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
	}
	return nil
}
