//go:build amd64

package ctxswitch

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/lucet-rt/lucet/api"
)

// SysV AMD64: 6 integer/pointer argument registers, 8 SSE argument
// registers; 6 callee-saved GP registers (rbx, rbp, r12-r15) restored by
// the POPQ sequence of Swap/Set in ctxswitch_amd64.s.
const (
	gpArgRegs = 6
	fpArgRegs = 8
	calleeGP  = 6
	wordSize  = 8
)

// Init lays out stack (the Arena's stack region, per spec.md §4.2) so that
// the first Swap into ctx begins executing at the bootstrap trampoline with
// args marshalled per spec.md §4.1. vmctx is always the implicit first
// argument. parent receives control when the guest eventually returns
// (via the backstop trampoline).
func Init(ctx *Context, stack []byte, parent *Context, entry uintptr, vmctx uintptr, args []api.Arg) error {
	if err := ValidateArgs(args); err != nil {
		return err
	}
	if len(stack) < 4096 {
		return fmt.Errorf("ctxswitch: stack too small (%d bytes)", len(stack))
	}

	// Classify arguments into GP/FP register streams, with vmctx always
	// occupying GP register 0.
	var gp []uint64
	var fp []uint64
	gp = append(gp, uint64(vmctx))
	for _, a := range args {
		switch classify(a) {
		case classGP:
			gp = append(gp, a.Value)
		case classFP:
			fp = append(fp, a.Value)
		}
	}

	var spilled []uint64
	if len(gp) > gpArgRegs {
		spilled = append(spilled, gp[gpArgRegs:]...)
		gp = gp[:gpArgRegs]
	}
	if len(fp) > fpArgRegs {
		spilled = append(spilled, fp[fpArgRegs:]...)
		fp = fp[:fpArgRegs]
	}

	top := uintptr(unsafe.Pointer(&stack[len(stack)-1])) + 1
	top &^= 15 // 16-byte align per spec.md §4.1

	// cursor walks downward as we write each layout item; words writes
	// uint64s at successively lower addresses, matching the push order
	// worked out for this ABI: terminator, backstop args, spilled args,
	// backstop addr, guest entry addr, bootstrap addr, then the 6
	// callee-saved placeholder slots swap's epilogue pops on first entry.
	cursor := top
	push := func(v uint64) {
		cursor -= wordSize
		b := unsafe.Slice((*byte)(unsafe.Pointer(cursor)), wordSize)
		binary.LittleEndian.PutUint64(b, v)
	}

	push(0) // unwinder terminator: saved rbp
	push(0) // unwinder terminator: saved return address

	// Backstop's own two arguments (this ctx, parent ctx). Init also parks
	// these into callee-saved registers (see the placeholder slots below),
	// and the backstop reads them from there, since the guest's
	// own stack-frame management may otherwise make a fixed SP-relative
	// offset to these words unreliable by the time backstop runs.
	push(uint64(uintptr(unsafe.Pointer(parent))))
	push(uint64(uintptr(unsafe.Pointer(ctx))))

	// Stack-spilled call arguments, in reverse so they end up in forward
	// order immediately above the fabricated return address.
	for i := len(spilled) - 1; i >= 0; i-- {
		push(spilled[i])
	}

	backstopAddr := uint64(backstopTrampolineAddr())
	push(backstopAddr) // guest's own `ret` lands here

	push(uint64(entry)) // bootstrap's `ret` lands here

	push(bootstrapTrampolineAddr()) // first swap's `ret` lands here

	// 6 placeholder callee-saved GP registers consumed by swap's epilogue
	// on first entry into this fresh context. Their contents are
	// irrelevant (the guest hasn't run yet to have meaningful callee-saved
	// state), except for the ctx/parent pointers parked here for the
	// trampolines' use. The GP/FP argument words are not on the stack; they
	// go into ctx.parkedGP/parkedFP below.
	// The 6 placeholder callee-saved GP words double as a smuggling
	// channel: slot 5 (restored into BP) carries this context's own
	// address and slot 4 (restored into BX) carries parent's, so that by
	// the time bootstrapTrampoline/backstopTrampoline run, BP/BX already
	// hold the pointers they need — no stack-offset arithmetic required,
	// and the values survive the guest call for free since BP/BX are
	// callee-saved per the SysV ABI the compiled guest code honors.
	parkedGP := make([]uint64, calleeGP)
	parkedGP[5] = uint64(uintptr(unsafe.Pointer(ctx)))
	parkedGP[4] = uint64(uintptr(unsafe.Pointer(parent)))
	for i := calleeGP - 1; i >= 0; i-- {
		push(parkedGP[i])
	}

	ctx.rsp = cursor
	ctx.stack = stack

	// The marshalled argument words live in a side table the bootstrap
	// trampoline reads via ctx; stash them here rather than only on the
	// stack, since the number of register-class arguments varies per call
	// and the trampoline is shared across every call shape.
	ctx.parkedGP = gp
	ctx.parkedFP = fp
	return nil
}

func bootstrapTrampolineAddr() uint64 { return uint64(funcPC(bootstrapTrampoline)) }
func backstopTrampolineAddr() uint64  { return uint64(funcPC(backstopTrampoline)) }
