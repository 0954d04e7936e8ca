//go:build arm64

package ctxswitch

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/lucet-rt/lucet/api"
)

// AAPCS64: 8 integer/pointer argument registers, 8 FP argument registers.
// 12 callee-saved words (X19-X28, X29, X30) are saved/restored by Swap's
// epilogue in ctxswitch_arm64.s.
const (
	gpArgRegs = 8
	fpArgRegs = 8
	calleeGP  = 12
	wordSize  = 8

	// Indices into the 12-word save area (save order X19..X28,X29,X30;
	// see ctxswitch_arm64.s), counting from the high end of the area:
	// Swap pushes X19 first, so X30 sits at the lowest address.
	slotLR         = calleeGP - 1 // X30: branch target for this Swap/Set
	slotFP         = calleeGP - 2 // X29: parked *Context ("ctx")
	slotParent     = calleeGP - 3 // X28: parked parent *Context
	slotEntry      = calleeGP - 4 // X27: parked guest entry address
	slotBackstop   = calleeGP - 5 // X26: parked backstop trampoline address
)

func Init(ctx *Context, stack []byte, parent *Context, entry uintptr, vmctx uintptr, args []api.Arg) error {
	if err := ValidateArgs(args); err != nil {
		return err
	}
	if len(stack) < 4096 {
		return fmt.Errorf("ctxswitch: stack too small (%d bytes)", len(stack))
	}

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
	top &^= 15

	cursor := top
	push := func(v uint64) {
		cursor -= wordSize
		b := unsafe.Slice((*byte)(unsafe.Pointer(cursor)), wordSize)
		binary.LittleEndian.PutUint64(b, v)
	}

	push(0) // unwinder terminator
	push(0)

	// Stack-spilled call arguments beyond the 8 GP / 8 FP registers, kept
	// for layout fidelity with spec.md §4.1 even though the AAPCS64 port
	// resolves the guest's eventual return target via the link register
	// rather than a fabricated stack return address (see
	// ctxswitch_arm64.s for why that's the more robust choice on this
	// architecture: a leaf guest function need never spill LR to memory,
	// so a value planted at a guessed stack offset is not guaranteed to
	// be what its `ret` consults).
	// A pad word above an odd number of spilled words keeps the final SP
	// 16-byte aligned, since the save area below is an even 12 words.
	if len(spilled)%2 != 0 {
		push(0)
	}
	for i := len(spilled) - 1; i >= 0; i-- {
		push(spilled[i])
	}

	ctx.rsp = cursor // set below, after the save area is written
	ctx.stack = stack
	ctx.parkedGP = gp
	ctx.parkedFP = fp

	saved := make([]uint64, calleeGP)
	saved[slotLR] = uint64(funcPC(bootstrapTrampoline))
	saved[slotFP] = uint64(uintptr(unsafe.Pointer(ctx)))
	saved[slotParent] = uint64(uintptr(unsafe.Pointer(parent)))
	saved[slotEntry] = uint64(entry)
	saved[slotBackstop] = uint64(funcPC(backstopTrampoline))
	for i := 0; i < calleeGP; i++ {
		push(saved[i])
	}

	ctx.rsp = cursor
	return nil
}
