// Package sig implements the synchronous-fault half of spec.md §4.4: a
// thin C shim installs SIGSEGV/SIGBUS/SIGILL/SIGFPE handlers and an
// alternate signal stack backed by the running Instance's Arena, and
// resumes host execution via sigsetjmp/siglongjmp when one fires.
//
// spec.md describes the primitive as set_from_signal — the signal handler
// itself performing the non-local jump back into host code, as a single
// handcrafted assembly routine installed as the handler. This port instead
// has the C-installed handler call siglongjmp, which transfers control to
// the point where the corresponding sigsetjmp was evaluated in
// lucet_run_guarded below. The two are equivalent from the host's point of
// view — both bypass the kernel's normal sigreturn path and both restore
// the signal mask the C library saved at sigsetjmp time — but sigsetjmp's
// jmp_buf is POSIX-portable across amd64/arm64 register layouts, where a
// hand-written assembly equivalent would need a from-scratch, unverified
// implementation per architecture.
//
// spec.md §4.4 step 6 requires invoking the embedder's signal-handler
// override before deciding how to unwind, and lets it return Continue to
// resume the guest at the faulting instruction. That verdict is only
// honorable if the decision is made before the non-local jump discards the
// faulting machine context — once lucet_signal_handler calls siglongjmp,
// the guest's register state at the fault is gone, and there is nothing
// left to resume into. So the override, unlike the rest of step 3 onward,
// runs synchronously inside the handler itself, on the alternate signal
// stack: lucetSignalOverrideInvoke below is called directly from C, the
// same way real Lucet invokes its embedder-supplied Rust closure from
// inside the handler. This is only safe because the interrupted thread is
// the same Go-scheduled OS thread RunGuarded locked for the guarded call
// (runtime.LockOSThread), so the callback runs on its own goroutine's
// thread, not an arbitrary foreign one; a panic inside the override is
// recovered and treated as Terminate rather than allowed to unwind across
// the C frame. None and Terminate verdicts fall through to the same
// siglongjmp path as before; trap classification and fatal-upgrade still
// happen afterward, in ordinary Go code, where allocation and locking are
// unrestricted.
package sig

/*
#cgo CFLAGS: -D_GNU_SOURCE

#include <stdint.h>
#include <signal.h>
#include <setjmp.h>
#include <string.h>

struct lucet_fault_ctx {
	sigjmp_buf jmpbuf;
	int active;
	int signum;
	uintptr_t fault_addr;
	uintptr_t rip;
	uintptr_t override_handle;
	int verdict;
};

static _Thread_local struct lucet_fault_ctx lucet_tls_ctx;

extern void lucetGoInvoke(uintptr_t handle);
extern int lucetSignalOverrideInvoke(uintptr_t handle, int signum, uintptr_t fault_addr, uintptr_t rip);

static void lucet_signal_handler(int signum, siginfo_t *info, void *ucontext_ptr) {
	if (!lucet_tls_ctx.active) {
		// Not a fault we're guarding against on this thread (e.g. it
		// arrived before any guarded run started, or after one already
		// unwound) — restore default disposition and re-raise so a real
		// crash still terminates the process normally.
		signal(signum, SIG_DFL);
		raise(signum);
		return;
	}

	lucet_tls_ctx.signum = signum;
	lucet_tls_ctx.fault_addr = (uintptr_t)info->si_addr;

#if defined(__x86_64__)
	ucontext_t *uc = (ucontext_t *)ucontext_ptr;
	lucet_tls_ctx.rip = (uintptr_t)uc->uc_mcontext.gregs[REG_RIP];
#elif defined(__aarch64__)
	ucontext_t *uc = (ucontext_t *)ucontext_ptr;
	lucet_tls_ctx.rip = (uintptr_t)uc->uc_mcontext.pc;
#else
	lucet_tls_ctx.rip = 0;
#endif

	int verdict = 0; /* SignalNone */
	if (lucet_tls_ctx.override_handle != 0) {
		verdict = lucetSignalOverrideInvoke(lucet_tls_ctx.override_handle,
			lucet_tls_ctx.signum, lucet_tls_ctx.fault_addr, lucet_tls_ctx.rip);
	}
	lucet_tls_ctx.verdict = verdict;

	if (verdict == 1) {
		/* SignalContinue: return without unwinding. The kernel resumes
		 * the interrupted guest instruction via the ucontext this
		 * handler was invoked with; active stays set so a fault that
		 * recurs because nothing was actually remedied is still
		 * caught. */
		return;
	}

	lucet_tls_ctx.active = 0;
	siglongjmp(lucet_tls_ctx.jmpbuf, 1);
}

static int lucet_install_one(int signum, struct sigaction *old) {
	struct sigaction sa;
	memset(&sa, 0, sizeof(sa));
	sa.sa_sigaction = lucet_signal_handler;
	sa.sa_flags = SA_SIGINFO | SA_ONSTACK | SA_NODEFER;
	sigemptyset(&sa.sa_mask);
	return sigaction(signum, &sa, old);
}

static int lucet_sig_install(struct sigaction *old_segv, struct sigaction *old_bus,
	struct sigaction *old_ill, struct sigaction *old_fpe) {
	if (lucet_install_one(SIGSEGV, old_segv) != 0) return -1;
	if (lucet_install_one(SIGBUS, old_bus) != 0) return -1;
	if (lucet_install_one(SIGILL, old_ill) != 0) return -1;
	if (lucet_install_one(SIGFPE, old_fpe) != 0) return -1;
	return 0;
}

static int lucet_sig_restore(struct sigaction *old_segv, struct sigaction *old_bus,
	struct sigaction *old_ill, struct sigaction *old_fpe) {
	if (sigaction(SIGSEGV, old_segv, NULL) != 0) return -1;
	if (sigaction(SIGBUS, old_bus, NULL) != 0) return -1;
	if (sigaction(SIGILL, old_ill, NULL) != 0) return -1;
	if (sigaction(SIGFPE, old_fpe, NULL) != 0) return -1;
	return 0;
}

static int lucet_set_altstack(void *base, size_t len, stack_t *old) {
	stack_t ss;
	ss.ss_sp = base;
	ss.ss_size = len;
	ss.ss_flags = 0;
	return sigaltstack(&ss, old);
}

static int lucet_restore_altstack(stack_t *old) {
	return sigaltstack(old, NULL);
}

static int lucet_run_guarded(uintptr_t handle, uintptr_t override_handle) {
	lucet_tls_ctx.active = 1;
	lucet_tls_ctx.override_handle = override_handle;
	lucet_tls_ctx.verdict = 0;
	if (sigsetjmp(lucet_tls_ctx.jmpbuf, 1) != 0) {
		return 1;
	}
	lucetGoInvoke(handle);
	lucet_tls_ctx.active = 0;
	return 0;
}

static uintptr_t lucet_ctx_fault_addr(void) { return lucet_tls_ctx.fault_addr; }
static uintptr_t lucet_ctx_rip(void)        { return lucet_tls_ctx.rip; }
static int lucet_ctx_signum(void)           { return lucet_tls_ctx.signum; }
static int lucet_ctx_verdict(void)          { return lucet_tls_ctx.verdict; }
*/
import "C"

import (
	"fmt"
	"runtime/cgo"
	"sync"
	"unsafe"
)

var installOnce sync.Once
var installErr error
var savedSegv, savedBus, savedIll, savedFpe C.struct_sigaction

// InstallGlobalHandlers installs the SIGSEGV/SIGBUS/SIGILL/SIGFPE
// dispositions process-wide. Idempotent; safe to call once per Region
// (spec.md §4.7) or once at process startup. Signal dispositions are
// process-wide in POSIX, unlike the alternate stack and fault context
// below, which are per-thread.
func InstallGlobalHandlers() error {
	installOnce.Do(func() {
		if C.lucet_sig_install(&savedSegv, &savedBus, &savedIll, &savedFpe) != 0 {
			installErr = fmt.Errorf("sig: sigaction install failed")
		}
	})
	return installErr
}

// SignalVerdict is the embedder signal-handler override's return value,
// per spec.md §4.4 step 6.
type SignalVerdict int

const (
	// SignalNone is the default behaviour: record the fault and unwind
	// to the saved host context.
	SignalNone SignalVerdict = iota
	// SignalContinue resumes the guest at the faulting instruction. The
	// embedder is responsible for having remedied the fault's cause
	// before returning this verdict; the core does not validate it.
	SignalContinue
	// SignalTerminate unwinds to the host and transitions the Instance
	// straight to Terminated, bypassing Fault entirely.
	SignalTerminate
)

func (v SignalVerdict) String() string {
	switch v {
	case SignalNone:
		return "none"
	case SignalContinue:
		return "continue"
	case SignalTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// OverrideFunc is the embedder signal-handler override, invoked
// synchronously from inside the signal handler (see the package doc for
// why). signum/faultAddr/rip are exactly what the handler itself read
// from the siginfo_t/ucontext.
type OverrideFunc func(signum int, faultAddr, rip uintptr) SignalVerdict

// FaultInfo is what the signal handler recorded before unwinding, handed
// back to internal/instance for post-unwind classification (spec.md §4.4
// steps 3 onward, which run as ordinary Go code, not inside the handler).
// Verdict is only ever SignalNone or SignalTerminate here — a
// SignalContinue verdict never produces a FaultInfo at all, since it
// never unwinds.
type FaultInfo struct {
	Signum    int
	FaultAddr uintptr
	RIP       uintptr
	Verdict   SignalVerdict
}

// EnterAltStack installs stack (an Instance's Arena.SignalStack(), spec.md
// §4.2/§4.4) as this OS thread's alternate signal stack. The caller must
// have called runtime.LockOSThread first and keep it locked until the
// returned restore function has run, since sigaltstack is a per-thread kernel resource and a
// goroutine migrating mid-run would silently detach from it.
//
// stack must be backed by mmap'd memory (as Arena.SignalStack always is),
// not an ordinary Go-heap slice: the kernel retains this pointer for
// asynchronous use by the signal handler for as long as the alt stack is
// installed, which is only sound for memory the Go GC never moves or
// scans as a goroutine stack.
func EnterAltStack(stack []byte) (restore func() error, err error) {
	var old C.stack_t
	if C.lucet_set_altstack(unsafe.Pointer(&stack[0]), C.size_t(len(stack)), &old) != 0 {
		return nil, fmt.Errorf("sig: sigaltstack install failed")
	}
	return func() error {
		if C.lucet_restore_altstack(&old) != 0 {
			return fmt.Errorf("sig: sigaltstack restore failed")
		}
		return nil
	}, nil
}

// RunGuarded runs fn with this thread's signal handlers armed to catch a
// synchronous fault instead of crashing the process. override, if
// non-nil, is invoked from inside the handler itself for every fault
// (spec.md §4.4 step 6) before any unwinding decision is made; a nil
// override is equivalent to one that always returns SignalNone.
//
// RunGuarded returns a non-nil FaultInfo only if fn was interrupted by a
// fault that unwound (verdict None or Terminate); fn itself will not have
// run to completion in that case (control left it via siglongjmp, mid-
// instruction, exactly as spec.md §4.4 describes). A SignalContinue
// verdict resumes fn transparently — if the guest goes on to finish
// normally, RunGuarded returns nil, as if no fault had ever occurred. The
// caller must already hold runtime.LockOSThread and have called
// EnterAltStack on this thread.
func RunGuarded(fn func(), override OverrideFunc) *FaultInfo {
	h := cgo.NewHandle(fn)
	defer h.Delete()

	var overrideHandle C.uintptr_t
	if override != nil {
		oh := cgo.NewHandle(override)
		defer oh.Delete()
		overrideHandle = C.uintptr_t(oh)
	}

	if C.lucet_run_guarded(C.uintptr_t(h), overrideHandle) == 0 {
		return nil
	}
	return &FaultInfo{
		Signum:    int(C.lucet_ctx_signum()),
		FaultAddr: uintptr(C.lucet_ctx_fault_addr()),
		RIP:       uintptr(C.lucet_ctx_rip()),
		Verdict:   SignalVerdict(C.lucet_ctx_verdict()),
	}
}

//export lucetGoInvoke
func lucetGoInvoke(handle C.uintptr_t) {
	h := cgo.Handle(handle)
	fn := h.Value().(func())
	fn()
}

//export lucetSignalOverrideInvoke
func lucetSignalOverrideInvoke(handle C.uintptr_t, signum C.int, faultAddr, rip C.uintptr_t) (verdict C.int) {
	defer func() {
		if recover() != nil {
			// A panicking override can't safely unwind through the
			// interrupted guest frame it's running on top of; fail
			// closed rather than let the panic cross the C boundary.
			verdict = C.int(SignalTerminate)
		}
	}()
	fn := cgo.Handle(handle).Value().(OverrideFunc)
	return C.int(fn(int(signum), uintptr(faultAddr), uintptr(rip)))
}
