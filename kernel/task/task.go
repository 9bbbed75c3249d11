// Package task is the TCB and context-switch subsystem (C7): it owns
// task creation, the saved register frame a switch restores into, and
// per-task kernel/user stack lifetime. Shaped on biscuit/src/tinfo/tinfo.go's
// current-thread pointer and biscuit/src/accnt/accnt.go's embedded
// per-task accounting, adapted from a wall-clock-time ledger (tinfo's
// runtime ran hosted, with a real clock) to a tick-counted one, since
// this kernel has no clock besides kernel/timer's monotone counter.
package task

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"sylphia/kernel/bootcfg"
	"sylphia/kernel/heap"
	"sylphia/kernel/irq"
	"sylphia/kernel/kerrors"
	"sylphia/kernel/mem"
	"sylphia/kernel/vmm"
)

// State is one of the task lifecycle states spec §4.7's state machine
// names.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Terminated:
		return "TERMINATED"
	default:
		return "UNKNOWN"
	}
}

// Accounting accumulates per-task tick consumption, the tick-counted
// analogue of biscuit/src/accnt/accnt.go's Accnt_t nanosecond ledger.
type Accounting struct {
	Ticks int64
}

// Tadd adds delta ticks to the task's consumed-tick counter.
func (a *Accounting) Tadd(delta int64) {
	atomic.AddInt64(&a.Ticks, delta)
}

// Id identifies a task for the lifetime of the kernel.
type Id uint64

var nextID uint64

// Tcb is a task control block: spec §4.6's saved register frame plus the
// bookkeeping the scheduler and syscall layers need to manage it.
type Tcb struct {
	ID    Id
	State State
	IsUser bool

	// Frame is the saved register/flags/segment/address-space snapshot a
	// switch restores into; when State != Running this is always a
	// consistent "about to resume here" image.
	Frame irq.Registers

	// Space is the task's address space: the shared kernel space for
	// kernel tasks, a private space for user tasks.
	Space *vmm.AddressSpace

	// KernelStack is the task's private kernel-mode stack; KernelStackTop
	// is the initial RSP seeded into Frame.
	KernelStack    []byte
	KernelStackTop uintptr

	// UserStackTop is non-zero only for user tasks: the fixed virtual
	// address spec §4.6 seeds as the initial user RSP.
	UserStackTop uintptr

	Accounting Accounting

	mu sync.Mutex
}

// userStackVirt is the fixed virtual address spec §4.6 mandates for
// every user task's 64 KiB stack.
const (
	userStackVirt = 0x0000_7000_0000_0000
	userStackSize = 64 * 1024

	kernelCodeSel = 0x08
	kernelDataSel = 0x10
	userCodeSel   = 0x1b // RPL 3
	userDataSel   = 0x23 // RPL 3
	rflagsIF      = 1 << 9
)

// current is the TCB of the task presently RUNNING, the same role
// tinfo.Current()/SetCurrent() play via a thread-local pointer; this
// kernel has exactly one hardware thread, so a plain package variable
// suffices in place of the teacher's per-OS-thread runtime slot.
var current *Tcb

// Current returns the presently RUNNING task, or nil before the first
// dispatch.
func Current() *Tcb { return current }

// SetCurrent installs t as the RUNNING task. Exported for package sched
// so the scheduler, not this package, owns the policy of when a switch
// happens.
func SetCurrent(t *Tcb) { current = t }

// Create allocates a TCB, a kernel stack sized per cfg.KernelStackPages,
// and (for user tasks) a private address space, then seeds Frame so a
// future restore behaves as if entry had just been called with interrupts
// enabled and the appropriate privilege selectors, per spec §4.6. For a
// user task the stack pointer is seeded to UserStackTop, but Create does
// not allocate or map any user stack pages below it.
func Create(cfg *bootcfg.Config, entry uintptr, isUser bool, kernelSpace *vmm.AddressSpace) (*Tcb, error) {
	stackBytes := uintptr(cfg.KernelStackPages) * uintptr(mem.PageSize)
	stack, err := heap.Alloc(stackBytes, 16, true)
	if err != nil {
		return nil, err
	}

	t := &Tcb{
		ID:     Id(atomic.AddUint64(&nextID, 1)),
		State:  Ready,
		IsUser: isUser,
	}
	t.KernelStack = unsafe.Slice((*byte)(stack), stackBytes)
	t.KernelStackTop = uintptr(stack) + stackBytes

	if isUser {
		space, err := vmm.CreateAddressSpace()
		if err != nil {
			return nil, err
		}
		// The user stack's backing frames are allocated by the caller's
		// image loader in the general case; a bare task created for
		// testing/idle purposes maps nothing further here beyond the
		// address space itself, matching spec's silence on how a user
		// task's non-stack pages get populated (an image-loader concern
		// outside this module's scope).
		t.Space = space
		t.UserStackTop = userStackVirt + userStackSize
		seedUserFrame(t, entry)
	} else {
		t.Space = kernelSpace
		seedKernelFrame(t, entry)
	}

	return t, nil
}

// seedKernelFrame arranges Frame so SwitchContext's restore path resumes
// into entry with interrupts enabled, kernel code/data selectors, and
// RSP at the top of the freshly allocated kernel stack.
func seedKernelFrame(t *Tcb, entry uintptr) {
	t.Frame = irq.Registers{
		RIP:    uint64(entry),
		CS:     kernelCodeSel,
		RFlags: rflagsIF,
		RSP:    uint64(t.KernelStackTop),
		SS:     kernelDataSel,
	}
}

// seedUserFrame arranges Frame so the first dispatch into t drops to
// user mode at entry with RSP at the top of its 64 KiB user stack, per
// spec §4.6.
func seedUserFrame(t *Tcb, entry uintptr) {
	t.Frame = irq.Registers{
		RIP:    uint64(entry),
		CS:     userCodeSel,
		RFlags: rflagsIF,
		RSP:    uint64(t.UserStackTop),
		SS:     userDataSel,
	}
}

// Terminate removes t from any queue the caller already detached it
// from, marks it TERMINATED, and frees its owned resources: user address
// space (if any), kernel stack, and the TCB's heap allocation itself is
// left to the garbage-free bump heap (kernel/heap.Free is documented as
// a no-op; the TCB becomes unreachable once the caller drops its
// reference).
func Terminate(t *Tcb) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == Terminated {
		return
	}
	t.State = Terminated
	if t.IsUser && t.Space != nil {
		vmm.DestroyAddressSpace(t.Space)
		t.Space = nil
	}
	t.KernelStack = nil
}

// SwitchContext saves the caller's full register/flags/segment/address-
// space state into from's Frame (a no-op when from is nil, the very
// first dispatch, per spec §4.6's explicit "safe to call with from ==
// NULL" requirement), then restores to's Frame and resumes at its saved
// RIP. The actual register save/restore is architecture assembly;
// switchContextAsm receives the two Frame pointers and the new address
// space's top-level physical root.
func SwitchContext(from, to *Tcb) {
	if to == nil {
		panic(kerrors.New("task", kerrors.InvalidArgument, "SwitchContext to nil").Error())
	}
	var fromFrame *irq.Registers
	if from != nil {
		fromFrame = &from.Frame
	}
	to.State = Running
	switchContextAsm(fromFrame, &to.Frame, addressSpaceRoot(to))
}

// addressSpaceRoot reads the physical root a switch into t must install.
// It returns 0, which leaves the active root in place, only when t has no
// address space at all; a kernel task's shared kernel space is returned
// like any other.
func addressSpaceRoot(t *Tcb) uintptr {
	if t.Space == nil {
		return 0
	}
	return uintptr(t.Space.Root) * uintptr(mem.PageSize)
}

// switchContextAsm is the architecture trampoline: it saves the current
// callee-/caller-save registers, flags, segment selectors and extended
// state into from (skipped when from == nil), loads root into the
// page-table-root register when root != 0, then restores the same state
// from to and resumes at to.RIP. Declared here with no body; implemented
// in task_amd64.s/task_arm64.s, the same split kernel/arch documents for
// its own bodyless primitives.
func switchContextAsm(from, to *irq.Registers, root uintptr)
