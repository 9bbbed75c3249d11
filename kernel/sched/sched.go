// Package sched is the round-robin scheduler (C8): a FIFO ready queue,
// the preemption entry timer IRQs invoke, and the idle task every core
// must always have one of. Shaped on biscuit/src/fs/blk.go's BlkList_t, a
// container/list wrapper the teacher reuses for several FIFO-of-pointer
// needs; the teacher itself has no process scheduler in the retrieved
// fragment, so only the wrapper shape, not any scheduling policy, comes
// from it.
package sched

import (
	"container/list"
	"reflect"
	"sync"

	"sylphia/kernel/arch"
	"sylphia/kernel/bootcfg"
	"sylphia/kernel/irq"
	"sylphia/kernel/klog"
	"sylphia/kernel/task"
)

// readyQueue wraps a container/list.List of *task.Tcb, the same shape
// BlkList_t gives container/list for *Bdev_block_t.
type readyQueue struct {
	l  *list.List
	mu sync.Mutex
}

func newReadyQueue() *readyQueue {
	return &readyQueue{l: list.New()}
}

func (q *readyQueue) pushBack(t *task.Tcb) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.l.PushBack(t)
}

func (q *readyQueue) popFront() *task.Tcb {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*task.Tcb)
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.l.Len()
}

var ready = newReadyQueue()

// idle is the always-present task the scheduler dispatches into when the
// ready queue would otherwise be empty except for it. Never terminates,
// never leaves the ready rotation for long: spec §4.7 requires it be
// preempted exactly like any other task.
var idle *task.Tcb

// ticksLeft counts down TimeSliceTicks between forced yields, so
// OnTick's round-robin preemption fires once per slice rather than once
// per timer interrupt.
var ticksLeft uint32

// cfg is the active tunables, set by Init.
var cfg *bootcfg.Config

// switchFn is the task.SwitchContext seam: Yield and Start call it
// rather than task.SwitchContext directly so tests can verify ready-queue
// FIFO ordering and state transitions without executing the real
// architecture trampoline, which performs a privileged CR3/IRETQ
// sequence with no meaning under a hosted test binary. Mirrors
// kernel/vmm's installFn/flushFn indirection.
var switchFn = task.SwitchContext

// panicFn is the irq.Panic seam: faultHandler calls it rather than
// irq.Panic directly so tests can verify the kernel-mode-fault branch
// without executing the real halt loop, which never returns and disables
// interrupts via a privileged instruction a hosted test process cannot
// issue. Mirrors switchFn above.
var panicFn = irq.Panic

// SetIdle installs the idle task. Start panics if this has not been
// called first, mirroring spec's "no idle task is a fatal kernel bug".
func SetIdle(t *task.Tcb) { idle = t }

// AddReady appends t to the tail of the ready queue and marks it READY,
// per spec §4.7.
func AddReady(t *task.Tcb) {
	t.State = task.Ready
	ready.pushBack(t)
}

// Init records the boot-time tunables OnTick uses to decide when a time
// slice has expired.
func Init(c *bootcfg.Config) {
	cfg = c
	ticksLeft = c.TimeSliceTicks
}

// Yield moves the current task to the tail of the ready queue (if it is
// RUNNING), pops the head, marks it RUNNING, and switches to it. A no-op
// if the ready queue is empty and there is no current task to keep
// running (spec §4.7: "if queue empty, return").
func Yield() {
	cur := task.Current()
	next := ready.popFront()
	if next == nil {
		return
	}
	if cur != nil && cur.State == task.Running {
		cur.State = task.Ready
		ready.pushBack(cur)
	}
	task.SetCurrent(next)
	switchFn(cur, next)
}

// OnTick is the preemption entry invoked from the timer IRQ handler. It
// is equivalent to Yield but additionally paces preemption to once per
// TimeSliceTicks timer interrupts, and it is the one place in this
// package explicitly documented safe to call from interrupt context, per
// spec §4.7.
func OnTick() {
	if cfg == nil || cfg.TimeSliceTicks == 0 {
		Yield()
		return
	}
	ticksLeft--
	if ticksLeft > 0 {
		return
	}
	ticksLeft = cfg.TimeSliceTicks
	Yield()
}

// Start is the scheduler bootstrap: pop the first READY task (the idle
// task, if nothing else was made ready first) and dispatch into it
// without saving anything, since there is no prior task's state to
// preserve. Panics if no idle task was installed, even when the ready
// queue is not empty, per spec §4.7's failure semantics.
func Start() {
	if idle == nil {
		panic("sched: Start called with no idle task installed")
	}
	first := ready.popFront()
	if first == nil {
		first = idle
	}
	first.State = task.Running
	task.SetCurrent(first)
	switchFn(nil, first)
}

// ReadyLen reports the number of tasks presently waiting in the ready
// queue, excluding the currently RUNNING task. Exposed for diagnostics
// and tests.
func ReadyLen() int { return ready.len() }

// idleLoop is the idle task's entry function: halt until the next
// interrupt, forever. Installed by whatever boot sequence constructs the
// idle TCB via task.Create(cfg, idleLoopAddr, false, kernelSpace).
func idleLoop() {
	for {
		arch.Halt()
	}
}

// IdleEntry returns idleLoop's entry address, for use with
// task.Create(cfg, sched.IdleEntry(), false, kernelSpace). Boot code is
// expected to build the idle TCB from this and install it via SetIdle
// before calling Start.
func IdleEntry() uintptr {
	return reflect.ValueOf(idleLoop).Pointer()
}

// TimerHandler adapts OnTick to kernel/irq's handler signature. Boot code
// does not install it: kmain reaches OnTick through timer.SetOnTick, so
// kernel/timer's own handler on irq.VecTimer counts the tick and sends
// the EOI first. Installing TimerHandler on that vector would replace
// kernel/timer's handler.
func TimerHandler(*irq.Registers) { OnTick() }

// cplMask extracts a saved CS selector's requested privilege level; 0 is
// kernel mode, 3 is user mode, matching task.kernelCodeSel/userCodeSel's
// low two bits.
const cplMask = 0x3

// userFaultVectors is every exception vector spec §4.4's "exceptions in
// user mode terminate the task, not the kernel" rule applies to: the
// page fault spec.md uses as its illustrative example, plus the other
// fatal vectors ordinary user code can actually raise (#GP, #UD, #DE,
// #BP). #DF and #NMI are deliberately absent — neither can be
// attributed to a single faulting user task, so they stay
// unconditionally fatal via fatalVectors' default panic path.
var userFaultVectors = map[irq.Vector]string{
	irq.VecPageFault:   "page fault",
	irq.VecGPFault:     "general protection fault",
	irq.VecInvalidOp:   "invalid opcode",
	irq.VecDivideError: "divide error",
	irq.VecBreakpoint:  "breakpoint",
}

// InstallFaultHandlers wires every vector in userFaultVectors to
// faultHandler. Called once during C5 bring-up, after kernel/irq.Init.
func InstallFaultHandlers() {
	for v, name := range userFaultVectors {
		vec, faultName := v, name
		irq.Install(vec, func(regs *irq.Registers) { faultHandler(faultName, vec, regs) })
	}
}

// faultHandler is the shared CPL-checking routine PageFaultHandler and
// InstallFaultHandlers' other vectors all reduce to: a fault taken from
// user mode is recoverable — only the faulting task is terminated, and
// the scheduler moves on to the next READY task. A fault taken from
// kernel mode means the kernel itself hit the exception, the
// unconditionally fatal case irq.Panic exists for.
func faultHandler(name string, v irq.Vector, regs *irq.Registers) {
	if regs.CS&cplMask == 0 {
		panicFn(name, v, regs)
		return
	}
	cur := task.Current()
	if cur == nil {
		panicFn(name, v, regs)
		return
	}
	klog.Printf("sched: %s in task %d at RIP=0x%x, terminating\n", name, cur.ID, regs.RIP)
	task.Terminate(cur)
	Yield()
}

// PageFaultHandler wires kernel/irq's page-fault vector to the
// scheduler: irq.Install(irq.VecPageFault, sched.PageFaultHandler). Kept
// as its own named entry point since spec.md calls out the page fault
// as its worked example (scenario S3); it is now just faultHandler bound
// to VecPageFault. InstallFaultHandlers wires the remaining vectors in
// userFaultVectors the same way in one call.
func PageFaultHandler(regs *irq.Registers) { faultHandler("page fault", irq.VecPageFault, regs) }
