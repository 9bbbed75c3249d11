package sched

import (
	"testing"

	"sylphia/kernel/bootcfg"
	"sylphia/kernel/irq"
	"sylphia/kernel/task"
)

// withMockSwitch replaces switchFn with a bookkeeping stub that records
// the (from, to) pairs passed to it instead of executing the real
// architecture trampoline, then restores the previous value on cleanup.
func withMockSwitch(t *testing.T) *[][2]*task.Tcb {
	t.Helper()
	var calls [][2]*task.Tcb
	prev := switchFn
	switchFn = func(from, to *task.Tcb) {
		calls = append(calls, [2]*task.Tcb{from, to})
	}
	t.Cleanup(func() {
		switchFn = prev
		ready = newReadyQueue()
		idle = nil
		cfg = nil
		ticksLeft = 0
		task.SetCurrent(nil)
	})
	return &calls
}

func freshTcb(id task.Id) *task.Tcb {
	t := &task.Tcb{ID: id, State: task.Ready}
	return t
}

func TestAddReadyMarksStateReady(t *testing.T) {
	withMockSwitch(t)
	tk := &task.Tcb{State: task.Blocked}
	AddReady(tk)
	if tk.State != task.Ready {
		t.Fatalf("State = %v, want Ready", tk.State)
	}
	if ReadyLen() != 1 {
		t.Fatalf("ReadyLen() = %d, want 1", ReadyLen())
	}
}

func TestYieldRotatesStrictFIFO(t *testing.T) {
	calls := withMockSwitch(t)
	a, b, c := freshTcb(1), freshTcb(2), freshTcb(3)
	AddReady(a)
	AddReady(b)
	AddReady(c)

	// First Yield with no current task: pops a, nothing re-queued.
	Yield()
	if task.Current() != a {
		t.Fatalf("Current() = %v, want a", task.Current())
	}
	if ReadyLen() != 2 {
		t.Fatalf("ReadyLen() after first Yield = %d, want 2", ReadyLen())
	}

	a.State = task.Running
	Yield() // a -> tail, pop b
	if task.Current() != b {
		t.Fatalf("Current() = %v, want b", task.Current())
	}

	b.State = task.Running
	Yield() // b -> tail, pop c
	if task.Current() != c {
		t.Fatalf("Current() = %v, want c", task.Current())
	}

	c.State = task.Running
	Yield() // c -> tail, pop a (rotation completes: a b c a)
	if task.Current() != a {
		t.Fatalf("Current() = %v, want a after full rotation", task.Current())
	}

	want := []*task.Tcb{a, b, c, a}
	if len(*calls) != len(want) {
		t.Fatalf("switchFn called %d times, want %d", len(*calls), len(want))
	}
	for i, w := range want {
		if (*calls)[i][1] != w {
			t.Fatalf("call %d switched to %v, want %v", i, (*calls)[i][1], w)
		}
	}
}

func TestYieldWithEmptyQueueAndNoCurrentIsNoop(t *testing.T) {
	calls := withMockSwitch(t)
	task.SetCurrent(nil)
	Yield()
	if len(*calls) != 0 {
		t.Fatalf("switchFn called %d times on empty-queue/no-current Yield, want 0", len(*calls))
	}
}

func TestOnTickPacesToTimeSliceTicks(t *testing.T) {
	calls := withMockSwitch(t)
	Init(&bootcfg.Config{TimeSliceTicks: 3})
	a := freshTcb(1)
	AddReady(a)
	task.SetCurrent(nil)

	OnTick() // ticksLeft 3->2, no yield
	OnTick() // ticksLeft 2->1, no yield
	if len(*calls) != 0 {
		t.Fatalf("switchFn called before time slice expired: %d calls", len(*calls))
	}
	OnTick() // ticksLeft 1->0... this call's decrement reaches 0 and triggers yield
	if len(*calls) != 1 {
		t.Fatalf("switchFn called %d times after time slice expired, want 1", len(*calls))
	}
}

func TestStartDispatchesIdleWhenQueueEmpty(t *testing.T) {
	calls := withMockSwitch(t)
	idleT := freshTcb(99)
	SetIdle(idleT)

	Start()

	if task.Current() != idleT {
		t.Fatalf("Current() = %v, want idle task", task.Current())
	}
	if len(*calls) != 1 || (*calls)[0][0] != nil || (*calls)[0][1] != idleT {
		t.Fatalf("Start did not switch(nil, idle): calls=%v", *calls)
	}
}

func TestPageFaultHandlerTerminatesOnlyFaultingUserTask(t *testing.T) {
	calls := withMockSwitch(t)
	other := freshTcb(2)
	AddReady(other)
	faulting := freshTcb(1)
	faulting.State = task.Running
	faulting.IsUser = true
	task.SetCurrent(faulting)

	// CS 0x23 (RPL 3, per task.go's userDataSel) marks a fault taken from
	// user mode.
	PageFaultHandler(&irq.Registers{CS: 0x23, RIP: 0xDEAD_BEEF_0000})

	if faulting.State != task.Terminated {
		t.Fatalf("faulting task State = %v, want Terminated", faulting.State)
	}
	if task.Current() != other {
		t.Fatalf("Current() = %v, want the other ready task to have been scheduled in", task.Current())
	}
	if len(*calls) != 1 || (*calls)[0][1] != other {
		t.Fatalf("switchFn calls = %v, want a single switch into the other task", *calls)
	}
}

func TestPageFaultHandlerPanicsFromKernelMode(t *testing.T) {
	withMockSwitch(t)
	prevPanic := panicFn
	var gotName string
	var gotVec irq.Vector
	panicFn = func(name string, v irq.Vector, regs *irq.Registers) {
		gotName, gotVec = name, v
	}
	t.Cleanup(func() { panicFn = prevPanic })

	ktask := freshTcb(1)
	ktask.State = task.Running
	ktask.IsUser = false
	task.SetCurrent(ktask)

	// CS 0x08 (RPL 0, per task.go's kernelCodeSel) marks a fault taken
	// from kernel mode.
	PageFaultHandler(&irq.Registers{CS: 0x08, RIP: 0xFFFF_FFFF_8000_0000})

	if gotVec != irq.VecPageFault || gotName == "" {
		t.Fatalf("panicFn called with (%q, %v), want a page-fault panic", gotName, gotVec)
	}
	if ktask.State != task.Running {
		t.Fatalf("kernel task State = %v, want unchanged Running after a fatal fault", ktask.State)
	}
}

func TestInstallFaultHandlersCoversEveryUserFaultVector(t *testing.T) {
	for _, v := range []irq.Vector{irq.VecPageFault, irq.VecGPFault, irq.VecInvalidOp, irq.VecDivideError, irq.VecBreakpoint} {
		if _, ok := userFaultVectors[v]; !ok {
			t.Errorf("vector %d missing from userFaultVectors", v)
		}
	}
}

func TestFaultHandlerTerminatesOnlyFaultingUserTaskForGPFault(t *testing.T) {
	calls := withMockSwitch(t)
	other := freshTcb(2)
	AddReady(other)
	faulting := freshTcb(1)
	faulting.State = task.Running
	faulting.IsUser = true
	task.SetCurrent(faulting)

	// CS 0x23 (RPL 3) marks a fault taken from user mode.
	faultHandler("general protection fault", irq.VecGPFault, &irq.Registers{CS: 0x23})

	if faulting.State != task.Terminated {
		t.Fatalf("faulting task State = %v, want Terminated", faulting.State)
	}
	if task.Current() != other {
		t.Fatalf("Current() = %v, want the other ready task to have been scheduled in", task.Current())
	}
	if len(*calls) != 1 || (*calls)[0][1] != other {
		t.Fatalf("switchFn calls = %v, want a single switch into the other task", *calls)
	}
}

func TestFaultHandlerPanicsFromKernelModeForDivideError(t *testing.T) {
	withMockSwitch(t)
	prevPanic := panicFn
	var gotName string
	var gotVec irq.Vector
	panicFn = func(name string, v irq.Vector, regs *irq.Registers) {
		gotName, gotVec = name, v
	}
	t.Cleanup(func() { panicFn = prevPanic })

	ktask := freshTcb(1)
	ktask.State = task.Running
	task.SetCurrent(ktask)

	// CS 0x08 (RPL 0) marks a fault taken from kernel mode.
	faultHandler("divide error", irq.VecDivideError, &irq.Registers{CS: 0x08})

	if gotVec != irq.VecDivideError || gotName != "divide error" {
		t.Fatalf("panicFn called with (%q, %v), want a divide-error panic", gotName, gotVec)
	}
	if ktask.State != task.Running {
		t.Fatalf("kernel task State = %v, want unchanged Running after a fatal fault", ktask.State)
	}
}

func TestStartPanicsWithoutIdle(t *testing.T) {
	withMockSwitch(t)
	defer func() {
		if recover() == nil {
			t.Fatal("expected Start with no idle task to panic")
		}
	}()
	Start()
}
