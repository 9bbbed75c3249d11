package irq

import "testing"

func resetHandlers() {
	for i := range handlers {
		handlers[i] = nil
	}
	eoiFn = nil
}

func TestDispatchRoutesToInstalledHandler(t *testing.T) {
	resetHandlers()
	called := false
	Install(VecTimer, func(r *Registers) { called = true })

	Dispatch(VecTimer, &Registers{})
	if !called {
		t.Fatal("installed handler was not invoked")
	}
}

func TestDispatchAcknowledgesHardwareIRQs(t *testing.T) {
	resetHandlers()
	Install(VecTimer, func(*Registers) {})
	var acked Vector
	SetEOIFunc(func(v Vector) { acked = v })

	Dispatch(VecTimer, &Registers{})
	if acked != VecTimer {
		t.Fatalf("eoiFn called with %v, want %v", acked, VecTimer)
	}
}

func TestDispatchDoesNotAcknowledgeExceptions(t *testing.T) {
	resetHandlers()
	Install(VecBreakpoint, func(*Registers) {})
	ackCount := 0
	SetEOIFunc(func(Vector) { ackCount++ })

	Dispatch(VecBreakpoint, &Registers{})
	if ackCount != 0 {
		t.Fatalf("eoiFn called %d times for a non-IRQ vector, want 0", ackCount)
	}
}

func TestFatalVectorsCoverSpecSubset(t *testing.T) {
	want := []Vector{VecDivideError, VecNMI, VecBreakpoint, VecInvalidOp, VecDoubleFault, VecGPFault, VecPageFault}
	for _, v := range want {
		if _, ok := fatalVectors[v]; !ok {
			t.Errorf("vector %d missing from fatalVectors", v)
		}
	}
}
