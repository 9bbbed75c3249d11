package task

import (
	"testing"
	"unsafe"

	"sylphia/kernel/bootcfg"
	"sylphia/kernel/bootinfo"
	"sylphia/kernel/heap"
	"sylphia/kernel/mem"
	"sylphia/kernel/vmm"
)

// realBackedBootInfo mirrors kernel/heap's helper of the same name: a
// synthetic BootInfo whose Conventional region is a real, page-aligned Go
// byte slice, since kernel/heap.Alloc (used by Create for the kernel
// stack) dereferences the bump allocator's backing memory directly.
func realBackedBootInfo(t *testing.T, frames uint64) *bootinfo.Info {
	t.Helper()
	region := make([]byte, (frames+1)*mem.PageSize)
	base := uintptr(unsafe.Pointer(&region[0]))
	aligned := uint64((base + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1))

	const headerSize = 52
	descSize := uint64(unsafe.Sizeof(bootinfo.MemDescriptor{}))
	buf := make([]byte, headerSize+descSize)
	desc := bootinfo.MemDescriptor{Type: bootinfo.MemConventional, PhysicalStart: aligned, NumPages: frames}
	*(*bootinfo.MemDescriptor)(unsafe.Pointer(&buf[headerSize])) = desc

	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU64(28, uint64(uintptr(unsafe.Pointer(&buf[headerSize]))))
	putU64(36, descSize)
	putU32(44, uint32(descSize))

	return bootinfo.Parse(uintptr(unsafe.Pointer(&buf[0])))
}

func setup(t *testing.T) *bootcfg.Config {
	t.Helper()
	mem.Init(realBackedBootInfo(t, 64))
	if err := heap.Init(16 * mem.PageSize); err != nil {
		t.Fatalf("heap.Init: %v", err)
	}
	return &bootcfg.Config{KernelStackPages: 2}
}

// User-task creation is not exercised here: vmm.CreateAddressSpace
// requires a kernel master table installed via vmm.InitIdentity, which
// ends by loading CR3 through a real assembly instruction with no
// meaning under a hosted test binary (the same limitation that keeps
// kernel/irq from testing Panic and kernel/timer from testing SleepMS's
// halt loop).

func TestCreateKernelTaskSeedsFrame(t *testing.T) {
	cfg := setup(t)
	kspace := &vmm.AddressSpace{}

	const entry = 0xffff_8000_0010_0000
	tk, err := Create(cfg, entry, false, kspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if tk.State != Ready {
		t.Fatalf("State = %v, want Ready", tk.State)
	}
	if tk.Space != kspace {
		t.Fatal("kernel task did not share the passed kernel address space")
	}
	if tk.Frame.RIP != entry {
		t.Fatalf("Frame.RIP = %#x, want %#x", tk.Frame.RIP, uint64(entry))
	}
	if tk.Frame.RFlags&rflagsIF == 0 {
		t.Fatal("seeded frame does not enable interrupts")
	}
	if tk.Frame.RSP != uint64(tk.KernelStackTop) {
		t.Fatalf("Frame.RSP = %#x, want kernel stack top %#x", tk.Frame.RSP, tk.KernelStackTop)
	}
	if tk.Frame.CS != kernelCodeSel || tk.Frame.SS != kernelDataSel {
		t.Fatalf("kernel task selectors = CS:%x SS:%x, want kernel selectors", tk.Frame.CS, tk.Frame.SS)
	}
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	cfg := setup(t)
	kspace := &vmm.AddressSpace{}

	a, err := Create(cfg, 0x1000, false, kspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := Create(cfg, 0x1000, false, kspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if b.ID <= a.ID {
		t.Fatalf("expected strictly increasing IDs, got %d then %d", a.ID, b.ID)
	}
}

func TestTerminateIsIdempotentForKernelTask(t *testing.T) {
	cfg := setup(t)
	kspace := &vmm.AddressSpace{}
	tk, err := Create(cfg, 0x1000, false, kspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	Terminate(tk)
	Terminate(tk)

	if tk.State != Terminated {
		t.Fatalf("State = %v, want Terminated", tk.State)
	}
	if tk.KernelStack != nil {
		t.Fatal("kernel stack not released on terminate")
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{Ready: "READY", Running: "RUNNING", Blocked: "BLOCKED", Terminated: "TERMINATED"}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestAccountingTadd(t *testing.T) {
	var a Accounting
	a.Tadd(5)
	a.Tadd(3)
	if a.Ticks != 8 {
		t.Fatalf("Ticks = %d, want 8", a.Ticks)
	}
}

func TestCurrentDefaultsNilThenTracksSetCurrent(t *testing.T) {
	cfg := setup(t)
	kspace := &vmm.AddressSpace{}
	tk, err := Create(cfg, 0x1000, false, kspace)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	SetCurrent(tk)
	if Current() != tk {
		t.Fatal("Current() did not return the task installed by SetCurrent")
	}
}
