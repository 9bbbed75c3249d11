// Package kmain is the single Go entry point the architecture rt0
// trampoline calls into once it has built a minimal stack and GDT/IDT
// stub and dropped to long mode (amd64) or EL1 (arm64), grounded on
// gopher-os/kernel/kmain's own Kmain(multibootInfoPtr, kernelStart,
// kernelEnd uintptr): the loader hands over the raw BootInfo pointer and
// the kernel's own load addresses as plain arguments rather than via any
// linker-symbol trick, and Kmain is documented as never expected to
// return.
//
// The rt0 trampoline itself (GDT/IDT descriptor tables, initial stack,
// the mode switch into the Go-callable state Kmain assumes) is
// necessarily hand-written architecture assembly with no Go-portable
// expression and no equivalent in the retrieved teacher/pack fragments
// (biscuit's own rt0 lives in the parts of that repo outside what was
// retrieved into this exercise's pack; gopher-os's is referenced only in
// comments, not reproduced, for the same reason). It is out of this
// package's scope; Kmain documents the contract rt0 must satisfy before
// calling it and picks up from there.
package kmain

import (
	"sylphia/kernel/arch"
	"sylphia/kernel/bootcfg"
	"sylphia/kernel/bootinfo"
	"sylphia/kernel/heap"
	"sylphia/kernel/irq"
	"sylphia/kernel/klog"
	"sylphia/kernel/mem"
	"sylphia/kernel/nvme"
	"sylphia/kernel/pci"
	"sylphia/kernel/sched"
	"sylphia/kernel/task"
	"sylphia/kernel/timer"
	"sylphia/kernel/vmm"
)

// initialHeapBytes is the size of the block kernel/heap reserves from
// the PMM at boot, sized generously above what Identify/PRP-list
// allocations and TCB bookkeeping need during steady-state operation.
const initialHeapBytes = 4 << 20

// nvmeBARWindow is the size of the MMIO window mapped for an NVMe
// controller's BAR0: enough to cover the registers kernel/nvme.Init
// touches (CAP..AQA) plus several queues' worth of doorbell registers.
const nvmeBARWindow = 16 << 10

// Kmain sequences the kernel's boot-time data flow exactly as spec §2
// describes it: C1 (already live — rt0 has set up the stack/GDT/IDT
// stub by the time this runs) initializes C2→C3→C4→C5→C6, constructs an
// idle task plus any caller-supplied system tasks via C7, enables C8,
// then unmasks interrupts. Kmain does not return; rt0 halts the CPU if
// it ever does.
//
// bootInfoPtr is the physical address of the firmware BootInfo
// structure (spec §6). kernelCodeStart/kernelCodeEnd bound the
// kernel's own loaded image, so C3's identity map can leave it
// executable while marking the rest of RAM NX. systemTaskEntries are
// entry addresses for any user tasks the loader wants running at boot
// beyond the mandatory idle task (e.g. an init process); a boot image
// with none simply passes an empty slice.
//
//go:noinline
func Kmain(bootInfoPtr uintptr, kernelCodeStart, kernelCodeEnd uint64, systemTaskEntries []uintptr) {
	bi := bootinfo.Parse(bootInfoPtr)
	cfg := bootcfg.Active

	upper := mem.Init(bi)

	kernelSpace, err := vmm.InitIdentity(upper, kernelCodeStart, kernelCodeEnd)
	if err != nil {
		panic(err)
	}

	if err := heap.Init(initialHeapBytes); err != nil {
		panic(err)
	}

	irq.Init()

	if err := timer.Init(kernelSpace, cfg, irq.VecTimer); err != nil {
		panic(err)
	}

	sched.Init(cfg)

	idleTask, err := task.Create(cfg, sched.IdleEntry(), false, kernelSpace)
	if err != nil {
		panic(err)
	}
	sched.SetIdle(idleTask)

	for _, entry := range systemTaskEntries {
		t, err := task.Create(cfg, entry, true, kernelSpace)
		if err != nil {
			klog.Printf("kmain: system task at 0x%x failed to start: %s\n", entry, err.Error())
			continue
		}
		sched.AddReady(t)
	}

	sched.InstallFaultHandlers()
	timer.SetOnTick(sched.OnTick)

	probeNVMe(cfg)

	arch.EnableInterrupts()
	sched.Start()

	// Start never returns (it dispatches into a task and that task's own
	// context switches take over the CPU from here); this line exists
	// only so the compiler does not treat the unreachable tail as proof
	// Kmain can fall off the end.
	panic("kmain: sched.Start returned")
}

// probeNVMe looks for an NVMe controller on the configuration-space bus
// this architecture exposes (legacy ports on amd64, ECAM on arm64 per
// cfg.ECAMBase) and brings it up if one is found. Absence of a
// controller is not fatal: a boot image with no block storage attached
// (e.g. a scheduler-only test image) still reaches sched.Start.
func probeNVMe(cfg *bootcfg.Config) {
	var accessor *pci.Accessor
	if cfg.ECAMBase != 0 {
		accessor = pci.NewECAMAccessor(uintptr(cfg.ECAMBase))
	} else {
		accessor = pci.NewPortAccessor()
	}

	addr, ok := accessor.FindNVMeController()
	if !ok {
		klog.Printf("kmain: no NVMe controller found\n")
		return
	}

	accessor.EnableMemoryAndBusMaster(addr)
	bar := uintptr(accessor.BAR(addr, 0))

	if err := vmm.MapMMIO(bar, mem.Pa(bar), nvmeBARWindow); err != nil {
		klog.Printf("kmain: failed to map NVMe BAR0: %s\n", err.Error())
		return
	}

	if _, err := nvme.Init(bar, cfg); err != nil {
		klog.Printf("kmain: NVMe bring-up failed: %s\n", err.Error())
	}
}
