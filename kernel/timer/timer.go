// Package timer is the periodic-preemption tick source (C6): it programs
// the local APIC timer (amd64) or generic timer (AArch64) for a fixed
// interval, advances a monotone tick counter on each interrupt, and
// invokes the scheduler's on-tick hook, grounded on
// original_source/kernel/apic.cpp's LocalAPIC::StartTimer.
package timer

import (
	"sync/atomic"

	"sylphia/kernel/arch"
	"sylphia/kernel/bootcfg"
	"sylphia/kernel/irq"
	"sylphia/kernel/klog"
	"sylphia/kernel/mem"
	"sylphia/kernel/vmm"
)

// Local APIC register offsets, relative to the LAPIC's MMIO base.
// Grounded on original_source/kernel/apic.cpp's LAPIC_* defines.
const (
	lapicEOI         = 0x0B0
	lapicSVR         = 0x0F0
	lapicLVTTimer    = 0x320
	lapicTimerInit   = 0x380
	lapicTimerCur    = 0x390
	lapicTimerDiv    = 0x3E0
	lapicDivideBy16  = 0x03
	lapicLVTPeriodic = 1 << 17
	lapicSVREnable   = 0x100
)

// lapicBase is the fixed physical address most PCs map the local APIC
// at. The original reads IA32_APIC_BASE to confirm this; like the
// original, this port skips that probe and trusts the common default.
const lapicBase = 0xFEE00000

// lapicVirtBase is the virtual address the MMIO window is mapped at
// once Init maps it. Zero means "not yet mapped".
var lapicVirtBase uintptr

// ticks is the monotone tick counter incremented on every timer IRQ.
var ticks uint64

// onTick is the scheduler's preemption entry, installed by Init's caller
// via SetOnTick. A mockable package var so tests can observe tick
// delivery without a real scheduler, mirroring kernel/vmm's installFn
// seam.
var onTick = func() {}

// SetOnTick installs the scheduler hook invoked on every tick. Typically
// called once, during boot, before interrupts are enabled.
func SetOnTick(fn func()) {
	if fn == nil {
		fn = func() {}
	}
	onTick = fn
}

// Ticks returns the number of timer interrupts delivered so far.
func Ticks() uint64 {
	return atomic.LoadUint64(&ticks)
}

// Init maps the local APIC's MMIO window into the kernel address space,
// enables it, and programs the timer for periodic interrupts at
// cfg.TimerIntervalMS on vector, then installs the IRQ handler. It does
// not enable interrupts; the caller does that once scheduling is ready
// to receive ticks.
func Init(as *vmm.AddressSpace, cfg *bootcfg.Config, vector irq.Vector) error {
	if lapicVirtBase == 0 {
		virt := uintptr(lapicBase) // identity-mapped region for MMIO, per kernel/vmm's InitIdentity
		if err := vmm.MapMMIO(virt, mem.Pa(lapicBase), uint64(mem.PageSize)); err != nil {
			return err
		}
		lapicVirtBase = uintptr(virt)
	}

	arch.SetMMIO32(lapicVirtBase+lapicSVR, lapicSVREnable|0xFF)

	irq.Install(vector, func(*irq.Registers) { handleTick() })

	startPeriodic(cfg.TimerIntervalMS, uint8(vector))
	klog.Printf("timer: lapic armed, interval=%dms vector=%d", cfg.TimerIntervalMS, vector)
	return nil
}

// handleTick is the body of the timer IRQ handler, split out from Init's
// irq.Install closure so it can be driven directly by tests without a
// real LAPIC mapping.
func handleTick() {
	atomic.AddUint64(&ticks, 1)
	onTick()
	arch.SetMMIO32(lapicVirtBase+lapicEOI, 0)
}

// startPeriodic programs the divide configuration, LVT timer entry and
// initial count for a periodic interrupt every intervalMS milliseconds.
//
// The initial-count formula assumes a fixed 1 GHz APIC input clock
// divided by 16 (62.5 MHz), giving 62500 counts per millisecond. This is
// the same fixed-frequency approximation original_source/kernel/apic.cpp
// uses (no PIT-calibration step exists in this kernel either), documented
// here as exactly that: an approximation, not a measured frequency.
func startPeriodic(intervalMS uint32, vector uint8) {
	arch.SetMMIO32(lapicVirtBase+lapicTimerDiv, lapicDivideBy16)
	arch.SetMMIO32(lapicVirtBase+lapicLVTTimer, lapicLVTPeriodic|uint32(vector))
	const countsPerMS = 62500
	arch.SetMMIO32(lapicVirtBase+lapicTimerInit, countsPerMS*intervalMS)
}

// SleepMS busy-waits on the tick counter until at least n milliseconds'
// worth of ticks have elapsed, per spec's "the core does not require a
// timer-wheel" note. Interrupts must be enabled for ticks to advance.
func SleepMS(cfg *bootcfg.Config, n uint32) {
	if cfg.TimerIntervalMS == 0 {
		return
	}
	want := (uint64(n) + uint64(cfg.TimerIntervalMS) - 1) / uint64(cfg.TimerIntervalMS)
	target := Ticks() + want
	for Ticks() < target {
		arch.Halt()
	}
}
