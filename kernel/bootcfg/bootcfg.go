// Package bootcfg collects the boot-time tunables the rest of the kernel
// reads through a single exported value, the way biscuit's limits package
// exposes Syslimit through one package-level Syslimit_t.
package bootcfg

// Config holds the tunables spec §6/§9 name as boot-time constants rather
// than values derived at runtime.
type Config struct {
	// TimerIntervalMS is the period, in milliseconds, between scheduler
	// preemption ticks (spec §4.6).
	TimerIntervalMS uint32

	// NVMeQueueDepth is the number of entries in each admin and I/O queue
	// pair (spec §5), before kernel/nvme.Init clamps it to the
	// controller's own CAP.MQES+1. Must be a power of two and at least 2.
	NVMeQueueDepth uint32

	// NVMeIOQueueCount is the number of I/O submission/completion queue
	// pairs created beyond the mandatory admin pair.
	NVMeIOQueueCount uint32

	// KernelStackPages is the number of 4KiB pages reserved for each task's
	// kernel-mode stack (spec §4.7).
	KernelStackPages uint32

	// TimeSliceTicks is the number of timer ticks a task runs before the
	// scheduler considers it for preemption (spec §4.8).
	TimeSliceTicks uint32

	// ECAMBase is the physical base address of the AArch64 PCI Express
	// Configuration Access Mechanism window, as handed down through a
	// BootInfo extension (spec §6's external-interfaces note on PCI
	// configuration access). Zero on x86-64, where kernel/pci instead
	// uses the legacy 0xCF8/0xCFC port pair.
	ECAMBase uint64
}

// Active is the configured boot-time tunables, reached through one
// exported variable for the whole kernel to read.
var Active *Config = Default()

// Default returns the baseline tunables used when the loader does not
// override them.
func Default() *Config {
	return &Config{
		TimerIntervalMS:  10,
		NVMeQueueDepth:   32,
		NVMeIOQueueCount: 1,
		KernelStackPages: 4,
		TimeSliceTicks:   5,
		ECAMBase:         0,
	}
}
