// Package arch exposes the architecture-specific primitives (C1) every
// other kernel package builds on: port/MMIO access, TLB and cache
// maintenance, interrupt enable/disable, and CPU halt. The primitives
// themselves are declared here with no body and implemented in
// architecture-specific assembly, the same split gopheros/kernel/cpu uses
// between its cpu_amd64.go declarations and their assembly bodies.
package arch

// DisableInterrupts masks maskable interrupts on the current CPU.
func DisableInterrupts()

// EnableInterrupts unmasks maskable interrupts on the current CPU.
func EnableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// FlushTLBEntry invalidates the TLB entry for a single virtual address.
func FlushTLBEntry(virt uintptr)

// FlushTLBAll reloads the root page table pointer, invalidating every
// non-global TLB entry.
func FlushTLBAll()

// LoadPageTableRoot installs phys as the active top-level page table and
// flushes the TLB.
func LoadPageTableRoot(phys uintptr)

// ActivePageTableRoot returns the physical address of the currently
// active top-level page table.
func ActivePageTableRoot() uintptr

// In8 reads a byte from the given port. AArch64 has no port space; there
// it always returns 0.
func In8(port uint16) uint8

// Out8 writes a byte to the given port.
func Out8(port uint16, val uint8)

// In32 reads a 32-bit word from the given port.
func In32(port uint16) uint32

// Out32 writes a 32-bit word to the given port.
func Out32(port uint16, val uint32)

// Pause emits the architecture-appropriate spin-wait hint (PAUSE on
// amd64, YIELD on AArch64) for busy-polling loops such as kernel/nvme's
// completion-queue wait, the same role the source's PAUSE() macro plays.
func Pause()

// StoreFence orders all prior stores before any subsequent store (SFENCE
// on amd64, DMB ISHST on AArch64). spec's REDESIGN FLAGS section
// prescribes this narrow barrier in place of the source's coarse wbinvd
// before an NVMe doorbell write.
func StoreFence()
