package irq

import "sylphia/kernel/arch"

// haltForever disables interrupts and spins on arch.Halt, the terminal
// state of every panic path; there is no return.
func haltForever() {
	arch.DisableInterrupts()
	for {
		arch.Halt()
	}
}

// Init installs the architecture's interrupt entry table: on x86-64 it
// masks the legacy PIC and builds and loads the IDT; on AArch64 it writes
// the exception vector table's address to VBAR_EL1. It does not program
// the GIC and does not unmask any interrupt-controller line. Every gate
// initially routes to Dispatch; callers install real handlers afterward
// via Install.
func Init() {
	initArchTable()
}
