package irq

// AArch64 has no IDT: a fixed, 2 KiB-aligned vector table holds 16 entry
// points (4 exception classes x {EL1t, EL1h, EL0 AArch64, EL0 AArch32}),
// each a short code stub rather than a per-interrupt-number gate. Vector
// identity for an IRQ therefore comes from reading the GIC's interrupt
// acknowledge register inside the IRQ stub, not from a pushed constant
// the way the amd64 per-vector trampolines work.

// vectorTable is the 2 KiB-aligned AArch64 exception vector table;
// installed into VBAR_EL1 by installVectorTable.
func vectorTable()

// installVectorTable writes vectorTable's address into VBAR_EL1.
func installVectorTable()

// dispatchFromIRQStub is the Go call target for the EL1h IRQ vector; it
// reads the GIC CPU interface's acknowledge register to learn which
// interrupt fired and dispatches it. It does not write the GIC's EOIR
// itself; acknowledgement is left to Dispatch's EOI callback, as for
// amd64 IRQs.
func dispatchFromIRQStub(gicIAR uint32, regs *Registers) {
	v := Vector(gicIAR & 0x3ff)
	Dispatch(v, regs)
}

// dispatchFromSyncStub is the Go call target for the EL1h synchronous
// exception vector (the AArch64 analogue of amd64's fault vectors); esr
// is ESR_EL1, holding the exception class the panic path's banner is
// chosen from.
func dispatchFromSyncStub(esr uint64, regs *Registers) {
	v := syncVectorFromESR(esr)
	Dispatch(v, regs)
}

// syncVectorFromESR maps the ESR_EL1 exception class field (bits 31:26)
// to the closest amd64-named vector this package already has a banner
// for, so the panic path stays architecture-neutral above this file.
func syncVectorFromESR(esr uint64) Vector {
	switch (esr >> 26) & 0x3f {
	case 0x21, 0x25: // instruction/data abort
		return VecPageFault
	case 0x0e: // illegal execution state
		return VecInvalidOp
	default:
		return VecGPFault
	}
}

func initArchTable() {
	installVectorTable()
}
