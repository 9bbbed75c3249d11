// Package irq is the interrupt/exception subsystem (C5): it owns the
// architecture interrupt-descriptor structure, routes vectors to
// registered handlers, and provides the panic path for the exceptions
// spec §4.4 names as fatal. Shaped on gopheros/kernel/gate's Registers
// snapshot and InterruptNumber vector enum, with named per-exception
// panic banners supplemented from the way
// original_source/kernel/interrupt.cpp's DivideErrorHandler,
// InvalidOpcodeHandler, and friends each print their own named banner
// instead of sharing one generic message.
package irq

import "sylphia/kernel/klog"

// Registers is a snapshot of CPU state at the point an interrupt,
// exception, or syscall entry fired.
type Registers struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP      uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	// Info carries the exception's error code, the syscall number, or the
	// IRQ number, depending on which vector fired.
	Info uint64

	// RIP/CS/RFlags/RSP/SS is the IRETQ return frame.
	RIP, CS, RFlags, RSP, SS uint64
}

// DumpTo writes the register snapshot through klog.Printf, the allocation
// -free formatter every other boot-time diagnostic in this kernel uses.
func (r *Registers) DumpTo() {
	klog.Printf("RAX=%16x RBX=%16x RCX=%16x RDX=%16x\n", r.RAX, r.RBX, r.RCX, r.RDX)
	klog.Printf("RSI=%16x RDI=%16x RBP=%16x\n", r.RSI, r.RDI, r.RBP)
	klog.Printf("R8 =%16x R9 =%16x R10=%16x R11=%16x\n", r.R8, r.R9, r.R10, r.R11)
	klog.Printf("R12=%16x R13=%16x R14=%16x R15=%16x\n", r.R12, r.R13, r.R14, r.R15)
	klog.Printf("RIP=%16x CS =%16x RFL=%16x\n", r.RIP, r.CS, r.RFlags)
	klog.Printf("RSP=%16x SS =%16x INFO=%16x\n", r.RSP, r.SS, r.Info)
}

// Vector identifies one IDT/GIC entry.
type Vector uint8

const (
	VecDivideError  Vector = 0
	VecNMI          Vector = 2
	VecBreakpoint   Vector = 3
	VecInvalidOp    Vector = 6
	VecDoubleFault  Vector = 8
	VecGPFault      Vector = 13
	VecPageFault    Vector = 14

	VecIRQBase   Vector = 32
	VecIRQLast   Vector = 47
	VecTimer     Vector = 32
	VecUSB       Vector = 33
)

// fatalVectors is the closed set of exceptions spec §4.4 requires to
// resolve to the named panic path rather than the generic one.
var fatalVectors = map[Vector]string{
	VecDivideError: "divide error",
	VecNMI:         "non-maskable interrupt",
	VecBreakpoint:  "breakpoint",
	VecInvalidOp:   "invalid opcode",
	VecDoubleFault: "double fault",
	VecGPFault:     "general protection fault",
	VecPageFault:   "page fault",
}

// Handler is invoked with the register snapshot captured at entry.
type Handler func(*Registers)

var handlers [256]Handler

// eoiFn acknowledges the interrupt controller (EOI on x86-APIC, EOIR on
// GIC) once a hardware IRQ handler returns. Indirected so kernel/irq does
// not itself depend on kernel/timer or a PIC/APIC driver package.
var eoiFn func(Vector)

// SetEOIFunc installs the controller-specific end-of-interrupt callback.
func SetEOIFunc(f func(Vector)) { eoiFn = f }

// Install registers handler for vector, overwriting any previous handler.
func Install(v Vector, handler Handler) {
	handlers[v] = handler
}

// Dispatch routes one interrupt/exception to its registered handler, or
// to the panic path if none is installed and the vector is in
// fatalVectors. Hardware IRQ handlers (vector in [VecIRQBase, VecIRQLast])
// are acknowledged to the controller after the handler returns, per spec
// §4.4's "acknowledge before returning" contract; handlers for those
// vectors must not block.
func Dispatch(v Vector, regs *Registers) {
	h := handlers[v]
	if h == nil {
		if name, fatal := fatalVectors[v]; fatal {
			Panic(name, v, regs)
		}
		Panic("unhandled interrupt", v, regs)
		return
	}
	h(regs)
	if v >= VecIRQBase && v <= VecIRQLast && eoiFn != nil {
		eoiFn(v)
	}
}

// Panic prints a named banner and the register snapshot, then halts.
// Every fatal exception in spec §4.4 and every vector with no installed
// handler routes here; there is no return from Panic.
func Panic(name string, v Vector, regs *Registers) {
	klog.Printf("\n*** kernel panic: %s (vector %d) ***\n", name, v)
	regs.DumpTo()
	haltForever()
}
