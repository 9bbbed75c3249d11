package irq

import (
	"unsafe"

	"sylphia/kernel/arch"
	"sylphia/kernel/mem"
	"sylphia/kernel/vmm"
)

// gateEntry is one amd64 IDT descriptor: a 64-bit interrupt gate,
// selector/type/attr fields laid out per the Intel SDM's gate-descriptor
// format, pointing at the generated per-vector stub in vectorStubs.
type gateEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

var idt [256]gateEntry

const (
	gateTypeInterrupt = 0x8E // present, DPL=0, 32/64-bit interrupt gate
	kernelCodeSel     = 0x08

	// stubSize is the length, in bytes, of each generated per-vector
	// trampoline: `6A ib` (push imm8, the vector number) followed by
	// `E9 rel32` (jmp commonStub).
	stubSize = 7
)

func buildGate(stub uintptr) gateEntry {
	return gateEntry{
		offsetLow:  uint16(stub),
		selector:   kernelCodeSel,
		ist:        0,
		typeAttr:   gateTypeInterrupt,
		offsetMid:  uint16(stub >> 16),
		offsetHigh: uint32(stub >> 32),
	}
}

// idtDescriptor is the LIDT operand: a 10-byte {limit, base} pair.
type idtDescriptor struct {
	limit uint16
	base  uint64
}

var idtr idtDescriptor

var vectorStubs []byte

// buildVectorStubs assembles 256 tiny trampolines into one executable
// buffer, one per IDT slot, since a single shared stub cannot tell the
// CPU which vector fired: each gate must push its own vector number
// before falling through to the shared dispatch path. Real kernels
// either hand-write 256 near-identical blocks (gopheros/kernel/gate's
// interruptGateEntries generator does this at Go-compile time) or
// synthesize them at init; this kernel synthesizes them, since 256
// duplicated assembly blocks would dwarf the rest of this package for no
// behavioral difference.
func buildVectorStubs(commonStubAddr uintptr) []byte {
	buf := make([]byte, 256*stubSize)
	for v := 0; v < 256; v++ {
		base := v * stubSize
		buf[base+0] = 0x6A     // push imm8
		buf[base+1] = byte(v)  // the vector number
		buf[base+2] = 0xE9     // jmp rel32
		next := uintptr(unsafe.Pointer(&buf[base+7]))
		rel := int32(int64(commonStubAddr) - int64(next))
		buf[base+3] = byte(rel)
		buf[base+4] = byte(rel >> 8)
		buf[base+5] = byte(rel >> 16)
		buf[base+6] = byte(rel >> 24)
	}
	return buf
}

// commonStub is the shared assembly entry point every generated
// trampoline jumps to after pushing its vector number. It saves the
// general-purpose registers in Registers order, calls dispatchFromStub,
// restores registers, pops the vector number, and IRETQs.
func commonStub()

// dispatchFromStub is commonStub's call target once registers are saved.
func dispatchFromStub(v uint8, regs *Registers) {
	Dispatch(Vector(v), regs)
}

// loadIDT executes the LIDT instruction with the given descriptor.
func loadIDT(desc *idtDescriptor)

func disableLegacyPIC() {
	const (
		pic1Data = 0x21
		pic2Data = 0xA1
	)
	arch.Out8(pic1Data, 0xFF)
	arch.Out8(pic2Data, 0xFF)
}

func initArchTable() {
	disableLegacyPIC()

	stubBase := commonStubFuncAddr()
	vectorStubs = buildVectorStubs(stubBase)
	markExecutable(vectorStubs)

	stubAddr := uintptr(unsafe.Pointer(&vectorStubs[0]))
	for v := 0; v < 256; v++ {
		idt[v] = buildGate(stubAddr + uintptr(v*stubSize))
	}
	idtr = idtDescriptor{
		limit: uint16(unsafe.Sizeof(idt) - 1),
		base:  uint64(uintptr(unsafe.Pointer(&idt[0]))),
	}
	loadIDT(&idtr)
}

// commonStubFuncAddr resolves commonStub's entry address; Go function
// values are already code pointers, but commonStub takes no arguments
// and is called only from assembly, so its address is taken directly
// rather than through a func value.
func commonStubFuncAddr() uintptr

// markExecutable clears NX on the pages backing buf. The generated stub
// table lives in the kernel heap, which vmm maps NX by default.
func markExecutable(buf []byte) {
	start := uintptr(unsafe.Pointer(&buf[0])) &^ (uintptr(mem.PageSize) - 1)
	end := (uintptr(unsafe.Pointer(&buf[len(buf)-1])) + uintptr(mem.PageSize)) &^ (uintptr(mem.PageSize) - 1)
	for p := start; p < end; p += uintptr(mem.PageSize) {
		phys, ok := vmm.VirtToPhys(vmm.KernelSpace(), p)
		if !ok {
			continue
		}
		_ = vmm.Map(vmm.KernelSpace(), p, phys, 1, vmm.PteP|vmm.PteW)
	}
}
