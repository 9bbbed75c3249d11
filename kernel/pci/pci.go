// Package pci implements the PCI configuration-space access spec §6's
// external-interfaces section names: the legacy 0xCF8/0xCFC port pair on
// x86-64, an ECAM MMIO window on AArch64, plus bus enumeration and MSI
// vector allocation for the device this kernel actually drives, the NVMe
// function feeding kernel/nvme's BAR0. Grounded on
// biscuit/src/pci/olddiski.go (kept as the shape a resolved device handle
// takes, generalized past its single IDE-only Disk_i interface) and
// biscuit/src/msi/msi.go (Msivecs_t's mutex-guarded fixed vector pool).
package pci

import "sylphia/kernel/arch"

// Address identifies one PCI function by its bus/device/function triple.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

const (
	configAddrPort = 0xCF8
	configDataPort = 0xCFC
	enableBit      = 1 << 31

	regVendorDevice = 0x00
	regClass        = 0x08
	regCommand      = 0x04
	regBAR0         = 0x10

	cmdIOSpace     = 1 << 0
	cmdMemorySpace = 1 << 1
	cmdBusMaster   = 1 << 2

	classMassStorage  = 0x01
	subclassNVM       = 0x08
	progIFNVMeEnclave = 0x02
)

// Accessor reads and writes PCI configuration space through one of the
// two mechanisms spec §6 names. A zero-valued Accessor uses the legacy
// port pair; NewECAMAccessor selects the AArch64 MMIO window.
type Accessor struct {
	ecamBase uintptr
}

// NewPortAccessor returns an Accessor using the 0xCF8/0xCFC port pair.
func NewPortAccessor() *Accessor { return &Accessor{} }

// NewECAMAccessor returns an Accessor using an ECAM MMIO window whose
// physical base is base (bootcfg.Config.ECAMBase).
func NewECAMAccessor(base uintptr) *Accessor { return &Accessor{ecamBase: base} }

func (a *Accessor) portAddress(addr Address, reg uint8) uint32 {
	return enableBit |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device)<<11 |
		uint32(addr.Function)<<8 |
		uint32(reg&0xFC)
}

// ecamOffset returns the address of a configuration register inside the
// ECAM window: the window base ORed with the PCIe base spec's
// bus/device/function/register offset, bus<<20 | device<<15 |
// function<<12 | register.
func (a *Accessor) ecamOffset(addr Address, reg uint8) uintptr {
	return a.ecamBase |
		uintptr(addr.Bus)<<20 |
		uintptr(addr.Device)<<15 |
		uintptr(addr.Function)<<12 |
		uintptr(reg)
}

// Read32 reads one configuration-space dword at byte offset reg (must be
// 4-byte aligned).
func (a *Accessor) Read32(addr Address, reg uint8) uint32 {
	if a.ecamBase != 0 {
		return arch.MMIO32(a.ecamOffset(addr, reg))
	}
	arch.Out32(configAddrPort, a.portAddress(addr, reg))
	return arch.In32(configDataPort)
}

// Write32 writes one configuration-space dword at byte offset reg.
func (a *Accessor) Write32(addr Address, reg uint8, val uint32) {
	if a.ecamBase != 0 {
		arch.SetMMIO32(a.ecamOffset(addr, reg), val)
		return
	}
	arch.Out32(configAddrPort, a.portAddress(addr, reg))
	arch.Out32(configDataPort, val)
}

// VendorDevice returns the function's vendor and device IDs, or
// (0xFFFF, 0xFFFF) if no device responds at addr.
func (a *Accessor) VendorDevice(addr Address) (vendor, device uint16) {
	v := a.Read32(addr, regVendorDevice)
	return uint16(v), uint16(v >> 16)
}

// ClassCode returns the function's base class, subclass, and programming
// interface byte, used to recognize an NVMe controller function
// (class=0x01, subclass=0x08) independent of vendor/device ID.
func (a *Accessor) ClassCode(addr Address) (class, subclass, progIF uint8) {
	v := a.Read32(addr, regClass)
	return uint8(v >> 24), uint8(v >> 16), uint8(v >> 8)
}

// BAR returns the decoded base address of base address register n
// (0-5), or 0 if it names an I/O-space BAR (unsupported: every device
// this kernel drives is memory-mapped).
func (a *Accessor) BAR(addr Address, n uint8) uint64 {
	lo := a.Read32(addr, regBAR0+n*4)
	if lo&0x1 != 0 {
		return 0
	}
	if lo&0x6 == 0x4 { // 64-bit BAR: the next dword holds the high half
		hi := a.Read32(addr, regBAR0+(n+1)*4)
		return uint64(hi)<<32 | uint64(lo&^0xF)
	}
	return uint64(lo &^ 0xF)
}

// EnableMemoryAndBusMaster sets the command register's memory-space and
// bus-master bits, the minimum a device needs before its BARs are
// readable as live MMIO and before it can initiate DMA (kernel/nvme's
// queue pairs being filled by the controller itself).
func (a *Accessor) EnableMemoryAndBusMaster(addr Address) {
	cmd := a.Read32(addr, regCommand)
	a.Write32(addr, regCommand, cmd|cmdMemorySpace|cmdBusMaster)
}

// FindNVMeController scans every bus/device/function for a function
// whose class/subclass match the NVMe mass-storage class, returning the
// first match. Scanning the full 256x32x8 space at boot is bounded and
// side-effect-free (plain configuration-space reads), the same
// brute-force enumeration gopher-os and most small kernels use in the
// absence of ACPI MCFG table parsing.
func (a *Accessor) FindNVMeController() (Address, bool) {
	return scanForClass(a.VendorDevice, a.ClassCode, classMassStorage, subclassNVM)
}

// scanForClass holds the bus/device/function enumeration order,
// factored out from FindNVMeController so it can be exercised against
// fake vendorDevice/classCode closures instead of live configuration
// space.
func scanForClass(
	vendorDevice func(Address) (vendor, device uint16),
	classCode func(Address) (class, subclass, progIF uint8),
	wantClass, wantSubclass uint8,
) (Address, bool) {
	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < 32; dev++ {
			for fn := 0; fn < 8; fn++ {
				addr := Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}
				vendor, _ := vendorDevice(addr)
				if vendor == 0xFFFF {
					if fn == 0 {
						break // no function 0 means no device at this slot
					}
					continue
				}
				class, subclass, _ := classCode(addr)
				if class == wantClass && subclass == wantSubclass {
					return addr, true
				}
			}
		}
	}
	return Address{}, false
}
