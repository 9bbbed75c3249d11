// Package bootinfo parses the BootInfo structure the UEFI loader hands to
// the kernel entry point (spec §6). The memory map and the BootInfo header
// itself are read directly out of physical memory via unsafe pointer casts,
// the same way gopheros/kernel/hal/multiboot reads the Multiboot2 info
// section before any allocator or MMU remap exists.
package bootinfo

import "unsafe"

// MemType classifies one descriptor in the firmware memory map. Only
// Conventional regions are candidates for the PMM free bitmap; every other
// type is treated as permanently reserved.
type MemType uint32

const (
	MemReserved MemType = iota
	MemConventional
	MemACPIReclaim
	MemACPINVS
	MemMMIO
	MemUnusable
)

// MemDescriptor mirrors one fixed-size record of the firmware memory map.
// Only the leading fields spec §6 names are read; trailing vendor fields
// (if descriptorSize is larger than this struct) are skipped over using
// descriptorSize, never assumed to be absent.
type MemDescriptor struct {
	Type          MemType
	_pad          uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumPages      uint64
	Attribute     uint64
}

const memDescriptorSize = unsafe.Sizeof(MemDescriptor{})

// Info is the parsed form of the BootInfo structure at spec §6. The raw
// struct is read once at boot via Parse and is immutable thereafter per the
// spec's "read-only after handoff" contract.
type Info struct {
	FramebufferBase uint64
	FramebufferSize uint32
	Width           uint32
	Height          uint32
	Pitch           uint32
	PixelFormatBGR  bool

	memoryMapPtr    uint64
	memoryMapSize   uint64
	descriptorSize  uint32
	descriptorCount int
}

// Field offsets from spec §6. The BootInfo wire layout is fully packed (no
// inter-field padding: memory_map_ptr sits at offset 28, immediately after
// the 4-byte pixel_format field, rather than at the 32-byte boundary a
// natural Go struct would insert), so it cannot be read by overlaying a Go
// struct directly — every field is read individually at its documented
// offset, the way gopher-os's multiboot tag reader decodes a wire header
// one explicit field at a time instead of assuming host struct layout.
const (
	offFramebufferBase   = 0
	offFramebufferSize   = 8
	offWidth             = 12
	offHeight            = 16
	offPitch             = 20
	offPixelFormat       = 24
	offMemoryMapPtr      = 28
	offMemoryMapSize     = 36
	offDescriptorSize    = 44
	offDescriptorVersion = 48
)

func u32At(base uintptr, off uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(base + off))
}

func u64At(base uintptr, off uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(base + off))
}

// Parse reads the BootInfo structure at the given physical address. The
// address must already be accessible (identity-mapped or otherwise) at the
// point Parse is called; bootinfo itself does not map anything.
func Parse(addr uintptr) *Info {
	info := &Info{
		FramebufferBase: u64At(addr, offFramebufferBase),
		FramebufferSize: u32At(addr, offFramebufferSize),
		Width:           u32At(addr, offWidth),
		Height:          u32At(addr, offHeight),
		Pitch:           u32At(addr, offPitch),
		PixelFormatBGR:  u32At(addr, offPixelFormat) != 0,
		memoryMapPtr:    u64At(addr, offMemoryMapPtr),
		memoryMapSize:   u64At(addr, offMemoryMapSize),
		descriptorSize:  u32At(addr, offDescriptorSize),
	}
	if info.descriptorSize == 0 {
		info.descriptorSize = uint32(memDescriptorSize)
	}
	info.descriptorCount = int(info.memoryMapSize / uint64(info.descriptorSize))
	return info
}

// NumDescriptors reports how many memory-map records follow the header.
func (i *Info) NumDescriptors() int {
	return i.descriptorCount
}

// Descriptor returns the n'th memory-map record, honoring descriptorSize
// in case the firmware's record is larger than MemDescriptor (vendor
// extension fields past Attribute are ignored, never misread as the next
// record).
func (i *Info) Descriptor(n int) MemDescriptor {
	if n < 0 || n >= i.descriptorCount {
		panic("bootinfo: descriptor index out of range")
	}
	base := uintptr(i.memoryMapPtr) + uintptr(n)*uintptr(i.descriptorSize)
	return *(*MemDescriptor)(unsafe.Pointer(base))
}

// Each calls f once per memory-map descriptor in order.
func (i *Info) Each(f func(MemDescriptor)) {
	for n := 0; n < i.descriptorCount; n++ {
		f(i.Descriptor(n))
	}
}

// FramebufferFrames reports the inclusive [first, last] 4KiB frame range the
// framebuffer occupies, used by kernel/mem to mark those frames USED.
func (i *Info) FramebufferFrames(pageShift uint) (first, last uint64) {
	first = i.FramebufferBase >> pageShift
	end := i.FramebufferBase + uint64(i.FramebufferSize)
	if end == 0 {
		return first, first
	}
	last = (end - 1) >> pageShift
	return first, last
}
