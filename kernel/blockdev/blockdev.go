// Package blockdev is the closed BlockDevice tagged union spec §9
// mandates in place of the source's C++ virtual BlockDevice base:
// {Nvme, UsbMassStorage, Slice}. Grounded on biscuit/src/fs/blk.go's
// Bdev_block_t/Bdev_req_t/Disk_i shape, retargeted from the teacher's
// block-cache-backed request queue to a direct PRP-based transfer this
// spec's NVMe core (C10) requires; BDEV_READ/BDEV_WRITE/BDEV_FLUSH carry
// over unchanged.
package blockdev

import "sylphia/kernel/kerrors"

// Cmd enumerates the request kinds a block device accepts, the same set
// biscuit/src/fs/blk.go's Bdevcmd_t names.
type Cmd int

const (
	CmdRead Cmd = iota
	CmdWrite
	CmdFlush
)

// Kind is the closed tag set spec §9 names for BlockDevice.
type Kind int

const (
	KindNvme Kind = iota
	KindUsbMassStorage
	KindSlice
)

// Req describes one block transfer, the same role Bdev_req_t plays for
// the teacher's block cache: a command plus the host buffer and starting
// LBA, sized for direct PRP-scatter transfer rather than a cached-block
// list.
type Req struct {
	Cmd   Cmd
	LBA   uint64
	Count uint32
	Buf   []byte
}

// Transfer is the single entry point every BlockDevice variant
// implements: Nvme hands off to kernel/nvme's read/write/flush
// operations, UsbMassStorage is an external collaborator stub (spec §6,
// USB HID/mass storage out of core scope), and Slice backs a purely
// in-memory device for tests.
type Transfer func(req *Req) error

// Device is one block device instance: a closed Kind tag plus the
// transfer function bound to it. Nil transfer is a caller error.
type Device struct {
	Kind     Kind
	LBASize  uint32
	MaxLBA   uint64
	transfer Transfer
}

// NewNvme wraps an NVMe controller's read/write/flush entry point (see
// kernel/nvme) as a BlockDevice variant.
func NewNvme(lbaSize uint32, maxLBA uint64, transfer Transfer) *Device {
	return &Device{Kind: KindNvme, LBASize: lbaSize, MaxLBA: maxLBA, transfer: transfer}
}

// NewSlice wraps a plain in-memory byte slice as a BlockDevice, the
// nearest equivalent this port has to ahci_disk_t's file-backed stub
// disk (biscuit/src/ufs/driver.go), useful for tests and for the S4/S5
// testable scenarios' fixtures.
func NewSlice(lbaSize uint32, backing []byte) *Device {
	maxLBA := uint64(len(backing)) / uint64(lbaSize)
	d := &Device{Kind: KindSlice, LBASize: lbaSize, MaxLBA: maxLBA}
	d.transfer = func(req *Req) error {
		off := req.LBA * uint64(lbaSize)
		n := uint64(req.Count) * uint64(lbaSize)
		if off+n > uint64(len(backing)) {
			return kerrors.New("blockdev", kerrors.InvalidArgument, "request exceeds slice backing size")
		}
		switch req.Cmd {
		case CmdRead:
			copy(req.Buf, backing[off:off+n])
		case CmdWrite:
			copy(backing[off:off+n], req.Buf)
		case CmdFlush:
		}
		return nil
	}
	return d
}

// NewUsbMassStorage exists only to keep the tag set closed over every
// variant spec §9 names; USB mass storage itself is an external
// collaborator (spec §1's explicit Non-goals list USB HID), so its
// transfer always fails rather than silently no-opping.
func NewUsbMassStorage() *Device {
	d := &Device{Kind: KindUsbMassStorage}
	d.transfer = func(*Req) error {
		return kerrors.New("blockdev", kerrors.UnsupportedFeature, "USB mass storage is an external collaborator")
	}
	return d
}

// ReadLBA issues a CmdRead for count LBAs starting at slba into buf,
// rejecting a zero count the way spec §4.9's read_lba does.
func (d *Device) ReadLBA(slba uint64, count uint32, buf []byte) error {
	if count == 0 {
		return kerrors.New("blockdev", kerrors.InvalidArgument, "zero-count read")
	}
	return d.transfer(&Req{Cmd: CmdRead, LBA: slba, Count: count, Buf: buf})
}

// WriteLBA issues a CmdWrite for count LBAs starting at slba from buf.
func (d *Device) WriteLBA(slba uint64, count uint32, buf []byte) error {
	if count == 0 {
		return kerrors.New("blockdev", kerrors.InvalidArgument, "zero-count write")
	}
	return d.transfer(&Req{Cmd: CmdWrite, LBA: slba, Count: count, Buf: buf})
}

// Flush issues a CmdFlush, spec §4.9's durability barrier.
func (d *Device) Flush() error {
	return d.transfer(&Req{Cmd: CmdFlush})
}
