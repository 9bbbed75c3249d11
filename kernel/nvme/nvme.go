// Package nvme is the NVMe core (C10): MMIO controller bring-up, admin
// and I/O queue pairs, Identify, READ/WRITE/FLUSH command issuing, and
// PRP scatter construction, grounded on
// original_source/kernel/driver/nvme/{nvme_reg.hpp,nvme_queue.hpp,
// nvme_identify.hpp,nvme_driver.cpp} and, for Go-idiomatic struct naming,
// other_examples/a4ce66e1_dswarbrick-smart__nvme.go.go. This core polls;
// interrupts are an external collaborator layered on top (spec §4.9).
package nvme

import (
	"sylphia/kernel/arch"
	"sylphia/kernel/bootcfg"
	"sylphia/kernel/blockdev"
	"sylphia/kernel/heap"
	"sylphia/kernel/kerrors"
	"sylphia/kernel/klog"
	"unsafe"
)

// MMIO register offsets from BAR0, matching the NVMe 1.x register layout
// spec §6 names and original_source/kernel/driver/nvme/nvme_reg.hpp's
// Registers struct.
const (
	regCAP    = 0x00
	regVS     = 0x08
	regINTMS  = 0x0C
	regINTMC  = 0x10
	regCC     = 0x14
	regCSTS   = 0x1C
	regNSSR   = 0x20
	regAQA    = 0x24
	regASQ    = 0x28
	regACQ    = 0x30
	regCMBLOC = 0x38
	regCMBSZ  = 0x3C

	doorbellBase = 0x1000

	cstsRDY = 1 << 0
	cstsCFS = 1 << 1

	ccEN = 1 << 0

	opAdminDeleteSQ = 0x00
	opAdminCreateSQ = 0x01
	opAdminDeleteCQ = 0x04
	opAdminCreateCQ = 0x05
	opAdminIdentify = 0x06

	opIOFlush = 0x00
	opIOWrite = 0x01
	opIORead  = 0x02

	cnsController = 1
	cnsNamespace  = 0

	ioQueueID = 1

	// maxPollIters bounds every busy-wait in this package (CSTS.RDY,
	// CC.EN, CQE phase): a fixed iteration count rather than a measured
	// wall-clock timeout, the same approximation kernel/timer's LAPIC
	// divisor formula makes in the absence of a calibrated clock. Chosen
	// to match original_source's own bounded spin constant.
	maxPollIters = 1_000_000
)

// Controller is one NVMe controller instance, reachable over PCIe MMIO at
// a single BAR0 base address. Lifecycle: uninitialized -> disabled ->
// enabled -> ready, per spec §3's NVMe controller data model entry.
type Controller struct {
	mmioBase uintptr
	dstrd    uint32

	admin *queuePair
	io    *queuePair

	namespaceID uint32
	LBASize     uint32
	MaxLBA      uint64
}

func readReg32(base uintptr, off uintptr) uint32    { return arch.MMIO32(base + off) }
func writeReg32(base uintptr, off uintptr, v uint32) { arch.SetMMIO32(base+off, v) }
func readReg64(base uintptr, off uintptr) uint64    { return arch.MMIO64(base + off) }
func writeReg64(base uintptr, off uintptr, v uint64) { arch.SetMMIO64(base+off, v) }

// pollUntil busy-waits, pausing between checks, until cond reports true or
// maxIters is exhausted. Grounded on nvme_driver.cpp's repeated
// "while(...) PAUSE()" spin, folded into the single shared helper
// SPEC_FULL.md's Supplemented Features section calls for in place of the
// source's four duplicated spins (CSTS.RDY on disable, CSTS.RDY/CFS on
// enable, admin CQE phase, I/O CQE phase).
func pollUntil(cond func() bool, maxIters int) error {
	for i := 0; i < maxIters; i++ {
		if cond() {
			return nil
		}
		arch.Pause()
	}
	return kerrors.New("nvme", kerrors.DeviceTimeout, "controller did not respond in time")
}

// cappedDepth clamps a configured queue depth to CAP.MQES+1 (MQES is bits
// 0-15 of the controller capabilities register, the maximum queue entries
// supported minus one), per spec §4.9's "DEPTH entries (default 32,
// capped by CAP.MQES+1)". Factored out of Init so the clamping
// arithmetic is testable without a real CAP register.
func cappedDepth(configured uint16, cap uint64) uint16 {
	mqes := uint32(cap&0xFFFF) + 1
	if uint32(configured) > mqes {
		return uint16(mqes)
	}
	return configured
}

// Init brings a controller at mmioBase through spec §4.9's full bring-up
// sequence: disable, allocate and program the admin queue pair, enable,
// Identify Controller/Namespace, then create the I/O queue pair.
func Init(mmioBase uintptr, cfg *bootcfg.Config) (*Controller, error) {
	c := &Controller{mmioBase: mmioBase, namespaceID: 1}

	cap := readReg64(mmioBase, regCAP)
	c.dstrd = uint32(cap>>32) & 0xF

	if err := c.disable(); err != nil {
		return nil, err
	}

	depth := cappedDepth(uint16(cfg.NVMeQueueDepth), cap)
	admin, err := newQueuePair(mmioBase, 0, depth, c.dstrd)
	if err != nil {
		return nil, err
	}
	c.admin = admin

	writeReg64(mmioBase, regASQ, admin.sqPhysBase())
	writeReg64(mmioBase, regACQ, admin.cqPhysBase())
	aqa := (uint32(depth-1) << 16) | uint32(depth-1)
	writeReg32(mmioBase, regAQA, aqa)

	if err := c.enable(); err != nil {
		return nil, err
	}

	if err := c.identifyController(); err != nil {
		return nil, err
	}
	if err := c.identifyNamespace(); err != nil {
		return nil, err
	}
	if err := c.createIOQueues(depth); err != nil {
		return nil, err
	}

	klog.Printf("nvme: controller ready, lba_size=%d max_lba=%d", c.LBASize, c.MaxLBA)
	return c, nil
}

// disable clears CC.EN and polls CSTS.RDY==0, spec §4.9 step 1.
func (c *Controller) disable() error {
	cc := readReg32(c.mmioBase, regCC)
	if cc&ccEN != 0 {
		writeReg32(c.mmioBase, regCC, cc&^uint32(ccEN))
	}
	return pollUntil(func() bool {
		return readReg32(c.mmioBase, regCSTS)&cstsRDY == 0
	}, maxPollIters)
}

// enable configures CC (CSS=NVM is all-zero, MPS=0, IOCQES=4, IOSQES=6)
// and sets CC.EN, then polls CSTS.RDY==1, aborting on CSTS.CFS, per spec
// §4.9 step 4.
func (c *Controller) enable() error {
	cc := uint32(0)
	cc |= ccEN
	cc |= 4 << 20 // IOCQES = 2^4 = 16 bytes
	cc |= 6 << 16 // IOSQES = 2^6 = 64 bytes
	writeReg32(c.mmioBase, regCC, cc)

	err := pollUntil(func() bool {
		csts := readReg32(c.mmioBase, regCSTS)
		return csts&cstsRDY != 0 || csts&cstsCFS != 0
	}, maxPollIters)
	if err != nil {
		return err
	}
	if readReg32(c.mmioBase, regCSTS)&cstsCFS != 0 {
		return kerrors.New("nvme", kerrors.IoError, "controller reported fatal status")
	}
	return nil
}

// identifyController issues Identify (CNS=1) and, once the command
// succeeds, only logs the model and serial numbers; spec §4.9 step 5 only
// requires the namespace geometry this core actually uses.
func (c *Controller) identifyController() error {
	buf, err := heap.Alloc(unsafe.Sizeof(IdentController{}), pageSize, true)
	if err != nil {
		return err
	}
	defer heap.Free(buf)

	cmd := submissionEntry{
		Opcode: opAdminIdentify,
		CDW10:  cnsController,
		PRP1:   uint64(uintptr(buf)),
	}
	_, err = c.admin.submit(cmd, maxPollIters)
	if err != nil {
		return err
	}
	ident := (*IdentController)(buf)
	klog.Printf("nvme: model=%s serial=%s",trimASCII(ident.ModelNumber[:]), trimASCII(ident.SerialNumber[:]))
	return nil
}

// identifyNamespace issues Identify (CNS=0, NSID=1) and computes
// LBASize/MaxLBA, spec §4.9 step 5.
func (c *Controller) identifyNamespace() error {
	buf, err := heap.Alloc(unsafe.Sizeof(IdentNamespace{}), pageSize, true)
	if err != nil {
		return err
	}
	defer heap.Free(buf)

	cmd := submissionEntry{
		Opcode: opAdminIdentify,
		NSID:   c.namespaceID,
		CDW10:  cnsNamespace,
		PRP1:   uint64(uintptr(buf)),
	}
	_, err = c.admin.submit(cmd, maxPollIters)
	if err != nil {
		return err
	}
	ns := (*IdentNamespace)(buf)
	c.LBASize, c.MaxLBA = ns.lbaGeometry()
	return nil
}

// createIOQueues issues Create I/O Completion Queue then Create I/O
// Submission Queue, both physically contiguous, per spec §4.9 step 6.
func (c *Controller) createIOQueues(depth uint16) error {
	io, err := newQueuePair(c.mmioBase, ioQueueID, depth, c.dstrd)
	if err != nil {
		return err
	}

	cqCmd := submissionEntry{
		Opcode: opAdminCreateCQ,
		PRP1:   io.cqPhysBase(),
		CDW10:  (uint32(depth-1) << 16) | ioQueueID,
		CDW11:  1, // bit0 PC=1 (physically contiguous), bit1 IEN=0 (polling core)
	}
	if _, err := c.admin.submit(cqCmd, maxPollIters); err != nil {
		return err
	}

	sqCmd := submissionEntry{
		Opcode: opAdminCreateSQ,
		PRP1:   io.sqPhysBase(),
		CDW10:  (uint32(depth-1) << 16) | ioQueueID,
		CDW11:  (uint32(ioQueueID) << 16) | 1, // CQID=1, PC=1
	}
	if _, err := c.admin.submit(sqCmd, maxPollIters); err != nil {
		return err
	}

	c.io = io
	return nil
}

// ReadLBA issues an NVM Read command for count LBAs starting at lba into
// buf, constructing PRP1/PRP2 (and a PRP list page, when needed) per spec
// §4.9's PRP construction algorithm.
func (c *Controller) ReadLBA(lba uint64, count uint32, buf []byte) error {
	return c.rw(opIORead, lba, count, buf)
}

// WriteLBA issues an NVM Write command, symmetric with ReadLBA.
func (c *Controller) WriteLBA(lba uint64, count uint32, buf []byte) error {
	return c.rw(opIOWrite, lba, count, buf)
}

func (c *Controller) rw(opcode uint8, lba uint64, count uint32, buf []byte) error {
	if count == 0 || len(buf) == 0 {
		return kerrors.New("nvme", kerrors.InvalidArgument, "zero-length transfer")
	}
	addr := uint64(uintptr(unsafe.Pointer(&buf[0])))
	size := uint64(count) * uint64(c.LBASize)
	prp1, prp2, listPages := computePRPs(addr, size)

	var listPtr unsafe.Pointer
	if len(listPages) > 0 {
		p, err := heap.Alloc(pageSize, pageSize, true)
		if err != nil {
			return err
		}
		listPtr = p
		dst := unsafe.Slice((*uint64)(p), len(listPages))
		copy(dst, listPages)
		prp2 = uint64(uintptr(p))
	}

	cmd := submissionEntry{
		Opcode: opcode,
		NSID:   c.namespaceID,
		PRP1:   prp1,
		PRP2:   prp2,
		CDW10:  uint32(lba & 0xFFFFFFFF),
		CDW11:  uint32(lba >> 32),
		CDW12:  (count - 1) & 0xFFFF,
	}
	_, err := c.io.submit(cmd, maxPollIters)

	if listPtr != nil {
		heap.Free(listPtr)
	}
	return err
}

// Flush issues a Flush command (opcode 0x00) on the I/O queue, the
// durability barrier spec §4.9 names.
func (c *Controller) Flush() error {
	cmd := submissionEntry{Opcode: opIOFlush, NSID: c.namespaceID}
	_, err := c.io.submit(cmd, maxPollIters)
	return err
}

// Transfer adapts Controller to kernel/blockdev.Transfer, the integration
// point blockdev.NewNvme expects.
func (c *Controller) Transfer(req *blockdev.Req) error {
	switch req.Cmd {
	case blockdev.CmdRead:
		return c.ReadLBA(req.LBA, req.Count, req.Buf)
	case blockdev.CmdWrite:
		return c.WriteLBA(req.LBA, req.Count, req.Buf)
	case blockdev.CmdFlush:
		return c.Flush()
	default:
		return kerrors.New("nvme", kerrors.InvalidArgument, "unknown block command")
	}
}

// Device wraps c as a kernel/blockdev.Device of kind KindNvme.
func (c *Controller) Device() *blockdev.Device {
	return blockdev.NewNvme(c.LBASize, c.MaxLBA, c.Transfer)
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
