package nvme

import (
	"unsafe"

	"sylphia/kernel/arch"
	"sylphia/kernel/heap"
	"sylphia/kernel/kerrors"
)

// submissionEntry is the 64-byte NVMe submission queue entry, grounded on
// original_source/kernel/driver/nvme/nvme_queue.hpp's
// SubmissionQueueEntry (and spec §3's SQE data model entry).
type submissionEntry struct {
	Opcode      uint8
	Flags       uint8
	CommandID   uint16
	NSID        uint32
	Reserved    uint64
	MetadataPtr uint64
	PRP1        uint64
	PRP2        uint64
	CDW10       uint32
	CDW11       uint32
	CDW12       uint32
	CDW13       uint32
	CDW14       uint32
	CDW15       uint32
}

// completionEntry is the 16-byte NVMe completion queue entry, grounded on
// nvme_queue.hpp's CompletionQueueEntry.
type completionEntry struct {
	DW0       uint32
	DW1       uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// queuePair is one admin or I/O submission/completion queue pair: a
// single-producer/single-consumer ring between this driver and the
// controller, per spec §5's concurrency note — no lock is needed here,
// only serialized use by the caller.
type queuePair struct {
	qid    uint16
	depth  uint16
	sq     []submissionEntry
	cq     []completionEntry
	sqTail uint16
	cqHead uint16
	phase  uint8 // current expected phase, starts at 1 per nvme_driver.cpp

	sqDoorbell uintptr
	cqDoorbell uintptr

	nextCommandID uint16
}

// newQueuePair allocates a fresh, zeroed submission and completion ring of
// depth entries each, 4 KiB-aligned as spec §4.9 step 2 requires, and
// wires the pair's doorbell addresses (base+0x1000, stride per CAP.DSTRD).
func newQueuePair(mmioBase uintptr, qid uint16, depth uint16, dstrd uint32) (*queuePair, error) {
	sqBytes := uintptr(depth) * unsafe.Sizeof(submissionEntry{})
	sqPtr, err := heap.Alloc(sqBytes, pageSize, true)
	if err != nil {
		return nil, err
	}
	cqBytes := uintptr(depth) * unsafe.Sizeof(completionEntry{})
	cqPtr, err := heap.Alloc(cqBytes, pageSize, true)
	if err != nil {
		return nil, err
	}

	stride := uintptr(4) << dstrd
	return &queuePair{
		qid:        qid,
		depth:      depth,
		sq:         unsafe.Slice((*submissionEntry)(sqPtr), depth),
		cq:         unsafe.Slice((*completionEntry)(cqPtr), depth),
		phase:      1,
		sqDoorbell: mmioBase + doorbellBase + uintptr(2*qid)*stride,
		cqDoorbell: mmioBase + doorbellBase + uintptr(2*qid+1)*stride,
	}, nil
}

// sqPhysBase and cqPhysBase return the physical base addresses handed to
// the controller at queue-creation time, valid because kernel/heap's
// backing memory is identity-mapped.
func (qp *queuePair) sqPhysBase() uint64 { return uint64(uintptr(unsafe.Pointer(&qp.sq[0]))) }
func (qp *queuePair) cqPhysBase() uint64 { return uint64(uintptr(unsafe.Pointer(&qp.cq[0]))) }

// submit places cmd at the tail of the ring, assigns it a fresh command
// ID, rings the submission doorbell, and polls the completion queue for
// the matching phase bit, per spec §4.9's command submission invariants.
// maxIters bounds the completion poll; exceeding it reports
// kerrors.DeviceTimeout rather than spinning forever.
func (qp *queuePair) submit(cmd submissionEntry, maxIters int) (completionEntry, error) {
	cmd.CommandID = qp.nextCommandID
	qp.nextCommandID++

	qp.sq[qp.sqTail] = cmd
	qp.sqTail++
	if qp.sqTail >= qp.depth {
		qp.sqTail = 0
	}

	// Ensure the queue memory is globally visible before the doorbell
	// write reaches the controller: spec's REDESIGN FLAGS section
	// replaces the source's coarse wbinvd with the narrowest barrier
	// that suffices, sfence on ordinary WB memory.
	arch.StoreFence()
	arch.SetMMIO32(qp.sqDoorbell, uint32(qp.sqTail))

	wantPhase := uint16(qp.phase)
	err := pollUntil(func() bool {
		return qp.cq[qp.cqHead].Status&1 == wantPhase
	}, maxIters)
	if err != nil {
		return completionEntry{}, err
	}

	cqe := qp.cq[qp.cqHead]
	qp.cqHead++
	if qp.cqHead >= qp.depth {
		qp.cqHead = 0
		qp.phase ^= 1
	}
	arch.SetMMIO32(qp.cqDoorbell, uint32(qp.cqHead))

	if cqe.Status>>1 != 0 {
		return cqe, kerrors.New("nvme", kerrors.IoError, "command failed")
	}
	return cqe, nil
}
