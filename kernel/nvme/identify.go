package nvme

// IdentController is the 4096-byte Identify Controller data structure
// (CNS=1), laid out in wire order so a DMA'd response can be read
// directly off the allocated buffer via unsafe.Pointer. Field naming and
// the simplified reserved-region style follow
// other_examples/a4ce66e1_dswarbrick-smart__nvme.go.go's nvmeIdentController
// (Rsvd<offset> padding fields); the field subset kept is the one
// original_source/kernel/driver/nvme/nvme_identify.hpp's
// IdentifyControllerData names, since this core only reports the model
// and serial strings rather than every optional-feature bitmask.
type IdentController struct {
	VendorID     uint16
	SubsystemVID uint16
	SerialNumber [20]byte
	ModelNumber  [40]byte
	FirmwareRev  [8]byte
	Rab          uint8
	IEEEOUI      [3]byte
	Cmic         uint8
	Mdts         uint8
	ControllerID uint16
	Version      uint32
	Rtd3Resume   uint32
	Rtd3Entry    uint32
	OAES         uint32
	Rsvd96       [4000]byte
}

// LBAFormat describes one of a namespace's supported LBA data sizes.
type LBAFormat struct {
	Metadata uint16
	DataSize uint8 // log2 of the LBA size in bytes (9 -> 512, 12 -> 4096)
	Rp       uint8
}

// IdentNamespace is the 4096-byte Identify Namespace data structure
// (CNS=0), grounded on nvme_identify.hpp's IdentifyNamespaceData,
// including its simplified reserved-padding choice (the real NVMe layout
// names several fields between FLBAS and the LBA format table that
// neither this core nor its source reads).
type IdentNamespace struct {
	Size        uint64 // Namespace Size, total addressable LBAs
	Capacity    uint64
	Utilization uint64
	NSFeat      uint8
	NLBAF       uint8
	FLBAS       uint8
	Rsvd27      [101]byte
	LBAF        [16]LBAFormat
	Rsvd2       [3904]byte
}

// lbaGeometry extracts the formatted LBA size (bytes) and total LBA
// count spec §4.9 step 5 requires: lba_size = 1 << lbaf[flbas&0xF].ds,
// max_lba = nsze.
func (n *IdentNamespace) lbaGeometry() (lbaSize uint32, maxLBA uint64) {
	idx := n.FLBAS & 0x0F
	ds := n.LBAF[idx].DataSize
	return 1 << ds, n.Size
}
