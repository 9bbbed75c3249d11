package mem

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"sylphia/kernel/bootinfo"
)

// buildBootInfo lays out a synthetic BootInfo blob with the given regions,
// mirroring how kernel/bootinfo's own tests synthesize a packed header in
// a plain byte slice instead of depending on real firmware.
func buildBootInfo(t *testing.T, regions []bootinfo.MemDescriptor, fbBase uint64, fbSize uint32) *bootinfo.Info {
	t.Helper()
	const headerSize = 52
	descSize := int(unsafe.Sizeof(bootinfo.MemDescriptor{}))
	buf := make([]byte, headerSize+len(regions)*descSize)

	binary.LittleEndian.PutUint64(buf[0:], fbBase)
	binary.LittleEndian.PutUint32(buf[8:], fbSize)
	binary.LittleEndian.PutUint64(buf[28:], uint64(uintptr(unsafe.Pointer(&buf[headerSize]))))
	binary.LittleEndian.PutUint64(buf[36:], uint64(len(regions))*uint64(descSize))
	binary.LittleEndian.PutUint32(buf[44:], uint32(descSize))

	for i, d := range regions {
		base := headerSize + i*descSize
		*(*bootinfo.MemDescriptor)(unsafe.Pointer(&buf[base])) = d
	}
	return bootinfo.Parse(uintptr(unsafe.Pointer(&buf[0])))
}

// withFakeBitmapBacking replaces bitmapBackingFn with one that returns an
// ordinary Go slice instead of overlaying physical memory, since the
// region descriptors this test constructs use small qemu-style fake
// physical addresses (starting at 0) rather than real host pointers, the
// same substitution gopheros/kernel/mem/pmm/allocator makes via its
// mockable reserveRegionFn.
func withFakeBitmapBacking(t *testing.T) {
	t.Helper()
	prev := bitmapBackingFn
	bitmapBackingFn = func(_ Pa, words uint64) []uint64 {
		return make([]uint64, words)
	}
	t.Cleanup(func() { bitmapBackingFn = prev })
}

func TestInitAndAllocRoundtrip(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 64},
	}, 0, 0)

	Init(bi)

	before := FreeBytes()
	if before == 0 {
		t.Fatal("FreeBytes() == 0 after Init")
	}

	frame, err := AllocPages(4)
	if err != nil {
		t.Fatalf("AllocPages(4): %v", err)
	}
	if FreeBytes() != before-4*PageSize {
		t.Fatalf("FreeBytes() = %d, want %d", FreeBytes(), before-4*PageSize)
	}

	FreePages(frame, 4)
	if FreeBytes() != before {
		t.Fatalf("FreeBytes() after roundtrip = %d, want %d", FreeBytes(), before)
	}
}

func TestAllocPagesNonOverlap(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 64},
	}, 0, 0)
	Init(bi)

	seen := map[Frame]bool{}
	for i := 0; i < 4; i++ {
		f, err := AllocPages(2)
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		for off := uint64(0); off < 2; off++ {
			fr := Frame(uint64(f) + off)
			if seen[fr] {
				t.Fatalf("frame %d allocated twice", fr)
			}
			seen[fr] = true
		}
	}
}

func TestAllocPagesOutOfMemory(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 8},
	}, 0, 0)
	Init(bi)

	if _, err := AllocPages(singleton.frameCount + 1000); err == nil {
		t.Fatal("expected out-of-memory error for an impossibly large request")
	}
}

func TestDoubleFreeIsNoop(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 16},
	}, 0, 0)
	Init(bi)

	f, err := AllocPages(1)
	if err != nil {
		t.Fatalf("AllocPages(1): %v", err)
	}
	FreePages(f, 1)
	after := FreeBytes()
	FreePages(f, 1)
	if FreeBytes() != after {
		t.Fatalf("double free changed FreeBytes(): %d vs %d", after, FreeBytes())
	}
}

func TestReserveRangeIdempotent(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 16},
	}, 0, 0)
	Init(bi)

	before := FreeBytes()
	ReserveRange(Pa(8*PageSize), 2)
	once := FreeBytes()
	ReserveRange(Pa(8*PageSize), 2)
	twice := FreeBytes()
	if once != twice {
		t.Fatalf("ReserveRange not idempotent: %d then %d", once, twice)
	}
	if once != before-2*PageSize {
		t.Fatalf("ReserveRange did not reserve: before=%d once=%d", before, once)
	}
}

func TestFramebufferFramesMarkedUsed(t *testing.T) {
	withFakeBitmapBacking(t)
	bi := buildBootInfo(t, []bootinfo.MemDescriptor{
		{Type: bootinfo.MemConventional, PhysicalStart: 0, NumPages: 64},
	}, 4*PageSize, uint32(PageSize))
	Init(bi)

	total := TotalBytes()
	if FreeBytes() >= total {
		t.Fatal("framebuffer frame not reserved out of the free count")
	}
}
