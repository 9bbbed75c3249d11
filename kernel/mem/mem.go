// Package mem is the physical memory manager (C2): it owns the "which
// frames are free" truth for the whole kernel through a dense bitmap,
// reached through one package-level singleton the way biscuit's mem
// package reaches all physical memory through the single Physmem_t value
// Dmapinit initializes at boot.
package mem

import (
	"sync"
	"unsafe"

	"sylphia/kernel/bootinfo"
	"sylphia/kernel/kerrors"
	"sylphia/kernel/klog"
	"sylphia/kernel/util"
)

// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

// PageSize is the size of a single frame in bytes.
const PageSize uint64 = 1 << PageShift

// Pa is a physical address.
type Pa uintptr

// Frame is a physical frame index: Frame(pa) == pa / PageSize.
type Frame uint64

const wordBits = 64

// pmm is the bitmap allocator singleton. Bit n is set iff frame n is USED
// or RESERVED; clear iff FREE. All mutation happens with the mutex held,
// and callers that touch the bitmap from interrupt context are expected to
// have IRQs already disabled per spec §9's "mutated only with IRQs
// disabled" invariant for this structure.
type pmm struct {
	sync.Mutex
	bits       []uint64
	frameCount uint64
	freeCount  uint64
}

var singleton pmm

// Init scans the firmware memory map, sizes the bitmap to cover every
// frame up to the highest RAM-like address, places the bitmap itself in
// the first Conventional region large enough to hold it, marks everything
// USED by default, clears Conventional regions, then re-marks the
// bitmap's own frames and the framebuffer's frames USED. It returns the
// physical upper bound the bitmap now covers.
func Init(bi *bootinfo.Info) uint64 {
	var upper uint64
	bi.Each(func(d bootinfo.MemDescriptor) {
		end := d.PhysicalStart + d.NumPages*PageSize
		if end > upper {
			upper = end
		}
	})

	frameCount := util.DivCeil(upper, PageSize)
	wordCount := util.DivCeil(frameCount, uint64(wordBits))

	bitmapBytes := wordCount * 8
	bitmapFrames := util.DivCeil(bitmapBytes, PageSize)

	bitmapBase := findConventionalRun(bi, bitmapFrames)
	if bitmapBase == noFrame {
		panic("mem: no conventional region large enough for the frame bitmap")
	}

	bits := bitmapBackingFn(Pa(bitmapBase*PageSize), wordCount)
	for i := range bits {
		bits[i] = ^uint64(0)
	}

	singleton = pmm{bits: bits, frameCount: frameCount}

	bi.Each(func(d bootinfo.MemDescriptor) {
		if d.Type != bootinfo.MemConventional {
			return
		}
		clearRun(bits, d.PhysicalStart/PageSize, d.NumPages)
	})

	setRun(bits, bitmapBase, bitmapFrames)

	fbFirst, fbLast := bi.FramebufferFrames(PageShift)
	if bi.FramebufferSize != 0 {
		setRun(bits, fbFirst, fbLast-fbFirst+1)
	}

	singleton.freeCount = countClear(bits, frameCount)

	klog.Printf("mem: %d frames total, %d free, bitmap at frame %d (%d frames)\n",
		frameCount, singleton.freeCount, bitmapBase, bitmapFrames)

	return upper
}

const noFrame = ^uint64(0)

func findConventionalRun(bi *bootinfo.Info, n uint64) uint64 {
	var found uint64 = noFrame
	bi.Each(func(d bootinfo.MemDescriptor) {
		if found != noFrame || d.Type != bootinfo.MemConventional {
			return
		}
		if d.NumPages >= n {
			found = d.PhysicalStart / PageSize
		}
	})
	return found
}

// bitmapBackingFn resolves the storage Init uses for the frame bitmap once
// a placement has been chosen. It defaults to overlaying the bitmap
// directly on physical memory (safe only because Init runs before any
// address space but the boot identity map exists, matching the assumption
// biscuit's dmap.go documents for direct physical access this early in
// boot); tests override it with an ordinary Go slice, the same seam
// gopheros/kernel/mem/pmm/allocator's mockable reserveRegionFn provides
// for its bitmap allocator tests.
var bitmapBackingFn = func(pa Pa, words uint64) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(pa))), int(words))
}

func bitAt(bits []uint64, frame uint64) bool {
	return bits[frame/wordBits]&(1<<(frame%wordBits)) != 0
}

func setBit(bits []uint64, frame uint64) {
	bits[frame/wordBits] |= 1 << (frame % wordBits)
}

func clearBit(bits []uint64, frame uint64) {
	bits[frame/wordBits] &^= 1 << (frame % wordBits)
}

func setRun(bits []uint64, start, n uint64) {
	for f := start; f < start+n; f++ {
		setBit(bits, f)
	}
}

func clearRun(bits []uint64, start, n uint64) {
	for f := start; f < start+n; f++ {
		clearBit(bits, f)
	}
}

func countClear(bits []uint64, frameCount uint64) uint64 {
	var n uint64
	for f := uint64(0); f < frameCount; f++ {
		if !bitAt(bits, f) {
			n++
		}
	}
	return n
}

// AllocPages performs a first-fit linear scan for n contiguous clear
// bits, marks them USED, and returns the starting frame. Returns
// kerrors.OutOfMemory if no such run exists.
func AllocPages(n uint64) (Frame, error) {
	if n == 0 {
		return 0, kerrors.New("mem", kerrors.InvalidArgument, "alloc_pages(0)")
	}
	singleton.Lock()
	defer singleton.Unlock()

	run := uint64(0)
	runStart := uint64(0)
	for f := uint64(0); f < singleton.frameCount; f++ {
		if bitAt(singleton.bits, f) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = f
		}
		run++
		if run == n {
			setRun(singleton.bits, runStart, n)
			singleton.freeCount -= n
			return Frame(runStart), nil
		}
	}
	return 0, kerrors.New("mem", kerrors.OutOfMemory, "no contiguous run of frames")
}

// FreePages clears the n bits starting at frame_id. Clearing a bit that
// is already clear is a no-op per frame, matching spec's double-free
// tolerance.
func FreePages(start Frame, n uint64) {
	singleton.Lock()
	defer singleton.Unlock()
	for f := uint64(start); f < uint64(start)+n; f++ {
		if f >= singleton.frameCount {
			break
		}
		if bitAt(singleton.bits, f) {
			clearBit(singleton.bits, f)
			singleton.freeCount++
		}
	}
}

// ReserveRange idempotently marks the n frames starting at base/PageSize
// USED, without affecting the free count for frames already USED.
func ReserveRange(base Pa, n uint64) {
	singleton.Lock()
	defer singleton.Unlock()
	start := uint64(base) / PageSize
	for f := start; f < start+n; f++ {
		if f >= singleton.frameCount {
			break
		}
		if !bitAt(singleton.bits, f) {
			setBit(singleton.bits, f)
			singleton.freeCount--
		}
	}
}

// TotalBytes returns the total size of tracked physical memory.
func TotalBytes() uint64 {
	singleton.Lock()
	defer singleton.Unlock()
	return singleton.frameCount * PageSize
}

// FreeBytes returns the number of bytes currently FREE.
func FreeBytes() uint64 {
	singleton.Lock()
	defer singleton.Unlock()
	return singleton.freeCount * PageSize
}

// UsedBytes returns the number of bytes currently USED or RESERVED.
func UsedBytes() uint64 {
	singleton.Lock()
	defer singleton.Unlock()
	return singleton.frameCount*PageSize - singleton.freeCount*PageSize
}
