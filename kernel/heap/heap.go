// Package heap is the byte-granular kernel allocator (C4): a bump
// allocator over frames reserved from kernel/mem, generalizing biscuit's
// Refpg_new page-at-a-time idiom down to byte granularity. free is a
// documented no-op (spec §9's accepted design simplification); realloc
// always allocates fresh.
package heap

import (
	"sync"
	"unsafe"

	"sylphia/kernel/kerrors"
	"sylphia/kernel/mem"
	"sylphia/kernel/util"
)

type heap struct {
	sync.Mutex
	base   uintptr
	size   uintptr
	offset uintptr
}

var singleton heap

// Init reserves a contiguous block of at least initialBytes from the PMM
// and makes it available to Alloc. The backing frames are permanently
// USED: there is no mechanism to return them, matching Free's no-op
// contract.
func Init(initialBytes uint64) error {
	pages := util.DivCeil(initialBytes, mem.PageSize)
	if pages == 0 {
		pages = 1
	}
	frame, err := mem.AllocPages(pages)
	if err != nil {
		return err
	}
	singleton = heap{
		base: uintptr(frame) * uintptr(mem.PageSize),
		size: uintptr(pages) * uintptr(mem.PageSize),
	}
	return nil
}

// Alloc bump-allocates size bytes aligned to align (which must be a
// power of two) and, if zero is true, clears the returned region before
// returning it. Returns kerrors.OutOfMemory once the reserved block is
// exhausted.
func Alloc(size uintptr, align uintptr, zero bool) (unsafe.Pointer, error) {
	if align == 0 {
		align = 1
	}
	singleton.Lock()
	defer singleton.Unlock()

	cur := singleton.base + singleton.offset
	aligned := util.Roundup(cur, align)
	pad := aligned - cur
	if singleton.offset+pad+size > singleton.size {
		return nil, kerrors.New("heap", kerrors.OutOfMemory, "bump allocator exhausted")
	}
	singleton.offset += pad + size

	p := unsafe.Pointer(aligned)
	if zero {
		clear(unsafe.Slice((*byte)(p), size))
	}
	return p, nil
}

// Free is a no-op: the bump allocator never reclaims memory (spec §9).
func Free(unsafe.Pointer) {}

// Realloc always allocates a fresh, uninitialized block of n bytes; it
// never resizes in place.
func Realloc(n uintptr) (unsafe.Pointer, error) {
	return Alloc(n, 1, false)
}

// UsedBytes reports how much of the reserved block has been handed out.
func UsedBytes() uintptr {
	singleton.Lock()
	defer singleton.Unlock()
	return singleton.offset
}
