package pci

import "sync"

// Vec identifies one allocated MSI interrupt vector, the value written
// into a device's MSI Capability message-data register.
type Vec uint8

// vecPool is a mutex-guarded fixed pool of interrupt vectors available
// for MSI assignment, generalized from biscuit/src/msi/msi.go's
// Msivecs_t (which hardcoded the range 56-63) to take any [lo, hi] range
// so it can be sized to this kernel's own IRQ vector space instead.
type vecPool struct {
	sync.Mutex
	avail map[Vec]bool
}

// pool is the package-level MSI vector pool, spanning
// [irq.VecIRQBase+2, irq.VecIRQLast] — the first two IRQ vectors
// (VecTimer, VecUSB) are reserved by kernel/irq's own named constants,
// the rest are free for MSI assignment.
var pool = newVecPool(34, 47)

func newVecPool(lo, hi Vec) *vecPool {
	avail := make(map[Vec]bool, int(hi-lo)+1)
	for v := lo; v <= hi; v++ {
		avail[v] = true
	}
	return &vecPool{avail: avail}
}

// AllocMSI allocates and returns an available MSI vector from the
// package-level pool. Panics if the pool is exhausted, the same
// fatal-at-boot behavior biscuit/src/msi/msi.go's Msi_alloc uses: vector
// exhaustion this early means a device topology the kernel was not
// sized for.
func AllocMSI() Vec { return pool.alloc() }

// FreeMSI returns vector to the package-level pool. Panics on a double
// free, matching Msi_free's own double-free panic.
func FreeMSI(vector Vec) { pool.free(vector) }

func (p *vecPool) alloc() Vec {
	p.Lock()
	defer p.Unlock()

	for v := range p.avail {
		delete(p.avail, v)
		return v
	}
	panic("pci: no MSI vectors available")
}

func (p *vecPool) free(vector Vec) {
	p.Lock()
	defer p.Unlock()

	if p.avail[vector] {
		panic("pci: double free of MSI vector")
	}
	p.avail[vector] = true
}
