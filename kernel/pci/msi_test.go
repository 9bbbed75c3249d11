package pci

import "testing"

func TestAllocMSIReturnsDistinctVectors(t *testing.T) {
	p := newVecPool(34, 36)
	seen := map[Vec]bool{}
	for i := 0; i < 3; i++ {
		v := p.alloc()
		if seen[v] {
			t.Fatalf("vector %d allocated twice", v)
		}
		seen[v] = true
	}
}

func TestAllocMSIPanicsWhenExhausted(t *testing.T) {
	p := newVecPool(34, 34)
	p.alloc()
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic when the pool is exhausted")
		}
	}()
	p.alloc()
}

func TestFreeMSIReturnsVectorToPool(t *testing.T) {
	p := newVecPool(34, 34)
	v := p.alloc()
	p.free(v)
	// should not panic: the vector is available again
	p.alloc()
}

func TestFreeMSIPanicsOnDoubleFree(t *testing.T) {
	p := newVecPool(34, 35)
	v := p.alloc()
	p.free(v)
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic on double free")
		}
	}()
	p.free(v)
}
