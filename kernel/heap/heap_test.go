package heap

import (
	"testing"
	"unsafe"

	"sylphia/kernel/bootinfo"
	"sylphia/kernel/mem"
)

func realBackedBootInfo(t *testing.T, frames uint64) *bootinfo.Info {
	t.Helper()
	region := make([]byte, (frames+1)*mem.PageSize)
	base := uintptr(unsafe.Pointer(&region[0]))
	aligned := uint64((base + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1))

	const headerSize = 52
	descSize := uint64(unsafe.Sizeof(bootinfo.MemDescriptor{}))
	buf := make([]byte, headerSize+descSize)
	desc := bootinfo.MemDescriptor{Type: bootinfo.MemConventional, PhysicalStart: aligned, NumPages: frames}
	*(*bootinfo.MemDescriptor)(unsafe.Pointer(&buf[headerSize])) = desc

	putU64 := func(off int, v uint64) {
		for i := 0; i < 8; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU32 := func(off int, v uint32) {
		for i := 0; i < 4; i++ {
			buf[off+i] = byte(v >> (8 * i))
		}
	}
	putU64(28, uint64(uintptr(unsafe.Pointer(&buf[headerSize]))))
	putU64(36, descSize)
	putU32(44, uint32(descSize))

	return bootinfo.Parse(uintptr(unsafe.Pointer(&buf[0])))
}

func TestAllocAlignment(t *testing.T) {
	mem.Init(realBackedBootInfo(t, 16))
	if err := Init(4 * mem.PageSize); err != nil {
		t.Fatalf("Init: %v", err)
	}

	for _, align := range []uintptr{1, 8, 16, 64} {
		p, err := Alloc(3, align, false)
		if err != nil {
			t.Fatalf("Alloc align=%d: %v", align, err)
		}
		if uintptr(p)%align != 0 {
			t.Fatalf("Alloc align=%d returned unaligned pointer %#x", align, p)
		}
	}
}

func TestAllocZeroes(t *testing.T) {
	mem.Init(realBackedBootInfo(t, 16))
	if err := Init(mem.PageSize); err != nil {
		t.Fatalf("Init: %v", err)
	}

	p, err := Alloc(64, 8, true)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	b := unsafe.Slice((*byte)(p), 64)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d not zeroed: %d", i, v)
		}
		b[i] = 0xff
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	mem.Init(realBackedBootInfo(t, 16))
	if err := Init(mem.PageSize); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := Alloc(uintptr(mem.PageSize)*2, 1, false); err == nil {
		t.Fatal("expected out-of-memory error for an over-large request")
	}
}

func TestFreeIsNoop(t *testing.T) {
	mem.Init(realBackedBootInfo(t, 16))
	if err := Init(mem.PageSize); err != nil {
		t.Fatalf("Init: %v", err)
	}

	p, err := Alloc(16, 1, false)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	before := UsedBytes()
	Free(p)
	if UsedBytes() != before {
		t.Fatalf("Free changed UsedBytes(): before=%d after=%d", before, UsedBytes())
	}
}
