package skheap

import (
	"testing"
	"unsafe"
)

func resetHeap() {
	for i := range blockUsed {
		blockUsed[i] = 0
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	resetHeap()

	p, err := Alloc(64)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	buf := (*[64]byte)(p)
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := Free(p); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	// The freed run must be reusable.
	p2, err := Alloc(64)
	if err != nil {
		t.Fatalf("Alloc after Free failed: %v", err)
	}
	if p2 != p {
		t.Fatalf("expected the freed run to be reused; got a different address")
	}
}

func TestCallocZeroesMemory(t *testing.T) {
	resetHeap()

	p, err := Alloc(32)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	buf := (*[32]byte)(p)
	for i := range buf {
		buf[i] = 0xFF
	}
	Free(p)

	p2, err := Calloc(32)
	if err != nil {
		t.Fatalf("Calloc failed: %v", err)
	}
	buf2 := (*[32]byte)(p2)
	for i, b := range buf2 {
		if b != 0 {
			t.Fatalf("expected zeroed byte at %d; got %d", i, b)
		}
	}
}

func TestAllocAlignedReturnsPageAlignedPayload(t *testing.T) {
	resetHeap()

	p, err := AllocAligned(128)
	if err != nil {
		t.Fatalf("AllocAligned failed: %v", err)
	}
	if uintptr(p)%4096 != 0 {
		t.Fatalf("expected page-aligned payload; got %#x", uintptr(p))
	}
}

func TestFreeDetectsCorruptHeader(t *testing.T) {
	resetHeap()

	p, err := Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}

	hdr := headerForPayload(p)
	hdr.Size = 99999 // corrupt the header without recomputing the CRC

	if err := Free(p); err != errCorruptFree {
		t.Fatalf("expected errCorruptFree; got %v", err)
	}
}

func TestReallocPreservesContent(t *testing.T) {
	resetHeap()

	p, err := Alloc(16)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	buf := (*[16]byte)(p)
	for i := range buf {
		buf[i] = byte(i + 1)
	}

	p2, err := Realloc(p, 64)
	if err != nil {
		t.Fatalf("Realloc failed: %v", err)
	}

	buf2 := (*[16]byte)(unsafe.Pointer(p2))
	for i, b := range buf2 {
		if b != byte(i+1) {
			t.Fatalf("expected preserved byte %d to be %d; got %d", i, i+1, b)
		}
	}
}

func TestPhysVirtTranslation(t *testing.T) {
	SetKernelOffset(0xC0000000)
	defer SetKernelOffset(0)

	virt := uintptr(0xC0100000)
	phys := PhysOf(virt)
	if phys != 0x00100000 {
		t.Fatalf("expected phys 0x100000; got %#x", phys)
	}
	if VirtOf(phys) != virt {
		t.Fatalf("expected VirtOf to invert PhysOf")
	}
}
