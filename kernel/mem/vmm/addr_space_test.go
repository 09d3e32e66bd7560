package vmm

import (
	"testing"

	"ia32kernel/kernel/mem"
)

func TestRegionTableRejectsMisalignedSize(t *testing.T) {
	var rt RegionTable

	r := Region{Addr: 0xC8000000, Size: mem.PageSize + 1, Usage: UsageKernelHeap}
	if err := rt.Add(r); err != errRegionMisaligned {
		t.Errorf("expected errRegionMisaligned, got %v", err)
	}
}

func TestRegionTableRejectsWrongHalf(t *testing.T) {
	var rt RegionTable

	specs := []Region{
		// kernel usage below the kernel base
		{Addr: 0x08000000, Size: mem.PageSize, Usage: UsageKernelHeap},
		// user usage above the kernel base
		{Addr: 0xC8000000, Size: mem.PageSize, Usage: UsageUserHeap},
	}
	for i, r := range specs {
		if err := rt.Add(r); err != errRegionWrongHalf {
			t.Errorf("[spec %d] expected errRegionWrongHalf, got %v", i, err)
		}
	}
}

func TestRegionTableRejectsOverlap(t *testing.T) {
	var rt RegionTable

	base := Region{Addr: 0xC8000000, Size: 4 * mem.PageSize, Usage: UsageKernelHeap}
	if err := rt.Add(base); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	specs := []struct {
		addr    uintptr
		size    mem.Size
		overlap bool
	}{
		{0xC8000000, 4 * mem.PageSize, true},                     // identical
		{0xC8000000 + uintptr(mem.PageSize), mem.PageSize, true}, // inside
		{0xC8000000 - uintptr(mem.PageSize), 2 * mem.PageSize, true},
		{0xC8000000 + 4*uintptr(mem.PageSize), mem.PageSize, false}, // adjacent above
		{0xC8000000 - uintptr(mem.PageSize), mem.PageSize, false},   // adjacent below
	}

	for i, spec := range specs {
		err := rt.Add(Region{Addr: spec.addr, Size: spec.size, Usage: UsageKernelHeap})
		if spec.overlap && err != errRegionOverlap {
			t.Errorf("[spec %d] expected errRegionOverlap, got %v", i, err)
		}
		if !spec.overlap && err != nil {
			t.Errorf("[spec %d] expected adjacent region to be accepted, got %v", i, err)
		}
	}
}

func TestRegionTableCapacity(t *testing.T) {
	var rt RegionTable

	for i := 0; i < maxRegions; i++ {
		r := Region{
			Addr:  0xC8000000 + uintptr(i)*uintptr(mem.PageSize),
			Size:  mem.PageSize,
			Usage: UsageKernelHeap,
		}
		if err := rt.Add(r); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	overflow := Region{Addr: 0xCF000000, Size: mem.PageSize, Usage: UsageKernelHeap}
	if err := rt.Add(overflow); err != errRegionTableFull {
		t.Errorf("expected errRegionTableFull, got %v", err)
	}
}

func TestRegionTableRemoveAndFind(t *testing.T) {
	var rt RegionTable

	r := Region{Addr: 0xC8000000, Size: 2 * mem.PageSize, Usage: UsageKernelHeap, AutoFree: true}
	if err := rt.Add(r); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	if got, ok := rt.Find(r.Addr + uintptr(mem.PageSize)); !ok || got.Addr != r.Addr {
		t.Errorf("Find inside the region = (%+v, %v)", got, ok)
	}
	if _, ok := rt.Find(r.Addr + 2*uintptr(mem.PageSize)); ok {
		t.Errorf("Find just past the region should miss")
	}

	removed, err := rt.Remove(r.Addr)
	if err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !bool(removed.AutoFree) || removed.Size != r.Size {
		t.Errorf("Remove returned wrong region: %+v", removed)
	}

	if _, err := rt.Remove(r.Addr); err != errRegionNotFound {
		t.Errorf("expected errRegionNotFound on double remove, got %v", err)
	}
}

func TestEarlyReserveRegionAdvancesAndAligns(t *testing.T) {
	start := earlyReserveCursor
	defer func() { earlyReserveCursor = start }()

	addr1, err := EarlyReserveRegion(mem.PageSize - 1)
	if err != nil {
		t.Fatalf("EarlyReserveRegion failed: %v", err)
	}
	addr2, err := EarlyReserveRegion(mem.PageSize)
	if err != nil {
		t.Fatalf("EarlyReserveRegion failed: %v", err)
	}

	if addr1 != start {
		t.Errorf("first reservation at %#x; want %#x", addr1, start)
	}
	if addr2 != start+uintptr(mem.PageSize) {
		t.Errorf("sub-page reservation was not rounded up: second at %#x", addr2)
	}
}
