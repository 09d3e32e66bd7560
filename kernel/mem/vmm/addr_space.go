package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
)

const maxRegions = 32

// Usage classifies the purpose of a Region; the privilege half (kernel or
// user) combines with a content kind to describe both why a region exists
// and which address range it is allowed to occupy.
type Usage uint8

const (
	UsageKernelCode Usage = iota
	UsageKernelData
	UsageKernelHeap
	UsageKernelStack
	UsageKernelTemp
	UsageUserCode
	UsageUserData
	UsageUserHeap
	UsageUserStack
)

// IsKernel reports whether u designates kernel-half memory, i.e. whether
// regions of this usage must live at or above mem.KernelBase.
func (u Usage) IsKernel() bool {
	return u <= UsageKernelTemp
}

// Access describes the read/write permission a Region is mapped with.
type Access uint8

const (
	ReadOnly Access = iota
	ReadWrite
)

// AutoFree marks a Region whose physical backing is released automatically
// when the region is unmapped, instead of surviving for the caller to
// reclaim separately.
type AutoFree bool

// Region is a virtual address range owned by exactly one AddressSpace.
type Region struct {
	Addr     uintptr
	Size     mem.Size
	Usage    Usage
	Access   Access
	AutoFree AutoFree
	Phys     pmm.Frame
}

// end returns the first address past the region.
func (r Region) end() uintptr {
	return r.Addr + uintptr(r.Size)
}

func (r Region) overlaps(other Region) bool {
	return r.Addr < other.end() && other.Addr < r.end()
}

var (
	errRegionTableFull  = &kernel.Error{Module: "vmm", Message: "address space already holds the maximum number of regions"}
	errRegionOverlap    = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region in this address space"}
	errRegionMisaligned = &kernel.Error{Module: "vmm", Message: "region size is not a multiple of the page size"}
	errRegionWrongHalf  = &kernel.Error{Module: "vmm", Message: "region virtual address does not match its usage's half of the address space"}
	errRegionNotFound   = &kernel.Error{Module: "vmm", Message: "no region starts at the given address"}
)

// RegionTable is the bounded, overlap-checked set of regions an
// AddressSpace owns.
type RegionTable struct {
	entries [maxRegions]Region
	count   int
}

// Add records r, rejecting it if the table is full, r overlaps an existing
// region, r's size is not page-aligned, or r's address disagrees with its
// usage's half of the address space.
func (rt *RegionTable) Add(r Region) *kernel.Error {
	if uintptr(r.Size)%uintptr(mem.PageSize) != 0 {
		return errRegionMisaligned
	}
	if r.Usage.IsKernel() != (r.Addr >= mem.KernelBase) {
		return errRegionWrongHalf
	}
	if rt.count == maxRegions {
		return errRegionTableFull
	}
	for i := 0; i < rt.count; i++ {
		if rt.entries[i].overlaps(r) {
			return errRegionOverlap
		}
	}
	rt.entries[rt.count] = r
	rt.count++
	return nil
}

// Remove deletes and returns the region starting at addr.
func (rt *RegionTable) Remove(addr uintptr) (Region, *kernel.Error) {
	for i := 0; i < rt.count; i++ {
		if rt.entries[i].Addr == addr {
			removed := rt.entries[i]
			rt.count--
			rt.entries[i] = rt.entries[rt.count]
			return removed, nil
		}
	}
	return Region{}, errRegionNotFound
}

// Find returns the region containing addr, if any.
func (rt *RegionTable) Find(addr uintptr) (Region, bool) {
	for i := 0; i < rt.count; i++ {
		if addr >= rt.entries[i].Addr && addr < rt.entries[i].end() {
			return rt.entries[i], true
		}
	}
	return Region{}, false
}

// pageTable is a page table's virtual pointer paired with the physical
// frame backing it. The pointer lets the kernel read/write entries through
// its own heap mapping; the frame is what gets written into the hardware
// PDE, which can only reference physical addresses.
type pageTable struct {
	entries *[1024]pageTableEntry
	frame   pmm.Frame
}

// AddressSpace is one process's (or the kernel's) page directory, the
// shadow array of page-table physical addresses the hardware directory
// entries alone cannot recover, and the region table describing what has
// been mapped where.
type AddressSpace struct {
	pdtFrame pmm.Frame
	pdt      *[1024]pageTableEntry
	tables   [1024]pageTable
	regions  RegionTable

	// nextKernelAddr/nextUserAddr are bump cursors used by AllocAndMap to
	// pick a free virtual address; regions are never reused once
	// released, matching the kernel's "no demand paging, no reuse
	// bookkeeping" scope.
	nextKernelAddr uintptr
	nextUserAddr   uintptr
}

var (
	// kernelSpace is the address space every other AddressSpace's top
	// quarter is cloned from and kept in sync with: a kernel region
	// mapped anywhere must become visible in every live address space.
	kernelSpace *AddressSpace

	// liveSpaces lists every AddressSpace created since boot so kernel
	// regions can be propagated into all of them.
	liveSpaces []*AddressSpace
)

// newAddressSpace allocates and zeroes a fresh page directory.
func newAddressSpace() (*AddressSpace, *kernel.Error) {
	pdtFrame, err := frameAllocator()
	if err != nil {
		return nil, err
	}

	pdtVirt := physToVirt(pdtFrame.Address())
	mem.Memset(pdtVirt, 0, uintptr(mem.PageSize))

	as := &AddressSpace{
		pdtFrame: pdtFrame,
		pdt:      (*[1024]pageTableEntry)(asPointer(pdtVirt)),
	}
	as.nextKernelAddr = mem.KernelHeapStart
	as.nextUserAddr = mem.UserHeapStart
	return as, nil
}

// NewKernelAddressSpace creates the single, well-known kernel address space.
// It must be called exactly once, before any call to NewAddressSpace.
func NewKernelAddressSpace() (*AddressSpace, *kernel.Error) {
	as, err := newAddressSpace()
	if err != nil {
		return nil, err
	}
	kernelSpace = as
	liveSpaces = append(liveSpaces, as)
	return as, nil
}

// NewAddressSpace creates a process address space whose top quarter
// (dir indices 768-1023, i.e. virtual addresses ≥ mem.KernelBase) aliases
// the kernel address space, per the invariant that every address space
// carries the kernel mapped in.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	as, err := newAddressSpace()
	if err != nil {
		return nil, err
	}

	kernelStartDir := dirIndex(mem.KernelBase)
	for i := kernelStartDir; i < 1024; i++ {
		as.pdt[i] = kernelSpace.pdt[i]
		as.tables[i] = kernelSpace.tables[i]
	}

	liveSpaces = append(liveSpaces, as)
	return as, nil
}

// propagateKernelPDE writes dirIdx's entry and shadow-table pointer into
// every live address space, used whenever the kernel address space gains a
// new page table in its upper quarter after other address spaces already
// exist.
func propagateKernelPDE(dirIdx uint32) {
	for _, as := range liveSpaces {
		if as == kernelSpace {
			continue
		}
		as.pdt[dirIdx] = kernelSpace.pdt[dirIdx]
		as.tables[dirIdx] = kernelSpace.tables[dirIdx]
	}
}

// Activate installs this address space's page directory as the CPU's
// active one.
func (as *AddressSpace) Activate() {
	reloadCR3Fn(as.pdtFrame.Address())
}

// KernelAddressSpace returns the single, well-known kernel address space
// created by Init. Every other address space aliases its top quarter.
func KernelAddressSpace() *AddressSpace {
	return kernelSpace
}
