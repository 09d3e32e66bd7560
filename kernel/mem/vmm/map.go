package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is a package-level var so tests can override it;
	// the compiler inlines it away in a production build.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoFreeVirtualSpace = &kernel.Error{Module: "vmm", Message: "address space has no remaining virtual address range for this usage"}
)

// tableFor returns the page table holding dirIdx's entries, allocating and
// installing a fresh one (zeroed, present, writable) if create is true and
// none exists yet.
func (as *AddressSpace) tableFor(dirIdx uint32, create bool) (*[1024]pageTableEntry, *kernel.Error) {
	if as.tables[dirIdx].entries != nil {
		return as.tables[dirIdx].entries, nil
	}

	if as.pdt[dirIdx].HasFlags(FlagPresent) {
		// A table is mapped in hardware but this address space has no
		// shadow pointer for it yet (happens for a cloned kernel PDE
		// populated directly in NewAddressSpace). Resolve it via the
		// kernel address space's own shadow entry.
		if kernelSpace != nil && kernelSpace.tables[dirIdx].entries != nil {
			as.tables[dirIdx] = kernelSpace.tables[dirIdx]
			return as.tables[dirIdx].entries, nil
		}
		return nil, ErrInvalidMapping
	}

	if !create {
		return nil, ErrInvalidMapping
	}

	frame, err := frameAllocator()
	if err != nil {
		return nil, err
	}

	virt := physToVirt(frame.Address())
	mem.Memset(virt, 0, uintptr(mem.PageSize))

	entries := (*[1024]pageTableEntry)(asPointer(virt))
	as.tables[dirIdx] = pageTable{entries: entries, frame: frame}

	as.pdt[dirIdx].SetFrame(frame)
	as.pdt[dirIdx].SetFlags(FlagPresent | FlagRW)

	if as == kernelSpace {
		propagateKernelPDE(dirIdx)
	}

	return entries, nil
}

// mapPage installs a single present mapping from virtAddr to frame with
// the given flags, allocating an intermediate page table if necessary.
func (as *AddressSpace) mapPage(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	dirIdx := dirIndex(virtAddr)
	table, err := as.tableFor(dirIdx, true)
	if err != nil {
		return err
	}

	pte := &table[tableIndex(virtAddr)]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)
	flushTLBEntryFn(virtAddr)
	return nil
}

// unmapPage clears the mapping at virtAddr, if one exists.
func (as *AddressSpace) unmapPage(virtAddr uintptr) *kernel.Error {
	dirIdx := dirIndex(virtAddr)
	table, err := as.tableFor(dirIdx, false)
	if err != nil {
		return err
	}

	pte := &table[tableIndex(virtAddr)]
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}
	*pte = 0
	flushTLBEntryFn(virtAddr)
	return nil
}

// mapFrames maps size bytes (rounded up to a page boundary) of contiguous
// physical memory starting at startFrame to the contiguous virtual range
// starting at virtAddr.
func mapFrames(as *AddressSpace, virtAddr uintptr, startFrame pmm.Frame, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	size = mem.PageAlignUp(size)
	pageCount := uintptr(size) >> mem.PageShift

	for i := uintptr(0); i < pageCount; i++ {
		if err := as.mapPage(virtAddr+i*uintptr(mem.PageSize), startFrame+pmm.Frame(i), flags); err != nil {
			return err
		}
	}
	return nil
}

// flagsFor derives the PTE flag set for a region: ReadWrite maps to
// FlagRW, and any user-half usage gets FlagUser so ring 3 can touch it.
func flagsFor(usage Usage, access Access) PageTableEntryFlag {
	flags := FlagPresent
	if access == ReadWrite {
		flags |= FlagRW
	}
	if !usage.IsKernel() {
		flags |= FlagUser
	}
	return flags
}

// MapRegion maps size bytes of physical memory starting at phys to a
// region of the given usage/access starting at virtAddr, and records the
// region in the address space's region table.
func MapRegion(as *AddressSpace, virtAddr uintptr, phys pmm.Frame, size mem.Size, usage Usage, access Access, autoFree AutoFree) *kernel.Error {
	size = mem.PageAlignUp(size)

	region := Region{Addr: virtAddr, Size: size, Usage: usage, Access: access, AutoFree: autoFree, Phys: phys}
	if err := as.regions.Add(region); err != nil {
		return err
	}

	flags := flagsFor(usage, access)
	if err := mapFrames(as, virtAddr, phys, size, flags); err != nil {
		as.regions.Remove(virtAddr)
		return err
	}
	return nil
}

// UnmapRegion removes the region starting at virtAddr, clearing its page
// mappings and releasing its physical backing if it was flagged AutoFree.
func UnmapRegion(as *AddressSpace, virtAddr uintptr, freeFrameFn func(pmm.Frame)) *kernel.Error {
	region, err := as.regions.Remove(virtAddr)
	if err != nil {
		return err
	}

	pageCount := uintptr(region.Size) >> mem.PageShift
	for i := uintptr(0); i < pageCount; i++ {
		as.unmapPage(virtAddr + i*uintptr(mem.PageSize))
	}

	if bool(region.AutoFree) && freeFrameFn != nil {
		for i := uintptr(0); i < pageCount; i++ {
			freeFrameFn(region.Phys + pmm.Frame(i))
		}
	}
	return nil
}

// nextFreeAddr returns and advances the bump cursor for usage's half of
// the address space.
func (as *AddressSpace) nextFreeAddr(usage Usage, size mem.Size) (uintptr, *kernel.Error) {
	size = mem.PageAlignUp(size)

	if usage.IsKernel() {
		addr := as.nextKernelAddr
		if addr+uintptr(size) >= mem.KernelRuntimeHeapStart {
			return 0, errNoFreeVirtualSpace
		}
		as.nextKernelAddr += uintptr(size)
		return addr, nil
	}

	addr := as.nextUserAddr
	if addr+uintptr(size) >= mem.KernelBase {
		return 0, errNoFreeVirtualSpace
	}
	as.nextUserAddr += uintptr(size)
	return addr, nil
}

// AllocAndMap reserves the next free virtual range of size bytes for usage,
// allocates fresh physical frames to back every page and maps them with
// access permissions. The returned region is already recorded in the
// address space's region table.
func AllocAndMap(as *AddressSpace, size mem.Size, usage Usage, access Access) (Region, *kernel.Error) {
	size = mem.PageAlignUp(size)

	virtAddr, err := as.nextFreeAddr(usage, size)
	if err != nil {
		return Region{}, err
	}

	pageCount := uint32(uintptr(size) >> mem.PageShift)
	startFrame, err := frameAllocatorN(pageCount)
	if err != nil {
		return Region{}, err
	}

	region := Region{Addr: virtAddr, Size: size, Usage: usage, Access: access, AutoFree: true, Phys: startFrame}
	if err := as.regions.Add(region); err != nil {
		return Region{}, err
	}

	flags := flagsFor(usage, access)
	if err := mapFrames(as, virtAddr, startFrame, size, flags); err != nil {
		as.regions.Remove(virtAddr)
		return Region{}, err
	}
	return region, nil
}

// frameAllocatorN allocates n contiguous frames one at a time when no
// bulk allocator is registered (the boot allocator only ever hands out
// single frames); a bulk allocator registered via SetFrameRunAllocator is
// used instead when available, since a contiguous multi-frame request is
// what AllocAndMap actually needs.
func frameAllocatorN(n uint32) (pmm.Frame, *kernel.Error) {
	if frameRunAllocator != nil {
		return frameRunAllocator(n)
	}
	first, err := frameAllocator()
	if err != nil {
		return pmm.InvalidFrame, err
	}
	for i := uint32(1); i < n; i++ {
		if _, err := frameAllocator(); err != nil {
			return pmm.InvalidFrame, err
		}
	}
	return first, nil
}

// AllocAndMapAt behaves like AllocAndMap but places the region at a
// caller-chosen virtual address instead of the next free one. The ELF
// loader uses this to honor a segment's linked virtual address; the usual
// overlap and alignment checks still apply through the region table.
func AllocAndMapAt(as *AddressSpace, virtAddr uintptr, size mem.Size, usage Usage, access Access) (Region, *kernel.Error) {
	size = mem.PageAlignUp(size)

	pageCount := uint32(uintptr(size) >> mem.PageShift)
	startFrame, err := frameAllocatorN(pageCount)
	if err != nil {
		return Region{}, err
	}

	region := Region{Addr: virtAddr, Size: size, Usage: usage, Access: access, AutoFree: true, Phys: startFrame}
	if err := as.regions.Add(region); err != nil {
		return Region{}, err
	}

	flags := flagsFor(usage, access)
	if err := mapFrames(as, virtAddr, startFrame, size, flags); err != nil {
		as.regions.Remove(virtAddr)
		return Region{}, err
	}
	return region, nil
}

// AllocAndMapLimited behaves like AllocAndMap but refuses to complete if
// the physical run it would use crosses limit, and additionally requires
// the run to start on a 64 KiB boundary. This is the mapping call ISA-DMA
// regions use: legacy DMA controllers can only address the first 16 MiB of
// physical memory and cannot cross a 64 KiB page within a single transfer.
func AllocAndMapLimited(as *AddressSpace, size mem.Size, usage Usage, access Access, limit uintptr) (Region, *kernel.Error) {
	if frameRunAllocatorBelow == nil {
		return Region{}, errNoLimitedAllocator
	}

	size = mem.PageAlignUp(size)
	virtAddr, err := as.nextFreeAddr(usage, size)
	if err != nil {
		return Region{}, err
	}

	pageCount := uint32(uintptr(size) >> mem.PageShift)
	startFrame, err := frameRunAllocatorBelow(pageCount, limit)
	if err != nil {
		return Region{}, err
	}

	region := Region{Addr: virtAddr, Size: size, Usage: usage, Access: access, AutoFree: true, Phys: startFrame}
	if err := as.regions.Add(region); err != nil {
		return Region{}, err
	}

	flags := flagsFor(usage, access)
	if err := mapFrames(as, virtAddr, startFrame, size, flags); err != nil {
		as.regions.Remove(virtAddr)
		return Region{}, err
	}
	return region, nil
}

// CreateHeap appends a heap region of size bytes at the current end of
// as's virtual address range for usage (UsageKernelHeap/UsageUserHeap) and
// returns its base address. DestroyHeap reverses this.
func CreateHeap(as *AddressSpace, size mem.Size, usage Usage) (uintptr, *kernel.Error) {
	region, err := AllocAndMap(as, size, usage, ReadWrite)
	if err != nil {
		return 0, err
	}
	return region.Addr, nil
}

// DestroyHeap unmaps the heap region starting at addr and returns its
// frames to freeFrameFn.
func DestroyHeap(as *AddressSpace, addr uintptr, freeFrameFn func(pmm.Frame)) *kernel.Error {
	return UnmapRegion(as, addr, freeFrameFn)
}

// TempMap establishes a scratch mapping of frame at the kernel's fixed
// temporary-mapping window, overwriting any previous temporary mapping.
// Used to initialize a page table or page directory that belongs to an
// address space that isn't currently active.
func TempMap(frame pmm.Frame) uintptr {
	kernelSpace.mapPage(mem.KernelTempStart, frame, FlagPresent|FlagRW)
	return mem.KernelTempStart
}

// TempUnmap clears the scratch mapping established by TempMap.
func TempUnmap() {
	kernelSpace.unmapPage(mem.KernelTempStart)
}
