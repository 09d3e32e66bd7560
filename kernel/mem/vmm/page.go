package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
)

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by
// this Page.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned
// addresses. in the latter case, the input address will be rounded down to
// the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page(virtAddr >> mem.PageShift)
}

// Map establishes a mapping from a single virtual page to a physical frame
// in the kernel address space, outside the region-table bookkeeping. The
// Go runtime bootstrap uses this to hand pages to the host allocator; the
// region table deliberately never learns about them since the runtime, not
// the VMM, owns their lifetime.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return kernelSpace.mapPage(page.Address(), frame, flags)
}

// earlyReserveCursor is the bump cursor for the Go runtime allocator's
// dedicated virtual window. It is deliberately independent of any
// AddressSpace's region bookkeeping: the runtime reserves address space
// before the kernel address space object exists, and its pages never
// appear in a region table.
var earlyReserveCursor uintptr = mem.KernelRuntimeHeapStart

// EarlyReserveRegion reserves size bytes of kernel virtual address space
// without establishing any mappings, returning the start of the reserved
// range. Mappings are established later, page by page, via Map.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = mem.PageAlignUp(size)

	if earlyReserveCursor+uintptr(size) >= mem.KernelTempStart {
		return 0, errNoFreeVirtualSpace
	}

	addr := earlyReserveCursor
	earlyReserveCursor += uintptr(size)
	return addr, nil
}
