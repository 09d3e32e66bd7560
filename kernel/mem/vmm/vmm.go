// Package vmm manages per-address-space virtual memory: a 2-level i386
// page directory/page table pair, a region table tracking what has been
// mapped where, and the page-fault/GPF handlers that turn a bad access
// into a diagnostic panic. Hardware directory entries need physical
// addresses of page tables while the kernel walks them by virtual
// pointers, so each address space carries an explicit shadow array giving
// both views (see AddressSpace).
package vmm

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/cpu"
	"ia32kernel/kernel/hal/multiboot"
	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/kfmt/diag"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"unsafe"
)

var (
	// frameAllocator points to a frame allocator function registered via
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameRunAllocator, if set, allocates n contiguous frames in one call
	// (pmm/allocator.BitmapAllocator.Alloc); registered via
	// SetFrameRunAllocator once the bitmap allocator takes over from the
	// boot allocator, which can only hand out single frames.
	frameRunAllocator FrameRunAllocatorFn

	// frameRunAllocatorBelow allocates n contiguous frames whose base
	// physical address is below a caller-supplied ceiling and falls on a
	// 64 KiB boundary; registered via SetFrameRunAllocatorBelow for
	// AllocAndMapLimited's ISA-DMA use case.
	frameRunAllocatorBelow FrameRunAllocatorBelowFn

	errNoLimitedAllocator = &kernel.Error{Module: "vmm", Message: "no physical-limit-aware frame allocator has been registered"}

	// the following are package-level function vars so tests can swap in
	// fakes; the compiler inlines them away in a production build.
	reloadCR3Fn               = cpu.SwitchPDT
	readCR2Fn                 = cpu.ReadCR2
	handleExceptionWithCodeFn = idt.HandleExceptionWithCode
	visitElfSectionsFn        = multiboot.VisitElfSections

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page or general protection fault"}
)

// FrameAllocatorFn is a function that can allocate a physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// FrameRunAllocatorFn allocates n contiguous physical frames, returning the
// base frame of the run.
type FrameRunAllocatorFn func(n uint32) (pmm.Frame, *kernel.Error)

// FrameRunAllocatorBelowFn allocates n contiguous physical frames whose
// base address is below limit and 64 KiB-aligned.
type FrameRunAllocatorBelowFn func(n uint32, limit uintptr) (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator this package uses
// whenever it needs a new physical frame for a page table or a mapped
// region.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// SetFrameRunAllocator registers a bulk contiguous-frame allocator used by
// AllocAndMap once one is available.
func SetFrameRunAllocator(allocFn FrameRunAllocatorFn) {
	frameRunAllocator = allocFn
}

// SetFrameRunAllocatorBelow registers the physical-ceiling-aware allocator
// AllocAndMapLimited uses for ISA-DMA-safe regions.
func SetFrameRunAllocatorBelow(allocFn FrameRunAllocatorBelowFn) {
	frameRunAllocatorBelow = allocFn
}

// physToVirt and virtToPhys translate between a physical address and its
// virtual address in the kernel's direct-mapped window. Page directories
// and page tables are allocated as ordinary physical frames but read and
// written through this window rather than through a recursive self-mapping
// trick, matching the shadow-array design this package uses to recover a
// page table's physical address for the hardware PDE.
func physToVirt(phys uintptr) uintptr { return phys + mem.KernelBase }
func virtToPhys(virt uintptr) uintptr { return virt - mem.KernelBase }

func asPointer(virt uintptr) unsafe.Pointer {
	return unsafe.Pointer(virt)
}

// Init creates the kernel address space, maps the loaded kernel image's
// ELF sections with the appropriate RW/RO flags, activates the new page
// directory and installs the page-fault/GPF exception handlers.
func Init(kernelPageOffset uintptr) *kernel.Error {
	as, err := NewKernelAddressSpace()
	if err != nil {
		return err
	}

	if err := mapKernelImage(as, kernelPageOffset); err != nil {
		return err
	}

	as.Activate()

	handleExceptionWithCodeFn(idt.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(idt.GPFException, generalProtectionFaultHandler)
	return nil
}

// mapKernelImage queries the multiboot ELF section tags for the loaded
// kernel image and establishes mappings for each section using flags
// derived from its ELF attributes (writable sections get FlagRW).
func mapKernelImage(as *AddressSpace, kernelPageOffset uintptr) *kernel.Error {
	var mapErr *kernel.Error

	visitor := func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if mapErr != nil || secAddress < kernelPageOffset || secSize == 0 {
			return
		}

		flags := FlagPresent
		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		startAddr := mem.PageAlignDown(secAddress)
		endAddr := mem.PageAlignDown(secAddress+uintptr(secSize-1)) + uintptr(mem.PageSize)
		size := mem.Size(endAddr - startAddr)
		startFrame := pmm.Frame((startAddr - kernelPageOffset) >> mem.PageShift)

		mapErr = mapFrames(as, startAddr, startFrame, size, flags)
	}

	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return mapErr
}

// noEscape hides a pointer from escape analysis so the visitor closure
// above doesn't force a heap allocation before paging is even live.
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

func pageFaultHandler(regs *idt.Registers, frame *idt.Frame) {
	faultAddress := uintptr(readCR2Fn())
	dumpFaultContext("page fault", frame.ErrorCode, faultAddress, regs, frame)
	panic(errUnrecoverableFault)
}

func generalProtectionFaultHandler(regs *idt.Registers, frame *idt.Frame) {
	dumpFaultContext("general protection fault", frame.ErrorCode, uintptr(readCR2Fn()), regs, frame)
	panic(errUnrecoverableFault)
}

func dumpFaultContext(kind string, errorCode uint32, faultAddress uintptr, regs *idt.Registers, frame *idt.Frame) {
	kfmt.Printf("\n%s while accessing address: 0x%x\nerror code: 0x%x\n", kind, faultAddress, errorCode)
	kfmt.Printf("eax=%x ebx=%x ecx=%x edx=%x esi=%x edi=%x ebp=%x\n",
		regs.EAX, regs.EBX, regs.ECX, regs.EDX, regs.ESI, regs.EDI, regs.EBP)
	kfmt.Printf("eip=%x cs=%x eflags=%x esp=%x ss=%x\n",
		frame.EIP, frame.CS, frame.EFlags, frame.ESP, frame.SS)
	diag.DumpFault(uintptr(frame.EIP))
}
