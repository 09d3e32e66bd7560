package sched

import (
	"unsafe"

	"ia32kernel/kernel"
	"ia32kernel/kernel/gdt"
	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
)

// syntheticFrame is the byte-for-byte layout a generic ISR epilogue
// expects to find on a kernel stack before it executes IRET: a segment
// selector word (restored into DS/ES/FS/GS), a general-register dump
// (restored by a popa-equivalent) and the CPU-defined iret frame. Reusing
// idt.Registers/idt.Frame here means the very same epilogue that resumes
// a thread genuinely interrupted mid-execution also works for a thread
// that has never run yet, which is the whole point of synthesizing this
// frame in the first place.
type syntheticFrame struct {
	SegSel uint32
	Regs   idt.Registers
	Vector uint32 // dummy interrupt number; the epilogue discards it
	Frame  idt.Frame
}

var frameSize = mem.Size(unsafe.Sizeof(syntheticFrame{}))

// buildInitialStack writes the synthesized first-entry frame at the top
// of t's kernel stack (temp-mapping it first, since the
// stack lives in a process address space that may not be the one
// currently active) and returns the resulting stack pointer to record as
// the thread's saved ESP.
//
// Layout, low address (= returned ESP) to high address, matching the
// order a generic IRQ-return epilogue consumes it in: segment selector,
// register dump, dummy error code/interrupt number, then the CPU iret
// frame (eip/cs/eflags, plus esp/ss for a ring crossing). Immediately
// above the iret frame sits EntryReturnAddr, the address t's entry
// function finds when it executes its own RET: for a kernel thread this
// is exitThreadTrampoline's address, so a kernel entry function that
// simply returns cleanly terminates: the "return" from the entry falls
// into the exit path. A user thread's entry instead issues the exit
// syscall directly rather than returning (the conventional C runtime
// startup contract for a ring-3 program); no return address is needed on
// its separate user stack for that reason, so none is written there.
func buildInitialStack(t *Thread) (uintptr, *kernel.Error) {
	topFrame := lastFrameOf(t.kernelStack)

	stackTop := t.kernelStack.Addr + uintptr(t.kernelStack.Size)
	frameAddr := stackTop - uintptr(frameSize) - 4 // -4 reserves EntryReturnAddr's slot

	tempBase := vmm.TempMap(topFrame)
	defer vmm.TempUnmap()

	offsetIntoPage := frameAddr % uintptr(mem.PageSize)
	sf := (*syntheticFrame)(unsafe.Pointer(tempBase + offsetIntoPage))
	*sf = syntheticFrame{}

	sf.Frame.EIP = uint32(archEntryTrampolineAddr())
	sf.Frame.EFlags = 0x200 // IF set

	if t.hasUserStack {
		sf.Frame.EIP = uint32(t.entryEIP)
		sf.SegSel = uint32(gdt.UserData)
		sf.Frame.CS = uint32(gdt.UserCode)
		sf.Frame.SS = uint32(gdt.UserData)
		sf.Frame.ESP = uint32(t.userStack.Addr + uintptr(t.userStack.Size))
	} else {
		sf.SegSel = uint32(gdt.KernelData)
		sf.Frame.CS = uint32(gdt.KernelCode)
	}

	retAddrPtr := (*uint32)(unsafe.Pointer(tempBase + offsetIntoPage + uintptr(frameSize)))
	if t.hasUserStack {
		*retAddrPtr = 0
	} else {
		*retAddrPtr = uint32(exitThreadTrampolineAddr())
	}

	return frameAddr, nil
}

// lastFrameOf returns the physical frame backing the final page of
// region, the page buildInitialStack needs to temp-map in order to write
// near the top of a not-yet-active address space's stack.
func lastFrameOf(region vmm.Region) pmm.Frame {
	pageCount := uintptr(region.Size) >> mem.PageShift
	return region.Phys + pmm.Frame(pageCount-1)
}
