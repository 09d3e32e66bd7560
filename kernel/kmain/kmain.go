// Package kmain ties the boot sequence together: descriptor tables, the
// physical and virtual memory managers, the Go runtime bootstrap, the
// scheduler, the VFS and the syscall gateway, in the order their
// dependencies dictate.
package kmain

import (
	"ia32kernel/kernel"
	"ia32kernel/kernel/gdt"
	"ia32kernel/kernel/goruntime"
	"ia32kernel/kernel/hal"
	"ia32kernel/kernel/hal/multiboot"
	"ia32kernel/kernel/idt"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/heap"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/pmm/allocator"
	"ia32kernel/kernel/mem/skheap"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/sync"
	"ia32kernel/kernel/syscall"
	"ia32kernel/kernel/vfs"
	"ia32kernel/kernel/vfs/initrd"
	"ia32kernel/kernel/vfs/pipe"
)

// kernelHeap is the kernel's own dynamic heap, built over the kernel
// address space once the VMM is live.
var kernelHeap *heap.Heap

// Kmain is the only Go symbol visible (exported) to the rt0 assembly
// code, which invokes it after setting up a minimal g0 struct and a 4K
// boot stack. The rt0 code passes the address of the multiboot info
// payload plus the kernel image's physical start/end.
//
// Kmain is not expected to return. If it does, the rt0 code halts the
// CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	gdt.Init()
	idt.Init()
	sync.SetHAL(hal.Cli, hal.Sti, hal.ReadEFlags)

	var err *kernel.Error

	skheap.SetKernelOffset(mem.KernelBase)
	if err = allocator.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	}
	if err = vmm.Init(mem.KernelBase); err != nil {
		panic(err)
	}
	if err = goruntime.Init(); err != nil {
		panic(err)
	}

	freeFrame := func(f pmm.Frame) { allocator.FrameAllocator.Unmark(f, 1) }
	heap.SetFreeFrameFn(freeFrame)
	sched.SetFreeFrameFn(freeFrame)
	kernelHeap = heap.New(vmm.KernelAddressSpace(), vmm.UsageKernelHeap)

	if _, err = sched.Init(initEntry, consoleFlushEntry); err != nil {
		panic(err)
	}

	// Interrupts stay enabled from here on; the first timer tick can now
	// preempt into the init thread.
	hal.Sti()

	for {
		sched.Yield()
	}
}

// initEntry is the init process's primary thread: it brings up the VFS
// namespace, the conventional mount directories, the syscall gateway and
// whatever initial ram disk the boot command line names, then parks.
func initEntry() {
	var err *kernel.Error

	if err = vfs.Init(); err != nil {
		kfmt.Panic(err)
	}
	for _, dir := range []string{"/dev", pipe.MountDir, "/mnt"} {
		if err = vfs.Mkdir(dir, vfs.PermAll); err != nil {
			kfmt.Panic(err)
		}
	}

	syscall.Init()

	applyBootTunables()

	kfmt.Printf("[kmain] core services up; %d thread(s) in init\n",
		sched.CurrentProcess().ThreadCount())

	for {
		sched.Yield()
	}
}

// consoleFlushEntry is the init process's second thread. It exists to
// satisfy the boot contract that init runs with at least two threads and
// gives the console somewhere to drain from once a terminal driver mounts
// itself; until then it is a polite idle loop.
func consoleFlushEntry() {
	for {
		sched.Yield()
	}
}

// applyBootTunables scans the multiboot command line for this kernel's
// own key=value tunables. Unknown keys belong to drivers and are left
// alone.
func applyBootTunables() {
	for key, value := range multiboot.GetBootCmdLine() {
		switch key {
		case "quantum":
			sched.SetDefaultQuantum(parseUint(value, 5))
		case "heapArena":
			heap.SetDefaultArenaSize(mem.Size(parseUint(value, 8)) * mem.Mb)
		case "initrd":
			if err := vfs.MountFS("/mnt/initrd", initrd.Mount, value); err != nil {
				kfmt.Printf("[kmain] initrd mount from %s failed: %s\n", value, err.Message)
			}
		}
	}
}

// parseUint decodes a decimal command-line value, falling back to def on
// anything malformed.
func parseUint(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	var v uint32
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return def
		}
		v = v*10 + uint32(s[i]-'0')
	}
	return v
}
