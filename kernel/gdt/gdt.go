// Package gdt builds the kernel's flat-model Global Descriptor Table and the
// single Task State Segment used for privilege transitions. Styled after a
// package-level Init that assembles a fixed table and loads it with a
// dedicated CPU instruction, applied to segment descriptors instead of
// interrupt gates.
package gdt

import (
	"ia32kernel/kernel/hal"
	"unsafe"
)

// Selector identifies one of the GDT's fixed slots. These exact values are
// load-bearing: the scheduler synthesizes initial stack frames (sched
// package) that embed them directly as CS/SS/DS values.
type Selector uint16

const (
	// Null is the mandatory unused first descriptor.
	Null Selector = 0x00

	// KernelCode is the ring-0 flat code segment.
	KernelCode Selector = 0x08

	// KernelData is the ring-0 flat data segment.
	KernelData Selector = 0x10

	// UserCode is the ring-3 flat code segment. The low 2 bits (the
	// requested privilege level) are already folded into the constant.
	UserCode Selector = 0x18 | 3

	// UserData is the ring-3 flat data segment.
	UserData Selector = 0x20 | 3

	// TSS is the Task State Segment descriptor used to carry the ring-0
	// stack pointer across privilege transitions.
	TSS Selector = 0x28
)

const entryCount = 7 // null, kcode, kdata, ucode, udata, tss (2 entries wide)

// access byte bits shared by every descriptor.
const (
	accPresent  = 1 << 7
	accRing3    = 3 << 5
	accCode     = 1<<4 | 1<<3
	accData     = 1 << 4
	accWritable = 1 << 1
	accReadable = 1 << 1
	accAccessed = 1 << 0
	accTSS32Avl = 0x9
)

// granularity/flags nibble: 32-bit operand size, 4K granularity for the flat
// code/data segments; the TSS descriptor uses byte granularity.
const (
	flagsFlat = 1<<6 | 1<<7
)

// entry is the raw 8-byte GDT descriptor layout.
type entry struct {
	limitLow   uint16
	baseLow    uint16
	baseMiddle uint8
	access     uint8
	flagsLimit uint8
	baseHigh   uint8
}

// taskState mirrors the fields of the 32-bit TSS that this kernel actually
// uses: only ss0/esp0 (the ring-0 stack to use on a privilege transition)
// and the I/O permission bitmap offset (set past the segment limit so no
// ports are exposed to ring 3).
type taskState struct {
	prevTask uint16
	_        uint16
	esp0     uint32
	ss0      uint16
	_        uint16
	// the remaining task-switch fields are zeroed; this kernel never
	// uses hardware task switching.
	rest      [22]uint32
	ioMapBase uint16
	_         uint16
}

var (
	table TableGDT
	tss   taskState
)

// TableGDT is the in-memory representation of the GDT; its address is what
// gets loaded via LGDT.
type TableGDT struct {
	entries [entryCount]entry
}

func setEntry(e *entry, base uint32, limit uint32, access, flags uint8) {
	e.limitLow = uint16(limit & 0xFFFF)
	e.baseLow = uint16(base & 0xFFFF)
	e.baseMiddle = uint8((base >> 16) & 0xFF)
	e.access = access
	e.flagsLimit = uint8((limit>>16)&0x0F) | (flags & 0xF0)
	e.baseHigh = uint8((base >> 24) & 0xFF)
}

// Init builds the flat-model GDT (null, kernel code/data, user code/data,
// TSS) and loads it, then loads the TSS via LTR.
func Init() {
	setEntry(&table.entries[0], 0, 0, 0, 0)
	setEntry(&table.entries[1], 0, 0xFFFFF, accPresent|accCode|accReadable|accAccessed, flagsFlat)
	setEntry(&table.entries[2], 0, 0xFFFFF, accPresent|accData|accWritable|accAccessed, flagsFlat)
	setEntry(&table.entries[3], 0, 0xFFFFF, accPresent|accRing3|accCode|accReadable|accAccessed, flagsFlat)
	setEntry(&table.entries[4], 0, 0xFFFFF, accPresent|accRing3|accData|accWritable|accAccessed, flagsFlat)

	tssSize := uint32(unsafe.Sizeof(tss))
	tss.ss0 = uint16(KernelData)
	tss.ioMapBase = uint16(tssSize)

	tssBase := uint32(uintptr(unsafe.Pointer(&tss)))
	setEntry(&table.entries[5], tssBase, tssSize-1, accPresent|accTSS32Avl, 0)
	// The TSS descriptor occupies a single 8-byte slot; entries[6] stays
	// the reserved null padding some CPUs expect to follow a system
	// descriptor in a flat table of this size.

	desc := hal.TableDescriptor{
		Limit: uint16(len(table.entries)*8 - 1),
		Base:  uint32(uintptr(unsafe.Pointer(&table))),
	}
	hal.LoadGDT(&desc)
	hal.LoadTaskRegister(uint16(TSS))
}

// SetKernelStack updates the TSS so that the next privilege transition from
// ring 3 to ring 0 (a syscall, IRQ, or exception while running user code)
// switches onto esp0. The scheduler calls this on every switch into a user
// thread (sched.switchTo), using esp0 = top of that thread's kernel stack.
func SetKernelStack(esp0 uint32) {
	tss.ss0 = uint16(KernelData)
	tss.esp0 = esp0
}
