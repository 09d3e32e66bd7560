// Package hal is the lowest layer of the kernel: port byte/word/long I/O,
// interrupt enable/disable, EFLAGS inspection, GDT/IDT pointer loads, CR3
// reload, single-page TLB invalidation, an atomic exchange primitive and the
// ring-3 entry stub. Concrete peripheral drivers (ATA, floppy, VGA/VESA
// framebuffers, Sound Blaster, the PS/2 mouse...) are external collaborators
// that sit above this layer and are out of scope for the kernel core; this
// package only exposes the mechanism they and the core subsystems both need.
package hal

import (
	"ia32kernel/kernel/cpu"
	"sync/atomic"
)

// EFlags bit positions that callers care about. IF (bit 9) is the one the
// spinlock save/restore convention (sync.Spinlock) depends on.
const (
	EFlagsCF = 1 << 0
	EFlagsIF = 1 << 9
)

// TableDescriptor is the 6-byte structure the LGDT/LIDT instructions expect:
// a 16-bit limit followed by a 32-bit linear base address.
type TableDescriptor struct {
	Limit uint16
	Base  uint32
}

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, value uint8)

// Inw reads a 16-bit word from the given I/O port.
func Inw(port uint16) uint16

// Outw writes a 16-bit word to the given I/O port.
func Outw(port uint16, value uint16)

// Inl reads a 32-bit long from the given I/O port.
func Inl(port uint16) uint32

// Outl writes a 32-bit long to the given I/O port.
func Outl(port uint16, value uint32)

// ReadEFlags returns the current value of the EFLAGS register. Spinlock uses
// this to capture the interrupt-enable bit before calling Cli so Release can
// restore it later.
func ReadEFlags() uint32

// Cli disables maskable interrupts.
func Cli() {
	cpu.DisableInterrupts()
}

// Sti enables maskable interrupts.
func Sti() {
	cpu.EnableInterrupts()
}

// LoadGDT loads the global descriptor table pointed to by desc and reloads
// the segment registers.
func LoadGDT(desc *TableDescriptor)

// LoadIDT loads the interrupt descriptor table pointed to by desc.
func LoadIDT(desc *TableDescriptor)

// LoadTaskRegister issues LTR for the given TSS selector.
func LoadTaskRegister(selector uint16)

// ReloadCR3 installs physAddr as the active page directory and implicitly
// flushes the entire TLB (aside from global pages, which this kernel does
// not use).
func ReloadCR3(physAddr uintptr) {
	cpu.SwitchPDT(physAddr)
}

// ActiveCR3 returns the physical address of the currently active page
// directory.
func ActiveCR3() uintptr {
	return cpu.ActivePDT()
}

// InvalidatePage flushes a single TLB entry for virtAddr, used after a page
// table entry is modified in place without switching CR3.
func InvalidatePage(virtAddr uintptr) {
	cpu.FlushTLBEntry(virtAddr)
}

// AtomicExchange stores newValue into *addr and returns the previous value.
// Spinlock.Acquire is built on top of this primitive.
func AtomicExchange(addr *uint32, newValue uint32) uint32 {
	return atomic.SwapUint32(addr, newValue)
}

// EnterUserMode transfers control to ring 3, starting execution at entryEIP
// with the user stack pointer set to userESP. It never returns; the thread
// continues from entryEIP with interrupts enabled. Used by the scheduler the
// first time a user thread is entered (sched.switchTo) and by the ELF loader
// after the initial thread is placed on the run queue.
func EnterUserMode(entryEIP, userESP uintptr)
