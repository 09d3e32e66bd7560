// Package diag enriches the kernel's fatal-fault diagnostics. It sits one
// layer above kfmt: the register dump a page fault or general protection
// fault prints is produced by the faulting subsystem, and this package
// appends the pieces that need real decoding work, a disassembly of the
// instruction the saved EIP points at and a code-page-437 transliteration
// layer for the VGA text console the dump ultimately lands on. Everything
// here runs only on paths where the kernel is already halting, so none of
// it is allocation- or performance-sensitive.
package diag

import (
	"io"
	"unsafe"

	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"

	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
)

// maxInstLen is the architectural upper bound on one x86 instruction.
const maxInstLen = 15

// Disassemble decodes the single instruction at the start of code and
// renders it in Intel syntax with eip as the displayed program counter.
// Returns ok=false when the bytes do not form a valid instruction.
func Disassemble(code []byte, eip uintptr) (string, bool) {
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return "", false
	}
	return x86asm.IntelSyntax(inst, uint64(eip), nil), true
}

// codeBytesFn reads the machine-code bytes at eip; a package-level var so
// tests can feed canned bytes instead of dereferencing a live EIP.
var codeBytesFn = readCodeBytes

// DumpFault prints a one-line disassembly of the faulting instruction.
// Only kernel-half EIPs are examined: a user-half EIP may be exactly the
// unmapped address that faulted, and reading through it would recurse
// into the page-fault handler that called us.
func DumpFault(eip uintptr) {
	if eip < mem.KernelBase {
		kfmt.Printf("faulting instruction: (user address, not examined)\n")
		return
	}

	text, ok := Disassemble(codeBytesFn(eip), eip)
	if !ok {
		kfmt.Printf("faulting instruction: (undecodable)\n")
		return
	}
	kfmt.Printf("faulting instruction: %s\n", text)
}

func readCodeBytes(eip uintptr) []byte {
	buf := make([]byte, maxInstLen)
	mem.Memcopy(eip, uintptr(unsafe.Pointer(&buf[0])), maxInstLen)
	return buf
}

// CP437Writer transliterates the UTF-8 text kfmt produces into the IBM
// code page 437 byte values the VGA text buffer expects, substituting the
// encoding's replacement byte for anything the code page cannot express.
// Wrap the console's raw cell writer in one of these and hand it to
// kfmt.SetOutputSink.
type CP437Writer struct {
	w   io.Writer
	enc *encoding.Encoder
}

// NewCP437Writer wraps w with the CP437 transliteration.
func NewCP437Writer(w io.Writer) *CP437Writer {
	return &CP437Writer{
		w:   w,
		enc: encoding.ReplaceUnsupported(charmap.CodePage437.NewEncoder()),
	}
}

// Write implements io.Writer.
func (c *CP437Writer) Write(p []byte) (int, error) {
	out, err := c.enc.Bytes(p)
	if err != nil {
		return 0, err
	}
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	// Report the consumed input length, not the transliterated length;
	// multi-byte UTF-8 sequences shrink to single CP437 bytes.
	return len(p), nil
}
