// Package early provides a Printf implementation usable by the earliest
// boot-time code in mem/pmm/allocator, before kfmt's output sink has been
// configured and before any higher-level console abstraction exists. It
// renders directly into the VGA text-mode buffer instead of going through
// kfmt.SetOutputSink.
package early

import (
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"unsafe"
)

const (
	// vgaBufferAddr is the higher-half virtual address the VGA text-mode
	// buffer is mapped at once paging is enabled.
	vgaBufferAddr = 0xC00B8000
	vgaCols       = 80
	vgaRows       = 25
	vgaAttr       = 0x07 // light grey on black
)

// vgaWriter renders bytes into a VGA-style text buffer, scrolling the
// buffer up a line once output reaches the last row.
type vgaWriter struct {
	col, row int
}

var (
	screen         vgaWriter
	fbAddr  uintptr = vgaBufferAddr
	fbCols          = vgaCols
	fbRows          = vgaRows
)

// SetFramebuffer points subsequent Printf output at an arbitrary
// cols x rows text buffer starting at addr instead of the default VGA
// location. It exists so tests can exercise the formatter against a plain
// byte slice instead of the (unmapped, in a test binary) VGA address.
func SetFramebuffer(addr uintptr, cols, rows int) {
	fbAddr, fbCols, fbRows = addr, cols, rows
	screen = vgaWriter{}
}

// Write implements io.Writer.
func (w *vgaWriter) Write(p []byte) (int, error) {
	for _, b := range p {
		w.putc(b)
	}
	return len(p), nil
}

func (w *vgaWriter) putc(b byte) {
	switch b {
	case '\n':
		w.col = 0
		w.row++
	default:
		cellAddr := fbAddr + uintptr(2*(w.row*fbCols+w.col))
		*(*uint16)(unsafe.Pointer(cellAddr)) = uint16(b) | uint16(vgaAttr)<<8
		w.col++
		if w.col == fbCols {
			w.col = 0
			w.row++
		}
	}

	if w.row == fbRows {
		w.scroll()
		w.row = fbRows - 1
	}
}

// scroll shifts every row up by one and blanks the last row.
func (w *vgaWriter) scroll() {
	rowBytes := uintptr(2 * fbCols)
	mem.Memcopy(fbAddr+rowBytes, fbAddr, rowBytes*uintptr(fbRows-1))
	mem.Memset(fbAddr+rowBytes*uintptr(fbRows-1), 0, rowBytes)
}

// Printf formats according to the same verb subset as kfmt.Printf but
// always targets the VGA text buffer (or whatever framebuffer was last
// passed to SetFramebuffer), regardless of kfmt's own configured sink.
func Printf(format string, args ...interface{}) {
	kfmt.Fprintf(&screen, format, args...)
}
