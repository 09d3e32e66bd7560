package elf

import (
	"encoding/binary"
	"testing"
)

// buildHeader assembles a minimal ELF32 file header followed by program
// headers, mirroring the layout a real i386 linker emits.
func buildHeader(machine, fileType uint16, phdrs []progHeader) []byte {
	img := make([]byte, headerSize+len(phdrs)*phentSize)

	img[0] = identMagic0
	img[1] = 'E'
	img[2] = 'L'
	img[3] = 'F'
	img[identClassOff] = classELF32
	img[identDataOff] = dataLittle

	binary.LittleEndian.PutUint16(img[16:], fileType)
	binary.LittleEndian.PutUint16(img[18:], machine)
	binary.LittleEndian.PutUint32(img[24:], 0x08048000)   // entry
	binary.LittleEndian.PutUint32(img[28:], headerSize)   // phoff
	binary.LittleEndian.PutUint16(img[42:], phentSize)    // phentsize
	binary.LittleEndian.PutUint16(img[44:], uint16(len(phdrs)))

	for i, ph := range phdrs {
		off := headerSize + i*phentSize
		binary.LittleEndian.PutUint32(img[off:], ph.segType)
		binary.LittleEndian.PutUint32(img[off+4:], ph.offset)
		binary.LittleEndian.PutUint32(img[off+8:], ph.vaddr)
		binary.LittleEndian.PutUint32(img[off+16:], ph.fileSize)
		binary.LittleEndian.PutUint32(img[off+20:], ph.memSize)
		binary.LittleEndian.PutUint32(img[off+24:], ph.flags)
	}
	return img
}

func TestProbeAcceptsValidImage(t *testing.T) {
	img := buildHeader(machine386, typeExec, nil)
	if err := Probe(img); err != nil {
		t.Errorf("expected a valid image to probe clean, got %v", err)
	}
}

func TestProbeRejections(t *testing.T) {
	valid := buildHeader(machine386, typeExec, nil)

	short := valid[:headerSize-1]
	if err := Probe(short); err != ErrTruncated {
		t.Errorf("truncated image: got %v; want ErrTruncated", err)
	}

	badMagic := append([]byte(nil), valid...)
	badMagic[0] = 0x7E
	if err := Probe(badMagic); err != ErrBadMagic {
		t.Errorf("bad magic: got %v; want ErrBadMagic", err)
	}

	badClass := append([]byte(nil), valid...)
	badClass[identClassOff] = 2 // ELFCLASS64
	if err := Probe(badClass); err != ErrNotELF32 {
		t.Errorf("64-bit class: got %v; want ErrNotELF32", err)
	}

	bigEndian := append([]byte(nil), valid...)
	bigEndian[identDataOff] = 2
	if err := Probe(bigEndian); err != ErrNotELF32 {
		t.Errorf("big-endian data: got %v; want ErrNotELF32", err)
	}

	wrongArch := buildHeader(62 /* x86-64 */, typeExec, nil)
	if err := Probe(wrongArch); err != ErrNotELF32 {
		t.Errorf("wrong machine: got %v; want ErrNotELF32", err)
	}

	relocatable := buildHeader(machine386, 1 /* ET_REL */, nil)
	if err := Probe(relocatable); err != ErrNotExecutable {
		t.Errorf("relocatable type: got %v; want ErrNotExecutable", err)
	}
}

func TestParseHeaderReadsEntryAndPhdrs(t *testing.T) {
	img := buildHeader(machine386, typeExec, []progHeader{
		{segType: ptLoad, offset: 0x1000, vaddr: 0x08048000, fileSize: 0x200, memSize: 0x400, flags: pfR | pfX},
		{segType: ptLoad, offset: 0x2000, vaddr: 0x08049000, fileSize: 0x100, memSize: 0x100, flags: pfR | pfW},
	})

	h, err := parseHeader(img)
	if err != nil {
		t.Fatalf("parseHeader failed: %v", err)
	}
	if h.entry != 0x08048000 {
		t.Errorf("entry = %#x; want 0x08048000", h.entry)
	}
	if h.phEntries != 2 {
		t.Fatalf("phEntries = %d; want 2", h.phEntries)
	}

	ph := parseProgHeader(img, h.phOffset+phentSize)
	if ph.segType != ptLoad || ph.vaddr != 0x08049000 || ph.flags != pfR|pfW {
		t.Errorf("second program header decoded wrong: %+v", ph)
	}
	if ph.fileSize != 0x100 || ph.memSize != 0x100 {
		t.Errorf("second program header sizes decoded wrong: %+v", ph)
	}
}

func TestParseHeaderRejectsTruncatedPhdrTable(t *testing.T) {
	img := buildHeader(machine386, typeExec, []progHeader{{segType: ptLoad}})
	img = img[:len(img)-1]

	if _, err := parseHeader(img); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestSegmentAlignmentMath(t *testing.T) {
	// A segment linked at an unaligned virtual address must be mapped
	// from the containing page boundary with the excess folded into the
	// size. This mirrors loadSegment's arithmetic without needing live
	// page tables.
	const vaddr = 0x08048123
	const memSize = 0x1000

	alignExcess := uintptr(vaddr) % 4096
	base := uintptr(vaddr) - alignExcess
	if base != 0x08048000 || alignExcess != 0x123 {
		t.Fatalf("alignment math broken: base=%#x excess=%#x", base, alignExcess)
	}

	size := (uintptr(memSize) + alignExcess + 4095) &^ 4095
	if size != 0x2000 {
		t.Errorf("size = %#x; want 0x2000 (excess pushes the segment over one page)", size)
	}
}
