// Package elf loads statically linked ELF32 executables into fresh user
// processes. Only the subset of the format a little-endian i386 executable
// actually uses is decoded: the identification block, the file header and
// the program header table. Section headers, relocations and dynamic
// linking are never consulted. The header structs are hand-decoded from
// the image bytes because the stdlib debug/elf reader assumes a hosted
// io.ReaderAt; the field offsets follow the ELF32 specification directly.
package elf

import (
	"encoding/binary"
	"unsafe"

	"ia32kernel/kernel"
	"ia32kernel/kernel/kfmt"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sched"
	"ia32kernel/kernel/vfs"
)

const (
	classELF32    = 1
	dataLittle    = 1
	typeExec      = 2
	machine386    = 3
	headerSize    = 52
	phentSize     = 32
	identMagic0   = 0x7F
	identClassOff = 4
	identDataOff  = 5
)

// Program header segment types this loader distinguishes.
const (
	ptNull = 0
	ptLoad = 1
	ptPhdr = 6
)

// Program header permission flags.
const (
	pfX = 1 << 0
	pfW = 1 << 1
	pfR = 1 << 2
)

var (
	ErrBadMagic      = &kernel.Error{Module: "elf", Message: "image does not start with the ELF magic"}
	ErrNotELF32      = &kernel.Error{Module: "elf", Message: "image is not a 32-bit little-endian x86 ELF"}
	ErrNotExecutable = &kernel.Error{Module: "elf", Message: "image is not an executable (ET_EXEC)"}
	ErrTruncated     = &kernel.Error{Module: "elf", Message: "image is shorter than its headers claim"}
	errUnhandledPhdr = &kernel.Error{Module: "elf", Message: "unhandled program header type"}
)

// header is the decoded ELF32 file header.
type header struct {
	entry     uint32
	phOffset  uint32
	phEntries uint16
}

// progHeader is one decoded ELF32 program header entry.
type progHeader struct {
	segType  uint32
	offset   uint32
	vaddr    uint32
	fileSize uint32
	memSize  uint32
	flags    uint32
}

// Probe validates the identification block: magic, 32-bit class,
// little-endian data, i386 machine, executable type. It reads nothing
// past the file header.
func Probe(img []byte) *kernel.Error {
	if len(img) < headerSize {
		return ErrTruncated
	}
	if img[0] != identMagic0 || img[1] != 'E' || img[2] != 'L' || img[3] != 'F' {
		return ErrBadMagic
	}
	if img[identClassOff] != classELF32 || img[identDataOff] != dataLittle {
		return ErrNotELF32
	}
	if binary.LittleEndian.Uint16(img[18:]) != machine386 {
		return ErrNotELF32
	}
	if binary.LittleEndian.Uint16(img[16:]) != typeExec {
		return ErrNotExecutable
	}
	return nil
}

func parseHeader(img []byte) (header, *kernel.Error) {
	if err := Probe(img); err != nil {
		return header{}, err
	}
	h := header{
		entry:     binary.LittleEndian.Uint32(img[24:]),
		phOffset:  binary.LittleEndian.Uint32(img[28:]),
		phEntries: binary.LittleEndian.Uint16(img[44:]),
	}
	if uint32(len(img)) < h.phOffset+uint32(h.phEntries)*phentSize {
		return header{}, ErrTruncated
	}
	return h, nil
}

func parseProgHeader(img []byte, off uint32) progHeader {
	return progHeader{
		segType:  binary.LittleEndian.Uint32(img[off:]),
		offset:   binary.LittleEndian.Uint32(img[off+4:]),
		vaddr:    binary.LittleEndian.Uint32(img[off+8:]),
		fileSize: binary.LittleEndian.Uint32(img[off+16:]),
		memSize:  binary.LittleEndian.Uint32(img[off+20:]),
		flags:    binary.LittleEndian.Uint32(img[off+24:]),
	}
}

// Load creates a user process for the executable image and maps its
// PT_LOAD segments into the new address space, zeroing each segment's BSS
// tail. The primary thread is placed on the run queue ready to begin at
// the ELF entry point in ring 3.
func Load(name string, img []byte) (*sched.Process, *kernel.Error) {
	h, err := parseHeader(img)
	if err != nil {
		return nil, err
	}

	proc, mainThread, err := sched.CreateUserProcess(name, uintptr(h.entry), sched.PriorityNormal)
	if err != nil {
		return nil, err
	}

	for i := uint16(0); i < h.phEntries; i++ {
		ph := parseProgHeader(img, h.phOffset+uint32(i)*phentSize)

		switch ph.segType {
		case ptNull, ptPhdr:
			// ignored: a null entry carries nothing, and the program
			// header table's own location is only interesting to a
			// dynamic linker.

		case ptLoad:
			if err := loadSegment(proc, ph, img); err != nil {
				return nil, err
			}

		default:
			// Relocations, dynamic linking and TLS segments are not
			// supported; aborting beats silently skipping a segment the
			// program may depend on.
			kfmt.Printf("[elf] program header %d has unhandled type %d\n", i, ph.segType)
			kfmt.Panic(errUnhandledPhdr)
		}
	}

	sched.AddToRunQueue(mainThread)
	return proc, nil
}

// loadSegment maps one PT_LOAD segment: the requested virtual address is
// rounded down to a page boundary, the size up to a page multiple, and
// the fresh region's frames are temp-mapped into the current address
// space page by page while the file bytes are copied in and the BSS tail
// (memSize - fileSize) is zeroed.
func loadSegment(proc *sched.Process, ph progHeader, img []byte) *kernel.Error {
	if uint32(len(img)) < ph.offset+ph.fileSize {
		return ErrTruncated
	}

	usage := vmm.UsageUserCode
	access := vmm.ReadOnly
	if ph.flags&pfW != 0 {
		usage = vmm.UsageUserData
		access = vmm.ReadWrite
	}

	alignExcess := uintptr(ph.vaddr) % uintptr(mem.PageSize)
	base := uintptr(ph.vaddr) - alignExcess
	size := mem.PageAlignUp(mem.Size(uintptr(ph.memSize) + alignExcess))

	region, err := vmm.AllocAndMapAt(proc.AddrSpace, base, size, usage, access)
	if err != nil {
		return err
	}

	if err := writeToRegion(region, alignExcess, img[ph.offset:ph.offset+ph.fileSize]); err != nil {
		return err
	}
	if ph.memSize > ph.fileSize {
		if err := zeroRegion(region, alignExcess+uintptr(ph.fileSize), uintptr(ph.memSize-ph.fileSize)); err != nil {
			return err
		}
	}
	return nil
}

// writeToRegion copies data into region starting at offset, temp-mapping
// the backing frames one page at a time since the region belongs to an
// address space that is not the active one.
func writeToRegion(region vmm.Region, offset uintptr, data []byte) *kernel.Error {
	for len(data) > 0 {
		pageIdx := offset >> mem.PageShift
		pageOff := offset & (uintptr(mem.PageSize) - 1)

		chunk := uintptr(mem.PageSize) - pageOff
		if chunk > uintptr(len(data)) {
			chunk = uintptr(len(data))
		}

		tempVirt := vmm.TempMap(region.Phys + pmm.Frame(pageIdx))
		mem.Memcopy(uintptr(unsafe.Pointer(&data[0])), tempVirt+pageOff, chunk)
		vmm.TempUnmap()

		offset += chunk
		data = data[chunk:]
	}
	return nil
}

// zeroRegion clears count bytes of region starting at offset, one
// temp-mapped page at a time.
func zeroRegion(region vmm.Region, offset, count uintptr) *kernel.Error {
	for count > 0 {
		pageIdx := offset >> mem.PageShift
		pageOff := offset & (uintptr(mem.PageSize) - 1)

		chunk := uintptr(mem.PageSize) - pageOff
		if chunk > count {
			chunk = count
		}

		tempVirt := vmm.TempMap(region.Phys + pmm.Frame(pageIdx))
		mem.Memset(tempVirt+pageOff, 0, chunk)
		vmm.TempUnmap()

		offset += chunk
		count -= chunk
	}
	return nil
}

// Execute reads a whole executable out of an open VFS stream and loads
// it. The stream's position is left at the end of the image.
func Execute(name string, s *vfs.Stream) (*sched.Process, *kernel.Error) {
	size, err := s.Seek(0, vfs.SeekEnd)
	if err != nil {
		return nil, err
	}
	if _, err = s.Seek(0, vfs.SeekBegin); err != nil {
		return nil, err
	}

	img := make([]byte, size)
	if size > 0 {
		if _, err = s.Read(img); err != nil {
			return nil, err
		}
	}

	if err := Probe(img); err != nil {
		return nil, err
	}
	return Load(name, img)
}
