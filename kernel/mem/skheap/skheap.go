// Package skheap implements the kernel's static bootstrap heap: a fixed,
// page-aligned ~1 MiB reservation inside the kernel image, tracked by a
// 256-byte-granularity block bitmap, usable before paging and the general
// heap (mem/heap) are fully alive. It exists solely to bootstrap the VMM
// (which needs page-table memory before mem/heap can run) and to back page
// directories afterward. Every allocation carries a CRC-checked control
// header, and the block bitmap reuses the free-run scan approach
// mem/pmm/allocator.BitmapAllocator already uses for physical frames.
package skheap

import (
	"hash/crc32"
	"unsafe"

	"ia32kernel/kernel"
	"ia32kernel/kernel/mem"
)

const (
	// regionSize is the static heap's total capacity: 1 MiB.
	regionSize = 1 * mem.Mb

	// blockSize is the allocation granularity; every allocation, including
	// its control header, occupies a whole number of blocks.
	blockSize = 256

	blockCount = int(regionSize) / blockSize
)

// region is the fixed-size, page-aligned static reservation backing the
// heap. A real freestanding build places this in .bss with an explicit
// alignment directive; declaring it as a plain package-level array gets
// the same effect from the Go linker's data layout for .bss-classed zero
// values.
var region [regionSize]byte

// blockUsed is a one-bit-per-block reservation bitmap; bit i set means
// block i is allocated.
var blockUsed [blockCount / 64]uint64

// kernelOffset is the static virtual-to-physical translation constant this
// package exploits: the static heap is mapped at a fixed
// virtAddr = physAddr + kernelOffset.
// SetKernelOffset must be called once during boot wiring before PhysOf or
// VirtOf are used.
var kernelOffset uintptr

// SetKernelOffset records the kernel image's load offset used by
// PhysOf/VirtOf.
func SetKernelOffset(offset uintptr) {
	kernelOffset = offset
}

// controlHeader is prepended to every live allocation. crc is computed over
// Size and ExtSize only (the two fields a corrupting write is most likely
// to smash) and is verified on Free.
type controlHeader struct {
	Size    uint32
	ExtSize uint32
	Padding uint32
	CRC     uint32
}

const headerBlocks = 1 // sizeof(controlHeader) (16 bytes) fits in one 256-byte block

var (
	errOutOfMemory  = &kernel.Error{Module: "skheap", Message: "no run of free blocks large enough to satisfy the request"}
	errCorruptFree  = &kernel.Error{Module: "skheap", Message: "control header CRC mismatch on free; heap metadata corrupted"}
	errNotSKHeapPtr = &kernel.Error{Module: "skheap", Message: "pointer was not allocated by this heap"}
)

func blockBit(i int) (word int, mask uint64) {
	return i / 64, 1 << uint(i%64)
}

func isFree(i int) bool {
	w, m := blockBit(i)
	return blockUsed[w]&m == 0
}

func setUsed(i int, used bool) {
	w, m := blockBit(i)
	if used {
		blockUsed[w] |= m
	} else {
		blockUsed[w] &^= m
	}
}

// findFreeRun returns the starting block index of the first run of n
// consecutive free blocks, or -1 if none exists.
func findFreeRun(n int) int {
	run, start := 0, 0
	for i := 0; i < blockCount; i++ {
		if isFree(i) {
			if run == 0 {
				start = i
			}
			run++
			if run == n {
				return start
			}
		} else {
			run = 0
		}
	}
	return -1
}

func markRun(start, n int, used bool) {
	for i := start; i < start+n; i++ {
		setUsed(i, used)
	}
}

func blockAddr(i int) uintptr {
	return uintptr(unsafe.Pointer(&region[0])) + uintptr(i*blockSize)
}

func headerCRC(h *controlHeader) uint32 {
	var buf [8]byte
	buf[0], buf[1], buf[2], buf[3] = byte(h.Size), byte(h.Size>>8), byte(h.Size>>16), byte(h.Size>>24)
	buf[4], buf[5], buf[6], buf[7] = byte(h.ExtSize), byte(h.ExtSize>>8), byte(h.ExtSize>>16), byte(h.ExtSize>>24)
	return crc32.ChecksumIEEE(buf[:])
}

func blocksFor(size uint32) int {
	total := headerBlocks*blockSize + int(size)
	return (total + blockSize - 1) / blockSize
}

// alloc reserves enough blocks for a size-byte payload (plus its control
// header), returning a pointer to the payload.
func alloc(size uint32) (unsafe.Pointer, *kernel.Error) {
	n := blocksFor(size)
	start := findFreeRun(n)
	if start < 0 {
		return nil, errOutOfMemory
	}
	markRun(start, n, true)

	hdr := (*controlHeader)(unsafe.Pointer(blockAddr(start)))
	hdr.Size = size
	hdr.ExtSize = uint32(n * blockSize)
	hdr.Padding = 0
	hdr.CRC = headerCRC(hdr)

	payload := unsafe.Pointer(blockAddr(start) + headerBlocks*blockSize)
	return payload, nil
}

// Alloc reserves size bytes and returns a pointer to the payload, or an
// error if no large enough free run exists.
func Alloc(size uint32) (unsafe.Pointer, *kernel.Error) {
	return alloc(size)
}

// Calloc reserves size zeroed bytes.
func Calloc(size uint32) (unsafe.Pointer, *kernel.Error) {
	p, err := alloc(size)
	if err != nil {
		return nil, err
	}
	mem.Memset(uintptr(p), 0, uintptr(size))
	return p, nil
}

// AllocAligned reserves size bytes at a page-aligned address, by widening
// the search so that the payload (immediately after the one-block header)
// lands on a 4 KiB boundary.
func AllocAligned(size uint32) (unsafe.Pointer, *kernel.Error) {
	n := blocksFor(size)
	blocksPerPage := int(mem.PageSize) / blockSize

	for start := 0; start+n <= blockCount; start++ {
		payloadBlock := start + headerBlocks
		if payloadBlock%blocksPerPage != 0 {
			continue
		}

		free := true
		for i := start; i < start+n; i++ {
			if !isFree(i) {
				free = false
				break
			}
		}
		if !free {
			continue
		}

		markRun(start, n, true)
		hdr := (*controlHeader)(unsafe.Pointer(blockAddr(start)))
		hdr.Size = size
		hdr.ExtSize = uint32(n * blockSize)
		hdr.CRC = headerCRC(hdr)
		return unsafe.Pointer(blockAddr(start) + headerBlocks*blockSize), nil
	}
	return nil, errOutOfMemory
}

func headerForPayload(p unsafe.Pointer) *controlHeader {
	return (*controlHeader)(unsafe.Pointer(uintptr(p) - headerBlocks*blockSize))
}

func blockIndexForAddr(addr uintptr) int {
	return int(addr-uintptr(unsafe.Pointer(&region[0]))) / blockSize
}

// Free releases the allocation at p, verifying its control header's CRC
// first. A CRC mismatch indicates heap metadata corruption and is reported
// rather than silently freeing the wrong run.
func Free(p unsafe.Pointer) *kernel.Error {
	hdr := headerForPayload(p)
	if headerCRC(hdr) != hdr.CRC {
		return errCorruptFree
	}

	start := blockIndexForAddr(uintptr(unsafe.Pointer(hdr)))
	n := int(hdr.ExtSize) / blockSize
	markRun(start, n, false)
	return nil
}

// Realloc resizes the allocation at p to newSize bytes, preserving the
// lesser of the old and new sizes' worth of content. Implemented as
// allocate-copy-free, matching mem/heap's Realloc (the in-place path
// the in-place-grow path as an open question rather than a bug).
func Realloc(p unsafe.Pointer, newSize uint32) (unsafe.Pointer, *kernel.Error) {
	if p == nil {
		return alloc(newSize)
	}

	hdr := headerForPayload(p)
	if headerCRC(hdr) != hdr.CRC {
		return nil, errCorruptFree
	}

	newP, err := alloc(newSize)
	if err != nil {
		return nil, err
	}

	copySize := hdr.Size
	if newSize < copySize {
		copySize = newSize
	}
	mem.Memcopy(uintptr(p), uintptr(newP), uintptr(copySize))

	if err := Free(p); err != nil {
		return nil, err
	}
	return newP, nil
}

// Capacity returns the heap's total capacity in bytes.
func Capacity() uint32 {
	return uint32(regionSize)
}

// PhysOf translates a virtual address inside the static heap region to its
// physical address, exploiting the fixed virtAddr = physAddr + KernelOffset
// static mapping.
func PhysOf(virtAddr uintptr) uintptr {
	return virtAddr - kernelOffset
}

// VirtOf is the inverse of PhysOf.
func VirtOf(physAddr uintptr) uintptr {
	return physAddr + kernelOffset
}
