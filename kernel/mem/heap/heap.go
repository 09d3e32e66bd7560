// Package heap implements the kernel's per-process dynamic heap: a malloc
// library sitting on top of mem/vmm. A Heap holds up to 16 arenas, each an
// 8 MiB region obtained from vmm.CreateHeap; every arena starts as one
// large free block. Malloc walks arenas first-fit; on exhaustion it asks
// the VMM for a new arena. Free validates the in-band block header and
// forward-merges with the following block if it is also free. Realloc is
// allocate-copy-free; the in-place-grow path is not implemented.
package heap

import (
	"unsafe"

	"ia32kernel/kernel"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
	"ia32kernel/kernel/sync"
)

const (
	maxArenas  = 16
	blockMagic = 0xC0FFEE11
)

// defaultArenaCap is the size of each freshly grown arena; tunable from
// the boot command line. Arenas already carved keep their size.
var defaultArenaCap = mem.Size(8 * mem.Mb)

// SetDefaultArenaSize overrides the size used for newly grown arenas,
// rounded up to a whole page.
func SetDefaultArenaSize(size mem.Size) {
	if size < mem.PageSize {
		size = mem.PageSize
	}
	defaultArenaCap = mem.PageAlignUp(size)
}

// blockHeader is the in-band header prepended to every block (free or
// allocated) inside an arena.
type blockHeader struct {
	Magic   uint32
	ArenaID uint16
	Size    uint32
	Padding uint16
	InUse   bool
}

const headerSize = unsafe.Sizeof(blockHeader{})

// arena is one contiguous region backing a portion of the heap.
type arena struct {
	base uintptr
	size mem.Size
}

var (
	errOutOfMemory   = &kernel.Error{Module: "heap", Message: "heap exhausted: no free block large enough and no more arenas available"}
	errCorruptBlock  = &kernel.Error{Module: "heap", Message: "block header magic mismatch; heap metadata corrupted"}
	errTooManyArenas = &kernel.Error{Module: "heap", Message: "heap already holds the maximum number of arenas"}

	// freeFrameFn is wired to the registered physical frame allocator's
	// free entry point once one exists, used when an arena is ever torn
	// down via Destroy.
	freeFrameFn func(pmm.Frame)
)

// SetFreeFrameFn registers the function used to return frames to the
// physical allocator when a Heap's arenas are destroyed.
func SetFreeFrameFn(fn func(pmm.Frame)) {
	freeFrameFn = fn
}

// Heap is a process's (or the kernel's) dynamic heap: a bounded set of
// arenas carved from one address space, guarded by a single spinlock since
// malloc/free/realloc are called from ordinary thread context and must
// stay internally consistent across yields.
type Heap struct {
	lock    sync.Spinlock
	as      *vmm.AddressSpace
	usage   vmm.Usage
	arenas  [maxArenas]arena
	nArenas int
}

// New creates an empty Heap that allocates its arenas from as, tagged with
// usage (vmm.UsageKernelHeap or vmm.UsageUserHeap).
func New(as *vmm.AddressSpace, usage vmm.Usage) *Heap {
	return &Heap{as: as, usage: usage}
}

// growArena asks the VMM for a fresh arena and seeds it with a single free
// block spanning the whole thing.
func (h *Heap) growArena() *kernel.Error {
	if h.nArenas == maxArenas {
		return errTooManyArenas
	}

	base, err := vmm.CreateHeap(h.as, defaultArenaCap, h.usage)
	if err != nil {
		return err
	}

	id := h.nArenas
	h.arenas[id] = arena{base: base, size: defaultArenaCap}
	h.nArenas++

	hdr := (*blockHeader)(unsafe.Pointer(base))
	hdr.Magic = blockMagic
	hdr.ArenaID = uint16(id)
	hdr.Size = uint32(defaultArenaCap) - uint32(headerSize)
	hdr.InUse = false
	return nil
}

// findFit performs a first-fit scan across every live arena for a free
// block whose payload can hold size bytes.
func (h *Heap) findFit(size uint32) *blockHeader {
	for id := 0; id < h.nArenas; id++ {
		ar := h.arenas[id]
		addr := ar.base
		end := ar.base + uintptr(ar.size)

		for addr < end {
			hdr := (*blockHeader)(unsafe.Pointer(addr))
			if hdr.Magic != blockMagic {
				break
			}
			if !hdr.InUse && hdr.Size >= size {
				return hdr
			}
			addr += uintptr(headerSize) + uintptr(hdr.Size)
		}
	}
	return nil
}

// splitIfWorthwhile carves a new free block out of the tail of hdr's
// payload if enough room remains for another header plus a usable payload,
// so a large free block isn't handed out whole to a small request.
func splitIfWorthwhile(hdr *blockHeader, size uint32) {
	const minUsefulSplit = 32
	remaining := hdr.Size - size
	if remaining < uint32(headerSize)+minUsefulSplit {
		return
	}

	base := uintptr(unsafe.Pointer(hdr))
	newHdrAddr := base + uintptr(headerSize) + uintptr(size)
	newHdr := (*blockHeader)(unsafe.Pointer(newHdrAddr))
	newHdr.Magic = blockMagic
	newHdr.ArenaID = hdr.ArenaID
	newHdr.Size = remaining - uint32(headerSize)
	newHdr.InUse = false

	hdr.Size = size
}

// Malloc reserves size bytes and returns a pointer to the payload.
func (h *Heap) Malloc(size uint32) (unsafe.Pointer, *kernel.Error) {
	if size == 0 {
		size = 1
	}

	h.lock.Acquire()
	defer h.lock.Release()

	hdr := h.findFit(size)
	if hdr == nil {
		if err := h.growArena(); err != nil {
			return nil, err
		}
		if hdr = h.findFit(size); hdr == nil {
			return nil, errOutOfMemory
		}
	}

	splitIfWorthwhile(hdr, size)
	hdr.InUse = true

	payload := unsafe.Pointer(uintptr(unsafe.Pointer(hdr)) + uintptr(headerSize))
	return payload, nil
}

// Calloc reserves size zeroed bytes.
func (h *Heap) Calloc(size uint32) (unsafe.Pointer, *kernel.Error) {
	p, err := h.Malloc(size)
	if err != nil {
		return nil, err
	}
	mem.Memset(uintptr(p), 0, uintptr(size))
	return p, nil
}

func headerForPayload(p unsafe.Pointer) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(p) - uintptr(headerSize)))
}

// nextHeader returns the block header immediately following hdr in its
// arena, or nil if hdr is the arena's last block.
func (h *Heap) nextHeader(hdr *blockHeader) *blockHeader {
	ar := h.arenas[hdr.ArenaID]
	addr := uintptr(unsafe.Pointer(hdr)) + uintptr(headerSize) + uintptr(hdr.Size)
	if addr >= ar.base+uintptr(ar.size) {
		return nil
	}
	next := (*blockHeader)(unsafe.Pointer(addr))
	if next.Magic != blockMagic {
		return nil
	}
	return next
}

// Free validates p's block header, marks it free and forward-merges with
// the following block if that block is also free, coalescing fragmented
// free space back into a single run.
func (h *Heap) Free(p unsafe.Pointer) *kernel.Error {
	hdr := headerForPayload(p)
	if hdr.Magic != blockMagic {
		return errCorruptBlock
	}

	h.lock.Acquire()
	defer h.lock.Release()

	hdr.InUse = false

	for {
		next := h.nextHeader(hdr)
		if next == nil || next.InUse {
			break
		}
		hdr.Size += uint32(headerSize) + next.Size
	}
	return nil
}

// Realloc resizes the allocation at p to newSize bytes, preserving the
// lesser of the old and new sizes worth of content. Allocate-copy-free: no
// in-place grow is attempted even when the following block is free and
// large enough.
func (h *Heap) Realloc(p unsafe.Pointer, newSize uint32) (unsafe.Pointer, *kernel.Error) {
	if p == nil {
		return h.Malloc(newSize)
	}

	hdr := headerForPayload(p)
	if hdr.Magic != blockMagic {
		return nil, errCorruptBlock
	}

	// TODO: grow in place when the next block is free and large enough
	// instead of always allocating a fresh block.
	newP, err := h.Malloc(newSize)
	if err != nil {
		return nil, err
	}

	copySize := hdr.Size
	if newSize < copySize {
		copySize = newSize
	}
	mem.Memcopy(uintptr(p), uintptr(newP), uintptr(copySize))

	if err := h.Free(p); err != nil {
		return nil, err
	}
	return newP, nil
}

// Destroy tears down every arena this heap owns, returning their frames to
// the physical allocator.
func (h *Heap) Destroy() {
	h.lock.Acquire()
	defer h.lock.Release()

	for i := 0; i < h.nArenas; i++ {
		vmm.DestroyHeap(h.as, h.arenas[i].base, freeFrameFn)
	}
	h.nArenas = 0
}
