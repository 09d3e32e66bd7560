package allocator

import (
	"reflect"
	"unsafe"

	"ia32kernel/kernel"
	"ia32kernel/kernel/hal/multiboot"
	"ia32kernel/kernel/kfmt/early"
	"ia32kernel/kernel/mem"
	"ia32kernel/kernel/mem/pmm"
	"ia32kernel/kernel/mem/vmm"
)

var (
	// FrameAllocator is the BitmapAllocator instance that serves as the
	// kernel's primary post-boot frame allocator.
	FrameAllocator BitmapAllocator

	// allocAndMapFn is mocked by tests and automatically inlined by the
	// compiler in a production build.
	allocAndMapFn = vmm.AllocAndMap
)

type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// Each free-bitmap bit i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame is the last frame in the pool.
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool, letting Alloc
	// skip fully reserved pools without scanning their bitmap.
	freeCount uint32

	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// BitmapAllocator implements a physical frame allocator that tracks
// reservations across every available memory pool with a per-pool free
// bitmap, one bit per frame.
type BitmapAllocator struct {
	totalPages    uint32
	reservedPages uint32

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// init allocates the allocator's own bookkeeping memory from the early
// allocator via the vmm package, then marks [0, 1MiB) and the loaded kernel
// image as reserved.
func (alloc *BitmapAllocator) init() *kernel.Error {
	if err := alloc.setupPoolBitmaps(); err != nil {
		return err
	}

	alloc.reserveLowMemory()
	alloc.reserveKernelFrames()
	alloc.reserveEarlyAllocatorFrames()
	alloc.printStats()
	return nil
}

// setupPoolBitmaps uses the vmm package to reserve and map memory for the
// pool descriptors and their free bitmaps, then populates them from the
// bootloader-reported memory regions.
func (alloc *BitmapAllocator) setupPoolBitmaps() *kernel.Error {
	var (
		sizeofPool          = unsafe.Sizeof(framePool{})
		pageSizeMinus1      = uint64(mem.PageSize - 1)
		requiredBitmapBytes mem.Size
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		alloc.poolsHdr.Len++
		alloc.poolsHdr.Cap++

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) &^ pageSizeMinus1)>>mem.PageShift) - 1
		pageCount := uint32(regionEndFrame - regionStartFrame)
		alloc.totalPages += pageCount

		// A uint64-backed bitmap needs the bit count rounded up to a
		// multiple of 64.
		requiredBitmapBytes += mem.Size(((pageCount + 63) &^ 63) >> 3)
		return true
	})

	requiredBytes := mem.Size(((uint64(uintptr(alloc.poolsHdr.Len)*sizeofPool) + uint64(requiredBitmapBytes)) + pageSizeMinus1) &^ pageSizeMinus1)

	region, err := allocAndMapFn(vmm.KernelAddressSpace(), requiredBytes, vmm.UsageKernelData, vmm.ReadWrite)
	if err != nil {
		return err
	}
	alloc.poolsHdr.Data = region.Addr
	mem.Memset(region.Addr, 0, uintptr(requiredBytes))

	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	bitmapStartAddr := alloc.poolsHdr.Data + uintptr(alloc.poolsHdr.Len)*sizeofPool
	poolIndex := 0
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		regionStartFrame := pmm.Frame(((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
		regionEndFrame := pmm.Frame(((region.PhysAddress+region.Length) &^ pageSizeMinus1)>>mem.PageShift) - 1
		bitmapBytes := uintptr((((regionEndFrame - regionStartFrame) + 63) &^ 63) >> 3)

		alloc.pools[poolIndex].startFrame = regionStartFrame
		alloc.pools[poolIndex].endFrame = regionEndFrame
		alloc.pools[poolIndex].freeCount = uint32(regionEndFrame - regionStartFrame + 1)
		alloc.pools[poolIndex].freeBitmapHdr.Len = int(bitmapBytes >> 3)
		alloc.pools[poolIndex].freeBitmapHdr.Cap = alloc.pools[poolIndex].freeBitmapHdr.Len
		alloc.pools[poolIndex].freeBitmapHdr.Data = bitmapStartAddr
		alloc.pools[poolIndex].freeBitmap = *(*[]uint64)(unsafe.Pointer(&alloc.pools[poolIndex].freeBitmapHdr))

		bitmapStartAddr += bitmapBytes
		poolIndex++
		return true
	})

	return nil
}

// markFrame flips the reservation bit for frame in the given pool.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	relFrame := frame - alloc.pools[poolIndex].startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	switch flag {
	case markFree:
		alloc.pools[poolIndex].freeBitmap[block] &^= mask
		alloc.pools[poolIndex].freeCount++
		alloc.reservedPages--
	case markReserved:
		alloc.pools[poolIndex].freeBitmap[block] |= mask
		alloc.pools[poolIndex].freeCount--
		alloc.reservedPages++
	}
}

// Mark reserves the frames in [start, start+count) across whichever pools
// they fall into.
func (alloc *BitmapAllocator) Mark(start pmm.Frame, count uint32) {
	for f := start; f < start+pmm.Frame(count); f++ {
		alloc.markFrame(alloc.poolForFrame(f), f, markReserved)
	}
}

// Unmark releases the frames in [start, start+count).
func (alloc *BitmapAllocator) Unmark(start pmm.Frame, count uint32) {
	for f := start; f < start+pmm.Frame(count); f++ {
		alloc.markFrame(alloc.poolForFrame(f), f, markFree)
	}
}

// TestRegion reports whether every frame in [start, start+count) is free.
func (alloc *BitmapAllocator) TestRegion(start pmm.Frame, count uint32) bool {
	for f := start; f < start+pmm.Frame(count); f++ {
		poolIndex := alloc.poolForFrame(f)
		if poolIndex < 0 {
			return false
		}
		pool := &alloc.pools[poolIndex]
		relFrame := f - pool.startFrame
		block := relFrame >> 6
		mask := uint64(1 << (63 - (relFrame - block<<6)))
		if pool.freeBitmap[block]&mask != 0 {
			return false
		}
	}
	return true
}

// FindFree performs a linear, word-granularity scan for the first run of n
// consecutive free frames and returns its base frame.
func (alloc *BitmapAllocator) FindFree(n uint32) (pmm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < n {
			continue
		}

		runStart := pool.startFrame
		runLen := uint32(0)
		for f := pool.startFrame; f <= pool.endFrame; f++ {
			relFrame := f - pool.startFrame
			block := relFrame >> 6
			mask := uint64(1 << (63 - (relFrame - block<<6)))

			if pool.freeBitmap[block]&mask == 0 {
				if runLen == 0 {
					runStart = f
				}
				runLen++
				if runLen == n {
					return runStart, nil
				}
			} else {
				runLen = 0
			}
		}
	}
	return pmm.InvalidFrame, errAllocOutOfMemory
}

// Alloc reserves and returns the base frame of a run of n consecutive free
// frames.
func (alloc *BitmapAllocator) Alloc(n uint32) (pmm.Frame, *kernel.Error) {
	start, err := alloc.FindFree(n)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	alloc.Mark(start, n)
	return start, nil
}

// AllocFrame reserves and returns a single free frame; it is the function
// registered with vmm.SetFrameAllocator once this allocator takes over from
// the boot allocator.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	return alloc.Alloc(1)
}

// dmaAlignFrames is 64 KiB expressed in frames (16 frames of 4 KiB each);
// ISA-DMA transfers may not cross a 64 KiB physical boundary, so
// AllocBelow only considers runs whose base frame is a multiple of it.
const dmaAlignFrames = (64 * 1024) >> mem.PageShift

// AllocBelow reserves and returns the base frame of a run of n consecutive
// free frames whose physical address is below limit and falls on a 64 KiB
// boundary, for ISA-DMA-safe allocations (vmm's
// alloc_and_map_limited). Returns errAllocOutOfMemory if no such run exists.
func (alloc *BitmapAllocator) AllocBelow(n uint32, limit uintptr) (pmm.Frame, *kernel.Error) {
	limitFrame := pmm.Frame(limit >> mem.PageShift)

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.startFrame >= limitFrame || pool.freeCount < n {
			continue
		}

		for base := pool.startFrame; base+pmm.Frame(n) <= pool.endFrame+1 && base+pmm.Frame(n) <= limitFrame; base += dmaAlignFrames {
			if alloc.TestRegion(base, n) {
				alloc.Mark(base, n)
				return base, nil
			}
		}
	}
	return pmm.InvalidFrame, errAllocOutOfMemory
}

// poolForFrame returns the index of the pool containing frame, or -1 if no
// pool contains it (e.g. it falls in a reserved region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if frame >= pool.startFrame && frame <= pool.endFrame {
			return poolIndex
		}
	}
	return -1
}

// reserveLowMemory marks the first megabyte of physical memory (BIOS data
// area, real-mode IVT, video memory, option ROMs) as permanently reserved.
func (alloc *BitmapAllocator) reserveLowMemory() {
	const lowMemFrames = uint32((1 * mem.Mb) >> mem.PageShift)
	alloc.Mark(0, lowMemFrames)
}

// reserveKernelFrames marks the frames occupied by the loaded kernel image
// as reserved. The kernel image is assumed to be contiguous and entirely
// within one memory pool.
func (alloc *BitmapAllocator) reserveKernelFrames() {
	poolIndex := alloc.poolForFrame(earlyAllocator.kernelStartFrame)
	for frame := earlyAllocator.kernelStartFrame; frame <= earlyAllocator.kernelEndFrame; frame++ {
		alloc.markFrame(poolIndex, frame, markReserved)
	}
}

// reserveEarlyAllocatorFrames decommissions the boot allocator by marking
// every frame it handed out as reserved. The boot allocator only tracks a
// running count, not individual frames, so its state is reset and the
// allocation sequence is replayed to recover the exact frame list.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames() {
	allocCount := earlyAllocator.allocCount
	earlyAllocator.allocCount, earlyAllocator.lastAllocFrame = 0, 0
	for i := uint64(0); i < allocCount; i++ {
		frame, _ := earlyAllocator.AllocFrame()
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

func (alloc *BitmapAllocator) printStats() {
	early.Printf(
		"[bitmap_alloc] page stats: free: %d/%d (%d reserved)\n",
		alloc.totalPages-alloc.reservedPages,
		alloc.totalPages,
		alloc.reservedPages,
	)
}

var errAllocOutOfMemory = &kernel.Error{Module: "bitmap_alloc", Message: "no run of free frames large enough to satisfy the request"}

// earlyAllocFrame delegates to the boot allocator; passed to
// vmm.SetFrameAllocator before the bitmap allocator itself is ready.
func earlyAllocFrame() (pmm.Frame, *kernel.Error) {
	return earlyAllocator.AllocFrame()
}

// Init sets up the kernel's physical memory allocation subsystem: the boot
// allocator first, then the bitmap allocator which takes over as the
// frame allocator vmm uses from this point on.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	earlyAllocator.init(kernelStart, kernelEnd)
	earlyAllocator.printMemoryMap()

	vmm.SetFrameAllocator(earlyAllocFrame)
	if err := FrameAllocator.init(); err != nil {
		return err
	}
	vmm.SetFrameAllocator(FrameAllocator.AllocFrame)
	vmm.SetFrameRunAllocator(FrameAllocator.Alloc)
	vmm.SetFrameRunAllocatorBelow(FrameAllocator.AllocBelow)
	return nil
}

// AllocFrame reserves a single frame from the primary bitmap allocator; a
// package-level convenience wired into the goruntime bootstrap's
// function-pointer seam.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}

// FreeFrame returns a single frame to the primary bitmap allocator.
func FreeFrame(frame pmm.Frame) {
	FrameAllocator.Unmark(frame, 1)
}
