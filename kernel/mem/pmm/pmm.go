// Package pmm implements the kernel's physical frame allocator: a
// bitmap-backed allocator that hands out individual 4 KiB frames or
// aligned contiguous runs from the usable regions of the bootloader memory
// map.
package pmm

import (
	"reflect"
	"unsafe"

	"lumos/kernel"
	"lumos/kernel/mem"
	"lumos/kernel/mem/addr"
	"lumos/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no free frame remains.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInsufficientContiguousMemory is returned when enough total memory
	// is free but no aligned run of the requested length exists.
	ErrInsufficientContiguousMemory = &kernel.Error{Module: "pmm", Message: "insufficient contiguous memory available"}

	// ErrInvalidSize is returned for a zero-length allocation request.
	ErrInvalidSize = &kernel.Error{Module: "pmm", Message: "invalid size"}

	// ErrInvalidAlignment is returned when the requested alignment is not
	// a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "pmm", Message: "invalid alignment"}

	// ErrAddressMisaligned is returned when a free targets an address that
	// is not page-aligned.
	ErrAddressMisaligned = &kernel.Error{Module: "pmm", Message: "address not aligned to frame size"}

	// ErrAddressOutOfRange is returned when a free targets an address
	// outside the range covered by the bitmap.
	ErrAddressOutOfRange = &kernel.Error{Module: "pmm", Message: "address out of range"}

	// ErrDoubleFree is returned when a free targets a frame that is
	// already marked free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame already free"}

	// ErrNoUsableMemory is returned by Init when the supplied memory map
	// contains no usable region at all.
	ErrNoUsableMemory = &kernel.Error{Module: "pmm", Message: "bootloader memory map contains no usable region"}

	// allocator is the sole package-level instance; the memory subsystem
	// has exactly one physical address space, so there is no value in
	// threading an allocator handle through every caller.
	allocator bitmapAllocator
)

// bitmapAllocator implements the physical frame allocator described in the
// memory-management core: a single bit-per-frame bitmap covering every
// frame between the lowest and highest address reported by any non-empty
// region of the memory map, with cleared bits meaning free and set bits
// meaning busy (busy is the initial state for every frame, including ones
// that fall in gaps between usable regions or in reserved regions at
// either edge of the map).
type bitmapAllocator struct {
	lock sync.IRQSpinlock

	// startFrame is the frame number corresponding to bit 0.
	startFrame uint64

	// frameCount is the total number of frames tracked by the bitmap.
	frameCount uint64

	// freeCount is the number of currently-clear bits.
	freeCount uint64

	bitmap    []byte
	bitmapHdr reflect.SliceHeader
}

// Init prepares the physical frame allocator from the bootloader-supplied
// memory map. regions need not be sorted. The bitmap itself is carved out
// of the best-fit (smallest sufficiently large) usable region and placed at
// that region's tail so the front of memory stays unfragmented.
func Init(regions []addr.PhysicalMemoryRegion) *kernel.Error {
	allocator.lock.Acquire()
	defer allocator.lock.Release()

	return allocator.init(regions)
}

func (a *bitmapAllocator) init(regions []addr.PhysicalMemoryRegion) *kernel.Error {
	var (
		lowest     addr.PhysicalAddress = addr.PhysicalAddress(^uintptr(0))
		highest    addr.PhysicalAddress
		haveRegion bool
		haveUsable bool
	)

	// The bitmap's domain is every region the bootloader reported, not
	// just the usable ones: a reserved region before the first usable
	// region or after the last one is still part of total physical
	// memory and must fall inside the tracked (and permanently busy)
	// range, per spec I1. Usable-only bounds would silently drop such a
	// region from tracking instead of marking it unavailable.
	for _, r := range regions {
		if r.Size == 0 {
			continue
		}
		haveRegion = true
		if r.Usable {
			haveUsable = true
		}
		if r.Base < lowest {
			lowest = r.Base
		}
		if r.End() > highest {
			highest = r.End()
		}
	}

	if !haveRegion || !haveUsable {
		return ErrNoUsableMemory
	}

	a.startFrame = lowest.FrameNumber()
	a.frameCount = highest.FrameNumber() - a.startFrame
	bitmapBytes := uintptr((a.frameCount + 7) >> 3)

	hostBase, err := a.selectBitmapHost(regions, bitmapBytes)
	if err != nil {
		return err
	}

	a.bitmapHdr = reflect.SliceHeader{Data: hostBase.Bits(), Len: int(bitmapBytes), Cap: int(bitmapBytes)}
	a.bitmap = *(*[]byte)(unsafe.Pointer(&a.bitmapHdr))

	// Every frame starts out busy; usable regions are then cleared.
	for i := range a.bitmap {
		a.bitmap[i] = 0xff
	}
	a.freeCount = 0

	for _, r := range regions {
		if !r.Usable || r.Size == 0 {
			continue
		}
		a.markRange(r.Base.FrameNumber(), r.End().FrameNumber(), true)
	}

	// The frames backing the bitmap itself are never free, regardless of
	// which region hosted them.
	hostFrames := (bitmapBytes + uintptr(addr.PageSize) - 1) / uintptr(addr.PageSize)
	a.markRange(hostBase.FrameNumber(), hostBase.FrameNumber()+uint64(hostFrames), false)

	return nil
}

// selectBitmapHost picks the smallest usable region that can hold
// bitmapBytes, rounded up to whole frames, and returns the physical address
// at which the bitmap should be placed: the region's tail.
func (a *bitmapAllocator) selectBitmapHost(regions []addr.PhysicalMemoryRegion, bitmapBytes uintptr) (addr.PhysicalAddress, *kernel.Error) {
	neededFrames := uint64((bitmapBytes + uintptr(addr.PageSize) - 1) / uintptr(addr.PageSize))
	needed := mem.Size(neededFrames) * mem.Size(addr.PageSize)

	var (
		best      addr.PhysicalMemoryRegion
		bestFound bool
	)

	for _, r := range regions {
		if !r.Usable || r.Size < needed {
			continue
		}
		if !bestFound || r.Size < best.Size {
			best = r
			bestFound = true
		}
	}

	if !bestFound {
		return 0, ErrOutOfMemory
	}

	hostFrame := best.End().FrameNumber() - neededFrames
	return addr.PhysicalAddressFromFrame(hostFrame), nil
}

// markRange sets the bits for frames [fromFrame, toFrame) to free (clear)
// when free is true, or busy (set) otherwise, and keeps freeCount in sync.
func (a *bitmapAllocator) markRange(fromFrame, toFrame uint64, free bool) {
	for f := fromFrame; f < toFrame; f++ {
		a.setBit(f, !free)
	}
}

func (a *bitmapAllocator) bitIndex(frame uint64) (byteIndex uint64, mask byte) {
	rel := frame - a.startFrame
	return rel >> 3, 1 << (rel & 7)
}

func (a *bitmapAllocator) isBusy(frame uint64) bool {
	byteIndex, mask := a.bitIndex(frame)
	return a.bitmap[byteIndex]&mask != 0
}

func (a *bitmapAllocator) setBit(frame uint64, busy bool) {
	byteIndex, mask := a.bitIndex(frame)
	wasBusy := a.bitmap[byteIndex]&mask != 0
	if busy {
		a.bitmap[byteIndex] |= mask
		if !wasBusy {
			a.freeCount--
		}
	} else {
		a.bitmap[byteIndex] &^= mask
		if wasBusy {
			a.freeCount++
		}
	}
}

// Allocate reserves and returns a single free frame, preferring the
// lowest-indexed one available.
func Allocate() (addr.PhysicalAddress, *kernel.Error) {
	allocator.lock.Acquire()
	defer allocator.lock.Release()
	return allocator.allocate()
}

func (a *bitmapAllocator) allocate() (addr.PhysicalAddress, *kernel.Error) {
	if a.freeCount == 0 {
		return 0, ErrOutOfMemory
	}

	for byteIndex, b := range a.bitmap {
		if b == 0xff {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			mask := byte(1 << uint(bit))
			if b&mask == 0 {
				frame := a.startFrame + uint64(byteIndex)*8 + uint64(bit)
				a.setBit(frame, true)
				return addr.PhysicalAddressFromFrame(frame), nil
			}
		}
	}

	return 0, ErrOutOfMemory
}

// Deallocate returns a single frame to the free pool.
func Deallocate(p addr.PhysicalAddress) *kernel.Error {
	allocator.lock.Acquire()
	defer allocator.lock.Release()
	return allocator.deallocateOne(p)
}

func (a *bitmapAllocator) deallocateOne(p addr.PhysicalAddress) *kernel.Error {
	if err := a.validate(p); err != nil {
		return err
	}

	frame := p.FrameNumber()
	if !a.isBusy(frame) {
		return ErrDoubleFree
	}

	a.setBit(frame, false)
	return nil
}

func (a *bitmapAllocator) validate(p addr.PhysicalAddress) *kernel.Error {
	if !p.IsPageAligned() {
		return ErrAddressMisaligned
	}
	frame := p.FrameNumber()
	if frame < a.startFrame || frame >= a.startFrame+a.frameCount {
		return ErrAddressOutOfRange
	}
	return nil
}

// AllocateContiguous returns the base of a run of ceil(size/frameSize)
// frames aligned to max(alignment, frameSize). alignment must be a power
// of two.
func AllocateContiguous(size uintptr, alignment uintptr) (addr.PhysicalAddress, *kernel.Error) {
	allocator.lock.Acquire()
	defer allocator.lock.Release()
	return allocator.allocateContiguous(size, alignment)
}

func (a *bitmapAllocator) allocateContiguous(size uintptr, alignment uintptr) (addr.PhysicalAddress, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, ErrInvalidAlignment
	}

	pageSize := uintptr(addr.PageSize)
	if alignment < pageSize {
		alignment = pageSize
	}

	frameCount := uint64((size + pageSize - 1) / pageSize)
	alignFrames := uint64(alignment / pageSize)

	if uint64(a.freeCount) < frameCount {
		return 0, ErrOutOfMemory
	}

	end := a.startFrame + a.frameCount

	// Reverse-direction run check: try the lowest aligned candidate base
	// first, scanning its run backwards; any busy frame in the run lets
	// us jump the candidate past that frame, advanced to the next aligned
	// boundary, guaranteeing forward progress.
	for base := alignUp(a.startFrame, alignFrames); base+frameCount <= end; {
		conflict, ok := a.firstBusyFrameReverse(base, base+frameCount)
		if !ok {
			a.markRange(base, base+frameCount, false)
			return addr.PhysicalAddressFromFrame(base), nil
		}
		base = alignUp(conflict+1, alignFrames)
	}

	return 0, ErrInsufficientContiguousMemory
}

// firstBusyFrameReverse scans [from, to) from the top down and returns the
// highest-indexed busy frame in the run, if any.
func (a *bitmapAllocator) firstBusyFrameReverse(from, to uint64) (uint64, bool) {
	for f := to; f > from; f-- {
		if a.isBusy(f - 1) {
			return f - 1, true
		}
	}
	return 0, false
}

func alignUp(v, alignment uint64) uint64 {
	if alignment == 0 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

// DeallocateContiguous returns a run of size bytes starting at base to the
// free pool. base must be page-aligned and size a multiple of the frame
// size.
func DeallocateContiguous(base addr.PhysicalAddress, size uintptr) *kernel.Error {
	allocator.lock.Acquire()
	defer allocator.lock.Release()
	return allocator.deallocateContiguous(base, size)
}

func (a *bitmapAllocator) deallocateContiguous(base addr.PhysicalAddress, size uintptr) *kernel.Error {
	if err := a.validate(base); err != nil {
		return err
	}
	if size == 0 || size%uintptr(addr.PageSize) != 0 {
		return ErrInvalidSize
	}

	frameCount := uint64(size / uintptr(addr.PageSize))
	startFrame := base.FrameNumber()
	a.markRange(startFrame, startFrame+frameCount, true)
	return nil
}

// AvailableMemory returns the number of free bytes across the whole
// physical frame pool.
func AvailableMemory() uintptr {
	allocator.lock.Acquire()
	defer allocator.lock.Release()
	return uintptr(allocator.freeCount) * uintptr(addr.PageSize)
}
