// Package valloc implements the page-level virtual allocator: it carves
// huge, then large, then standard pages out of the kernel heap window to
// satisfy a size/alignment request, backing each leaf with a fresh physical
// frame obtained from pmm and a mapping installed through the active
// PageMap.
package valloc

import (
	"lumos/kernel"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
	"lumos/kernel/mem/vmm"
)

const (
	sizeStandard = addr.PageSize
	sizeLarge    = 2 * 1024 * 1024
	sizeHuge     = 1024 * 1024 * 1024
)

var (
	// ErrOutOfVirtualSpace is returned when no run of unmapped addresses
	// large enough for the request exists in the kernel heap window.
	ErrOutOfVirtualSpace = &kernel.Error{Module: "valloc", Message: "no free virtual address range of the requested size"}

	// ErrInvalidSize is returned for a zero-length request.
	ErrInvalidSize = &kernel.Error{Module: "valloc", Message: "invalid size"}

	// HeapStart and HeapEnd bound the virtual window this allocator
	// carves pages from. They are set once by the boot sequence once the
	// kernel's own load address is known.
	HeapStart addr.VirtualAddress
	HeapEnd   addr.VirtualAddress

	// earlyReserveLastUsed tracks the last address handed out by
	// ReserveRange. It starts at HeapEnd and is decreased on each call,
	// so early reservations and Allocate's bottom-up carving approach
	// each other from opposite ends of the heap window without either
	// side needing to consult the other's bookkeeping.
	earlyReserveLastUsed addr.VirtualAddress

	// errEarlyReserveNoSpace is returned by ReserveRange.
	errEarlyReserveNoSpace = &kernel.Error{Module: "valloc", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// leafSize describes one page size this allocator can carve, together with
// the map/unmap operations that install it.
type leafSize struct {
	bytes uintptr
	mapFn func(pm *vmm.PageMap, v addr.VirtualAddress, p addr.PhysicalAddress, flags vmm.PageTableEntryFlag) *kernel.Error
	unmapFn func(pm *vmm.PageMap, v addr.VirtualAddress) (addr.PhysicalAddress, *kernel.Error)
}

var leafSizes = [3]leafSize{
	{bytes: sizeHuge, mapFn: (*vmm.PageMap).MapHugePage, unmapFn: (*vmm.PageMap).UnmapHugePage},
	{bytes: sizeLarge, mapFn: (*vmm.PageMap).MapLargePage, unmapFn: (*vmm.PageMap).UnmapLargePage},
	{bytes: sizeStandard, mapFn: (*vmm.PageMap).MapPage, unmapFn: (*vmm.PageMap).UnmapPage},
}

// ReserveRange reserves a page-aligned contiguous virtual range of size
// bytes without mapping anything behind it, and returns its base address.
// Size is rounded up to a page multiple if needed.
//
// Reservations are handed out from the top of the heap window downward,
// leaving Allocate free to carve pages upward from HeapStart without the
// two bookkeeping schemes colliding. Callers are expected to install their
// own mappings into the reserved range before using it; this is meant for
// the small number of early, one-shot reservations the Go runtime
// allocator's own bootstrap issues before the rest of the kernel has
// started carving pages through Allocate.
func ReserveRange(size uintptr) (addr.VirtualAddress, *kernel.Error) {
	size = (size + (sizeStandard - 1)) &^ (sizeStandard - 1)

	if earlyReserveLastUsed == 0 {
		earlyReserveLastUsed = HeapEnd
	}

	if size > uintptr(earlyReserveLastUsed) {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed = earlyReserveLastUsed.Offset(-size)
	if earlyReserveLastUsed < HeapStart {
		return 0, errEarlyReserveNoSpace
	}

	return earlyReserveLastUsed, nil
}

// Allocate returns a page-aligned virtual base within [HeapStart, HeapEnd)
// for size bytes, backed by fresh physical frames mapped read/write in pm.
// alignment selects the page sizes used: huge pages are carved first when
// alignment is at least 1 GiB; otherwise only the page sizes at or below
// alignment are used. The base is only guaranteed to be page-aligned; it is
// not rounded up to alignment.
func Allocate(pm *vmm.PageMap, size uintptr, alignment uintptr) (addr.VirtualAddress, *kernel.Error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}

	base, err := findFreeRange(pm, size)
	if err != nil {
		return 0, err
	}

	cursor := base
	remaining := size
	for _, ls := range leafSizes {
		if ls.bytes > alignment && ls.bytes != sizeStandard {
			continue
		}
		for remaining >= ls.bytes && cursor.IsAligned(ls.bytes) {
			frame, err := pmm.AllocateContiguous(ls.bytes, ls.bytes)
			if err != nil {
				rollback(pm, base, cursor)
				return 0, err
			}
			if err := ls.mapFn(pm, cursor, frame, vmm.FlagPresent|vmm.FlagRW); err != nil {
				pmm.DeallocateContiguous(frame, ls.bytes)
				rollback(pm, base, cursor)
				return 0, err
			}
			cursor = cursor.Offset(ls.bytes)
			remaining -= ls.bytes
		}
	}

	if remaining != 0 {
		rollback(pm, base, cursor)
		return 0, ErrOutOfVirtualSpace
	}

	return base, nil
}

// rollback unmaps and frees every leaf installed in [base, cursor), used
// when a later step of Allocate fails partway through.
func rollback(pm *vmm.PageMap, base, cursor addr.VirtualAddress) {
	v := base
	for v < cursor {
		for _, ls := range leafSizes {
			if frame, err := ls.unmapFn(pm, v); err == nil {
				pmm.DeallocateContiguous(frame, ls.bytes)
				v = v.Offset(ls.bytes)
				break
			}
		}
	}
}

// Deallocate reverses Allocate: it unmaps and frees every leaf covering
// [base, base+size).
func Deallocate(pm *vmm.PageMap, base addr.VirtualAddress, size uintptr) *kernel.Error {
	v := base
	end := base.Offset(size)

	for v < end {
		unmapped := false
		for _, ls := range leafSizes {
			frame, err := ls.unmapFn(pm, v)
			if err == nil {
				pmm.DeallocateContiguous(frame, ls.bytes)
				v = v.Offset(ls.bytes)
				unmapped = true
				break
			}
		}
		if !unmapped {
			return vmm.ErrEntryNotPresent
		}
	}

	return nil
}

// findFreeRange performs a linear scan of [HeapStart, HeapEnd) for the
// first base whose next size bytes are entirely unmapped, queried by
// walking pm.
func findFreeRange(pm *vmm.PageMap, size uintptr) (addr.VirtualAddress, *kernel.Error) {
	for base := HeapStart; base.Offset(size) <= HeapEnd; base = base.Offset(sizeStandard) {
		if rangeIsFree(pm, base, size) {
			return base, nil
		}
	}
	return 0, ErrOutOfVirtualSpace
}

func rangeIsFree(pm *vmm.PageMap, base addr.VirtualAddress, size uintptr) bool {
	for v := base; v < base.Offset(size); v = v.Offset(sizeStandard) {
		if _, _, err := pm.Translate(v); err == nil {
			return false
		}
	}
	return true
}
