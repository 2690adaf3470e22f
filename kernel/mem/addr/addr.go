// Package addr defines the physical and virtual address value types shared
// by every layer of the memory subsystem. The two types deliberately share
// no common base type: a physical address can never be passed where a
// virtual one is expected, and vice versa.
package addr

import "lumos/kernel/mem"

// PageShift is the number of low-order bits that index a byte within a
// standard 4 KiB page.
const PageShift = 12

// PageSize is the size in bytes of a standard page.
const PageSize = uintptr(1) << PageShift

// pageMask clears the low PageShift bits of an address.
const pageMask = ^(PageSize - 1)

// PhysicalAddress is a transparent wrapper over a machine word that holds a
// physical memory address. Its value must fit within the physical address
// width reported by the running CPU; callers obtain that guarantee by
// validating new addresses against arch.ValidatePAddr before constructing
// values out of untrusted input (e.g. bootloader-supplied pointers).
type PhysicalAddress uintptr

// Bits returns the raw address value.
func (p PhysicalAddress) Bits() uintptr {
	return uintptr(p)
}

// FrameNumber returns the page-frame number for this address (bits >> 12).
func (p PhysicalAddress) FrameNumber() uint64 {
	return uint64(p) >> PageShift
}

// PhysicalAddressFromFrame builds a PhysicalAddress from a page-frame number.
func PhysicalAddressFromFrame(frame uint64) PhysicalAddress {
	return PhysicalAddress(frame << PageShift)
}

// IsAlignedTo reports whether the address is a multiple of alignment.
// alignment must be a power of two.
func (p PhysicalAddress) IsAlignedTo(alignment uintptr) bool {
	return uintptr(p)&(alignment-1) == 0
}

// IsPageAligned reports whether the address is aligned to PageSize.
func (p PhysicalAddress) IsPageAligned() bool {
	return p.IsAlignedTo(PageSize)
}

// PageBase returns the address of the page containing p.
func (p PhysicalAddress) PageBase() PhysicalAddress {
	return PhysicalAddress(uintptr(p) & pageMask)
}

// Offset returns a new address displaced by delta bytes.
func (p PhysicalAddress) Offset(delta uintptr) PhysicalAddress {
	return PhysicalAddress(uintptr(p) + delta)
}

// FrameIterator yields successive page-aligned physical addresses starting
// at the receiver's page base.
type FrameIterator struct {
	next      PhysicalAddress
	remaining uint64
}

// Frames returns an iterator that yields count successive frames starting
// at this address's page base.
func (p PhysicalAddress) Frames(count uint64) *FrameIterator {
	return &FrameIterator{next: p.PageBase(), remaining: count}
}

// Next returns the next frame address and advances the iterator. The second
// return value is false once the iterator is exhausted.
func (it *FrameIterator) Next() (PhysicalAddress, bool) {
	if it.remaining == 0 {
		return 0, false
	}
	addr := it.next
	it.next = addr.Offset(PageSize)
	it.remaining--
	return addr, true
}

// VirtualAddress is a transparent wrapper over a 64-bit machine word that
// holds a virtual memory address. On x86-64 the value must be in canonical
// form: every bit above the implemented virtual-address width mirrors the
// topmost implemented bit. Zero is reserved as the null sentinel and is
// never a valid mapping target.
type VirtualAddress uintptr

// Bits returns the raw address value.
func (v VirtualAddress) Bits() uintptr {
	return uintptr(v)
}

// IsNull reports whether this is the null sentinel address.
func (v VirtualAddress) IsNull() bool {
	return v == 0
}

// IsAligned reports whether the address is a multiple of alignment, which
// must be a power of two.
func (v VirtualAddress) IsAligned(alignment uintptr) bool {
	return uintptr(v)&(alignment-1) == 0
}

// PageBase returns the base address of the page containing v.
func (v VirtualAddress) PageBase() VirtualAddress {
	return VirtualAddress(uintptr(v) & pageMask)
}

// PageOffset returns the byte offset of v within its containing page.
func (v VirtualAddress) PageOffset() uintptr {
	return uintptr(v) & (PageSize - 1)
}

// Offset returns a new address displaced by delta bytes.
func (v VirtualAddress) Offset(delta uintptr) VirtualAddress {
	return VirtualAddress(uintptr(v) + delta)
}

// index extracts a 9-bit field from bits [shift+9 : shift).
func index(v VirtualAddress, shift uint) uint16 {
	return uint16((uintptr(v) >> shift) & 0x1ff)
}

// PML4Index returns the 9-bit index into the top-level page-map table,
// extracted from bits 47:39.
func (v VirtualAddress) PML4Index() uint16 { return index(v, 39) }

// PDPTIndex returns the 9-bit index into the page-directory-pointer table,
// extracted from bits 38:30.
func (v VirtualAddress) PDPTIndex() uint16 { return index(v, 30) }

// PDIndex returns the 9-bit index into the page-directory table, extracted
// from bits 29:21.
func (v VirtualAddress) PDIndex() uint16 { return index(v, 21) }

// PTIndex returns the 9-bit index into the page table, extracted from bits
// 20:12.
func (v VirtualAddress) PTIndex() uint16 { return index(v, 12) }

// Canonicalize sign-extends v from bit (vaddrWidth-1) upward, producing the
// canonical-form address the hardware expects. vaddrWidth is the number of
// virtual address bits implemented by the running CPU, as reported by
// arch.VAddrWidth.
func (v VirtualAddress) Canonicalize(vaddrWidth uint8) VirtualAddress {
	shift := uint(64 - vaddrWidth)
	return VirtualAddress(int64(uint64(v)<<shift) >> shift)
}

// PhysicalMemoryRegion describes one half-open range [Base, Base+Size)
// reported by the bootloader memory map, tagged with its usability.
type PhysicalMemoryRegion struct {
	Base  PhysicalAddress
	Size  mem.Size
	Usable bool
}

// End returns the exclusive end address of the region.
func (r PhysicalMemoryRegion) End() PhysicalAddress {
	return r.Base.Offset(uintptr(r.Size))
}

// Less orders regions by base address, for sorting a raw bootloader map
// into ascending order before the allocator consumes it.
func (r PhysicalMemoryRegion) Less(other PhysicalMemoryRegion) bool {
	return r.Base < other.Base
}
