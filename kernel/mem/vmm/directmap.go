package vmm

import (
	"unsafe"

	"lumos/kernel/mem/addr"
)

// directMapOffset is the Higher-Half Direct Map offset reported by the
// bootloader: physical address P is always readable/writable at virtual
// address directMapOffset+P. It is set exactly once during boot, before any
// page table is walked, and never mutated afterwards.
var directMapOffset addr.VirtualAddress

// SetDirectMapOffset records the direct-map base the bootloader established.
// It must be called before the first PageMap is created or walked.
func SetDirectMapOffset(offset addr.VirtualAddress) {
	directMapOffset = offset
}

// DirectMapAddress returns the virtual address at which physical address p
// is readable/writable through the direct map, without requiring any
// PageMap lookup. Callers use this to zero or otherwise touch a frame
// before or without mapping it into a specific PageMap's own address space.
func DirectMapAddress(p addr.PhysicalAddress) addr.VirtualAddress {
	return directMapOffset.Offset(p.Bits())
}

// tableAt returns a pointer to the PageTable backed by the given physical
// frame, accessed through the direct map. The walker uses this instead of
// the recursive self-mapping trick so that a PageMap that is not currently
// loaded into CR3 can still be walked and modified.
func tableAt(frame addr.PhysicalAddress) *PageTable {
	return (*PageTable)(unsafe.Pointer(directMapOffset.Offset(frame.Bits())))
}
