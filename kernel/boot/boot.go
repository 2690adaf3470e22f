// Package boot models the four Limine bootloader responses this kernel
// consumes at startup and wires them into the physical and virtual memory
// subsystems. Limine hands back one fixed-layout response per request
// (unlike Multiboot2's tag stream), so there is no tag walk here, only a
// handful of plain value types and one Init that threads them through.
package boot

import (
	"lumos/device/acpi"
	"lumos/kernel"
	"lumos/kernel/mem"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
	"lumos/kernel/mem/valloc"
	"lumos/kernel/mem/vmm"
)

// MemoryMapEntryType classifies one bootloader-reported memory region.
type MemoryMapEntryType uint8

const (
	// MemoryUsable marks a region the PFA may allocate from.
	MemoryUsable MemoryMapEntryType = iota

	// MemoryReserved marks a region that is present but never allocatable.
	MemoryReserved

	// MemoryAcpiReclaimable marks ACPI tables; reserved until the (not
	// yet implemented) ACPI table consumer releases them.
	MemoryAcpiReclaimable

	// MemoryAcpiNvs marks ACPI non-volatile storage; never allocatable.
	MemoryAcpiNvs

	// MemoryBad marks a region the firmware reported as faulty.
	MemoryBad

	// MemoryBootloaderReclaimable marks bootloader structures that may be
	// reclaimed once the kernel no longer needs them.
	MemoryBootloaderReclaimable

	// MemoryKernelAndModules marks the kernel image and any modules the
	// bootloader loaded alongside it.
	MemoryKernelAndModules

	// MemoryFramebuffer marks the linear framebuffer, if one was set up.
	MemoryFramebuffer
)

// MemoryMapEntry is one entry of the Limine memory-map response.
type MemoryMapEntry struct {
	Base   addr.PhysicalAddress
	Length mem.Size
	Type   MemoryMapEntryType
}

// HHDMResponse carries the Higher-Half Direct Map offset: physical address
// P is always readable/writable at virtual Offset+P.
type HHDMResponse struct {
	Offset addr.VirtualAddress
}

// MemoryMapResponse carries the bootloader's view of physical memory.
type MemoryMapResponse struct {
	Entries []MemoryMapEntry
}

// KernelAddressResponse carries the physical and virtual base addresses at
// which the bootloader loaded the kernel image.
type KernelAddressResponse struct {
	PhysicalBase addr.PhysicalAddress
	VirtualBase  addr.VirtualAddress
}

// RSDPResponse carries the physical address of the ACPI root descriptor.
// This kernel does not parse ACPI tables; it only forwards the pointer to
// whichever external collaborator does.
type RSDPResponse struct {
	Address addr.PhysicalAddress
}

// KernelHeapWindowPages sizes the kernel heap window valloc carves pages
// out of, expressed as a page count rather than an absolute size so it
// stays meaningful regardless of where the kernel was loaded.
const KernelHeapWindowPages = 1 << 18 // 1 GiB of standard-page-sized window

// ErrMissingMemoryMap is returned by Init when the bootloader supplied an
// empty memory map. This is one of the three top-level-fatal conditions.
var ErrMissingMemoryMap = &kernel.Error{Module: "boot", Message: "bootloader memory map is absent or empty"}

// UsableRegions converts a Limine memory map into the PhysicalMemoryRegion
// slice the physical frame allocator consumes.
func UsableRegions(mm MemoryMapResponse) []addr.PhysicalMemoryRegion {
	regions := make([]addr.PhysicalMemoryRegion, len(mm.Entries))
	for i, e := range mm.Entries {
		regions[i] = addr.PhysicalMemoryRegion{
			Base:   e.Base,
			Size:   e.Length,
			Usable: e.Type == MemoryUsable,
		}
	}
	return regions
}

// Init wires the four bootloader responses into the memory subsystem: it
// establishes the direct map offset, initializes the physical frame
// allocator from the usable regions, and derives the kernel heap window
// valloc carves pages from, bounded above by the kernel's own virtual load
// address so heap allocations can never collide with the kernel image.
func Init(hhdm HHDMResponse, mmap MemoryMapResponse, kaddr KernelAddressResponse, rsdp RSDPResponse) (RSDPResponse, *kernel.Error) {
	if len(mmap.Entries) == 0 {
		return rsdp, ErrMissingMemoryMap
	}

	vmm.SetDirectMapOffset(hhdm.Offset)

	if err := pmm.Init(UsableRegions(mmap)); err != nil {
		return rsdp, err
	}

	valloc.HeapEnd = kaddr.VirtualBase
	valloc.HeapStart = addr.VirtualAddress(kaddr.VirtualBase.Bits() - uintptr(addr.PageSize)*KernelHeapWindowPages)

	acpi.ForwardRSDP(rsdp.Address)

	return rsdp, nil
}
