package boot

import (
	"testing"
	"unsafe"

	"lumos/kernel/mem"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
)

func TestUsableRegions(t *testing.T) {
	mm := MemoryMapResponse{
		Entries: []MemoryMapEntry{
			{Base: 0, Length: 0x1000, Type: MemoryUsable},
			{Base: 0x1000, Length: 0x2000, Type: MemoryReserved},
			{Base: 0x3000, Length: 0x4000, Type: MemoryAcpiNvs},
		},
	}

	regions := UsableRegions(mm)
	if len(regions) != 3 {
		t.Fatalf("expected 3 regions; got %d", len(regions))
	}

	if !regions[0].Usable {
		t.Error("expected first region to be usable")
	}
	if regions[1].Usable || regions[2].Usable {
		t.Error("expected reserved/ACPI-NVS regions to be marked unusable")
	}
}

func TestInitRejectsEmptyMemoryMap(t *testing.T) {
	if _, err := Init(HHDMResponse{}, MemoryMapResponse{}, KernelAddressResponse{}, RSDPResponse{}); err != ErrMissingMemoryMap {
		t.Fatalf("expected ErrMissingMemoryMap; got %v", err)
	}
}

// TestInitTracksReservedRegionBeforeUsable exercises spec.md §8 scenario 1
// end to end, through boot.Init rather than calling pmm.Init directly: a
// reserved region ahead of the first usable region must land inside the
// PFA's tracked domain as permanently-busy frames, not be dropped from
// tracking altogether. A dropped frame would read back as out-of-range; a
// tracked-but-busy frame reads back as already-allocated.
func TestInitTracksReservedRegionBeforeUsable(t *testing.T) {
	const reservedFrames, usableFrames = 8, 56

	arena := make([]byte, (reservedFrames+usableFrames+2)*uint64(addr.PageSize))
	raw := uintptr(unsafe.Pointer(&arena[0]))
	base := (raw + uintptr(addr.PageSize) - 1) &^ (uintptr(addr.PageSize) - 1)

	reservedBase := addr.PhysicalAddress(base)
	usableBase := reservedBase.Offset(uintptr(reservedFrames) * uintptr(addr.PageSize))

	mm := MemoryMapResponse{
		Entries: []MemoryMapEntry{
			{Base: reservedBase, Length: mem.Size(reservedFrames) * mem.Size(addr.PageSize), Type: MemoryReserved},
			{Base: usableBase, Length: mem.Size(usableFrames) * mem.Size(addr.PageSize), Type: MemoryUsable},
		},
	}

	kaddr := KernelAddressResponse{VirtualBase: addr.VirtualAddress(0xffffffff80000000)}
	if _, err := Init(HHDMResponse{}, mm, kaddr, RSDPResponse{}); err != nil {
		t.Fatal(err)
	}

	// A frame inside the leading reserved region must now be tracked as
	// busy (ErrDoubleFree on free), not excluded from the domain entirely
	// (which would read back as ErrAddressOutOfRange).
	if err := pmm.Deallocate(reservedBase); err != pmm.ErrDoubleFree {
		t.Fatalf("expected reserved frame to be tracked as busy (ErrDoubleFree); got %v", err)
	}
}

func TestInitWiresHeapWindow(t *testing.T) {
	arena := make([]byte, 64*uint64(addr.PageSize))
	base := (uintptr(unsafe.Pointer(&arena[0])) + uintptr(addr.PageSize) - 1) &^ (uintptr(addr.PageSize) - 1)

	mm := MemoryMapResponse{
		Entries: []MemoryMapEntry{
			{Base: addr.PhysicalAddress(base), Length: 63 * mem.Size(addr.PageSize), Type: MemoryUsable},
		},
	}

	kaddr := KernelAddressResponse{VirtualBase: addr.VirtualAddress(0xffffffff80000000)}

	if _, err := Init(HHDMResponse{}, mm, kaddr, RSDPResponse{}); err != nil {
		t.Fatal(err)
	}
}
