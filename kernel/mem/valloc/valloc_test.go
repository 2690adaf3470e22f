package valloc

import (
	"testing"
	"unsafe"

	"lumos/kernel/mem"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
	"lumos/kernel/mem/vmm"
)

func setupTestHeap(t *testing.T, frames uint64) *vmm.PageMap {
	t.Helper()

	size := frames * uint64(addr.PageSize)
	arena := make([]byte, size+2*uint64(addr.PageSize))
	raw := uintptr(unsafe.Pointer(&arena[0]))
	base := (raw + uintptr(addr.PageSize) - 1) &^ (uintptr(addr.PageSize) - 1)

	regions := []addr.PhysicalMemoryRegion{
		{Base: addr.PhysicalAddress(base), Size: mem.Size(frames) * mem.Size(addr.PageSize), Usable: true},
	}
	if err := pmm.Init(regions); err != nil {
		t.Fatal(err)
	}
	vmm.SetDirectMapOffset(0)

	pm, err := vmm.New(48)
	if err != nil {
		t.Fatal(err)
	}

	HeapStart = addr.VirtualAddress(0x0000200000000000).Canonicalize(48)
	HeapEnd = HeapStart.Offset(uintptr(addr.PageSize) * 4096)

	return pm
}

func TestAllocateStandardPages(t *testing.T) {
	pm := setupTestHeap(t, 256)

	v, err := Allocate(pm, uintptr(addr.PageSize)*4, uintptr(addr.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	if !v.IsAligned(uintptr(addr.PageSize)) {
		t.Fatal("expected allocation base to be page aligned")
	}

	for i := uintptr(0); i < 4; i++ {
		if _, _, err := pm.Translate(v.Offset(i * uintptr(addr.PageSize))); err != nil {
			t.Errorf("expected page %d of the allocation to be mapped: %v", i, err)
		}
	}
}

func TestDeallocateUnmapsEveryLeaf(t *testing.T) {
	pm := setupTestHeap(t, 256)

	size := uintptr(addr.PageSize) * 3
	v, err := Allocate(pm, size, uintptr(addr.PageSize))
	if err != nil {
		t.Fatal(err)
	}

	if err := Deallocate(pm, v, size); err != nil {
		t.Fatal(err)
	}

	for i := uintptr(0); i < 3; i++ {
		if _, _, err := pm.Translate(v.Offset(i * uintptr(addr.PageSize))); err == nil {
			t.Errorf("expected page %d to be unmapped after Deallocate", i)
		}
	}
}

func TestAllocateRejectsZeroSize(t *testing.T) {
	pm := setupTestHeap(t, 16)

	if _, err := Allocate(pm, 0, uintptr(addr.PageSize)); err != ErrInvalidSize {
		t.Fatalf("expected ErrInvalidSize; got %v", err)
	}
}
