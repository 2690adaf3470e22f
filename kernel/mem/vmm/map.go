package vmm

import (
	"lumos/kernel"
	"lumos/kernel/cpu"
	"lumos/kernel/mem/addr"
)

const (
	sizeStandard = addr.PageSize
	sizeLarge    = 2 * 1024 * 1024
	sizeHuge     = 1024 * 1024 * 1024
)

// supportsGigabytePagesFn is a mock point for MapHugePage's capability
// check, since the real cpu.SupportsGigabytePages reads CPUID leaf
// 0x80000001 off whatever host the test happens to run on.
var supportsGigabytePagesFn = cpu.SupportsGigabytePages

// MapPage installs a 4 KiB mapping from v to p with the given flags.
func (pm *PageMap) MapPage(v addr.VirtualAddress, p addr.PhysicalAddress, flags PageTableEntryFlag) *kernel.Error {
	if err := pm.validateTarget(v, p, sizeStandard); err != nil {
		return err
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	interFlags := intermediateFlags(flags)
	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), true, interFlags)
	if err != nil {
		return err
	}
	pd, err := descend(pdpt, v.PDPTIndex(), true, interFlags)
	if err != nil {
		return err
	}
	pt, err := descend(pd, v.PDIndex(), true, interFlags)
	if err != nil {
		return err
	}

	entry := &pt.entries[v.PTIndex()]
	if entry.IsPresent() {
		return ErrVAddrRangeUnavailable
	}

	*entry = pack(p, flags|FlagPresent)
	pm.invalidate(v)
	return nil
}

// MapLargePage installs a 2 MiB mapping from v to p with the given flags.
func (pm *PageMap) MapLargePage(v addr.VirtualAddress, p addr.PhysicalAddress, flags PageTableEntryFlag) *kernel.Error {
	if err := pm.validateTarget(v, p, sizeLarge); err != nil {
		return err
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	interFlags := intermediateFlags(flags)
	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), true, interFlags)
	if err != nil {
		return err
	}
	pd, err := descend(pdpt, v.PDPTIndex(), true, interFlags)
	if err != nil {
		return err
	}

	entry := &pd.entries[v.PDIndex()]
	if entry.IsPresent() {
		return ErrVAddrRangeUnavailable
	}

	*entry = pack(p, flags|FlagPresent|FlagPageSize)
	pm.invalidate(v)
	return nil
}

// MapHugePage installs a 1 GiB mapping from v to p with the given flags. It
// fails with ErrUnsupportedOperation if the running CPU does not report
// 1 GiB page support.
func (pm *PageMap) MapHugePage(v addr.VirtualAddress, p addr.PhysicalAddress, flags PageTableEntryFlag) *kernel.Error {
	if !supportsGigabytePagesFn() {
		return ErrUnsupportedOperation
	}
	if err := pm.validateTarget(v, p, sizeHuge); err != nil {
		return err
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	interFlags := intermediateFlags(flags)
	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), true, interFlags)
	if err != nil {
		return err
	}

	entry := &pdpt.entries[v.PDPTIndex()]
	if entry.IsPresent() {
		return ErrVAddrRangeUnavailable
	}

	*entry = pack(p, flags|FlagPresent|FlagPageSize)
	pm.invalidate(v)
	return nil
}

// UnmapPage removes a 4 KiB mapping and returns the physical address it
// pointed to.
func (pm *PageMap) UnmapPage(v addr.VirtualAddress) (addr.PhysicalAddress, *kernel.Error) {
	if v.Canonicalize(pm.vaddrWidth) != v {
		return 0, ErrNonCanonicalAddress
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), false, 0)
	if err != nil {
		return 0, err
	}
	pd, err := descend(pdpt, v.PDPTIndex(), false, 0)
	if err != nil {
		return 0, err
	}
	pt, err := descend(pd, v.PDIndex(), false, 0)
	if err != nil {
		return 0, err
	}

	entry := &pt.entries[v.PTIndex()]
	if !entry.IsPresent() {
		return 0, ErrEntryNotPresent
	}

	frame := entry.Frame()
	*entry = 0
	pm.invalidate(v)
	return frame, nil
}

// UnmapLargePage removes a 2 MiB mapping and returns the physical address it
// pointed to.
func (pm *PageMap) UnmapLargePage(v addr.VirtualAddress) (addr.PhysicalAddress, *kernel.Error) {
	if v.Canonicalize(pm.vaddrWidth) != v {
		return 0, ErrNonCanonicalAddress
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), false, 0)
	if err != nil {
		return 0, err
	}
	pd, err := descend(pdpt, v.PDPTIndex(), false, 0)
	if err != nil {
		return 0, err
	}

	entry := &pd.entries[v.PDIndex()]
	if !entry.IsPresent() {
		return 0, ErrEntryNotPresent
	}
	if !entry.IsLeaf() {
		return 0, ErrEntryNotTable
	}

	frame := entry.Frame()
	*entry = 0
	pm.invalidate(v)
	return frame, nil
}

// UnmapHugePage removes a 1 GiB mapping and returns the physical address it
// pointed to.
func (pm *PageMap) UnmapHugePage(v addr.VirtualAddress) (addr.PhysicalAddress, *kernel.Error) {
	if v.Canonicalize(pm.vaddrWidth) != v {
		return 0, ErrNonCanonicalAddress
	}

	pm.lock.Acquire()
	defer pm.lock.Release()

	pdpt, err := descend(tableAt(pm.root), v.PML4Index(), false, 0)
	if err != nil {
		return 0, err
	}

	entry := &pdpt.entries[v.PDPTIndex()]
	if !entry.IsPresent() {
		return 0, ErrEntryNotPresent
	}
	if !entry.IsLeaf() {
		return 0, ErrEntryNotTable
	}

	frame := entry.Frame()
	*entry = 0
	pm.invalidate(v)
	return frame, nil
}

// Translate walks the map without modifying it and returns the physical
// address and flags of whatever mapping covers v, at any page size.
func (pm *PageMap) Translate(v addr.VirtualAddress) (addr.PhysicalAddress, PageTableEntryFlag, *kernel.Error) {
	pm.lock.Acquire()
	defer pm.lock.Release()

	pml4 := tableAt(pm.root)
	pdptEntry := &pml4.entries[v.PML4Index()]
	if !pdptEntry.IsPresent() {
		return 0, 0, ErrEntryNotPresent
	}

	pdpt := tableAt(pdptEntry.Frame())
	pdEntry := &pdpt.entries[v.PDPTIndex()]
	if !pdEntry.IsPresent() {
		return 0, 0, ErrEntryNotPresent
	}
	if pdEntry.IsLeaf() {
		return pdEntry.Frame().Offset(v.Bits() & (sizeHuge - 1)), pdEntry.Flags(), nil
	}

	pd := tableAt(pdEntry.Frame())
	ptEntry := &pd.entries[v.PDIndex()]
	if !ptEntry.IsPresent() {
		return 0, 0, ErrEntryNotPresent
	}
	if ptEntry.IsLeaf() {
		return ptEntry.Frame().Offset(v.Bits() & (sizeLarge - 1)), ptEntry.Flags(), nil
	}

	pt := tableAt(ptEntry.Frame())
	leaf := &pt.entries[v.PTIndex()]
	if !leaf.IsPresent() {
		return 0, 0, ErrEntryNotPresent
	}

	return leaf.Frame().Offset(v.PageOffset()), leaf.Flags(), nil
}
