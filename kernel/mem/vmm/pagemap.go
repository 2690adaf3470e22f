// Package vmm implements the x86-64 4-level page-map engine: PageMap
// construction, the table walker that lazily materializes intermediate
// tables through the physical frame allocator, and the map/unmap operations
// for standard (4 KiB), large (2 MiB) and huge (1 GiB) pages.
package vmm

import (
	"lumos/kernel"
	"lumos/kernel/cpu"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
	"lumos/kernel/sync"
)

// PageMap owns one x86-64 paging hierarchy rooted at a PML4 table. All of
// its operations acquire pm.lock for their full duration; the physical
// frame allocator lock is always acquired inside pm.lock, never the other
// way around, to avoid lock inversion with callers that hold both.
type PageMap struct {
	lock sync.Spinlock

	root       addr.PhysicalAddress
	pcid       uint16
	loaded     bool
	vaddrWidth uint8
}

// New allocates and zeroes one frame for the root PML4 table and returns a
// PageMap wrapping it with PCID 0.
func New(vaddrWidth uint8) (*PageMap, *kernel.Error) {
	root, err := pmm.Allocate()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	*tableAt(root) = PageTable{}

	return &PageMap{root: root, vaddrWidth: vaddrWidth}, nil
}

// FromCR3 wraps an existing root table physical address, as read out of
// CR3, without taking ownership of a fresh frame.
func FromCR3(bits uintptr, vaddrWidth uint8) (*PageMap, *kernel.Error) {
	if bits&^(physAddrMask|0xfff) != 0 {
		return nil, ErrInvalidAddress
	}
	root := addr.PhysicalAddress(bits &^ 0xfff)
	if !root.IsPageAligned() {
		return nil, ErrInvalidAddress
	}

	return &PageMap{root: root, vaddrWidth: vaddrWidth}, nil
}

// Root returns the physical address of the PML4 table backing this map.
func (pm *PageMap) Root() addr.PhysicalAddress {
	return pm.root
}

// PCID returns the process-context identifier currently assigned to this
// map. Zero means no PCID has been assigned yet.
func (pm *PageMap) PCID() uint16 {
	return pm.pcid
}

// SetPCID assigns a process-context identifier to this map. It is only
// permitted while the current PCID is still zero; once a non-zero PCID has
// been assigned it cannot be cleared or reassigned.
func (pm *PageMap) SetPCID(pcid uint16) *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	if pm.pcid != 0 {
		return ErrPCIDAlreadySet
	}
	pm.pcid = pcid
	return nil
}

// Load installs this map into CR3 on the current CPU. It requires a
// non-zero PCID to already be assigned, so that every active mapping is
// tagged and TLB flushes can stay address-space-local.
func (pm *PageMap) Load() *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	if pm.pcid == 0 {
		return ErrPCIDNotSet
	}

	cpu.SwitchPDT(pm.root.Bits(), pm.pcid)
	pm.loaded = true
	return nil
}

// validateTarget checks that v is canonical and aligned to pageSize, and
// that p is aligned to pageSize.
func (pm *PageMap) validateTarget(v addr.VirtualAddress, p addr.PhysicalAddress, pageSize uintptr) *kernel.Error {
	if v.Canonicalize(pm.vaddrWidth) != v {
		return ErrNonCanonicalAddress
	}
	if !v.IsAligned(pageSize) || !p.IsAlignedTo(pageSize) {
		return ErrNotPageAligned
	}
	return nil
}

// invalidate flushes the TLB entry (or entries, in the case of a huge/large
// page) covering v. It uses INVPCID when this map has an active PCID
// loaded, or INVLPG otherwise.
func (pm *PageMap) invalidate(v addr.VirtualAddress) {
	if pm.loaded && pm.pcid != 0 {
		cpu.InvalidatePCID(pm.pcid)
		return
	}
	cpu.FlushTLBEntry(v.Bits())
}

// descend follows the entry at index idx in table, optionally
// materializing a fresh intermediate table through the PFA when the entry
// is not yet present. interFlags are OR'd with Present+Write on a newly
// created intermediate entry.
func descend(table *PageTable, idx uint16, create bool, interFlags PageTableEntryFlag) (*PageTable, *kernel.Error) {
	entry := &table.entries[idx]

	if entry.IsPresent() {
		if entry.IsLeaf() {
			return nil, ErrEntryNotTable
		}
		return tableAt(entry.Frame()), nil
	}

	if !create {
		return nil, ErrEntryNotPresent
	}

	frame, err := pmm.Allocate()
	if err != nil {
		return nil, ErrOutOfMemory
	}

	next := tableAt(frame)
	*next = PageTable{}
	*entry = pack(frame, FlagPresent|FlagRW|interFlags)
	return next, nil
}

// intermediateFlags derives the flags used for newly-created intermediate
// tables from the leaf mapping flags the caller requested: always
// Present+Write (added by descend), plus User and NoExecute passed through.
// User keeps a user-accessible leaf from being masked by a supervisor-only
// ancestor; NoExecute on a new table makes every later mapping under it
// non-executable as well.
func intermediateFlags(leaf PageTableEntryFlag) PageTableEntryFlag {
	return leaf & (FlagUserAccessible | FlagNoExecute)
}
