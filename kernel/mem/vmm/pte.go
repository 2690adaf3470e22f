package vmm

import "lumos/kernel/mem/addr"

// PageTableEntryFlag is a bitmask of flags stored alongside a physical
// address in a page table entry.
type PageTableEntryFlag uintptr

const (
	// FlagPresent is set when the entry points to valid data and is not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the mapped region can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code may access this region.
	FlagUserAccessible

	// FlagWriteThroughCaching selects write-through caching instead of
	// write-back when set.
	FlagWriteThroughCaching

	// FlagDoNotCache disables caching for the mapped region.
	FlagDoNotCache

	// FlagAccessed is set by the CPU the first time the entry is used for
	// translation.
	FlagAccessed

	// FlagDirty is set by the CPU when the mapped page is written to.
	FlagDirty

	// FlagPageSize marks a PDPT or PD entry as a leaf (1 GiB or 2 MiB
	// page respectively) instead of a pointer to the next table level.
	FlagPageSize

	// FlagGlobal prevents the TLB from evicting this translation on a
	// CR3 reload.
	FlagGlobal
)

const (
	// FlagCopyOnWrite is a kernel-defined flag (bit 9) used to mark a
	// shared read-only frame that must be duplicated on the next write
	// fault. Mutually exclusive with FlagRW.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9

	// FlagShared is a kernel-defined flag (bit 10) used to mark a frame
	// that multiple address spaces reference and that must never be
	// returned to the allocator by an ordinary unmap.
	FlagShared PageTableEntryFlag = 1 << 10

	// FlagNoExecute prevents instruction fetches from the mapped region.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

// flagsMask covers every bit a pageTableEntry may use for flags, i.e.
// everything outside the physical address field.
const flagsMask = uintptr(0xfff) | (uintptr(1) << 63)

// physAddrMask extracts bits 12-51, the implemented physical address field
// on every current x86-64 CPU.
const physAddrMask = uintptr(0x000ffffffffff000)

// pageTableEntry is a single 8-byte slot inside a PageTable.
type pageTableEntry uintptr

// IsPresent reports whether FlagPresent is set.
func (pte pageTableEntry) IsPresent() bool {
	return uintptr(pte)&uintptr(FlagPresent) != 0
}

// IsLeaf reports whether FlagPageSize is set, i.e. this entry terminates
// the walk instead of pointing at a further table level.
func (pte pageTableEntry) IsLeaf() bool {
	return uintptr(pte)&uintptr(FlagPageSize) != 0
}

// HasFlags reports whether every bit in flags is set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

// Frame returns the physical address stored in this entry, ignoring flags.
func (pte pageTableEntry) Frame() addr.PhysicalAddress {
	return addr.PhysicalAddress(uintptr(pte) & physAddrMask)
}

// Flags returns the flag bits stored in this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) & flagsMask)
}

// pack builds a pageTableEntry value out of a physical frame and flag set.
func pack(frame addr.PhysicalAddress, flags PageTableEntryFlag) pageTableEntry {
	return pageTableEntry(frame.Bits()&physAddrMask | uintptr(flags)&flagsMask)
}

// PageTable is one 4 KiB, 512-entry level of the paging hierarchy.
type PageTable struct {
	entries [512]pageTableEntry
}
