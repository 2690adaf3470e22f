package vmm

import (
	"lumos/kernel"
	"lumos/kernel/mem/pmm"
)

// Drop walks the entire hierarchy depth-first, returning every intermediate
// table frame and every still-present leaf frame to the physical frame
// allocator, except leaves tagged FlagShared, then releases the root table
// itself. Once Drop returns the PageMap must not be used again.
func (pm *PageMap) Drop() *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()

	root := tableAt(pm.root)
	if err := dropTable(root, 0); err != nil {
		return err
	}

	return pmm.Deallocate(pm.root)
}

// dropTable recurses through table, freeing owned leaf and intermediate
// frames. level 0 is PML4, 1 is PDPT, 2 is PD, 3 is PT (leaves only).
func dropTable(table *PageTable, level int) *kernel.Error {
	for i := range table.entries {
		entry := &table.entries[i]
		if !entry.IsPresent() {
			continue
		}

		if level == 3 || entry.IsLeaf() {
			if entry.HasFlags(FlagShared) {
				continue
			}
			if err := pmm.Deallocate(entry.Frame()); err != nil {
				return err
			}
			continue
		}

		child := tableAt(entry.Frame())
		if err := dropTable(child, level+1); err != nil {
			return err
		}
		if err := pmm.Deallocate(entry.Frame()); err != nil {
			return err
		}
	}

	return nil
}
