// Package amd64 implements kernel/arch.Arch for the x86-64 instruction set,
// grounded on the CPUID-driven feature discovery and hand-written assembly
// stubs in kernel/cpu.
package amd64

import (
	"lumos/kernel"
	"lumos/kernel/arch"
	"lumos/kernel/cpu"
	"lumos/kernel/mem/vmm"
)

// Backend implements arch.Arch for x86-64.
type Backend struct {
	paddrWidth uint8
	vaddrWidth uint8
}

var (
	errUnsupportedAddressWidth = arch.ErrUnsupportedAddressWidth
)

// InitBSP discovers address widths via CPUID leaf 0x80000008 and records
// them for later validation and PageMap construction.
func (b *Backend) InitBSP() *kernel.Error {
	b.paddrWidth = cpu.PhysAddrWidth()
	b.vaddrWidth = cpu.LinearAddrWidth()

	if b.paddrWidth == 0 || b.paddrWidth > 52 || b.vaddrWidth == 0 || b.vaddrWidth > 57 {
		return errUnsupportedAddressWidth
	}

	return nil
}

// InitAP re-applies the feature set discovered by InitBSP to an
// application processor; on amd64 every CPU in a system reports identical
// CPUID leaves so there is nothing further to discover.
func (b *Backend) InitAP() *kernel.Error {
	if b.paddrWidth == 0 {
		return errUnsupportedAddressWidth
	}
	return nil
}

// PAddrWidth returns the number of physical address bits discovered at
// InitBSP time.
func (b *Backend) PAddrWidth() uint8 { return b.paddrWidth }

// VAddrWidth returns the number of virtual address bits discovered at
// InitBSP time.
func (b *Backend) VAddrWidth() uint8 { return b.vaddrWidth }

// ValidatePAddr reports whether bits fits within PAddrWidth.
func (b *Backend) ValidatePAddr(bits uintptr) bool {
	return bits>>uint(b.paddrWidth) == 0
}

// ValidateVAddr reports whether bits is canonical for VAddrWidth: every bit
// from VAddrWidth-1 upward must equal bit VAddrWidth-1.
func (b *Backend) ValidateVAddr(bits uintptr) bool {
	shift := uint(b.vaddrWidth - 1)
	top := (bits >> shift) & 1
	rest := bits >> (shift + 1)
	if top == 1 {
		return rest == ^uintptr(0)>>(shift+1)
	}
	return rest == 0
}

// Halt stops the current CPU.
func (b *Backend) Halt() { cpu.Halt() }

// IRQEnable enables interrupt delivery.
func (b *Backend) IRQEnable() { cpu.EnableInterrupts() }

// IRQDisable disables interrupt delivery.
func (b *Backend) IRQDisable() { cpu.DisableInterrupts() }

// IRQAreEnabled reports whether RFLAGS.IF is currently set.
func (b *Backend) IRQAreEnabled() bool {
	return cpu.FlagsRegister()&(1<<9) != 0
}

// IRQRestore restores interrupts to the state prev describes.
func (b *Backend) IRQRestore(prev bool) {
	if prev {
		cpu.EnableInterrupts()
	} else {
		cpu.DisableInterrupts()
	}
}

// NewPageMap allocates a fresh PageMap sized for this CPU's VAddrWidth.
func (b *Backend) NewPageMap() (*vmm.PageMap, *kernel.Error) {
	return vmm.New(b.vaddrWidth)
}

// CurrentPageMap wraps the PageMap currently loaded into CR3.
func (b *Backend) CurrentPageMap() (*vmm.PageMap, *kernel.Error) {
	return vmm.FromCR3(cpu.ActivePDT(), b.vaddrWidth)
}

// SupportsHugePages reports CPUID leaf 0x80000001 EDX[26].
func (b *Backend) SupportsHugePages() bool {
	return cpu.SupportsGigabytePages()
}
