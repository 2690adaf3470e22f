// Package arch defines the capability set every ISA backend implements:
// address-width discovery, address validation, interrupt control, BSP/AP
// bring-up hooks, and a PageMap factory. Backends live in kernel/arch/amd64,
// kernel/arch/arm64 and kernel/arch/riscv64; no build tags select among them.
// The kernel entry point assigns the amd64 backend to an Arch variable and
// calls it through this interface; the arm64 and riscv64 skeletons are not
// referenced by the entry point.
package arch

import (
	"lumos/kernel"
	"lumos/kernel/mem/vmm"
)

// Arch is the capability set a kernel architecture backend must implement.
type Arch interface {
	// PAddrWidth returns the number of physical address bits implemented
	// by the running CPU.
	PAddrWidth() uint8

	// VAddrWidth returns the number of virtual address bits implemented
	// by the running CPU.
	VAddrWidth() uint8

	// ValidatePAddr reports whether bits fits within PAddrWidth, i.e.
	// every bit above PAddrWidth is zero.
	ValidatePAddr(bits uintptr) bool

	// ValidateVAddr reports whether bits is in canonical form for
	// VAddrWidth.
	ValidateVAddr(bits uintptr) bool

	// Halt stops the current CPU. It never returns.
	Halt()

	// IRQEnable enables interrupt delivery on the current CPU.
	IRQEnable()

	// IRQDisable disables interrupt delivery on the current CPU.
	IRQDisable()

	// IRQAreEnabled reports whether interrupts are currently enabled on
	// the current CPU.
	IRQAreEnabled() bool

	// IRQRestore restores a previously observed interrupt-enable state.
	IRQRestore(prev bool)

	// InitBSP brings up the bootstrap processor: discovers address
	// widths, enables the features this kernel depends on.
	InitBSP() *kernel.Error

	// InitAP brings up an application processor using state already
	// established by InitBSP.
	InitAP() *kernel.Error

	// NewPageMap allocates a fresh PageMap sized for this CPU's
	// VAddrWidth.
	NewPageMap() (*vmm.PageMap, *kernel.Error)

	// CurrentPageMap wraps the PageMap currently loaded into the active
	// CPU's root table register.
	CurrentPageMap() (*vmm.PageMap, *kernel.Error)

	// SupportsHugePages reports whether this CPU can map 1 GiB pages.
	SupportsHugePages() bool
}

// ErrUnsupportedAddressWidth is returned by InitBSP when the CPU reports an
// address-width enum this kernel does not recognize. It is one of the three
// top-level-fatal conditions this core can raise.
var ErrUnsupportedAddressWidth = &kernel.Error{Module: "arch", Message: "CPU reports an unsupported address width"}
