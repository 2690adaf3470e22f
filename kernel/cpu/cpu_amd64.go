package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// FlagsRegister returns the current value of the RFLAGS register.
func FlagsRegister() uint64

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// InvalidatePCID flushes all TLB entries tagged with the given PCID via
// the INVPCID instruction (descriptor type 1, single-context invalidation).
func InvalidatePCID(pcid uint16)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB. The pcid parameter, when non-zero,
// is OR'd into the low 12 bits of the value loaded into CR3.
func SwitchPDT(pdtPhysAddr uintptr, pcid uint16)

// ActivePDT returns the physical address of the currently active page table,
// with any PCID tag bits masked out.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// PhysAddrWidth decodes CPUID leaf 0x80000008 EAX[7:0], the number of
// physical address bits implemented by the running CPU.
func PhysAddrWidth() uint8 {
	eax, _, _, _ := cpuidFn(0x80000008)
	return uint8(eax & 0xff)
}

// LinearAddrWidth decodes CPUID leaf 0x80000008 EAX[15:8], the number of
// linear (virtual) address bits implemented by the running CPU.
func LinearAddrWidth() uint8 {
	eax, _, _, _ := cpuidFn(0x80000008)
	return uint8((eax >> 8) & 0xff)
}

// SupportsGigabytePages reports whether CPUID leaf 0x80000001 EDX[26] is
// set, indicating 1 GiB page support in the paging hierarchy.
func SupportsGigabytePages() bool {
	_, _, _, edx := cpuidFn(0x80000001)
	return edx&(1<<26) != 0
}

// HasLocalAPIC reports whether CPUID leaf 0x00000001 EDX[9] is set.
func HasLocalAPIC() bool {
	_, _, _, edx := cpuidFn(0x1)
	return edx&(1<<9) != 0
}
