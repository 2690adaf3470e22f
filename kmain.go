// Package kernel contains Kmain, the Go entry point reached once rt0 glue
// has set up a stack and jumped into the Go runtime. Everything that comes
// before Kmain (parsing the raw Limine requests into the typed responses
// below, constructing the GDT/IDT, wiring a console) is external collaborator
// territory this package does not implement; Kmain only consumes the results.
package kernel

import (
	"lumos/kernel/arch"
	"lumos/kernel/arch/amd64"
	"lumos/kernel/boot"
	"lumos/kernel/goruntime"
	"lumos/kernel/mem/vmm"
)

// activeArch is the capability backend selected for the running CPU. On
// amd64 this is the only implementation wired into the default build; see
// kernel/arch/arm64 and kernel/arch/riscv64 for the unwired skeletons.
var activeArch arch.Arch = &amd64.Backend{}

// Kmain brings the machine from bootloader hand-off to a running Go heap.
// hhdm, mmap, kaddr and rsdp are the four Limine responses already decoded
// by the rt0 glue; acpi's RSDP is forwarded, not parsed, per this kernel's
// scope. Kmain does not return: once the memory subsystem and the Go
// runtime allocator are live there is no scheduler yet for it to hand off
// to, so it halts the calling CPU in a loop.
//
//go:noinline
func Kmain(hhdm boot.HHDMResponse, mmap boot.MemoryMapResponse, kaddr boot.KernelAddressResponse, rsdp boot.RSDPResponse) {
	if err := activeArch.InitBSP(); err != nil {
		panic(err)
	}

	kernelMap, err := activeArch.CurrentPageMap()
	if err != nil {
		panic(err)
	}
	vmm.KernelPageMap = kernelMap

	if _, err := boot.Init(hhdm, mmap, kaddr, rsdp); err != nil {
		panic(err)
	}

	if err := goruntime.Init(); err != nil {
		panic(err)
	}

	for {
		activeArch.Halt()
	}
}
