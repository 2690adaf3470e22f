package vmm

// KernelPageMap is the PageMap backing the kernel's own address space. It
// is populated once during early boot, by capturing the table the
// bootloader left active in CR3 (see arch.Arch.CurrentPageMap), and is the
// PageMap every kernel-side consumer of valloc.Allocate or the Go runtime's
// allocator bootstrap maps its pages into.
var KernelPageMap *PageMap
