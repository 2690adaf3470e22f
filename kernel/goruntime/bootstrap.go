// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"lumos/kernel"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/pmm"
	"lumos/kernel/mem/valloc"
	"lumos/kernel/mem/vmm"
	"unsafe"
)

var (
	reserveRangeFn  = valloc.ReserveRange
	mapFn           = (*vmm.PageMap).MapPage
	frameAllocFn    = pmm.Allocate
	memsetFn        = kernel.Memset
	mallocInitFn    = mallocInit
	algInitFn       = algInit
	modulesInitFn   = modulesInit
	typeLinksInitFn = typeLinksInit
	itabsInitFn     = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionStart, err := reserveRangeFn(size)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStart.Bits())
}

// sysMap installs real page mappings for a region that was previously
// reserved via sysReserve, backing every page with a freshly allocated,
// zeroed physical frame.
//
// The upstream runtime's sysMap lazily backs a reservation with a single
// shared zero frame mapped copy-on-write, duplicating it only on the first
// write fault. That scheme needs a page-fault handler able to mutate the
// active PageMap, and the exception-handling path here deliberately does
// not provide one (it may only consult a PageMap for diagnostics), so
// sysMap backs every page up front instead of deferring the cost.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	return backRegion(virtAddr, size, sysStat)
}

// sysAlloc reserves a fresh virtual range and backs it with freshly
// allocated, zeroed physical frames in one step, returning the virtual
// region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionStart, err := reserveRangeFn(size)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return backRegion(unsafe.Pointer(regionStart.Bits()), size, sysStat)
}

// backRegion maps freshly allocated, zeroed frames over every page of
// [virtAddr, virtAddr+size) into the kernel PageMap, rounding the range up
// to whole pages. It returns a null pointer if a frame allocation or
// mapping installation fails partway through, leaving whatever pages were
// already installed in place: the caller treats failure as fatal.
func backRegion(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) unsafe.Pointer {
	pageMask := uintptr(addr.PageSize) - 1
	regionStart := addr.VirtualAddress((uintptr(virtAddr) + pageMask) &^ pageMask)
	regionSize := (size + pageMask) &^ pageMask

	mapFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
	v := regionStart
	for end := regionStart.Offset(regionSize); v < end; v = v.Offset(uintptr(addr.PageSize)) {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		memsetFn(vmm.DirectMapAddress(frame).Bits(), 0, uintptr(addr.PageSize))
		if err := mapFn(vmm.KernelPageMap, v, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, regionSize)
	return unsafe.Pointer(regionStart.Bits())
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The implementation
// is the runtime package reads a random stream from /dev/random but since this
// is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
