package goruntime

import (
	"reflect"
	"testing"
	"unsafe"

	"lumos/kernel"
	"lumos/kernel/mem/addr"
	"lumos/kernel/mem/vmm"
)

func TestSysReserve(t *testing.T) {
	defer func() {
		reserveRangeFn = func(size uintptr) (addr.VirtualAddress, *kernel.Error) {
			return 0, nil
		}
	}()
	var reserved bool

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize uintptr
		}{
			{100 * uintptr(addr.PageSize)},
			{2*uintptr(addr.PageSize) - 1},
		}

		for specIndex, spec := range specs {
			reserveRangeFn = func(size uintptr) (addr.VirtualAddress, *kernel.Error) {
				if size != spec.reqSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.reqSize, size)
				}
				return 0xbadf00d, nil
			}

			ptr := sysReserve(nil, spec.reqSize, &reserved)
			if uintptr(ptr) == 0 {
				t.Errorf("[spec %d] sysReserve returned 0", specIndex)
				continue
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysReserve to panic")
			}
		}()

		reserveRangeFn = func(size uintptr) (addr.VirtualAddress, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		sysReserve(nil, 0xf00, &reserved)
	})
}

func TestSysMap(t *testing.T) {
	defer func() {
		mapFn = (*vmm.PageMap).MapPage
		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) { return 0, nil }
		memsetFn = func(_ uintptr, _ byte, _ uintptr) {}
	}()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr         uintptr
			reqSize         uintptr
			expRsvAddr      uintptr
			expMapCallCount int
		}{
			{100 * uintptr(addr.PageSize), 4 * uintptr(addr.PageSize), 100 * uintptr(addr.PageSize), 4},
			{(100 * uintptr(addr.PageSize)) + 1, 4 * uintptr(addr.PageSize), 101 * uintptr(addr.PageSize), 4},
			{1 * uintptr(addr.PageSize), (4 * uintptr(addr.PageSize)) + 1, 1 * uintptr(addr.PageSize), 5},
		}

		for specIndex, spec := range specs {
			var (
				sysStat      uint64
				mapCallCount int
			)

			frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) { return 0, nil }
			memsetFn = func(_ uintptr, _ byte, _ uintptr) {}
			mapFn = func(_ *vmm.PageMap, _ addr.VirtualAddress, _ addr.PhysicalAddress, flags vmm.PageTableEntryFlag) *kernel.Error {
				expFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
				if flags != expFlags {
					t.Errorf("[spec %d] expected map flags to be %d; got %d", specIndex, expFlags, flags)
				}
				mapCallCount++
				return nil
			}

			rsvPtr := sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, true, &sysStat)
			if got := uintptr(rsvPtr); got != spec.expRsvAddr {
				t.Errorf("[spec %d] expected mapped address 0x%x; got 0x%x", specIndex, spec.expRsvAddr, got)
			}

			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected MapPage call count to be %d; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}

			if exp := uint64(spec.expMapCallCount) * uint64(addr.PageSize); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("map fails", func(t *testing.T) {
		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) { return 0, nil }
		memsetFn = func(_ uintptr, _ byte, _ uintptr) {}
		mapFn = func(_ *vmm.PageMap, _ addr.VirtualAddress, _ addr.PhysicalAddress, _ vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysMap(unsafe.Pointer(uintptr(0xbadf00d)), 1, true, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysMap to return 0x0 if MapPage returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("panic if not reserved", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic")
			}
		}()

		sysMap(nil, 0, false, nil)
	})
}

func TestSysAlloc(t *testing.T) {
	defer func() {
		reserveRangeFn = func(size uintptr) (addr.VirtualAddress, *kernel.Error) { return 0, nil }
		mapFn = (*vmm.PageMap).MapPage
		memsetFn = kernel.Memset
		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) { return 0, nil }
	}()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize         uintptr
			expMapCallCount int
		}{
			{4 * uintptr(addr.PageSize), 4},
			{(4 * uintptr(addr.PageSize)) + 1, 5},
		}

		expRegionStartAddr := uintptr(10 * uintptr(addr.PageSize))
		reserveRangeFn = func(_ uintptr) (addr.VirtualAddress, *kernel.Error) {
			return addr.VirtualAddress(expRegionStartAddr), nil
		}

		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) {
			return addr.PhysicalAddress(0), nil
		}

		for specIndex, spec := range specs {
			var (
				sysStat         uint64
				mapCallCount    int
				memsetCallCount int
			)

			memsetFn = func(_ uintptr, _ byte, _ uintptr) {
				memsetCallCount++
			}

			mapFn = func(_ *vmm.PageMap, _ addr.VirtualAddress, _ addr.PhysicalAddress, flags vmm.PageTableEntryFlag) *kernel.Error {
				expFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute
				if flags != expFlags {
					t.Errorf("[spec %d] expected map flags to be %d; got %d", specIndex, expFlags, flags)
				}
				mapCallCount++
				return nil
			}

			if got := sysAlloc(spec.reqSize, &sysStat); uintptr(got) != expRegionStartAddr {
				t.Errorf("[spec %d] expected sysAlloc to return address 0x%x; got 0x%x", specIndex, expRegionStartAddr, uintptr(got))
			}

			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected MapPage call count to be %d; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}

			if memsetCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected Memset call count to be %d; got %d", specIndex, spec.expMapCallCount, memsetCallCount)
			}

			if exp := uint64(spec.expMapCallCount) * uint64(addr.PageSize); sysStat != exp {
				t.Errorf("[spec %d] expected stat counter to be %d; got %d", specIndex, exp, sysStat)
			}
		}
	})

	t.Run("reserveRange fails", func(t *testing.T) {
		reserveRangeFn = func(_ uintptr) (addr.VirtualAddress, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if ReserveRange returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		expRegionStartAddr := addr.VirtualAddress(10 * uintptr(addr.PageSize))
		reserveRangeFn = func(_ uintptr) (addr.VirtualAddress, *kernel.Error) {
			return expRegionStartAddr, nil
		}

		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "out of memory"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if frame allocation returns an error; got 0x%x", uintptr(got))
		}
	})

	t.Run("map fails", func(t *testing.T) {
		expRegionStartAddr := addr.VirtualAddress(10 * uintptr(addr.PageSize))
		reserveRangeFn = func(_ uintptr) (addr.VirtualAddress, *kernel.Error) {
			return expRegionStartAddr, nil
		}

		frameAllocFn = func() (addr.PhysicalAddress, *kernel.Error) {
			return 0, nil
		}

		mapFn = func(_ *vmm.PageMap, _ addr.VirtualAddress, _ addr.PhysicalAddress, _ vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		var sysStat uint64
		if got := sysAlloc(1, &sysStat); got != unsafe.Pointer(uintptr(0)) {
			t.Fatalf("expected sysAlloc to return 0x0 if MapPage returns an error; got 0x%x", uintptr(got))
		}
	})
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)

	getRandomData(sample1)
	getRandomData(sample2)

	if reflect.DeepEqual(sample1, sample2) {
		t.Fatal("expected getRandomData to return different values for each invocation")
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mallocInitFn = mallocInit
		algInitFn = algInit
		modulesInitFn = modulesInit
		typeLinksInitFn = typeLinksInit
		itabsInitFn = itabsInit
	}()

	mallocInitFn = func() {}
	algInitFn = func() {}
	modulesInitFn = func() {}
	typeLinksInitFn = func() {}
	itabsInitFn = func() {}

	if err := Init(); err != nil {
		t.Fatal(err)
	}
}
