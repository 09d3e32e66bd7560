package vmm

import "ia32kernel/kernel"

// Translate returns the physical address that corresponds to virtAddr in
// the given address space, or ErrInvalidMapping if virtAddr is not mapped.
func Translate(as *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	table, err := as.tableFor(dirIndex(virtAddr), false)
	if err != nil {
		return 0, err
	}

	pte := table[tableIndex(virtAddr)]
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}

	return pte.Frame().Address() + pageOffset(virtAddr), nil
}

// pageOffset returns the offset of virtAddr within its containing page.
func pageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (uintptr(1)<<12 - 1)
}
