package mm

import (
	"nanoos/kernel"
	"nanoos/kernel/kfmt"
)

var errNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the P4 (PML4) entry covering this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> 27) & 0x1ff }

// P3Index returns the index of the P3 (PDPT) entry covering this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> 18) & 0x1ff }

// P2Index returns the index of the P2 (page directory) entry covering this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> 9) & 0x1ff }

// P1Index returns the index of the P1 (page table) entry for this page.
func (p Page) P1Index() uintptr { return uintptr(p) & 0x1ff }

// IsCanonical returns true if virtAddr lies in either the lower or the upper
// half of the 48-bit x86-64 address space.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < lowerHalfEnd || virtAddr >= upperHalfStart
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
//
// Non-canonical addresses cannot be covered by any page; passing one is a
// programming error that halts the kernel.
func PageFromAddress(virtAddr uintptr) Page {
	if !IsCanonical(virtAddr) {
		kfmt.Logger("mm").Sugar().Errorf("non-canonical virtual address: 0x%x", virtAddr)
		kfmt.Panic(errNonCanonicalAddress)
	}

	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}
