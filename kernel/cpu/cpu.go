// Package cpu models the parts of an x86-64 processor the memory manager
// interacts with: the CR3 register, the MMU page walk and the TLB.
package cpu

import (
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/physmem"
)

// Hardware page table entry bits consulted by the MMU.
const (
	ptePresent  = uint64(1 << 0)
	pteRW       = uint64(1 << 1)
	ptePageSize = uint64(1 << 7)
	ptePhysMask = uint64(0x000ffffffffff000)

	pageLevels = 4
)

// pageLevelShifts defines the shift required to access each page table
// component of a virtual address, starting from the P4.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// CPU is a single simulated processor attached to physical memory.
type CPU struct {
	mem *physmem.Memory

	// cr3 holds the physical address of the active P4 table.
	cr3 uintptr

	tlbFlushes uint64
}

// New returns a CPU attached to the given physical memory. Paging is not
// enabled until the CR3 register is loaded via SwitchPDT or EnterLongMode.
func New(mem *physmem.Memory) *CPU {
	return &CPU{mem: mem}
}

// Memory returns the physical memory attached to this CPU.
func (c *CPU) Memory() *physmem.Memory {
	return c.mem
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return c.cr3
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.cr3 = pdtPhysAddr &^ (mm.PageSize - 1)
	c.tlbFlushes++
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address. The
// simulated MMU does not cache translations so only the flush is recorded.
func (c *CPU) FlushTLBEntry(virtAddr uintptr) {
	c.tlbFlushes++
}

// TLBFlushes returns the number of TLB flushes issued so far.
func (c *CPU) TLBFlushes() uint64 {
	return c.tlbFlushes
}

// Translate performs the page walk the MMU would perform when the given
// virtual address is dereferenced. It returns false whenever the hardware
// would raise a page fault.
func (c *CPU) Translate(virtAddr uintptr) (uintptr, bool) {
	if c.cr3 == 0 || !mm.IsCanonical(virtAddr) {
		return 0, false
	}

	tableAddr := c.cr3
	for level := 0; level < pageLevels; level++ {
		shift := pageLevelShifts[level]
		index := (virtAddr >> shift) & 0x1ff

		entry, err := c.mem.ReadUint64(tableAddr + (index << mm.PointerShift))
		if err != nil || entry&ptePresent == 0 {
			return 0, false
		}

		// P3 and P2 entries with the page size bit set terminate the
		// walk with a 1G or 2M page respectively.
		if (level == 1 || level == 2) && entry&ptePageSize != 0 {
			pageMask := (uintptr(1) << shift) - 1
			return (uintptr(entry&ptePhysMask) &^ pageMask) | (virtAddr & pageMask), true
		}

		tableAddr = uintptr(entry & ptePhysMask)
	}

	return tableAddr | mm.PageOffset(virtAddr), true
}
