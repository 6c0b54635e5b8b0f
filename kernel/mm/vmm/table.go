package vmm

import (
	"nanoos/kernel"
	"nanoos/kernel/cpu"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/metric"
	"nanoos/kernel/mm"
	"unsafe"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errOutOfMemory       = &kernel.Error{Module: "vmm", Message: "unable to allocate a frame for a page table"}
	errUnreachableTable  = &kernel.Error{Module: "vmm", Message: "page table is not reachable through the recursive mapping"}
)

// Table is a view of a single page table reached through the recursive
// mapping installed in the last P4 slot. The same type is used for every
// paging level.
type Table struct {
	// virtAddr is the recursive virtual address of the table.
	virtAddr uintptr

	entries *[entriesPerTable]pageTableEntry
	cpu     *cpu.CPU
}

// tableAt resolves virtAddr through the MMU and returns a view of the page
// table stored in the backing frame.
func tableAt(c *cpu.CPU, virtAddr uintptr) (*Table, bool) {
	physAddr, ok := c.Translate(virtAddr)
	if !ok {
		return nil, false
	}

	data, err := c.Memory().Frame(mm.FrameFromAddress(physAddr))
	if err != nil {
		return nil, false
	}

	return &Table{
		virtAddr: virtAddr,
		entries:  (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(&data[0])),
		cpu:      c,
	}, true
}

// Address returns the recursive virtual address of the table.
func (t *Table) Address() uintptr {
	return t.virtAddr
}

func (t *Table) entry(index uintptr) *pageTableEntry {
	return &t.entries[index]
}

// NextTableAddress returns the recursive virtual address of the table pointed
// to by the entry at index. It returns false if the entry is not present or
// maps a huge page.
func (t *Table) NextTableAddress(index uintptr) (uintptr, bool) {
	pte := t.entries[index]
	if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
		return 0, false
	}

	// Shifting the table address left by a page level adds another
	// trip through the recursive slot.
	return (t.virtAddr << pageLevelBits[0]) | (index << mm.PageShift), true
}

// NextTable returns a view of the table pointed to by the entry at index.
func (t *Table) NextTable(index uintptr) (*Table, bool) {
	addr, ok := t.NextTableAddress(index)
	if !ok {
		return nil, false
	}
	return tableAt(t.cpu, addr)
}

// NextTableCreate returns the table pointed to by the entry at index,
// allocating and clearing a new table if the entry is not present.
//
// Splitting a huge page and failing to allocate a frame for the new table
// are both fatal.
func (t *Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) *Table {
	pte := t.entry(index)

	if pte.HasFlags(FlagPresent | FlagHugePage) {
		kfmt.Logger("vmm").Sugar().Errorf("entry %d of table 0x%x maps a huge page", index, t.virtAddr)
		kfmt.Panic(errNoHugePageSupport)
	}

	if !pte.HasFlags(FlagPresent) {
		frame, err := alloc.AllocFrame()
		if err != nil {
			kfmt.Logger("vmm").Sugar().Errorf("page table allocation failed: %s", err)
			kfmt.Panic(errOutOfMemory)
		}

		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | FlagRW)
		metric.TablesCreated.Inc()

		next := t.mustNextTable(index)
		next.zero()
		return next
	}

	return t.mustNextTable(index)
}

func (t *Table) mustNextTable(index uintptr) *Table {
	next, ok := t.NextTable(index)
	if !ok {
		kfmt.Panic(errUnreachableTable)
	}
	return next
}

// zero clears every entry of the table.
func (t *Table) zero() {
	clear(t.entries[:])
}
