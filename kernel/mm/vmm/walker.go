// Package vmm manages the active virtual address space through the recursive
// mapping installed in the last slot of the P4 table.
package vmm

import (
	"fmt"
	"nanoos/kernel"
	"nanoos/kernel/cpu"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/metric"
	"nanoos/kernel/mm"
	"nanoos/kernel/sync"

	"go.uber.org/zap"
)

var (
	errNoRecursiveMapping = &kernel.Error{Module: "vmm", Message: "active P4 table is not recursively mapped"}
	errPageAlreadyMapped  = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errMisalignedHugePage = &kernel.Error{Module: "vmm", Message: "huge page frame is not 2M aligned"}
	errRecursiveWindow    = &kernel.Error{Module: "vmm", Message: "page lies inside the recursive page table window"}
)

// ActivePageTable provides access to the page tables currently loaded by the
// CPU. Only a single ActivePageTable should exist for each CPU.
type ActivePageTable struct {
	mutex sync.Spinlock
	cpu   *cpu.CPU
}

// NewActivePageTable returns an ActivePageTable for the page tables loaded by
// c. An error is returned if the P4 cannot be reached through its last slot.
func NewActivePageTable(c *cpu.CPU) (*ActivePageTable, *kernel.Error) {
	physAddr, ok := c.Translate(pdtVirtualAddr)
	if !ok || physAddr != c.ActivePDT() {
		return nil, errNoRecursiveMapping
	}

	return &ActivePageTable{cpu: c}, nil
}

// p4 returns a view of the active root table.
func (apt *ActivePageTable) p4() *Table {
	table, ok := tableAt(apt.cpu, pdtVirtualAddr)
	if !ok {
		kfmt.Panic(errNoRecursiveMapping)
	}
	return table
}

// Translate returns the physical address that corresponds to the supplied
// virtual address. It returns false if the address is not mapped.
func (apt *ActivePageTable) Translate(virtAddr uintptr) (uintptr, bool) {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	frame, ok := apt.translatePage(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, false
	}

	return frame.Address() + mm.PageOffset(virtAddr), true
}

// TranslatePage returns the frame mapped to page. It returns false if the
// page is not mapped.
func (apt *ActivePageTable) TranslatePage(page mm.Page) (mm.Frame, bool) {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	return apt.translatePage(page)
}

func (apt *ActivePageTable) translatePage(page mm.Page) (mm.Frame, bool) {
	frame, ok := apt.walkPage(page)
	if !ok {
		metric.TranslateMisses.Inc()
	}
	return frame, ok
}

func (apt *ActivePageTable) walkPage(page mm.Page) (mm.Frame, bool) {
	p3, ok := apt.p4().NextTable(page.P4Index())
	if !ok {
		return mm.InvalidFrame, false
	}

	if p3e := *p3.entry(page.P3Index()); p3e.HasFlags(FlagPresent | FlagHugePage) {
		kfmt.Logger("vmm").Warn("1G pages are not supported; treating page as unmapped",
			zap.String("page", fmt.Sprintf("0x%x", page.Address())),
		)
		return mm.InvalidFrame, false
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return mm.InvalidFrame, false
	}

	if p2e := *p2.entry(page.P2Index()); p2e.HasFlags(FlagPresent | FlagHugePage) {
		start := p2e.Frame()
		if start%mm.HugePageFrames != 0 {
			kfmt.Logger("vmm").Sugar().Errorf("huge page entry for 0x%x points to frame %d", page.Address(), start)
			kfmt.Panic(errMisalignedHugePage)
		}
		return start + mm.Frame(page.P1Index()), true
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return mm.InvalidFrame, false
	}

	return p1.entry(page.P1Index()).PointedFrame()
}

// MapTo establishes a mapping between page and frame, allocating any missing
// intermediate page tables from alloc. The page must not be already mapped
// and must not lie inside the recursive page table window.
func (apt *ActivePageTable) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	apt.mapTo(page, frame, flags, alloc)
}

func (apt *ActivePageTable) mapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) {
	mustBeOutsideRecursiveWindow(page)

	p1 := apt.p4().
		NextTableCreate(page.P4Index(), alloc).
		NextTableCreate(page.P3Index(), alloc).
		NextTableCreate(page.P2Index(), alloc)

	pte := p1.entry(page.P1Index())
	if *pte != 0 {
		kfmt.Logger("vmm").Sugar().Errorf("page 0x%x is already mapped to frame %d", page.Address(), pte.Frame())
		kfmt.Panic(errPageAlreadyMapped)
	}

	pte.SetFrame(frame)
	pte.SetFlags(flags | FlagPresent)

	// Bit 7 of a P1 entry selects the PAT entry, not the page size.
	pte.ClearFlags(FlagHugePage)
	apt.cpu.FlushTLBEntry(page.Address())
	metric.PagesMapped.Inc()
}

// InRecursiveWindow reports whether virtAddr falls inside the address range
// that exposes the page tables through the recursive P4 slot.
func InRecursiveWindow(virtAddr uintptr) bool {
	return mm.IsCanonical(virtAddr) && mm.PageFromAddress(virtAddr).P4Index() == recursiveSlot
}

func mustBeOutsideRecursiveWindow(page mm.Page) {
	if InRecursiveWindow(page.Address()) {
		kfmt.Logger("vmm").Sugar().Errorf("refusing to map page 0x%x over the page tables", page.Address())
		kfmt.Panic(errRecursiveWindow)
	}
}

// Map allocates a frame from alloc and maps page to it. The allocated frame is
// returned to the caller.
func (apt *ActivePageTable) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) mm.Frame {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	mustBeOutsideRecursiveWindow(page)
	frame, err := alloc.AllocFrame()
	if err != nil {
		kfmt.Logger("vmm").Sugar().Errorf("unable to allocate frame for page 0x%x: %s", page.Address(), err)
		kfmt.Panic(errOutOfMemory)
	}

	apt.mapTo(page, frame, flags, alloc)
	return frame
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (apt *ActivePageTable) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) mm.Page {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	startPage := mm.PageFromAddress(startFrame.Address())
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		apt.mapTo(curPage, mm.Frame(curPage), flags, alloc)
	}

	return startPage
}

// PrintTableEntries logs every non-empty entry of the active P4 table.
func (apt *ActivePageTable) PrintTableEntries() {
	apt.mutex.Acquire()
	defer apt.mutex.Release()

	printTableEntries(apt.p4())
}

func printTableEntries(t *Table) {
	log := kfmt.Logger("vmm")
	log.Info("page table", zap.String("address", fmt.Sprintf("0x%x", t.virtAddr)))

	for index, pte := range t.entries {
		if pte == 0 {
			continue
		}

		log.Info("entry",
			zap.Int("index", index),
			zap.String("frame", fmt.Sprintf("0x%x", pte.Frame().Address())),
			zap.Stringer("flags", PageTableEntryFlag(uintptr(pte)&^ptePhysPageMask)),
		)
	}
}
