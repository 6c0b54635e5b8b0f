package vmm

import (
	"nanoos/kernel"
	"nanoos/kernel/mm"
	"strings"
)

var errUnknownFlag = &kernel.Error{Module: "vmm", Message: "unknown page table entry flag"}

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// flagNames lists the flags in bit order together with the names accepted by
// FlagsFromNames.
var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "present"},
	{FlagRW, "rw"},
	{FlagUserAccessible, "user"},
	{FlagWriteThroughCaching, "write_through"},
	{FlagDoNotCache, "no_cache"},
	{FlagAccessed, "accessed"},
	{FlagDirty, "dirty"},
	{FlagHugePage, "huge"},
	{FlagGlobal, "global"},
	{FlagNoExecute, "no_execute"},
}

// String returns the names of the set flags separated by '|'.
func (f PageTableEntryFlag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}

	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// FlagsFromNames combines the flags with the given names. Names are matched
// case-insensitively.
func FlagsFromNames(names []string) (PageTableEntryFlag, *kernel.Error) {
	var flags PageTableEntryFlag

next:
	for _, name := range names {
		for _, fn := range flagNames {
			if strings.EqualFold(name, fn.name) {
				flags |= fn.flag
				continue next
			}
		}
		return 0, errUnknownFlag
	}

	return flags, nil
}

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// PointedFrame returns the frame this entry points to if the entry is
// present.
func (pte pageTableEntry) PointedFrame() (mm.Frame, bool) {
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	return pte.Frame(), true
}

// SetFrame points the entry at frame while preserving its flags.
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}
