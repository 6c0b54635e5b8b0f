// Package multiboot decodes the memory map handed over by the bootloader.
//
// Two encodings are understood: the multiboot2 information structure and a
// raw list of E820-style entries. Both expose the map through
// VisitMemRegions.
package multiboot

import (
	"encoding/binary"
	"nanoos/kernel"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	// infoHeaderSize is the size of the total_size/reserved pair that
	// precedes the multiboot2 tags.
	infoHeaderSize = 8

	// tagHeaderSize is the size of the type/size pair that precedes the
	// contents of each tag.
	tagHeaderSize = 8

	// mmapHeaderSize is the size of the entry_size/entry_version pair at
	// the start of the memory map tag.
	mmapHeaderSize = 8

	// memoryMapEntrySize is the size of a single encoded memory map entry.
	memoryMapEntrySize = 24

	// tagAlignment is the alignment of every tag in the info structure.
	tagAlignment = 8
)

var (
	errInfoTooShort      = &kernel.Error{Module: "multiboot", Message: "multiboot info is shorter than its header"}
	errInfoSizeMismatch  = &kernel.Error{Module: "multiboot", Message: "multiboot info total size exceeds the supplied data"}
	errBadMmapEntrySize  = &kernel.Error{Module: "multiboot", Message: "memory map entry size is smaller than an entry"}
	errUnknownInfoFormat = &kernel.Error{Module: "multiboot", Message: "unknown boot info format"}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMap is implemented by every decoded boot memory map.
type MemoryMap interface {
	VisitMemRegions(visitor MemRegionVisitor)
}

// Format identifies the encoding of a boot info blob.
type Format string

const (
	// FormatMultiboot selects the multiboot2 information structure.
	FormatMultiboot Format = "multiboot2"

	// FormatE820 selects a raw list of E820-style entries.
	FormatE820 Format = "e820"
)

// Decode interprets data according to format and returns the memory map it
// carries.
func Decode(data []byte, format Format) (MemoryMap, *kernel.Error) {
	switch format {
	case FormatMultiboot:
		return Parse(data)
	case FormatE820:
		return RawMemoryMap(data), nil
	default:
		return nil, errUnknownInfoFormat
	}
}

// Info provides read access to a multiboot2 information structure.
type Info struct {
	data []byte
}

// Parse validates the multiboot2 info header and returns an Info backed by
// data. The returned Info does not copy data.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTooShort
	}

	totalSize := binary.LittleEndian.Uint32(data)
	if uint64(totalSize) > uint64(len(data)) {
		return nil, errInfoSizeMismatch
	}

	// Some bootloaders leave total_size at zero; fall back to the slice.
	if totalSize >= infoHeaderSize {
		data = data[:totalSize]
	}

	info := &Info{data: data}
	if tag := info.findTagByType(tagMemoryMap); len(tag) >= mmapHeaderSize {
		if binary.LittleEndian.Uint32(tag) < memoryMapEntrySize-4 {
			return nil, errBadMmapEntrySize
		}
	}

	return info, nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (i *Info) VisitMemRegions(visitor MemRegionVisitor) {
	tag := i.findTagByType(tagMemoryMap)
	if len(tag) < mmapHeaderSize {
		return
	}

	entrySize := int(binary.LittleEndian.Uint32(tag))
	if entrySize < memoryMapEntrySize-4 {
		// A malformed entry size would make the scan loop forever.
		return
	}

	for off := mmapHeaderSize; off+memoryMapEntrySize-4 <= len(tag); off += entrySize {
		entry := decodeEntry(tag[off:])

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// findTagByType scans the multiboot info data looking for the tag of the
// specified type. It returns the tag contents excluding the tag header or nil
// if the tag is not present.
func (i *Info) findTagByType(want tagType) []byte {
	for off := infoHeaderSize; off+tagHeaderSize <= len(i.data); {
		curType := binary.LittleEndian.Uint32(i.data[off:])
		size := int(binary.LittleEndian.Uint32(i.data[off+4:]))

		if curType == uint32(tagMbSectionEnd) || size < tagHeaderSize || off+size > len(i.data) {
			return nil
		}

		if tagType(curType) == want {
			return i.data[off+tagHeaderSize : off+size]
		}

		// Tags are aligned at 8-byte aligned addresses
		off += (size + tagAlignment - 1) &^ (tagAlignment - 1)
	}

	return nil
}

// RawMemoryMap is a list of 24-byte (address, length, type, extra) entries
// terminated either by an entry whose type is zero or by the end of the
// slice.
type RawMemoryMap []byte

// VisitMemRegions invokes visitor for each entry of the raw map. Entries with
// a type that is not recognized are reported as reserved.
func (m RawMemoryMap) VisitMemRegions(visitor MemRegionVisitor) {
	for off := 0; off+memoryMapEntrySize <= len(m); off += memoryMapEntrySize {
		entry := decodeEntry(m[off:])
		if entry.Type == 0 {
			return
		}

		if entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

func decodeEntry(b []byte) MemoryMapEntry {
	return MemoryMapEntry{
		PhysAddress: binary.LittleEndian.Uint64(b),
		Length:      binary.LittleEndian.Uint64(b[8:]),
		Type:        MemoryEntryType(binary.LittleEndian.Uint32(b[16:])),
	}
}
