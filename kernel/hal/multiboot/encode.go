package multiboot

import "encoding/binary"

// EncodeMultiboot returns a multiboot2 information structure containing a
// single memory map tag with the supplied entries followed by the end tag.
func EncodeMultiboot(entries []MemoryMapEntry) []byte {
	mmapTagSize := tagHeaderSize + mmapHeaderSize + len(entries)*memoryMapEntrySize
	totalSize := infoHeaderSize + align8(mmapTagSize) + tagHeaderSize

	buf := make([]byte, totalSize)
	binary.LittleEndian.PutUint32(buf, uint32(totalSize))

	off := infoHeaderSize
	binary.LittleEndian.PutUint32(buf[off:], uint32(tagMemoryMap))
	binary.LittleEndian.PutUint32(buf[off+4:], uint32(mmapTagSize))
	binary.LittleEndian.PutUint32(buf[off+8:], memoryMapEntrySize)
	binary.LittleEndian.PutUint32(buf[off+12:], 0)

	off += tagHeaderSize + mmapHeaderSize
	for _, entry := range entries {
		putEntry(buf[off:], entry)
		off += memoryMapEntrySize
	}

	// End tag: type 0, size 8.
	off = infoHeaderSize + align8(mmapTagSize)
	binary.LittleEndian.PutUint32(buf[off+4:], tagHeaderSize)

	return buf
}

// EncodeRaw returns the raw E820-style encoding of entries. The list is not
// terminated by a sentinel entry; decoders stop at the end of the slice.
func EncodeRaw(entries []MemoryMapEntry) []byte {
	buf := make([]byte, len(entries)*memoryMapEntrySize)
	for i, entry := range entries {
		putEntry(buf[i*memoryMapEntrySize:], entry)
	}
	return buf
}

func putEntry(b []byte, entry MemoryMapEntry) {
	binary.LittleEndian.PutUint64(b, entry.PhysAddress)
	binary.LittleEndian.PutUint64(b[8:], entry.Length)
	binary.LittleEndian.PutUint32(b[16:], uint32(entry.Type))
	binary.LittleEndian.PutUint32(b[20:], 0)
}

func align8(v int) int {
	return (v + tagAlignment - 1) &^ (tagAlignment - 1)
}
