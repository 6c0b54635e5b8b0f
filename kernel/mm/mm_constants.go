package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// HugePageFrames is the number of 4K frames covered by a 2M huge page.
	HugePageFrames = 512

	// lowerHalfEnd is the first non-canonical address above the lower half
	// of the 48-bit address space.
	lowerHalfEnd = uintptr(0x0000800000000000)

	// upperHalfStart is the first canonical address of the upper half of
	// the 48-bit address space.
	upperHalfStart = uintptr(0xffff800000000000)
)
