package pmm

import (
	"fmt"
	"math"
	"nanoos/kernel"
	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/metric"
	"nanoos/kernel/mm"
	"nanoos/kernel/sync"

	"go.uber.org/zap"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errFrameOutOfRange      = &kernel.Error{Module: "boot_mem_alloc", Message: "frame lies outside the physical address space"}
)

// ReservedLowMemory covers the first MiB of physical memory which holds the
// real-mode IVT, the BIOS data area and legacy device memory. It is never
// handed out by the allocator.
var ReservedLowMemory = Range{Start: 0, End: 0xfffff}

// MemoryMapVisitor enumerates the regions of a boot memory map. The
// VisitMemRegions method of any multiboot.MemoryMap satisfies it.
type MemoryMapVisitor func(multiboot.MemRegionVisitor)

// BootMemAllocator implements a physical frame allocator backed by a RangeSet
// populated from the memory map supplied by the bootloader.
//
// Unlike a bump allocator, frames released via FreeFrame become available to
// subsequent allocations. All methods are safe to call from multiple
// execution contexts.
type BootMemAllocator struct {
	mutex sync.Spinlock

	free RangeSet

	// allocCount tracks the number of frames currently handed out.
	allocCount uint64
}

// Init discards any existing state and populates the allocator with the
// available regions reported by visit. Each of the reserved ranges is removed
// from the free set once all regions have been ingested.
func (alloc *BootMemAllocator) Init(visit MemoryMapVisitor, reserved ...Range) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.free = RangeSet{}
	alloc.allocCount = 0

	visit(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		end := region.PhysAddress + region.Length - 1
		if end < region.PhysAddress {
			end = math.MaxUint64
		}

		alloc.free.Insert(Range{Start: region.PhysAddress, End: end})
		return true
	})

	for _, r := range reserved {
		alloc.free.Remove(r)
	}
}

// AllocFrame reserves the lowest-addressed free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	addr, ok := alloc.free.Allocate(uint64(mm.PageSize), uint64(mm.PageSize))
	if !ok {
		metric.AllocFailures.Inc()
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	metric.FramesAllocated.Inc()
	return mm.FrameFromAddress(uintptr(addr)), nil
}

// FreeFrame returns frame to the free set. Freeing a frame that is already
// free has no effect.
func (alloc *BootMemAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	if uint64(frame) > math.MaxUint64>>mm.PageShift {
		return errFrameOutOfRange
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	start := uint64(frame.Address())
	if alloc.free.Contains(start) {
		return nil
	}

	alloc.free.Insert(Range{Start: start, End: start + uint64(mm.PageSize) - 1})
	if alloc.allocCount > 0 {
		alloc.allocCount--
	}
	metric.FramesFreed.Inc()
	return nil
}

// FreeMemory returns the number of free bytes tracked by the allocator. The
// second return value is false if the total overflows.
func (alloc *BootMemAllocator) FreeMemory() (mm.Size, bool) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	total, ok := alloc.free.Sum()
	return mm.Size(total), ok
}

// Ranges returns a snapshot of the free ranges in ascending address order.
func (alloc *BootMemAllocator) Ranges() []Range {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.free.Ranges()
}

// AllocCount returns the number of frames currently handed out.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	return alloc.allocCount
}

// PrintMemoryMap logs the regions reported by visit followed by the current
// free list.
func (alloc *BootMemAllocator) PrintMemoryMap(visit MemoryMapVisitor) {
	log := kfmt.Logger("boot_mem_alloc")

	log.Info("system memory map")
	var totalAvailable mm.Size
	visit(func(region *multiboot.MemoryMapEntry) bool {
		log.Info("region",
			zap.String("start", fmt.Sprintf("0x%x", region.PhysAddress)),
			zap.String("end", fmt.Sprintf("0x%x", region.PhysAddress+region.Length)),
			zap.Uint64("size", region.Length),
			zap.Stringer("type", region.Type),
		)

		if region.Type == multiboot.MemAvailable {
			totalAvailable += mm.Size(region.Length)
		}
		return true
	})
	log.Info("available memory", zap.Stringer("size", totalAvailable))

	for _, r := range alloc.Ranges() {
		log.Info("free range", zap.Stringer("range", r))
	}

	if free, ok := alloc.FreeMemory(); ok {
		log.Info("free memory after reservations", zap.Stringer("size", free), zap.Uint64("bytes", uint64(free)))
	} else {
		log.Warn("free memory total overflows 64 bits")
	}
}
