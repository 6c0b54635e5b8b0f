// Package mm defines the physical frame and virtual page abstractions shared
// by the physical and virtual memory managers.
package mm

import (
	"math"
	"nanoos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator is implemented by any free-memory store that can hand out
// and take back single page-sized, page-aligned physical frames. The virtual
// memory manager only ever talks to physical memory through this interface.
type FrameAllocator interface {
	// AllocFrame reserves a free frame. An error is returned when no free
	// frame is available.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a previously allocated frame to the allocator.
	FreeFrame(Frame) *kernel.Error
}

// FrameAllocatorFunc adapts a plain allocation function into a FrameAllocator
// whose FreeFrame is a no-op.
type FrameAllocatorFunc func() (Frame, *kernel.Error)

// AllocFrame implements FrameAllocator.
func (fn FrameAllocatorFunc) AllocFrame() (Frame, *kernel.Error) { return fn() }

// FreeFrame implements FrameAllocator.
func (fn FrameAllocatorFunc) FreeFrame(Frame) *kernel.Error { return nil }
