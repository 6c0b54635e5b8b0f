// Package pmm implements the physical memory manager used during kernel
// bring-up: a set of free physical address ranges and a frame allocator
// built on top of it.
package pmm

import (
	"fmt"
	"math"
	"math/bits"
	"nanoos/kernel"
	"nanoos/kernel/kfmt"

	"github.com/google/btree"
)

// rangeTreeDegree is the B-tree degree used for the free range index.
const rangeTreeDegree = 8

var (
	errInvalidRange      = &kernel.Error{Module: "pmm", Message: "range start is greater than range end"}
	errInvalidAllocation = &kernel.Error{Module: "pmm", Message: "allocation size must be non-zero and alignment a power of 2"}
)

// Range describes an inclusive [Start, End] physical address range.
type Range struct {
	Start, End uint64
}

// Size returns the number of bytes covered by the range and false if the
// range spans the entire 64-bit address space and its size overflows.
func (r Range) Size() (uint64, bool) {
	size := r.End - r.Start + 1
	return size, size != 0
}

// String implements fmt.Stringer for Range.
func (r Range) String() string {
	return fmt.Sprintf("[0x%x - 0x%x]", r.Start, r.End)
}

// overlaps returns true if the two ranges share at least one address.
func (r Range) overlaps(other Range) bool {
	return r.Start <= other.End && other.Start <= r.End
}

// touches returns true if the two ranges overlap or are directly adjacent.
func (r Range) touches(other Range) bool {
	return r.Start <= saturatingInc(other.End) && other.Start <= saturatingInc(r.End)
}

func saturatingInc(v uint64) uint64 {
	if v == math.MaxUint64 {
		return v
	}
	return v + 1
}

func rangeLess(a, b Range) bool {
	return a.Start < b.Start
}

// RangeSet tracks a set of disjoint, non-adjacent physical address ranges
// ordered by their start address. The zero value is an empty set ready for
// use.
//
// RangeSet is not safe for concurrent use.
type RangeSet struct {
	tree *btree.BTreeG[Range]
}

func (s *RangeSet) ensureTree() {
	if s.tree == nil {
		s.tree = btree.NewG[Range](rangeTreeDegree, rangeLess)
	}
}

// Len returns the number of disjoint ranges in the set.
func (s *RangeSet) Len() int {
	if s.tree == nil {
		return 0
	}
	return s.tree.Len()
}

// Ranges returns a snapshot of the set contents in ascending address order.
func (s *RangeSet) Ranges() []Range {
	ranges := make([]Range, 0, s.Len())
	if s.tree != nil {
		s.tree.Ascend(func(r Range) bool {
			ranges = append(ranges, r)
			return true
		})
	}
	return ranges
}

// Contains returns true if addr lies in one of the ranges of the set.
func (s *RangeSet) Contains(addr uint64) bool {
	if s.tree == nil {
		return false
	}

	var found bool
	s.tree.DescendLessOrEqual(Range{Start: addr}, func(r Range) bool {
		found = addr <= r.End
		return false
	})
	return found
}

// Insert adds r to the set, merging it with any range it overlaps or
// touches. Inserting a range that is already part of the set has no effect.
func (s *RangeSet) Insert(r Range) {
	mustBeValid(r)
	s.ensureTree()

	// The only range starting before r that can touch it is its
	// predecessor; every other candidate starts inside r or right after it.
	pivot := r.Start
	s.tree.DescendLessOrEqual(Range{Start: r.Start}, func(prev Range) bool {
		pivot = prev.Start
		return false
	})

	var merged []Range
	limit := saturatingInc(r.End)
	s.tree.AscendGreaterOrEqual(Range{Start: pivot}, func(cur Range) bool {
		if cur.Start > limit {
			return false
		}
		if cur.touches(r) {
			merged = append(merged, cur)
		}
		return true
	})

	for _, cur := range merged {
		s.tree.Delete(cur)
		if cur.Start < r.Start {
			r.Start = cur.Start
		}
		if cur.End > r.End {
			r.End = cur.End
		}
	}

	s.tree.ReplaceOrInsert(r)
}

// Remove subtracts r from the set. Ranges that partially overlap r are
// trimmed and a range that fully contains r is split in two. Removing
// addresses that are not part of the set has no effect.
func (s *RangeSet) Remove(r Range) {
	mustBeValid(r)
	if s.tree == nil {
		return
	}

	pivot := r.Start
	s.tree.DescendLessOrEqual(Range{Start: r.Start}, func(prev Range) bool {
		pivot = prev.Start
		return false
	})

	var affected []Range
	s.tree.AscendGreaterOrEqual(Range{Start: pivot}, func(cur Range) bool {
		if cur.Start > r.End {
			return false
		}
		if cur.overlaps(r) {
			affected = append(affected, cur)
		}
		return true
	})

	for _, cur := range affected {
		s.tree.Delete(cur)
		if cur.Start < r.Start {
			s.tree.ReplaceOrInsert(Range{Start: cur.Start, End: r.Start - 1})
		}
		if cur.End > r.End {
			s.tree.ReplaceOrInsert(Range{Start: r.End + 1, End: cur.End})
		}
	}
}

// Allocate carves size bytes aligned to align out of the lowest-addressed
// range that can hold them and returns the start address of the carved
// region. It returns false if no range is large enough.
//
// The size must be non-zero and the alignment must be a power of 2.
func (s *RangeSet) Allocate(size, align uint64) (uint64, bool) {
	if size == 0 || align == 0 || bits.OnesCount64(align) != 1 {
		kfmt.Panic(errInvalidAllocation)
	}

	if s.tree == nil {
		return 0, false
	}

	var (
		carved Range
		found  bool
	)

	s.tree.Ascend(func(cur Range) bool {
		start, carry := bits.Add64(cur.Start, align-1, 0)
		if carry != 0 {
			return true
		}
		start &^= align - 1

		end, carry := bits.Add64(start, size-1, 0)
		if carry != 0 || start < cur.Start || end > cur.End {
			return true
		}

		carved, found = Range{Start: start, End: end}, true
		return false
	})

	if !found {
		return 0, false
	}

	s.Remove(carved)
	return carved.Start, true
}

// Sum returns the total number of bytes in the set and false if the total
// does not fit in 64 bits.
func (s *RangeSet) Sum() (uint64, bool) {
	var (
		total uint64
		ok    = true
	)

	if s.tree == nil {
		return 0, true
	}

	s.tree.Ascend(func(r Range) bool {
		var size, carry uint64
		if size, ok = r.Size(); !ok {
			return false
		}
		if total, carry = bits.Add64(total, size, 0); carry != 0 {
			ok = false
			return false
		}
		return true
	})

	return total, ok
}

func mustBeValid(r Range) {
	if r.Start > r.End {
		kfmt.Logger("pmm").Sugar().Errorf("invalid range %s", r)
		kfmt.Panic(errInvalidRange)
	}
}
