// Package kmain contains the bring-up sequence that takes the machine from the
// bootloader hand-off to a usable frame allocator and active page table.
package kmain

import (
	"fmt"
	"math"
	"nanoos/kernel"
	"nanoos/kernel/cpu"
	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/metric"
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/physmem"
	"nanoos/kernel/mm/pmm"
	"nanoos/kernel/mm/vmm"

	"go.uber.org/zap"
)

const (
	// minMemorySize is the smallest amount of simulated RAM installed. It
	// covers the bootloader tables and the identity-mapped first 2M.
	minMemorySize = 4 * mm.Mb

	// maxMemorySize caps the simulated RAM; frames above it are never
	// handed out.
	maxMemorySize = 64 * mm.Gb
)

var (
	// newMemoryFn is overridden by tests.
	newMemoryFn = physmem.New

	errNoMemoryMap       = &kernel.Error{Module: "kmain", Message: "no boot memory map supplied"}
	errMemoryUnavailable = &kernel.Error{Module: "kmain", Message: "unable to install physical memory"}
)

// Mapping requests a page to be backed by a freshly allocated frame.
type Mapping struct {
	Virtual uintptr
	Flags   vmm.PageTableEntryFlag
}

// IdentityRegion requests a physical region to be identity mapped.
type IdentityRegion struct {
	Frame mm.Frame
	Size  uintptr
	Flags vmm.PageTableEntryFlag
}

// BootInfo describes the machine handed over by the bootloader together with
// the mappings to establish once paging is under kernel control.
type BootInfo struct {
	MemoryMap multiboot.MemoryMap

	// Reserved lists regions excluded from allocation in addition to the
	// first MiB of physical memory.
	Reserved []pmm.Range

	Mappings  []Mapping
	Identity  []IdentityRegion
	Translate []uintptr
}

// ReservedRanges returns the physical ranges the frame allocator must never
// hand out: the first MiB, the extra reservations and every identity mapped
// region. Identity mapped frames are owned by their mapping, so they cannot
// double as page tables or as backing for other pages.
func (info BootInfo) ReservedRanges() []pmm.Range {
	reserved := append([]pmm.Range{pmm.ReservedLowMemory}, info.Reserved...)

	for _, region := range info.Identity {
		if region.Size == 0 {
			continue
		}

		start := uint64(region.Frame.Address())
		end := uint64(math.MaxUint64)
		if pages := (uint64(region.Size) - 1) >> mm.PageShift; pages < (math.MaxUint64-start)>>mm.PageShift {
			end = start + (pages+1)<<mm.PageShift - 1
		}
		reserved = append(reserved, pmm.Range{Start: start, End: end})
	}

	return reserved
}

// MappedPage records a mapping established during bring-up.
type MappedPage struct {
	Page  mm.Page
	Frame mm.Frame
}

// Translation is the result of translating a virtual address after bring-up.
type Translation struct {
	Virtual  uintptr
	Physical uintptr
	Mapped   bool
}

// Kernel owns the memory management state produced by Kmain.
type Kernel struct {
	Memory    *physmem.Memory
	CPU       *cpu.CPU
	Allocator *pmm.BootMemAllocator
	PageTable *vmm.ActivePageTable

	Mapped       []MappedPage
	Translations []Translation
}

// Close releases the simulated physical memory.
func (k *Kernel) Close() error {
	metric.SetFreeBytesSource(nil)
	return k.Memory.Close()
}

// Kmain ingests the boot memory map, brings up the frame allocator and the
// active page table and establishes the requested mappings.
//
// Contract violations detected by the memory managers halt the kernel via
// kfmt.Panic and do not return.
func Kmain(info BootInfo) (*Kernel, *kernel.Error) {
	if info.MemoryMap == nil {
		return nil, errNoMemoryMap
	}

	log := kfmt.Logger("kmain")

	memSize := memorySize(info.MemoryMap)
	mem, err := newMemoryFn(memSize)
	if err != nil {
		log.Error("installing physical memory failed", zap.Error(err))
		return nil, errMemoryUnavailable
	}

	k := &Kernel{
		Memory:    mem,
		CPU:       cpu.New(mem),
		Allocator: new(pmm.BootMemAllocator),
	}

	reserved := append(info.ReservedRanges(), pmm.Range{Start: uint64(mem.Size()), End: math.MaxUint64})
	k.Allocator.Init(info.MemoryMap.VisitMemRegions, reserved...)
	k.Allocator.PrintMemoryMap(info.MemoryMap.VisitMemRegions)
	log.Info("Total Detected Memory",
		zap.Stringer("size", detectedMemory(info.MemoryMap)),
		zap.Stringer("installed", mm.Size(mem.Size())),
	)

	metric.SetFreeBytesSource(func() uint64 {
		free, _ := k.Allocator.FreeMemory()
		return uint64(free)
	})

	var kerr *kernel.Error
	if kerr = k.CPU.EnterLongMode(); kerr != nil {
		_ = k.Close()
		return nil, kerr
	}
	if k.PageTable, kerr = vmm.NewActivePageTable(k.CPU); kerr != nil {
		_ = k.Close()
		return nil, kerr
	}

	for _, m := range info.Mappings {
		page := mm.PageFromAddress(m.Virtual)
		frame := k.PageTable.Map(page, m.Flags, k.Allocator)
		k.Mapped = append(k.Mapped, MappedPage{Page: page, Frame: frame})

		log.Info("mapped page",
			zap.String("page", fmt.Sprintf("0x%x", page.Address())),
			zap.String("frame", fmt.Sprintf("0x%x", frame.Address())),
			zap.Stringer("flags", m.Flags),
		)
	}

	for _, region := range info.Identity {
		page := k.PageTable.IdentityMapRegion(region.Frame, region.Size, region.Flags, k.Allocator)
		log.Info("identity mapped region",
			zap.String("start", fmt.Sprintf("0x%x", page.Address())),
			zap.Stringer("size", mm.Size(region.Size)),
		)
	}

	for _, virtAddr := range info.Translate {
		physAddr, ok := k.PageTable.Translate(virtAddr)
		k.Translations = append(k.Translations, Translation{Virtual: virtAddr, Physical: physAddr, Mapped: ok})

		if ok {
			log.Info("translated", zap.String("virtual", fmt.Sprintf("0x%x", virtAddr)), zap.String("physical", fmt.Sprintf("0x%x", physAddr)))
		} else {
			log.Info("address is not mapped", zap.String("virtual", fmt.Sprintf("0x%x", virtAddr)))
		}
	}

	return k, nil
}

// memorySize returns the amount of RAM to install so that every available
// region of the memory map, capped at maxMemorySize, is backed.
func memorySize(m multiboot.MemoryMap) mm.Size {
	var highest uint64
	m.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			return true
		}

		end := region.PhysAddress + region.Length
		if end < region.PhysAddress {
			end = math.MaxUint64
		}
		if end > highest {
			highest = end
		}
		return true
	})

	switch size := mm.Size(highest); {
	case size < minMemorySize:
		return minMemorySize
	case size > maxMemorySize:
		return maxMemorySize
	default:
		return size
	}
}

// detectedMemory sums the lengths of the available regions of the map.
func detectedMemory(m multiboot.MemoryMap) mm.Size {
	var total mm.Size
	m.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type == multiboot.MemAvailable {
			total += mm.Size(region.Length)
		}
		return true
	})
	return total
}
