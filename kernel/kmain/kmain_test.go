package kmain

import (
	"errors"
	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/physmem"
	"nanoos/kernel/mm/pmm"
	"nanoos/kernel/mm/vmm"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func scenarioMap() multiboot.MemoryMap {
	return multiboot.RawMemoryMap(multiboot.EncodeRaw([]multiboot.MemoryMapEntry{
		{PhysAddress: 0x0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x9fc00, Length: 0x400, Type: multiboot.MemReserved},
		{PhysAddress: 0x100000, Length: 0xff00000, Type: multiboot.MemAvailable},
	}))
}

func TestKmain(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	kfmt.SetLogger(zap.New(core))
	defer kfmt.SetLogger(nil)

	k, err := Kmain(BootInfo{
		MemoryMap: scenarioMap(),
		Mappings:  []Mapping{{Virtual: 0xffff800000100000, Flags: vmm.FlagRW}},
		Identity:  []IdentityRegion{{Frame: mm.Frame(0x300), Size: mm.PageSize, Flags: vmm.FlagRW}},
		Translate: []uintptr{0xffff800000100000, 0xb8000, 0x300123, 0xffff800000200000},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = k.Close() }()

	if exp := uintptr(0x10000000); k.Memory.Size() != exp {
		t.Fatalf("expected 0x%x bytes of installed memory; got 0x%x", exp, k.Memory.Size())
	}

	expMapped := []MappedPage{{Page: mm.PageFromAddress(0xffff800000100000), Frame: mm.FrameFromAddress(0x100000)}}
	if diff := cmp.Diff(expMapped, k.Mapped); diff != "" {
		t.Fatalf("unexpected mappings (-want +got):\n%s", diff)
	}

	expTranslations := []Translation{
		{Virtual: 0xffff800000100000, Physical: 0x100000, Mapped: true},
		{Virtual: 0xb8000, Physical: 0xb8000, Mapped: true},
		{Virtual: 0x300123, Physical: 0x300123, Mapped: true},
		{Virtual: 0xffff800000200000},
	}
	if diff := cmp.Diff(expTranslations, k.Translations); diff != "" {
		t.Fatalf("unexpected translations (-want +got):\n%s", diff)
	}

	// one mapped frame, P3/P2/P1 for the mapping and a P1 for the identity region
	if got := k.Allocator.AllocCount(); got != 5 {
		t.Fatalf("expected 5 allocated frames; got %d", got)
	}
	// the identity mapped frame is reserved as well
	if free, _ := k.Allocator.FreeMemory(); free != mm.Size(0xff00000-6*mm.PageSize) {
		t.Fatalf("expected 0x%x free bytes; got 0x%x", 0xff00000-6*mm.PageSize, uint64(free))
	}
	for _, r := range k.Allocator.Ranges() {
		if r.Start <= 0x300000 && 0x300000 <= r.End {
			t.Fatalf("expected identity mapped frame 0x300000 not to be free; found in %s", r)
		}
	}

	entries := logs.FilterMessage("Total Detected Memory").All()
	if len(entries) != 1 {
		t.Fatalf("expected a single detected memory entry; got %d", len(entries))
	}
	if got := entries[0].ContextMap()["size"]; got != "255.62MiB" {
		t.Fatalf("expected detected memory to be 255.62MiB; got %v", got)
	}
}

func TestKmainErrors(t *testing.T) {
	if _, err := Kmain(BootInfo{}); err != errNoMemoryMap {
		t.Fatalf("expected errNoMemoryMap; got %v", err)
	}

	defer func(origFn func(mm.Size) (*physmem.Memory, error)) {
		newMemoryFn = origFn
	}(newMemoryFn)

	newMemoryFn = func(mm.Size) (*physmem.Memory, error) {
		return nil, errors.New("mmap failed")
	}

	if _, err := Kmain(BootInfo{MemoryMap: scenarioMap()}); err != errMemoryUnavailable {
		t.Fatalf("expected errMemoryUnavailable; got %v", err)
	}
}

func TestKmainReservesUninstalledMemory(t *testing.T) {
	defer func(origFn func(mm.Size) (*physmem.Memory, error)) {
		newMemoryFn = origFn
	}(newMemoryFn)

	newMemoryFn = func(mm.Size) (*physmem.Memory, error) {
		return physmem.New(4 * mm.Mb)
	}

	k, err := Kmain(BootInfo{
		MemoryMap: scenarioMap(),
		Reserved:  []pmm.Range{{Start: 0x200000, End: 0x2fffff}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = k.Close() }()

	exp := []pmm.Range{{Start: 0x100000, End: 0x1fffff}, {Start: 0x300000, End: 0x3fffff}}
	if diff := cmp.Diff(exp, k.Allocator.Ranges()); diff != "" {
		t.Fatalf("unexpected free ranges (-want +got):\n%s", diff)
	}
}

func TestKmainReservesIdentityRegions(t *testing.T) {
	defer func(origFn func(mm.Size) (*physmem.Memory, error)) {
		newMemoryFn = origFn
	}(newMemoryFn)

	newMemoryFn = func(mm.Size) (*physmem.Memory, error) {
		return physmem.New(4 * mm.Mb)
	}

	// 0x300000 is the lowest free frame, so without a reservation it would
	// become the P1 table of its own identity mapping.
	k, err := Kmain(BootInfo{
		MemoryMap: scenarioMap(),
		Reserved:  []pmm.Range{{Start: 0x100000, End: 0x2fffff}},
		Identity:  []IdentityRegion{{Frame: mm.Frame(0x300), Size: 1, Flags: vmm.FlagRW}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = k.Close() }()

	exp := []pmm.Range{{Start: 0x302000, End: 0x3fffff}}
	if diff := cmp.Diff(exp, k.Allocator.Ranges()); diff != "" {
		t.Fatalf("unexpected free ranges (-want +got):\n%s", diff)
	}

	// Writes through the identity mapping must not clobber page tables.
	if err := k.Memory.Zero(mm.Frame(0x300)); err != nil {
		t.Fatal(err)
	}
	if physAddr, ok := k.PageTable.Translate(0x300123); !ok || physAddr != 0x300123 {
		t.Fatalf("expected 0x300123 to stay identity mapped; got 0x%x, %t", physAddr, ok)
	}
}

func TestReservedRanges(t *testing.T) {
	specs := []struct {
		info BootInfo
		exp  []pmm.Range
	}{
		{
			BootInfo{},
			[]pmm.Range{pmm.ReservedLowMemory},
		},
		{
			BootInfo{
				Reserved: []pmm.Range{{Start: 0x200000, End: 0x200fff}},
				Identity: []IdentityRegion{
					{Frame: mm.Frame(0x300), Size: mm.PageSize},
					{Frame: mm.Frame(0x400), Size: mm.PageSize + 1},
					{Frame: mm.Frame(0x500), Size: 0},
				},
			},
			[]pmm.Range{
				pmm.ReservedLowMemory,
				{Start: 0x200000, End: 0x200fff},
				{Start: 0x300000, End: 0x300fff},
				{Start: 0x400000, End: 0x401fff},
			},
		},
		{
			BootInfo{Identity: []IdentityRegion{{Frame: mm.FrameFromAddress(0xffff_ffff_ffff_f000), Size: 2 * mm.PageSize}}},
			[]pmm.Range{pmm.ReservedLowMemory, {Start: 0xfffffffffffff000, End: 0xffffffffffffffff}},
		},
	}

	for specIndex, spec := range specs {
		if diff := cmp.Diff(spec.exp, spec.info.ReservedRanges()); diff != "" {
			t.Errorf("[spec %d] unexpected reserved ranges (-want +got):\n%s", specIndex, diff)
		}
	}
}

func TestMemorySize(t *testing.T) {
	specs := []struct {
		entries []multiboot.MemoryMapEntry
		exp     mm.Size
	}{
		{nil, minMemorySize},
		{[]multiboot.MemoryMapEntry{{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable}}, minMemorySize},
		{
			[]multiboot.MemoryMapEntry{
				{PhysAddress: 0x100000, Length: 0x7f00000, Type: multiboot.MemAvailable},
				{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
			},
			0x8000000,
		},
		{[]multiboot.MemoryMapEntry{{PhysAddress: 0x100000, Length: 1 << 40, Type: multiboot.MemAvailable}}, maxMemorySize},
		{[]multiboot.MemoryMapEntry{{PhysAddress: 1 << 63, Length: 1 << 63, Type: multiboot.MemAvailable}}, maxMemorySize},
	}

	for specIndex, spec := range specs {
		if got := memorySize(multiboot.RawMemoryMap(multiboot.EncodeRaw(spec.entries))); got != spec.exp {
			t.Errorf("[spec %d] expected memory size %s; got %s", specIndex, spec.exp, got)
		}
	}
}
