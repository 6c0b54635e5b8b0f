package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"nanoos/kernel/hal/multiboot"
	"nanoos/kernel/mm"
	"nanoos/kernel/mm/pmm"

	"github.com/google/subcommands"
)

// MemMap implements subcommands.Command for the "memmap" command.
type MemMap struct {
	configPath string

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*MemMap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MemMap) Synopsis() string {
	return "print the boot memory map and the free ranges left after reservations"
}

// Usage implements subcommands.Command.Usage.
func (*MemMap) Usage() string {
	return "memmap [-config <file>]\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MemMap) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", "", "path to a TOML or YAML machine description.")
}

// Execute implements subcommands.Command.Execute.
func (m *MemMap) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(m.configPath)
	if err != nil {
		return Errorf("loading config: %v", err)
	}

	info, err := cfg.KernelBootInfo()
	if err != nil {
		return Errorf("preparing boot info: %v", err)
	}

	out := outputOrStdout(m.out)
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "START\tEND\tSIZE\tTYPE")

	var detected mm.Size
	info.MemoryMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		fmt.Fprintf(w, "0x%x\t0x%x\t%s\t%s\n", region.PhysAddress, region.PhysAddress+region.Length, mm.Size(region.Length), region.Type)
		if region.Type == multiboot.MemAvailable {
			detected += mm.Size(region.Length)
		}
		return true
	})
	_ = w.Flush()
	fmt.Fprintf(out, "Total Detected Memory: %s\n\n", detected)

	var alloc pmm.BootMemAllocator
	alloc.Init(info.MemoryMap.VisitMemRegions, info.ReservedRanges()...)

	fmt.Fprintln(out, "free ranges:")
	for _, r := range alloc.Ranges() {
		size, _ := r.Size()
		fmt.Fprintf(out, "  %s %s\n", r, mm.Size(size))
	}

	if free, ok := alloc.FreeMemory(); ok {
		fmt.Fprintf(out, "free memory: %s (%d bytes)\n", free, uint64(free))
	} else {
		fmt.Fprintln(out, "free memory: overflows 64 bits")
	}

	return subcommands.ExitSuccess
}
