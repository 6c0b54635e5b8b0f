package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"nanoos/kernel/hal/multiboot"

	"github.com/google/subcommands"
)

// MkBootInfo implements subcommands.Command for the "mkbootinfo" command.
type MkBootInfo struct {
	configPath string
	format     string
	output     string
}

// Name implements subcommands.Command.Name.
func (*MkBootInfo) Name() string {
	return "mkbootinfo"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MkBootInfo) Synopsis() string {
	return "encode the configured memory map into a boot info file"
}

// Usage implements subcommands.Command.Usage.
func (*MkBootInfo) Usage() string {
	return `mkbootinfo [-config <file>] [-format multiboot2|e820] -o <file>

Writes the memory map of the machine description as a multiboot2 information
structure or as a raw list of E820 entries.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MkBootInfo) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.configPath, "config", "", "path to a TOML or YAML machine description.")
	f.StringVar(&m.format, "format", string(multiboot.FormatMultiboot), "output format: multiboot2 or e820.")
	f.StringVar(&m.output, "o", "", "output file.")
}

// Execute implements subcommands.Command.Execute.
func (m *MkBootInfo) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || m.output == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(m.configPath)
	if err != nil {
		return Errorf("loading config: %v", err)
	}

	memMap, err := cfg.BootMemoryMap()
	if err != nil {
		return Errorf("reading memory map: %v", err)
	}

	var entries []multiboot.MemoryMapEntry
	memMap.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		entries = append(entries, *entry)
		return true
	})

	var data []byte
	switch multiboot.Format(m.format) {
	case multiboot.FormatMultiboot:
		data = multiboot.EncodeMultiboot(entries)
	case multiboot.FormatE820:
		data = multiboot.EncodeRaw(entries)
	default:
		return Errorf("unknown format %q", m.format)
	}

	if err := os.WriteFile(m.output, data, 0644); err != nil {
		return Errorf("writing %q: %v", m.output, err)
	}

	fmt.Fprintf(os.Stderr, "wrote %d memory map entries (%d bytes) to %s\n", len(entries), len(data), m.output)
	return subcommands.ExitSuccess
}
