package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"nanoos/kernel/metric"

	"github.com/google/subcommands"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
	metrics    bool

	// out receives the command output; os.Stdout is used when nil.
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "bring up the memory subsystem and print the configured translations"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-config <file>] [-metrics]

Installs the memory map, initializes the frame allocator and the active page
table and establishes the configured mappings. Without -config the built-in
machine description is used.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.configPath, "config", "", "path to a TOML or YAML machine description.")
	f.BoolVar(&b.metrics, "metrics", false, "dump memory manager metrics after booting.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(b.configPath)
	if err != nil {
		return Errorf("loading config: %v", err)
	}

	flush, err := setupLogging(cfg)
	if err != nil {
		return Errorf("setting up logging: %v", err)
	}
	defer flush()

	info, err := cfg.KernelBootInfo()
	if err != nil {
		return Errorf("preparing boot info: %v", err)
	}

	k, err := bootKernel(info)
	if err != nil {
		return Errorf("%v", err)
	}
	defer k.Close()

	out := outputOrStdout(b.out)
	for _, m := range k.Mapped {
		fmt.Fprintf(out, "mapped     0x%016x -> 0x%x\n", m.Page.Address(), m.Frame.Address())
	}
	for _, t := range k.Translations {
		if t.Mapped {
			fmt.Fprintf(out, "translate  0x%016x -> 0x%x\n", t.Virtual, t.Physical)
		} else {
			fmt.Fprintf(out, "translate  0x%016x -> unmapped\n", t.Virtual)
		}
	}

	free, _ := k.Allocator.FreeMemory()
	fmt.Fprintf(out, "free memory: %s (%d frames allocated)\n", free, k.Allocator.AllocCount())

	if b.metrics {
		if err := metric.WriteText(out); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}

	return subcommands.ExitSuccess
}
