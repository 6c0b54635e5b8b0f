// Binary nanoos boots the simulated kernel memory subsystem and inspects the
// machine descriptions it runs on.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

var (
	logLevel  = flag.String("log-level", "", "log level (debug, info, warn, error); overrides the config file.")
	logFormat = flag.String("log-format", "", "log format (console or json); overrides the config file.")
)

func main() {
	forEachCmd(subcommands.Register)
	flag.Parse()

	os.Exit(int(subcommands.Execute(context.Background())))
}

// forEachCmd invokes the passed callback for each command supported by nanoos.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(Boot), "")
	cb(new(MemMap), "")
	cb(new(MkBootInfo), "")
}
