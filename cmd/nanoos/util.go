package main

import (
	"fmt"
	"io"
	"os"

	"nanoos/config"
	"nanoos/kernel"
	"nanoos/kernel/kfmt"
	"nanoos/kernel/kmain"

	"github.com/google/subcommands"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// loadConfig reads the config stored at path or returns the default machine
// description when path is empty.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// newLogger builds the process logger for the given level and format.
// Command line overrides take precedence over the config file.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, format := cfg.LogLevel, cfg.LogFormat
	if *logLevel != "" {
		level = *logLevel
	}
	if *logFormat != "" {
		format = *logFormat
	}

	var zcfg zap.Config
	switch format {
	case "json":
		zcfg = zap.NewProductionConfig()
	case "console", "":
		zcfg = zap.NewDevelopmentConfig()
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}

	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, errors.Wrap(err, "invalid log level")
		}
		zcfg.Level = lvl
	}

	zcfg.DisableStacktrace = true
	return zcfg.Build()
}

// setupLogging installs the logger described by cfg as the kernel logger.
// The returned function flushes and uninstalls it.
func setupLogging(cfg *config.Config) (func(), error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}

	kfmt.SetLogger(logger)
	return func() {
		_ = logger.Sync()
		kfmt.SetLogger(nil)
	}, nil
}

// bootKernel runs the bring-up sequence and converts a kernel halt into an
// error.
func bootKernel(info kmain.BootInfo) (k *kmain.Kernel, err error) {
	defer func() {
		if r := recover(); r != nil {
			kerr, ok := r.(*kernel.Error)
			if !ok {
				panic(r)
			}
			k, err = nil, errors.Wrap(kerr, "kernel halted")
		}
	}()

	k, kerr := kmain.Kmain(info)
	if kerr != nil {
		return nil, errors.Wrap(kerr, "bring-up failed")
	}
	return k, nil
}

// Errorf writes the formatted error to stderr and returns
// subcommands.ExitFailure.
func Errorf(format string, args ...interface{}) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	return subcommands.ExitFailure
}

// outputOrStdout returns w or os.Stdout if w is nil.
func outputOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
