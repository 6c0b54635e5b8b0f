package kfmt

import (
	"nanoos/kernel"

	"go.uber.org/zap"
)

var (
	// cpuHaltFn is mocked by tests. The default implementation unwinds the
	// calling goroutine using the reported error as the panic value.
	cpuHaltFn = haltGoroutine

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the kernel log and halts
// the system. Calls to Panic never return.
//
// Panic accepts a *kernel.Error, a plain error or a string. Anything other
// than a *kernel.Error is reported under the "rt" module.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t}
	case error:
		err = &kernel.Error{Module: errRuntimePanic.Module, Message: t.Error()}
	}

	if err != nil {
		activeLogger.Error("unrecoverable error",
			zap.String("module", err.Module),
			zap.String("message", err.Message),
		)
	}
	activeLogger.Error("*** kernel panic: system halted ***")
	_ = activeLogger.Sync()

	cpuHaltFn(err)
}

// haltGoroutine is the hosted equivalent of a CPU halt: the panic stops the
// current execution context and can only be caught by the outermost
// bring-up caller.
func haltGoroutine(err *kernel.Error) {
	if err == nil {
		err = errRuntimePanic
	}
	panic(err)
}
