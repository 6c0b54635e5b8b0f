package kfmt

import (
	"errors"
	"nanoos/kernel"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observeLogs(t *testing.T) *observer.ObservedLogs {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })
	return logs
}

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = haltGoroutine
	}()

	var haltedWith *kernel.Error
	cpuHaltCalled := false
	cpuHaltFn = func(err *kernel.Error) {
		cpuHaltCalled = true
		haltedWith = err
	}

	specs := []struct {
		name      string
		input     interface{}
		expModule string
		expMsg    string
	}{
		{"with *kernel.Error", &kernel.Error{Module: "test", Message: "panic test"}, "test", "panic test"},
		{"with error", errors.New("go error"), "rt", "go error"},
		{"with string", "string error", "rt", "string error"},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cpuHaltCalled = false
			logs := observeLogs(t)

			Panic(spec.input)

			if !cpuHaltCalled {
				t.Fatal("expected cpuHaltFn to be called by Panic")
			}

			if haltedWith == nil || haltedWith.Module != spec.expModule || haltedWith.Message != spec.expMsg {
				t.Fatalf("expected halt error [%s] %s; got %v", spec.expModule, spec.expMsg, haltedWith)
			}

			entries := logs.FilterMessage("unrecoverable error").All()
			if len(entries) != 1 {
				t.Fatalf("expected 1 unrecoverable error log entry; got %d", len(entries))
			}

			fields := entries[0].ContextMap()
			if fields["module"] != spec.expModule || fields["message"] != spec.expMsg {
				t.Fatalf("expected logged fields module=%q message=%q; got %v", spec.expModule, spec.expMsg, fields)
			}

			if got := logs.FilterMessage("*** kernel panic: system halted ***").Len(); got != 1 {
				t.Fatalf("expected the halt banner to be logged once; got %d", got)
			}
		})
	}

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		logs := observeLogs(t)

		Panic(nil)

		if !cpuHaltCalled {
			t.Fatal("expected cpuHaltFn to be called by Panic")
		}

		if got := logs.FilterMessage("unrecoverable error").Len(); got != 0 {
			t.Fatalf("expected no unrecoverable error entries; got %d", got)
		}
	})
}

func TestPanicHaltsGoroutine(t *testing.T) {
	expErr := &kernel.Error{Module: "test", Message: "halt"}

	specs := []struct {
		input  interface{}
		expErr *kernel.Error
	}{
		{expErr, expErr},
		{nil, errRuntimePanic},
	}

	for specIndex, spec := range specs {
		func() {
			defer func() {
				if got := recover(); got != spec.expErr {
					t.Errorf("[spec %d] expected Panic to unwind with %v; got %v", specIndex, spec.expErr, got)
				}
			}()

			Panic(spec.input)
			t.Errorf("[spec %d] expected Panic not to return", specIndex)
		}()
	}
}

func TestLogger(t *testing.T) {
	logs := observeLogs(t)

	Logger("pmm").Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry; got %d", len(entries))
	}

	if exp, got := "pmm", entries[0].LoggerName; got != exp {
		t.Fatalf("expected logger name %q; got %q", exp, got)
	}
}
