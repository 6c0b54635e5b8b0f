// Package kfmt provides the early logging facilities and the fatal error path
// used while the kernel is being brought up.
package kfmt

import "go.uber.org/zap"

// activeLogger receives all early kernel output. It discards everything until
// SetLogger is invoked.
var activeLogger = zap.NewNop()

// SetLogger installs the logger used by all kernel modules. Passing a nil
// logger restores the default no-op logger.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	activeLogger = l
}

// Logger returns a logger scoped to the given kernel module.
func Logger(module string) *zap.Logger {
	return activeLogger.Named(module)
}
