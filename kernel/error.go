// Package kernel contains the error type shared by all kernel packages.
package kernel

import "fmt"

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error and compared by identity, so the bring-up code never has
// to allocate when it reports a failure.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed by the module that raised it.
func (e *Error) String() string {
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}
