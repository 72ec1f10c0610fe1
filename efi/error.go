package efi

import "fmt"

// Error describes a boot-services failure. All boot-services errors are
// represented as *Error values carrying the module that raised them, the
// closed Status they map to, and a free-form message, so callers can switch
// on Status directly instead of string-matching.
type Error struct {
	// Module names the subsystem that raised the error (e.g. "tpl", "pmm").
	Module string

	// Status is the closed-set outcome this error represents.
	Status Status

	// Message is a human-readable description of the failure.
	Message string

	// cause, when set, is the lower-level error this one wraps.
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("[%s] %s", e.Module, e.Status)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Module, e.Status, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds an *Error for module with the given status and message.
func NewError(module string, status Status, message string) *Error {
	return &Error{Module: module, Status: status, Message: message}
}

// Wrap builds an *Error that additionally remembers cause for Unwrap.
func Wrap(module string, status Status, message string, cause error) *Error {
	return &Error{Module: module, Status: status, Message: message, cause: cause}
}
