package types

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code surfaced to clients.
type Code string

// Error codes. These are part of the wire contract: the dispatcher maps
// them onto JSON-RPC error objects as data.code.
const (
	CodeNotFound         Code = "ErrNotFound"
	CodeValidation       Code = "ErrValidation"
	CodeHierarchy        Code = "ErrHierarchy"
	CodeCycle            Code = "ErrCycle"
	CodeOrderSet         Code = "ErrOrderSet"
	CodeDerived          Code = "ErrDerived"
	CodeNamespaceBinding Code = "ErrNamespaceBinding"
	CodeConflict         Code = "ErrConflict"
	CodeTimeout          Code = "ErrTimeout"
	CodeTransport        Code = "ErrTransport"
	CodeInternal         Code = "ErrInternal"
)

// Error is a typed domain error. It never carries stack traces; the
// message is safe to surface to clients.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap supports errors.Is/errors.As chains.
func (e *Error) Unwrap() error { return e.Err }

// E constructs a typed error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Convenience constructors for the common codes.

// NotFound builds an ErrNotFound error.
func NotFound(format string, args ...any) *Error { return E(CodeNotFound, format, args...) }

// Validation builds an ErrValidation error.
func Validation(format string, args ...any) *Error { return E(CodeValidation, format, args...) }

// Hierarchy builds an ErrHierarchy error.
func Hierarchy(format string, args ...any) *Error { return E(CodeHierarchy, format, args...) }

// Derived builds an ErrDerived error.
func Derived(format string, args ...any) *Error { return E(CodeDerived, format, args...) }

// CodeOf extracts the error code from err, or CodeInternal if it carries none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
