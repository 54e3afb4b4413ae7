// Package errs defines the error taxonomy shared by sessions, the orchestrator
// and the federation layer. Every domain failure carries a Code so that agent
// tools and the HTTP surface can branch on it without string matching.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes a domain error.
type Code string

const (
	// CodeNotFound indicates an absent session, thread, agent, claim or runtime.
	CodeNotFound Code = "NOT_FOUND"
	// CodeInvalidState indicates an operation that conflicts with current state,
	// e.g. a closed thread or a duplicate registration.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeInvalidArgument indicates malformed input such as a non-positive timeout.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	// CodeUnavailable indicates a disabled or unreachable collaborator.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeUpstream indicates a structured error returned by a remote peer.
	CodeUpstream Code = "UPSTREAM"
)

// Error is a structured domain error.
type Error struct {
	Code    Code
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code and message.
// This lets package level sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && t.Message == e.Message
}

// WithContext adds a key/value pair to the error context.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// New creates an error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// NotFound creates a NOT_FOUND error.
func NotFound(format string, args ...any) *Error { return New(CodeNotFound, format, args...) }

// InvalidState creates an INVALID_STATE error.
func InvalidState(format string, args ...any) *Error { return New(CodeInvalidState, format, args...) }

// InvalidArgument creates an INVALID_ARGUMENT error.
func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, format, args...)
}

// Unavailable creates an UNAVAILABLE error.
func Unavailable(format string, args ...any) *Error { return New(CodeUnavailable, format, args...) }

// Upstream creates an UPSTREAM error.
func Upstream(format string, args ...any) *Error { return New(CodeUpstream, format, args...) }

// CodeOf extracts the code from err, searching the wrap chain. It returns an
// empty Code when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err (or anything it wraps) carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
