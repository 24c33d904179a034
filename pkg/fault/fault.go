// Package fault defines the error taxonomy shared across the governance
// core. Components return *fault.Error values; the HTTP adapter maps kinds
// to status codes.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	ValidationFailed   Kind = "VALIDATION_FAILED"
	AuthRequired       Kind = "AUTH_REQUIRED"
	PermissionDenied   Kind = "PERMISSION_DENIED"
	IntegrityViolation Kind = "INTEGRITY_VIOLATION"
	ConflictSequence   Kind = "CONFLICT_SEQUENCE"
	Timeout            Kind = "TIMEOUT"
	LockedOut          Kind = "LOCKED_OUT"
	CircuitFrozen      Kind = "CIRCUIT_FROZEN"
	NotFound           Kind = "NOT_FOUND"
	Transient          Kind = "TRANSIENT"
	Internal           Kind = "INTERNAL"
)

// Error carries a kind, a human-readable message, and optional structured
// detail for the response body.
type Error struct {
	Kind   Kind
	Msg    string
	Detail map[string]interface{}
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, cause: cause}
}

// WithDetail attaches structured detail and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]interface{})
	}
	e.Detail[key] = value
	return e
}

// KindOf extracts the kind from err, or Internal if err is not a *Error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the error should go through the shared retry
// handler. Only transient infrastructure failures qualify; deterministic
// client errors surface immediately.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Transient, Timeout:
		return true
	default:
		return false
	}
}
