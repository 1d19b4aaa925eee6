// Package errs provides the unified error type used across all of Sluice.
//
// Every subsystem (engines, codec, queues, migration sources, …) wraps its
// native errors into *errs.Error before returning them to callers. Callers
// use the Is* predicates to handle errors without importing engine-specific
// packages.
//
// Usage:
//
//	// In an engine driver — wrap native errors:
//	return errs.Wrap(errs.ErrKindEngineFailed, "query failed", pgErr)
//
//	// In a caller — check error kind:
//	if errs.IsTimeout(err) {
//	    // retry is the caller's decision
//	}
package errs

import (
	"errors"
	"fmt"
)

// ErrKind categorises an error without exposing engine-specific codes.
// All backends (PostgreSQL, MySQL, SQLite, DB2) map their native errors to
// one of these kinds, giving callers a single consistent API.
type ErrKind int

const (
	ErrKindUnknown          ErrKind = iota
	ErrKindInvalidInput             // nil handle, bad request, mismatched engine type
	ErrKindExhausted                // capacity or allocation limit reached
	ErrKindEngineFailed             // native client reported a failure
	ErrKindTimeout                  // wait or query exceeded its deadline
	ErrKindBadData                  // malformed document, unresolved placeholder, bad literal
	ErrKindConnectionFailed         // cannot reach or authenticate to the backend
	ErrKindNotFound                 // no such query id, migration, prepared statement
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindInvalidInput:
		return "invalid_input"
	case ErrKindExhausted:
		return "exhausted"
	case ErrKindEngineFailed:
		return "engine_failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindBadData:
		return "bad_data"
	case ErrKindConnectionFailed:
		return "connection_failed"
	case ErrKindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all Sluice subsystems.
// Drivers produce it; callers inspect it via the Is* predicates below.
type Error struct {
	Kind    ErrKind
	Message string
	Cause   error // original driver-level error, preserved for logging
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// --- Constructors ---

// New creates an *Error with the given kind and message and no cause.
func New(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message and no cause.
func Newf(kind ErrKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error with the given kind, message, and an underlying cause.
func Wrap(kind ErrKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(kind ErrKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// --- Predicates ---

// IsInvalidInput reports whether err was caused by bad arguments from the caller.
func IsInvalidInput(err error) bool {
	return kindOf(err) == ErrKindInvalidInput
}

// IsExhausted reports whether err was caused by a capacity limit.
func IsExhausted(err error) bool {
	return kindOf(err) == ErrKindExhausted
}

// IsEngineFailed reports whether err is a native engine execution failure.
func IsEngineFailed(err error) bool {
	return kindOf(err) == ErrKindEngineFailed
}

// IsTimeout reports whether err was caused by a deadline or context cancellation.
func IsTimeout(err error) bool {
	return kindOf(err) == ErrKindTimeout
}

// IsBadData reports whether err was caught before reaching the engine
// (malformed parameter document, unresolved placeholder, bad date literal).
func IsBadData(err error) bool {
	return kindOf(err) == ErrKindBadData
}

// IsConnectionFailed reports whether err is a connectivity or auth failure.
func IsConnectionFailed(err error) bool {
	return kindOf(err) == ErrKindConnectionFailed
}

// IsNotFound reports whether err refers to a missing entity.
func IsNotFound(err error) bool {
	return kindOf(err) == ErrKindNotFound
}

// kindOf extracts the ErrKind from any error in the chain.
func kindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrKindUnknown
}
