// Package apperr defines the error taxonomy shared by the pipeline and the
// HTTP surface. Every error that crosses a component boundary is classified
// into one of a small set of kinds so that handlers can map it to a status
// code and the orchestrator can decide whether a retry is worthwhile.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for external reporting and retry decisions.
type Kind int

const (
	// KindFatal is an unexpected internal failure. Surfaced as 500.
	KindFatal Kind = iota

	// KindValidation is bad caller input. Surfaced as 400. Never retried.
	KindValidation

	// KindNotFound is a missing call, session, model, or transcript. 404.
	KindNotFound

	// KindConflict is a duplicate download or lock contention. 409.
	KindConflict

	// KindUnavailable means a required collaborator (typically the
	// transcription server) is down or still warming. 503.
	KindUnavailable

	// KindTransient is a network or timeout failure on an operation that is
	// safe to retry. Surfaced as 500 once the retry budget is exhausted.
	KindTransient
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTransient:
		return "transient"
	default:
		return "fatal"
	}
}

// Error is a classified error. Use the constructors below rather than
// building values directly.
type Error struct {
	kind Kind
	msg  string
	err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, prefixing it with a message. A nil err
// yields nil so call sites can wrap unconditionally.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// Validation creates a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound creates a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// Conflict creates a KindConflict error.
func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

// Unavailable creates a KindUnavailable error.
func Unavailable(format string, args ...any) *Error {
	return New(KindUnavailable, format, args...)
}

// Transient creates a KindTransient error.
func Transient(format string, args ...any) *Error {
	return New(KindTransient, format, args...)
}

// KindOf extracts the kind from err. Unclassified errors are fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindFatal
}

// Retryable reports whether err is worth retrying. Only transient errors
// qualify; validation, conflict, and not-found failures are permanent.
func Retryable(err error) bool {
	return KindOf(err) == KindTransient
}
