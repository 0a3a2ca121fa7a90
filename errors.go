package bucketgo

import (
	"errors"
	"fmt"
)

// Code classifies a provider error by how callers should react.
type Code int

const (
	// CodeNone means success. Errors never carry it; it is what CodeOf
	// returns for a nil error.
	CodeNone Code = iota
	// CodeTransient errors may be retried with backoff.
	CodeTransient
	// CodePermanent errors must not be retried unmodified (bad selection
	// syntax, unknown iterator id).
	CodePermanent
	// CodeResourceExhausted signals backpressure: retry after listener
	// driven throttling.
	CodeResourceExhausted
	// CodeFatal signals unrecoverable backend corruption; the node should
	// begin shutdown.
	CodeFatal
)

func (c Code) String() string {
	switch c {
	case CodeNone:
		return "NONE"
	case CodeTransient:
		return "TRANSIENT_ERROR"
	case CodePermanent:
		return "PERMANENT_ERROR"
	case CodeResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case CodeFatal:
		return "FATAL_ERROR"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a classified provider error.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type Error struct {
	Code  Code
	Msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a classified error wrapping cause (which may be nil).
func NewError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), cause: cause}
}

// NewTransient creates a CodeTransient error.
func NewTransient(format string, args ...any) *Error {
	return NewError(CodeTransient, nil, format, args...)
}

// NewPermanent creates a CodePermanent error.
func NewPermanent(format string, args ...any) *Error {
	return NewError(CodePermanent, nil, format, args...)
}

// NewResourceExhausted creates a CodeResourceExhausted error.
func NewResourceExhausted(format string, args ...any) *Error {
	return NewError(CodeResourceExhausted, nil, format, args...)
}

// NewFatal creates a CodeFatal error.
func NewFatal(format string, args ...any) *Error {
	return NewError(CodeFatal, nil, format, args...)
}

// CodeOf extracts the classification of err. A nil error is CodeNone.
// Unclassified errors default to CodeTransient: an unknown failure is
// assumed retryable rather than escalated to shutdown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return CodeTransient
}
