// Package apperr defines the error kinds surfaced by the circulation core and its collaborators.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers. Every kind except KindInternal is an expected outcome.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "unauthorized"
	KindBusinessRule  Kind = "business_rule"
	KindInvalidState  Kind = "invalid_state"
	KindInvalidInput  Kind = "invalid_input"
	KindRateLimited   Kind = "rate_limited"
	KindInternal      Kind = "internal"
)

// ErrTxConflict marks transaction-layer conflicts (serialization failure, deadlock, lock timeout).
// Storage implementations wrap it; the circulation service retries on it.
var ErrTxConflict = errors.New("transaction conflict")

// ErrRecordNotFound is returned by storage lookups that found no row.
var ErrRecordNotFound = errors.New("record not found")

// Error is a kinded error with a human readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports a referenced entity that does not exist.
func NotFound(format string, args ...any) error {
	return newf(KindNotFound, format, args...)
}

// Conflict reports a violated state precondition.
func Conflict(format string, args ...any) error {
	return newf(KindConflict, format, args...)
}

// Unauthorized reports a caller acting on a resource it does not own.
func Unauthorized(format string, args ...any) error {
	return newf(KindAuthorization, format, args...)
}

// BusinessRule reports a violated domain rule such as an unpaid membership.
func BusinessRule(format string, args ...any) error {
	return newf(KindBusinessRule, format, args...)
}

// InvalidState reports a state machine transition that is not allowed.
func InvalidState(format string, args ...any) error {
	return newf(KindInvalidState, format, args...)
}

// Invalid reports a malformed request.
func Invalid(format string, args ...any) error {
	return newf(KindInvalidInput, format, args...)
}

// RateLimited reports a caller that exceeded its request allowance.
func RateLimited(format string, args ...any) error {
	return newf(KindRateLimited, format, args...)
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message of err. Internal errors get a generic message.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Message
	}
	return "internal error"
}
