// Package syncerr classifies failures surfaced by the sync core.
//
// The core never retries on its own. It classifies the error, applies
// rollback where relevant, and hands the classified error to the caller.
package syncerr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
)

// Kind categorizes an error by cause.
type Kind string

const (
	// KindNotFound means the remote record is absent. May trigger
	// create-on-demand (profile provisioning).
	KindNotFound Kind = "NOT_FOUND"

	// KindUnauthorized means the principal lacks the required role or
	// membership. Surfaced, never retried.
	KindUnauthorized Kind = "UNAUTHORIZED"

	// KindTransient covers network failures and timeouts. Eligible for
	// caller-level retry.
	KindTransient Kind = "TRANSIENT"

	// KindConflict marks a confirmed value that differs from the speculated
	// one. Resolved by accepting the remote value; reported for diagnostics.
	KindConflict Kind = "CONFLICT"

	// KindInvalid means the authority rejected the request as malformed
	// (duplicate key, bad payload).
	KindInvalid Kind = "INVALID"

	// KindInternal is everything that could not be classified.
	KindInternal Kind = "INTERNAL"
)

// Error is a classified failure.
type Error struct {
	// Kind identifies the error category.
	Kind Kind

	// Op names the operation that failed ("insert", "profile.find", ...).
	Op string

	// Key identifies the affected entity, when there is one.
	Key string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Key != "":
		return fmt.Sprintf("%s: %s (op=%s, key=%s)", e.Kind, msg, e.Op, e.Key)
	case e.Op != "":
		return fmt.Sprintf("%s: %s (op=%s)", e.Kind, msg, e.Op)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without an underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err and attaches op and key. An err that is already an
// *Error keeps its kind. Returns nil for a nil err.
func Wrap(op, key string, err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Op == op && se.Key == key {
			return se
		}
		return &Error{Kind: se.Kind, Op: op, Key: key, Err: err}
	}
	return &Error{Kind: Classify(err), Op: op, Key: key, Err: err}
}

// Classify returns the Kind for err. Uses errors.As to handle wrapped errors.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}
	if errors.Is(err, sql.ErrNoRows) {
		return KindNotFound
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindInternal
}

// IsNotFound reports whether err classifies as KindNotFound.
func IsNotFound(err error) bool { return Classify(err) == KindNotFound }

// IsUnauthorized reports whether err classifies as KindUnauthorized.
func IsUnauthorized(err error) bool { return Classify(err) == KindUnauthorized }

// IsTransient reports whether err classifies as KindTransient.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsConflict reports whether err classifies as KindConflict.
func IsConflict(err error) bool { return Classify(err) == KindConflict }

// IsInvalid reports whether err classifies as KindInvalid.
func IsInvalid(err error) bool { return Classify(err) == KindInvalid }

// NotFound creates a KindNotFound error for op and key.
func NotFound(op, key string) *Error {
	return &Error{Kind: KindNotFound, Op: op, Key: key, Message: "record not found"}
}

// Unauthorized creates a KindUnauthorized error for op.
func Unauthorized(op, message string) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}
