// Package fault defines the error taxonomy shared by every write path.
// Callers branch on Kind; only Conflict is safe to retry blindly.
package fault

import (
	"errors"
	"fmt"
)

type Kind string

const (
	// InvalidInput is malformed or missing required fields. Never retried.
	InvalidInput Kind = "invalid_input"
	// InvalidState means the operation is not valid for the entity's current
	// lifecycle state. Re-fetch before retrying.
	InvalidState Kind = "invalid_state"
	// PreconditionFailed means a required upstream fact is missing.
	PreconditionFailed Kind = "precondition_failed"
	// Conflict is a concurrent-mutation collision. Safe to retry after re-reading.
	Conflict Kind = "conflict"
	// Internal is a persistence or engine failure, surfaced generically.
	Internal Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or Internal for anything untyped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the caller may re-submit the same request.
func Retryable(err error) bool {
	return KindOf(err) == Conflict
}
