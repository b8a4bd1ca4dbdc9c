// Package apperr defines the typed error categories shared by the stores,
// the upload pipeline and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to react to it
// (retry, map to an HTTP status, show a message).
type Kind string

const (
	KindValidation   Kind = "validation"
	KindUnauthorized Kind = "unauthorized"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindNetwork      Kind = "network"
	KindInternal     Kind = "internal"
)

// Error is a categorized error with an optional underlying cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation reports invalid caller input.
func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

// Unauthorized reports missing or rejected credentials.
func Unauthorized(op, message string) error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: message}
}

// NotFound reports a missing resource.
func NotFound(op, resource, id string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// Conflict reports an operation that is invalid for the current state.
func Conflict(op, message string) error {
	return &Error{Kind: KindConflict, Op: op, Message: message}
}

// Network wraps a transient transport or remote-service failure.
func Network(op string, err error) error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain,
// or KindInternal when there is none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTransient reports whether the operation that produced err may succeed
// when retried. Context cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return KindOf(err) == KindNetwork
}

// Message returns the human-readable part of err without the op prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch {
		case e.Message != "" && e.Err != nil:
			return e.Message + ": " + e.Err.Error()
		case e.Message != "":
			return e.Message
		case e.Err != nil:
			return e.Err.Error()
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
