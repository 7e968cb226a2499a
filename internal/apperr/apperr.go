// Package apperr defines the closed set of error kinds the core core
// raises, generalized from ad-hoc wrapped errors into a type the API edge
// can map to an HTTP status without string-matching.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	InvalidInput      Kind = "invalid_input"
	NotFound          Kind = "not_found"
	Forbidden         Kind = "forbidden"
	InvalidCredential Kind = "invalid_credential"
	Transient         Kind = "transient"
	HandlerFailure    Kind = "handler_failure"
	Timeout           Kind = "timeout"
	Cancelled         Kind = "cancelled"
)

// Error wraps an underlying cause with a Kind and, for pipeline stage
// failures, a Stage tag preserved verbatim in Source.error_message.
type Error struct {
	Kind  Kind
	Stage string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.Stage, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

func WithStage(kind Kind, stage string, cause error) *Error {
	msg := stage
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", stage, cause)
	}
	return &Error{Kind: kind, Stage: stage, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to HandlerFailure for
// errors not raised through this package.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return HandlerFailure
}

// HTTPStatus maps a Kind to the status code the API edge should return,
// per spec §7.
func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidInput:
		return 400
	case NotFound:
		return 404
	case Forbidden:
		return 403
	case InvalidCredential:
		return 401
	case Timeout:
		return 504
	case Cancelled:
		return 499
	case Transient, HandlerFailure:
		return 500
	default:
		return 500
	}
}
