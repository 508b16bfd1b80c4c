// Package coreerr defines the closed set of error kinds used across the
// sshwarma server: a small exported enum plus a wrapping struct that
// implements Unwrap.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and user display.
type Kind string

const (
	NotFound         Kind = "not_found"
	InvalidArgument  Kind = "invalid_argument"
	NotConnected     Kind = "not_connected"
	Upstream         Kind = "upstream"
	Cancelled        Kind = "cancelled"
	Timeout          Kind = "timeout"
	Storage          Kind = "storage"
	Internal         Kind = "internal"
)

// Error wraps an underlying error with a Kind for classification at
// propagation boundaries (Session Controller, Streaming Pipeline).
type Error struct {
	Kind    Kind
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind, wrapping err.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an Error of the given kind from a format string.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to Internal when err
// does not carry one: unclassified errors are bugs, not user-facing soft
// failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsSoft reports whether the error kind should render as a notification
// rather than a hard failure.
func (k Kind) IsSoft() bool {
	switch k {
	case NotFound, InvalidArgument, NotConnected, Cancelled:
		return true
	default:
		return false
	}
}
