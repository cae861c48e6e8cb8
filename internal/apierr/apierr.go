// Package apierr defines the error kinds shared across the agent server so
// handlers can translate internal failures into ToolResult{error, message}
// without leaking implementation-specific error types to the model or the
// client.
package apierr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds enumerated by the system's error handling
// design: what a caller needs to know to decide whether to retry, surface
// the message to the model, or terminate the reasoning loop.
type Kind string

const (
	InvalidArgument     Kind = "InvalidArgument"
	PathEscape          Kind = "PathEscape"
	NotFound            Kind = "NotFound"
	PatchNotApplicable  Kind = "PatchNotApplicable"
	ParseError          Kind = "ParseError"
	ModelHostUnavailable Kind = "ModelHostUnavailable"
	ModelHostTimeout    Kind = "ModelHostTimeout"
	StoreError          Kind = "StoreError"
	SessionConflict     Kind = "SessionConflict"
	Unknown             Kind = "Unknown"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// errors.As without string-matching messages.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; otherwise returns Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
