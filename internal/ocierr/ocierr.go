// Package ocierr defines the fatal error taxonomy a materialization can
// fail with, so callers can discriminate dispositions with errors.As
// instead of string-matching error text.
package ocierr

import (
	"errors"
	"fmt"
)

// Kind identifies one row of the error-handling design table.
type Kind string

const (
	CoordinateInvalid Kind = "CoordinateInvalid"
	ManifestMalformed Kind = "ManifestMalformed"
	DigestMismatch    Kind = "DigestMismatch"
	TransportError    Kind = "TransportError"
	AuthFailed        Kind = "AuthFailed"
	ArchiveMalformed  Kind = "ArchiveMalformed"
	IOError           Kind = "IOError"
)

// Error wraps an underlying cause with the Kind that classifies it.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error classifying cause as kind.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
