// Package domainerrors provides coded errors shared across modules. Services
// attach a Code when translating infrastructure or validation failures so the
// HTTP layer can map errors to responses without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport mapping and retry decisions.
type Code string

const (
	// CodeValidation: request shape is fine but a field fails a domain rule
	// (missing reason, empty update set).
	CodeValidation Code = "validation"
	// CodeBadRequest: request could not be parsed at all.
	CodeBadRequest Code = "bad_request"
	// CodeUnauthorized: no authenticated actor.
	CodeUnauthorized Code = "unauthorized"
	// CodeForbidden: actor authenticated but lacks the required role.
	CodeForbidden Code = "forbidden"
	// CodeNotFound: the referenced record does not exist.
	CodeNotFound Code = "not_found"
	// CodeConflict: a concurrent write won; retries were exhausted.
	CodeConflict Code = "conflict"
	// CodeDependency: an external capability (reward granter) failed. The
	// primary state change, if any, was kept.
	CodeDependency Code = "dependency_failure"
	// CodeInternal: anything else. Details are logged, not returned.
	CodeInternal Code = "internal_error"
)

// Error is the concrete coded error type. Use New or Wrap instead of
// constructing it directly.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with no underlying cause.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. A nil err returns
// nil so callers can wrap unconditionally.
func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// HasCode reports whether any error in the chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	for errors.As(err, &de) {
		if de.Code == code {
			return true
		}
		err = de.Err
		de = nil
	}
	return false
}

// CodeOf returns the outermost code in the chain, or CodeInternal when the
// error carries none.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
