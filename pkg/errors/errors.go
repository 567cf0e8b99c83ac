// Package errors carries the kinded error type used across the registry and
// its RFC 7807 rendering.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// FieldError describes a single rejected request field.
type FieldError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag,omitempty"`
	Message string `json:"message"`
}

func (f FieldError) Error() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Message)
}

// Error is the error type returned by every registry operation.
type Error struct {
	// Kind names the failure class; it doubles as the HTTP status text.
	Kind string `json:"kind"`
	// Message is safe to show to callers.
	Message string `json:"message"`
	// Fields is set for request validation failures.
	Fields []FieldError `json:"fields,omitempty"`

	status int
	cause  error
}

var _ error = (*Error)(nil)

// Status builds a sentinel for an HTTP status code.
func Status(code int) *Error {
	return &Error{Kind: http.StatusText(code), status: code}
}

var (
	Invalid      = Status(http.StatusBadRequest)
	Unauthorized = Status(http.StatusUnauthorized)
	NotFound     = Status(http.StatusNotFound)
	Conflict     = Status(http.StatusConflict)
	Internal     = Status(http.StatusInternalServerError)
)

func (e *Error) Error() string {
	str := fmt.Sprintf("[%s]", e.Kind)
	if e.Message != "" {
		str += " " + e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Explain returns a copy of the error with the given message.
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Wrap returns a copy of the error carrying cause.
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// WithField returns a copy of the error with one more field error appended.
func (e *Error) WithField(field, tag, message string) *Error {
	err := *e
	err.Fields = append(append([]FieldError(nil), e.Fields...), FieldError{Field: field, Tag: tag, Message: message})
	return &err
}

// HTTPStatus returns the status code the error maps to.
func (e *Error) HTTPStatus() int {
	if e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// Is matches any *Error of the same kind, so errors.Is(err, NotFound) works
// on explained copies.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		return other.Kind == e.Kind
	}
	return false
}

// StatusOf maps any error to an HTTP status. Errors that are not *Error are
// internal.
func StatusOf(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}
