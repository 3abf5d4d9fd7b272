// Package apierr defines the coded errors surfaced by the schema and object layers.
package apierr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure understood by clients.
type Code int

const (
	InternalServerError Code = 1
	ObjectNotFound      Code = 101
	InvalidQuery        Code = 102
	InvalidClassName    Code = 103
	MissingObjectID     Code = 104
	InvalidKeyName      Code = 105
	InvalidJSON         Code = 107
	IncorrectType       Code = 111
	OperationForbidden  Code = 119
	ChangedImmutable    Code = 136
	InvalidSessionToken Code = 209
)

// Error carries a Code, a client facing message and an optional cause.
type Error struct {
	code    Code
	message string
	err     error
}

// New returns an Error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error that unwraps to cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%d: %s", e.code, e.message)
	}
	return fmt.Sprintf("%d: %s: %v", e.code, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code returns the error code.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the message without the code prefix.
func (e *Error) Message() string {
	return e.message
}

// CodeOf reports the Code carried by err, or InternalServerError when err is not an *Error.
func CodeOf(err error) Code {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.code
	}
	return InternalServerError
}

// Is reports whether err carries the provided code.
func Is(err error, code Code) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.code == code
}
