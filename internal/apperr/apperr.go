// Package apperr carries coded errors across service boundaries so handlers
// can translate business outcomes into stable response codes.
package apperr

import (
	"errors"
	"fmt"
)

type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Code() Code      { return e.code }
func (e *Error) Message() string { return e.message }

// Unwrap supports errors.Is and errors.As against the cause chain.
func (e *Error) Unwrap() error { return e.cause }

func New(code Code, message string) error {
	return &Error{code: code, message: message}
}

func Newf(code Code, format string, args ...any) error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, cause: err}
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: fmt.Sprintf(format, args...), cause: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.code == code
	}
	return false
}

// CodeOf extracts the code from err, or CodeUnknown for uncoded errors.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.code
	}
	return CodeUnknown
}

// MessageOf extracts the human-readable message from err.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.message
	}
	return err.Error()
}
