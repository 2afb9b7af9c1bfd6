// Package apperr defines the error kinds shared by the icon repository core
// and the handler layer.
//
// Check kinds with errors.Is against the sentinels:
//
//	if errors.Is(err, apperr.ErrAlreadyExists) {
//	    // map to 409
//	}
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a machine-readable error kind.
type Code string

const (
	CodeNotFound        Code = "NOT_FOUND"
	CodeAlreadyExists   Code = "ALREADY_EXISTS"
	CodeExternalCommand Code = "EXTERNAL_COMMAND"
	CodeTransaction     Code = "TRANSACTION"
	CodeFatal           Code = "FATAL"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeValidation      Code = "VALIDATION"
)

// HTTPStatus returns the response status the handler layer uses for the code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a Code, a message and optionally the error that caused it.
type Error struct {
	Code    Code
	Message string
	Details any
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetails returns a copy of e carrying details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

var (
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists   = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrExternalCommand = &Error{Code: CodeExternalCommand, Message: "external command failed"}
	ErrTransaction     = &Error{Code: CodeTransaction, Message: "transaction failed"}
	ErrFatal           = &Error{Code: CodeFatal, Message: "fatal error"}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized, Message: "unauthorized"}
	ErrForbidden       = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrValidation      = &Error{Code: CodeValidation, Message: "validation error"}
)

func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func AlreadyExistsf(format string, args ...any) *Error {
	return &Error{Code: CodeAlreadyExists, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func Forbiddenf(format string, args ...any) *Error {
	return &Error{Code: CodeForbidden, Message: fmt.Sprintf(format, args...)}
}

// ExternalCommand wraps a failed subprocess or filesystem operation.
func ExternalCommand(msg string, cause error) *Error {
	return &Error{Code: CodeExternalCommand, Message: msg, cause: cause}
}

// Transaction wraps a failure raised inside a relational transaction body
// that is not already one of the more specific kinds.
func Transaction(msg string, cause error) *Error {
	return &Error{Code: CodeTransaction, Message: msg, cause: cause}
}

// Fatal marks an error the process should not keep serving through.
func Fatal(msg string, cause error) *Error {
	return &Error{Code: CodeFatal, Message: msg, cause: cause}
}

// IsFatal reports whether err (or anything it wraps) is a fatal error.
func IsFatal(err error) bool {
	return err != nil && errors.Is(err, ErrFatal)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "" when
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
