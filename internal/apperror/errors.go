package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, client-facing error identifier.
type Code string

const (
	CodeNotFound              Code = "NOT_FOUND"
	CodeInsufficientStock     Code = "INSUFFICIENT_STOCK"
	CodeLeaseUnavailable      Code = "LEASE_UNAVAILABLE"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeValidation            Code = "VALIDATION_ERROR"
	CodeDependencyUnavailable Code = "DEPENDENCY_UNAVAILABLE"
	CodeInternal              Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Two *Error values match when their codes match.
var (
	ErrNotFound              = &Error{Code: CodeNotFound}
	ErrInsufficientStock     = &Error{Code: CodeInsufficientStock}
	ErrLeaseUnavailable      = &Error{Code: CodeLeaseUnavailable}
	ErrInvalidTransition     = &Error{Code: CodeInvalidTransition}
	ErrValidation            = &Error{Code: CodeValidation}
	ErrDependencyUnavailable = &Error{Code: CodeDependencyUnavailable}
)

// Error is the single error type surfaced by services to the API layer.
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

func (e *Error) Unwrap() error { return e.Err }

// Is matches on code so callers can write errors.Is(err, apperror.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// HTTPStatus returns the suggested HTTP status for the error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientStock, CodeInvalidTransition:
		return http.StatusConflict
	case CodeValidation:
		return http.StatusBadRequest
	case CodeLeaseUnavailable, CodeDependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retriable reports whether the caller may retry the same request later.
func (e *Error) Retriable() bool {
	return e.Code == CodeLeaseUnavailable || e.Code == CodeDependencyUnavailable
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func InsufficientStock(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInsufficientStock, Message: fmt.Sprintf(format, args...)}
}

func LeaseUnavailable(key string, attempts int) *Error {
	return &Error{
		Code:    CodeLeaseUnavailable,
		Message: fmt.Sprintf("lease %s not acquired after %d attempts, try again", key, attempts),
	}
}

func InvalidTransition(from, to string) *Error {
	return &Error{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot change order status from %s to %s", from, to),
	}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func DependencyUnavailable(msg string, err error) *Error {
	return &Error{Code: CodeDependencyUnavailable, Message: msg, Err: err}
}

func Internal(msg string, err error) *Error {
	return &Error{Code: CodeInternal, Message: msg, Err: err}
}

// From extracts an *Error from err, wrapping unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal("unexpected error", err)
}
