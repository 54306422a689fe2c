// Package apperr defines the stable error taxonomy shared by the API surface
// and the pipeline. Every error carries a machine-readable code plus a
// human-readable message; task handlers use the code to decide whether a
// failure is a structured domain outcome or an infrastructure problem worth
// redelivering.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error class. Codes are stable across versions and may be
// surfaced in API responses.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConfig          Code = "CONFIG_ERROR"
	CodeStorage         Code = "STORAGE_ERROR"
	CodeLLMRetryable    Code = "LLM_RETRYABLE"
	CodeLLMNonRetryable Code = "LLM_NON_RETRYABLE"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is the application error type. It wraps an optional cause so callers
// can still use errors.Is/errors.As against the underlying failure.
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

// HTTPStatus maps the error code to an HTTP response status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConfig, CodeStorage, CodeLLMRetryable, CodeLLMNonRetryable, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// New creates an application error with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an application error around a cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is a convenience constructor for boundary rejections.
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound is a convenience constructor for missing resources.
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// As extracts an *Error from an error chain, or nil.
func As(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// IsApp reports whether err is (or wraps) an application error. Task handlers
// treat application errors as terminal domain outcomes rather than
// infrastructure failures.
func IsApp(err error) bool {
	return As(err) != nil
}

// CodeOf returns the error code, or CodeInternal for non-application errors.
func CodeOf(err error) Code {
	if appErr := As(err); appErr != nil {
		return appErr.Code
	}
	return CodeInternal
}
