package apperror

import (
	"errors"
	"fmt"
)

// Code is a unique, client-facing error identifier (spec §7).
type Code string

const (
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeUnauthorized   Code = "UNAUTHORIZED"
	CodeForbidden      Code = "FORBIDDEN"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeRateLimited    Code = "RATE_LIMIT_EXCEEDED"
	CodeNotConnected   Code = "NOT_CONNECTED"
	CodeInternal       Code = "INTERNAL_ERROR"
)

// AppError is a structured error carrying the client-facing taxonomy above,
// with an optional wrapped cause for logs.
type AppError struct {
	Code    Code
	Message string
	Details any
	cause   error
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, cause: cause}
}

func Validation(message string) *AppError   { return New(CodeValidation, message) }
func Unauthorized(message string) *AppError { return New(CodeUnauthorized, message) }
func Forbidden(message string) *AppError    { return New(CodeForbidden, message) }
func NotFound(resource string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("%s not found", resource))
}
func Conflict(message string) *AppError    { return New(CodeConflict, message) }
func RateLimited() *AppError                { return New(CodeRateLimited, "Rate limit exceeded") }
func NotConnected() *AppError {
	return New(CodeNotConnected, "Session is not connected")
}
func Internal(message string) *AppError { return New(CodeInternal, message) }

func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func CodeOf(err error) Code {
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}
