package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Core error codes
const (
	ErrNotFound              ErrorCode = "NOT_FOUND"
	ErrValidation            ErrorCode = "VALIDATION_ERROR"
	ErrStorageUnavailable    ErrorCode = "STORAGE_UNAVAILABLE"
	ErrSerializationFallback ErrorCode = "SERIALIZATION_FALLBACK"
	ErrInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrRateLimited           ErrorCode = "RATE_LIMITED"
	ErrPayloadTooLarge       ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrInternalError         ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable    ErrorCode = "SERVICE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsNotFound reports whether err carries the NOT_FOUND code.
func IsNotFound(err error) bool {
	return GetErrorCode(err) == ErrNotFound
}

// IsValidation reports whether err carries a validation-class code.
func IsValidation(err error) bool {
	code := GetErrorCode(err)
	return code == ErrValidation || code == ErrPayloadTooLarge
}

// IsRetryable checks if an error is retryable. Wrapped errors are
// unwrapped first.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error. Wrapped errors
// are unwrapped first.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
