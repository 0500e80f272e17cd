// Package types holds shared types for the seedance gateway.
package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Request / credential error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrAuthentication ErrorCode = "AUTHENTICATION"
	ErrSecurityCheck  ErrorCode = "SECURITY_CHECK"
	ErrTaskNotFound   ErrorCode = "TASK_NOT_FOUND"
)

// Vendor business error codes
const (
	ErrInsufficientBalance ErrorCode = "INSUFFICIENT_BALANCE"
	ErrContentFiltered     ErrorCode = "CONTENT_FILTERED"
	ErrBusinessRejected    ErrorCode = "BUSINESS_REJECTED"
	ErrUploadFailed        ErrorCode = "UPLOAD_FAILED"
)

// Transport / protocol error codes
const (
	ErrUpstreamError     ErrorCode = "UPSTREAM_ERROR"
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrResultUnresolved  ErrorCode = "RESULT_UNRESOLVED"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Platform   string    `json:"platform,omitempty"`
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

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// WithPlatform sets the platform key.
func (e *Error) WithPlatform(platform string) *Error {
	e.Platform = platform
	return e
}

// IsRetryable reports whether an error is retryable. Only transport-level
// failures are ever marked retryable; vendor business outcomes never are.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
