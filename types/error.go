package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Orchestration error codes
const (
	ErrValidation      ErrorCode = "VALIDATION"
	ErrNotFound        ErrorCode = "NOT_FOUND"
	ErrInvalidState    ErrorCode = "INVALID_STATE"
	ErrNotInitialized  ErrorCode = "NOT_INITIALIZED"
	ErrStepExecution   ErrorCode = "STEP_EXECUTION_FAILED"
	ErrCriticalFailure ErrorCode = "CRITICAL_FAILURE"
	ErrInternal        ErrorCode = "INTERNAL_ERROR"
)

// Provider error codes
const (
	ErrProviderTransient  ErrorCode = "PROVIDER_TRANSIENT"
	ErrQuotaExceeded      ErrorCode = "PROVIDER_QUOTA_EXCEEDED"
	ErrProviderFatal      ErrorCode = "PROVIDER_FATAL"
	ErrAllProvidersFailed ErrorCode = "ALL_PROVIDERS_FAILED"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Provider  string    `json:"provider,omitempty"`
	Cause     error     `json:"-"`
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

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error chain carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from the first *Error in the chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether any *Error in the chain carries code.
func IsCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// NewValidationError is shorthand for a VALIDATION error.
func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

// NewNotFoundError is shorthand for a NOT_FOUND error.
func NewNotFoundError(format string, args ...any) *Error {
	return Errorf(ErrNotFound, format, args...)
}

// NewInvalidStateError is shorthand for an INVALID_STATE error.
func NewInvalidStateError(format string, args ...any) *Error {
	return Errorf(ErrInvalidState, format, args...)
}
