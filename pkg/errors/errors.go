// Package errors defines the typed error taxonomy shared by the auth flows
// and the session store. Callers branch on the error type to decide whether
// an operation is retryable, requires a fresh interactive flow, or can be
// ignored (storage degradation).
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrInvalidScope is returned when a requested scope is malformed or
	// references an unknown reserved segment
	ErrInvalidScope = "invalid_scope"

	// ErrMissingParameter is returned when an OAuth callback lacks a
	// required query parameter
	ErrMissingParameter = "missing_parameter"

	// ErrCSRFMismatch is returned when a callback state does not match the
	// issued nonce
	ErrCSRFMismatch = "csrf_mismatch"

	// ErrExpired is returned when a device code expires before approval
	ErrExpired = "expired"

	// ErrDenied is returned when the user denies a device authorization
	ErrDenied = "denied"

	// ErrTimeout is returned when a flow exceeds its time budget
	ErrTimeout = "timeout"

	// ErrNetwork is returned for transient network failures
	ErrNetwork = "network"

	// ErrStorage is returned when the secure-storage backend fails
	ErrStorage = "storage"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewInvalidScopeError creates a new invalid scope error
func NewInvalidScopeError(message string, cause error) *Error {
	return NewError(ErrInvalidScope, message, cause)
}

// NewMissingParameterError creates a new missing parameter error
func NewMissingParameterError(message string, cause error) *Error {
	return NewError(ErrMissingParameter, message, cause)
}

// NewCSRFMismatchError creates a new CSRF mismatch error
func NewCSRFMismatchError(message string, cause error) *Error {
	return NewError(ErrCSRFMismatch, message, cause)
}

// NewExpiredError creates a new expired error
func NewExpiredError(message string, cause error) *Error {
	return NewError(ErrExpired, message, cause)
}

// NewDeniedError creates a new denied error
func NewDeniedError(message string, cause error) *Error {
	return NewError(ErrDenied, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *Error {
	return NewError(ErrNetwork, message, cause)
}

// NewStorageError creates a new storage error
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrStorage, message, cause)
}

// isType checks whether err (or anything it wraps) is an *Error of the
// given type.
func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsInvalidScope checks if the error is an invalid scope error
func IsInvalidScope(err error) bool {
	return isType(err, ErrInvalidScope)
}

// IsMissingParameter checks if the error is a missing parameter error
func IsMissingParameter(err error) bool {
	return isType(err, ErrMissingParameter)
}

// IsCSRFMismatch checks if the error is a CSRF mismatch error
func IsCSRFMismatch(err error) bool {
	return isType(err, ErrCSRFMismatch)
}

// IsExpired checks if the error is an expired error
func IsExpired(err error) bool {
	return isType(err, ErrExpired)
}

// IsDenied checks if the error is a denied error
func IsDenied(err error) bool {
	return isType(err, ErrDenied)
}

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool {
	return isType(err, ErrTimeout)
}

// IsNetwork checks if the error is a network error
func IsNetwork(err error) bool {
	return isType(err, ErrNetwork)
}

// IsStorage checks if the error is a storage error
func IsStorage(err error) bool {
	return isType(err, ErrStorage)
}
