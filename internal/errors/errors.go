// Package errors provides error codes shared across the Circle core and the
// host shell bridge.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a unique error code that can be bridged to the host shell.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrPermission ErrorCode = "PERMISSION_DENIED"

	// Storage errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrCrypto    ErrorCode = "CRYPTO_FAILED"

	// Auth errors
	ErrTokenMissing ErrorCode = "TOKEN_MISSING"
	ErrTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// Realtime errors
	ErrNotConnected   ErrorCode = "SOCKET_NOT_CONNECTED"
	ErrInFlight       ErrorCode = "IN_FLIGHT"
	ErrRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrServer         ErrorCode = "SERVER_ERROR"

	// Background errors that only ever reach the log
	ErrUpdateFailed   ErrorCode = "UPDATE_FAILED"
	ErrLocationFailed ErrorCode = "LOCATION_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error, or any error it wraps, carries a specific code.
func Is(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost AppError in the chain, or "" when
// the chain has none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, and server messages that mention either.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch CodeOf(err) {
	case ErrRequestTimeout, ErrNetwork:
		return true
	case ErrNotConnected, ErrInFlight, ErrPermission, ErrInvalid:
		return false
	}
	return LooksTransient(err.Error())
}

// LooksTransient applies the message heuristic used for server-reported errors.
func LooksTransient(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "network") || strings.Contains(lower, "timeout")
}
