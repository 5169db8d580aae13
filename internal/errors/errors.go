// Package errors provides the error taxonomy shared by the sync subsystem.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the UI layer.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Sync errors
	ErrTransport      ErrorCode = "TRANSPORT_ERROR"
	ErrAuthExpired    ErrorCode = "AUTH_EXPIRED"
	ErrReauthRequired ErrorCode = "REAUTH_REQUIRED"
	ErrRemoteRejected ErrorCode = "REMOTE_REJECTED"
	ErrQueueFull      ErrorCode = "QUEUE_FULL"
	// ErrScopeChanged means the signed-in tenant/user changed while an
	// operation for the previous scope was in progress.
	ErrScopeChanged ErrorCode = "SCOPE_CHANGED"

	// Local store errors
	ErrLocalStore ErrorCode = "LOCAL_STORE_ERROR"
	ErrNotReady   ErrorCode = "NOT_READY"
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

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain,
// or ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsRetryable reports whether an operation that failed with err may succeed
// when repeated unchanged. Rejections and local store faults are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case Is(err, ErrRemoteRejected), Is(err, ErrLocalStore), Is(err, ErrInvalid),
		Is(err, ErrReauthRequired), Is(err, ErrQueueFull):
		return false
	}
	return true
}
