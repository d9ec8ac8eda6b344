package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures crossing component boundaries. The HTTP
// layer maps kinds to status codes; everything else just records them.
type ErrorKind string

const (
	ErrNotFound            ErrorKind = "NOT_FOUND"
	ErrAlreadyRunning      ErrorKind = "ALREADY_RUNNING"
	ErrTradingHoursBlocked ErrorKind = "TRADING_HOURS_BLOCKED"
	ErrInitFailed          ErrorKind = "INIT_FAILED"
	ErrDriverTransient     ErrorKind = "DRIVER_TRANSIENT"
	ErrValidationLocked    ErrorKind = "VALIDATION_LOCKED"
	ErrValidationTimeout   ErrorKind = "VALIDATION_TIMEOUT"
	ErrNetworkUnreachable  ErrorKind = "NETWORK_UNREACHABLE"
	ErrQueueOverflow       ErrorKind = "QUEUE_OVERFLOW"
	ErrInternal            ErrorKind = "INTERNAL"
)

// Error is a kinded error with optional structured details.
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]interface{}
	cause   error
}

// NewError creates a kinded error.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewErrorf creates a kinded error with a formatted message.
func NewErrorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps a cause with a kind.
func WrapError(kind ErrorKind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details (e.g. next-session info on a
// trading-hours block) and returns the error for chaining.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	e.Details = details
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf extracts the kind from any error, defaulting to ErrInternal.
func KindOf(err error) ErrorKind {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Kind
	}
	return ErrInternal
}

// DetailsOf extracts structured details from any error, or nil.
func DetailsOf(err error) map[string]interface{} {
	var herr *Error
	if errors.As(err, &herr) {
		return herr.Details
	}
	return nil
}
