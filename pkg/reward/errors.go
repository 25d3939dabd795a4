package reward

import (
	"errors"
	"fmt"
)

// Domain-level error values returned by the reward service.
var (
	ErrUnknownSession       = errors.New("unknown session")
	ErrDeviceMismatch       = errors.New("device mismatch")
	ErrSessionExpired       = errors.New("session expired")
	ErrDailyCapReached      = errors.New("daily cap reached")
	ErrDuplicateReward      = errors.New("duplicate reward")
	ErrSessionExists        = errors.New("session already exists")
	ErrInvalidDeviceID      = errors.New("invalid device id")
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidSessionToken  = errors.New("invalid session token")
	ErrInvalidSource        = errors.New("invalid source")
	ErrInvalidDayKey        = errors.New("invalid day key")
	ErrInvalidSats          = errors.New("invalid sats amount")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}
