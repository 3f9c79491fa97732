package common

import (
	"errors"
	"fmt"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConnectivity = errors.New("backing store unreachable")
	ErrStorage      = errors.New("storage operation failed")
	ErrProcessing   = errors.New("processing failed")
	ErrValidation   = errors.New("validation failed")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ValidationErrorf builds an input-rejection error. Used at the admission
// boundary so malformed requests never reach a queue or store.
func ValidationErrorf(format string, args ...interface{}) error {
	return NewAppError("VALIDATION_ERROR", fmt.Sprintf(format, args...), ErrValidation)
}

// StorageError wraps a mid-operation store failure with its underlying cause.
func StorageError(message string, cause error) error {
	return NewAppError("STORAGE_ERROR", message, fmt.Errorf("%w: %w", ErrStorage, cause))
}
