package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies engine errors so callers can branch on the
// category without parsing messages.
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeAdmission   ErrorType = "admission"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeConflict    ErrorType = "conflict"
	ErrorTypeUnreachable ErrorType = "unreachable"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRuntime     ErrorType = "runtime"
	ErrorTypeHardware    ErrorType = "hardware"
	ErrorTypeIO          ErrorType = "io"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeCancelled   ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewAdmissionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeAdmission, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// Daemon errors
func NewUnreachableError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeUnreachable, message, cause)
}

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewRuntimeError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeRuntime, message, cause)
}

// System errors
func NewHardwareError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHardware, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func isType(err error, t ErrorType) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Type == t
}

// Error checking helpers
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsAdmissionError(err error) bool {
	return isType(err, ErrorTypeAdmission)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsUnreachableError(err error) bool {
	return isType(err, ErrorTypeUnreachable)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsRuntimeError(err error) bool {
	return isType(err, ErrorTypeRuntime)
}

func IsHardwareError(err error) bool {
	return isType(err, ErrorTypeHardware)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// IsRetryable reports whether the error is transient from the daemon's
// point of view. Conflict and runtime errors indicate a state mismatch
// that blind retry cannot fix.
func IsRetryable(err error) bool {
	return IsUnreachableError(err) || IsTimeoutError(err)
}
