package errors

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Input and lookup errors
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"

	// Backend session errors
	ErrCodeConnection ErrorCode = "CONNECTION_FAILED"
	ErrCodeExecution  ErrorCode = "EXECUTION_FAILED"

	// Migration coordination errors
	ErrCodeDependency ErrorCode = "DEPENDENCY_UNMET"
	ErrCodeLockHeld   ErrorCode = "LOCK_HELD"

	// Capability and batch errors
	ErrCodeNotSupported   ErrorCode = "NOT_SUPPORTED"
	ErrCodePartialFailure ErrorCode = "PARTIAL_FAILURE"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a gateway error with code and context
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
	Status  int // HTTP status hint for request-style collaborators
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new gateway error
func New(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Status:  httpStatus(code),
	}
}

// NewValidation creates a VALIDATION_ERROR
func NewValidation(message string, err error) *AppError {
	return New(ErrCodeValidation, message, err)
}

// NewNotFound creates a NOT_FOUND error naming the missing resource
func NewNotFound(resource, id string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s '%s' not found", resource, id), nil)
}

// NewConnection creates a CONNECTION_FAILED error
func NewConnection(message string, err error) *AppError {
	return New(ErrCodeConnection, message, err)
}

// NewExecution creates an EXECUTION_FAILED error
func NewExecution(message string, err error) *AppError {
	return New(ErrCodeExecution, message, err)
}

// NewNotSupported creates a NOT_SUPPORTED error for a missing backend capability
func NewNotSupported(kind, capability string) *AppError {
	return New(ErrCodeNotSupported, fmt.Sprintf("%s does not support %s", kind, capability), nil)
}

// NewPartialFailure creates a PARTIAL_FAILURE error summarizing a batch outcome
func NewPartialFailure(operation string, failed, total int) *AppError {
	return New(ErrCodePartialFailure, fmt.Sprintf("%s completed with %d of %d items failed", operation, failed, total), nil)
}

// DependencyError reports migration dependencies that are not yet applied.
// Unmet holds the offending migration ids in sorted order.
type DependencyError struct {
	MigrationID string
	Unmet       []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: migration '%s' has unmet dependencies: %s",
		ErrCodeDependency, e.MigrationID, strings.Join(e.Unmet, ", "))
}

// LockHeldError reports a failed advisory lock acquisition. The caller must
// decide whether to retry; the engine never waits.
type LockHeldError struct {
	ConnectionID string
	Holder       string
	AcquiredAt   time.Time
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("%s: migration lock for connection '%s' held by '%s' since %s",
		ErrCodeLockHeld, e.ConnectionID, e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// httpStatus maps error codes to HTTP status hints
func httpStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeLockHeld, ErrCodeDependency:
		return http.StatusConflict
	case ErrCodeNotSupported:
		return http.StatusNotImplemented
	case ErrCodePartialFailure:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

// Code extracts the error code from any gateway error, or INTERNAL_ERROR
func Code(err error) ErrorCode {
	switch e := err.(type) {
	case *AppError:
		return e.Code
	case *DependencyError:
		return ErrCodeDependency
	case *LockHeldError:
		return ErrCodeLockHeld
	default:
		return ErrCodeInternal
	}
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return Code(err) == ErrCodeNotFound
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return Code(err) == ErrCodeValidation
}

// IsConnection checks if the error is a backend session error
func IsConnection(err error) bool {
	return Code(err) == ErrCodeConnection
}

// IsNotSupported checks if the error reports a missing backend capability
func IsNotSupported(err error) bool {
	return Code(err) == ErrCodeNotSupported
}

// IsLockHeld checks if the error reports a held migration lock
func IsLockHeld(err error) bool {
	return Code(err) == ErrCodeLockHeld
}

// IsDependency checks if the error reports unmet migration dependencies
func IsDependency(err error) bool {
	return Code(err) == ErrCodeDependency
}

// IsPartialFailure checks if the error summarizes a partially failed batch
func IsPartialFailure(err error) bool {
	return Code(err) == ErrCodePartialFailure
}
