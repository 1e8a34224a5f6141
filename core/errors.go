package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for retry/propagation decisions.
// Callers inspect the kind, never the concrete type name.
type ErrorKind string

const (
	KindAPI         ErrorKind = "api"
	KindRateLimit   ErrorKind = "rate_limit"
	KindNetwork     ErrorKind = "network"
	KindAuth        ErrorKind = "auth"
	KindValidation  ErrorKind = "validation"
	KindTimeout     ErrorKind = "timeout"
	KindCanceled    ErrorKind = "canceled"
	KindCircuitOpen ErrorKind = "circuit_open"
	KindUnknown     ErrorKind = "unknown"
)

// Standard sentinel errors for comparison using errors.Is()
var (
	// Capacity
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
	ErrAuthFailed         = errors.New("authentication failed after refresh")

	// Executor errors
	ErrExecutorNotFound = errors.New("executor not found")

	// Approval errors
	ErrApprovalNotFound   = errors.New("approval request not found")
	ErrApprovalNotPending = errors.New("approval request is not pending")

	// Workflow errors
	ErrDependencyUnmet    = errors.New("step dependency unmet")
	ErrStepFailed         = errors.New("workflow step failed")
	ErrRollbackIncomplete = errors.New("rollback incomplete")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
)

// CoreError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type CoreError struct {
	Op      string    // Operation that failed (e.g., "retry.Do")
	Kind    ErrorKind // Failure classification
	Target  string    // Optional executor name involved
	Message string    // Human-readable message
	Err     error     // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *CoreError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Target != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Target, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *CoreError) Unwrap() error {
	return e.Err
}

// NewCoreError creates a new CoreError
func NewCoreError(op string, kind ErrorKind, err error) *CoreError {
	return &CoreError{Op: op, Kind: kind, Err: err}
}

// KindOf returns the classification of err. Errors that carry no explicit
// kind fall back to sentinel comparisons, then Unknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) && ce.Kind != "" {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitBreakerOpen):
		return KindCircuitOpen
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrContextCanceled):
		return KindCanceled
	case errors.Is(err, ErrAuthFailed):
		return KindAuth
	}
	return KindUnknown
}

// IsRetryable checks if an error kind is transient by default
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindNetwork, KindTimeout, KindAPI:
		return true
	}
	return false
}

// IsRateLimit checks for rate-limit classification
func IsRateLimit(err error) bool { return KindOf(err) == KindRateLimit }

// IsAuth checks for authentication classification
func IsAuth(err error) bool { return KindOf(err) == KindAuth }

// IsValidation checks for validation classification
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsCanceled checks for cancellation, which is never retryable
func IsCanceled(err error) bool { return KindOf(err) == KindCanceled }

// IsCircuitOpen checks whether a request was rejected before execution
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitBreakerOpen) || KindOf(err) == KindCircuitOpen
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
