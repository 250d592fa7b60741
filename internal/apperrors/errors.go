// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// ErrConflict covers precondition violations, most importantly a submit
	// against a strategy that already has an active job.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState is returned when an operation is attempted against a job
	// in a state where it is not allowed, e.g. cancelling a terminal job.
	ErrInvalidState = errors.New("invalid state")

	// ErrRemoteRejected means the compute service refused the request outright
	// (malformed config, unknown kind). Permanent, surfaced to the caller.
	ErrRemoteRejected = errors.New("remote rejected")

	// ErrTransient covers network timeouts and 5xx responses from the compute
	// service. Retried internally with bounded backoff; callers only see it
	// once the retry budget is exhausted.
	ErrTransient = errors.New("transient error")

	// ErrTimeout is the escalated failure from either the poll-failure streak
	// or the absolute job duration watchdog.
	ErrTimeout = errors.New("timeout")

	// ErrStorageUnavailable means the job store could not complete an
	// operation. Mutations are single-transaction, so nothing was partially
	// applied; the caller must retry the whole request.
	ErrStorageUnavailable = errors.New("storage unavailable")

	ErrInternal = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "kind", "config")
	Resource string // For not found/conflict (e.g., "job", "strategy")
	Op       string // Operation that failed (e.g., "compute.submit", "store.cas")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// ConflictingJob signals that a strategy already has a non-terminal job.
func ConflictingJob(strategyID string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("strategy %s already has an active job", strategyID),
		Resource: "strategy",
	}
}

// InvalidState creates an error for an operation on a job in the wrong state.
func InvalidState(jobID, status, op string) error {
	return &Error{
		Sentinel: ErrInvalidState,
		Message:  fmt.Sprintf("job %s is %s, cannot %s", jobID, status, op),
		Resource: "job",
		Op:       op,
	}
}

// RemoteRejected creates a permanent rejection error from the compute service.
func RemoteRejected(op, message string) error {
	return &Error{
		Sentinel: ErrRemoteRejected,
		Message:  message,
		Op:       op,
	}
}

// Transient creates a retryable error wrapping an underlying cause.
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Timeout creates an escalated timeout error.
func Timeout(op, message string) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  message,
		Op:       op,
	}
}

// StorageUnavailable creates a job store failure wrapping an underlying cause.
func StorageUnavailable(op string, cause error) error {
	return &Error{
		Sentinel: ErrStorageUnavailable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
