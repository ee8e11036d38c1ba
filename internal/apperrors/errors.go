// Package apperrors provides structured application errors shared by the
// submission store, workflow service clients and the HTTP API.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation  = errors.New("validation error")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrInternal    = errors.New("internal error")
	ErrUnavailable = errors.New("unavailable")

	// ErrPreconditionFailed reports a conditional write that lost against a
	// concurrent writer (stale etag).
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrUnsupportedSubmission reports a submission that carries neither a
	// file nor a docker image.
	ErrUnsupportedSubmission = errors.New("unsupported submission type")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "queueId", "workflowUrl")
	Resource string // For not found/conflict (e.g., "submission", "queue")
	Op       string // Operation that failed (e.g., "wes.submitRun")
	Cause    error  // Underlying error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause so that errors.Is and
// errors.As see through to either.
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
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

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// PreconditionFailed creates an error for a conditional write rejected
// because the caller's etag is stale.
func PreconditionFailed(resource, id string) error {
	return &Error{
		Sentinel: ErrPreconditionFailed,
		Message:  fmt.Sprintf("%s %s was modified concurrently", resource, id),
		Resource: resource,
	}
}

// Unsupported creates an error for a submission that cannot be classified.
func Unsupported(id string) error {
	return &Error{
		Sentinel: ErrUnsupportedSubmission,
		Message:  fmt.Sprintf("submission %s has neither a file nor a docker image", id),
		Resource: "submission",
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
