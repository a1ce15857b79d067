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
	ErrConflict   = errors.New("conflict")
	ErrDuplicate  = errors.New("duplicate")
	ErrInternal   = errors.New("internal error")

	// Secure dispatcher steps.
	ErrTransfer = errors.New("transfer failed")
	ErrTrigger  = errors.New("trigger failed")
	ErrParse    = errors.New("parse failed")

	// Remote reachability.
	ErrTransient = errors.New("transient remote error")
	ErrLostJob   = errors.New("lost job")
)

// Step names a Secure Dispatcher stage.
type Step string

const (
	StepTransfer Step = "transfer"
	StepTrigger  Step = "trigger"
	StepParse    Step = "parse"
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "jobId")
	Resource string // For not found/conflict (e.g., "job")
	JobID    string // Job the error relates to, if any
	Step     Step   // Dispatcher step, if any
	Op       string // Operation that failed (e.g., "ledger.create")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the cause so errors.Is() matches
// either the classification or context.DeadlineExceeded and friends.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
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
		JobID:    id,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
		JobID:    id,
	}
}

// Duplicate reports a create against an id that already exists.
func Duplicate(resource, id string) error {
	return &Error{
		Sentinel: ErrDuplicate,
		Message:  fmt.Sprintf("%s %s already exists", resource, id),
		Resource: resource,
		JobID:    id,
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

// Dispatch creates an error for a failed Secure Dispatcher step.
func Dispatch(step Step, jobID string, cause error) error {
	var sentinel error
	switch step {
	case StepTransfer:
		sentinel = ErrTransfer
	case StepTrigger:
		sentinel = ErrTrigger
	default:
		sentinel = ErrParse
	}
	return &Error{
		Sentinel: sentinel,
		Message:  fmt.Sprintf("dispatch %s for job %s: %v", step, jobID, cause),
		JobID:    jobID,
		Step:     step,
		Op:       "dispatch." + string(step),
		Cause:    cause,
	}
}

// Transient creates an error for a remote call that produced no information.
func Transient(op, jobID string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		JobID:    jobID,
		Op:       op,
		Cause:    cause,
	}
}

// LostJob reports a job whose remote handle stayed unresolved for too long.
func LostJob(jobID, handle string, polls int) error {
	return &Error{
		Sentinel: ErrLostJob,
		Message:  fmt.Sprintf("remote batch job %s unresolved after %d consecutive polls", handle, polls),
		JobID:    jobID,
		Op:       "reconcile.poll",
	}
}

// StepOf returns the dispatcher step recorded in err, or "".
func StepOf(err error) Step {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Step
	}
	return ""
}

// IsRetryable reports whether a dispatch error may be retried under the same
// job id: transfer and trigger failures, and transient remote failures.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransfer) || errors.Is(err, ErrTrigger) || errors.Is(err, ErrTransient)
}
