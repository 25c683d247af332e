// Package apperrors provides the structured error taxonomy for the seeding service.
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
	ErrInternal   = errors.New("internal error")

	// Startup preconditions. The process exits before touching any state.
	ErrStartupPrecondition = errors.New("startup precondition failed")
	ErrAlreadyRunning      = errors.New("another instance is running")

	// Job creation failures. The job is never started.
	ErrUnrecognized  = errors.New("unrecognized descriptor")
	ErrParseFailed   = errors.New("descriptor parse failed")
	ErrDuplicate     = errors.New("duplicate job")
	ErrNotSingleFile = errors.New("descriptor must contain exactly one file")

	// Engine runtime failures that end a job.
	ErrJobStopped  = errors.New("job stopped")
	ErrEngineFatal = errors.New("engine fatal error")

	// Registry write failures. Transient; retried on the next sweep.
	ErrRegistryWrite  = errors.New("registry write failed")
	ErrAlreadyClaimed = errors.New("item already claimed")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "name", "descriptor")
	Resource string // For not found/conflict/create errors (e.g., "item", a descriptor location)
	Op       string // Operation that failed (e.g., "registry.markSeeding")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause to errors.Is/As.
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

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Precondition creates a startup precondition error.
func Precondition(op string, cause error) error {
	return &Error{
		Sentinel: ErrStartupPrecondition,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Create creates a job creation error of the given kind.
// kind must be one of ErrUnrecognized, ErrParseFailed, ErrDuplicate, ErrNotSingleFile.
func Create(kind error, location string, cause error) error {
	msg := fmt.Sprintf("%v: %s", kind, location)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &Error{
		Sentinel: kind,
		Message:  msg,
		Resource: location,
		Op:       "engine.createJob",
		Cause:    cause,
	}
}

// Runtime creates an engine runtime error that ended a job.
func Runtime(kind error, id, message string) error {
	return &Error{
		Sentinel: kind,
		Message:  fmt.Sprintf("job %s: %v: %s", id, kind, message),
		Resource: id,
	}
}

// RegistryWrite creates a registry write error.
func RegistryWrite(op string, cause error) error {
	return &Error{
		Sentinel: ErrRegistryWrite,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsCreateError reports whether err is one of the job creation failures.
func IsCreateError(err error) bool {
	return errors.Is(err, ErrUnrecognized) ||
		errors.Is(err, ErrParseFailed) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrNotSingleFile)
}
