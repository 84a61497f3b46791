// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation        = errors.New("validation error")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrStaleUpdate       = errors.New("stale update")
	ErrTerminal          = errors.New("job is in a terminal state")
	ErrDispatchTransient = errors.New("dispatch failed")
	ErrDispatchRejected  = errors.New("dispatch rejected")
	ErrInternal          = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "assets[2].url")
	Resource   string // For not found/conflict (e.g., "training job")
	ID         string // Resource a failed operation left behind (e.g., the FAILED job)
	Op         string // Operation that failed (e.g., "provider.startTraining")
	Reason     string // Machine-readable reason for conflicts (e.g., "step_regression")
	StatusCode int    // Upstream HTTP status, when the error came from a remote call
	Cause      error  // Underlying error
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

// Unauthenticated creates an error for a request without caller identity.
func Unauthenticated(message string) error {
	return &Error{
		Sentinel: ErrUnauthenticated,
		Message:  message,
	}
}

// Forbidden creates an authorization error for a resource owned by someone else.
func Forbidden(resource, id string) error {
	return &Error{
		Sentinel: ErrForbidden,
		Message:  fmt.Sprintf("access to %s %s is not allowed", resource, id),
		Resource: resource,
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
		Message:  reason,
		Resource: resource,
	}
}

// StaleUpdate creates a reconciliation conflict: an update that lost the
// ordering check against the stored state.
func StaleUpdate(resource, id, reason, detail string) error {
	return &Error{
		Sentinel: ErrStaleUpdate,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, detail),
		Resource: resource,
		Reason:   reason,
	}
}

// Terminal creates an error for a mutation attempted on a finished resource.
func Terminal(resource, id, status string) error {
	return &Error{
		Sentinel: ErrTerminal,
		Message:  fmt.Sprintf("%s %s is already %s", resource, id, status),
		Resource: resource,
		Reason:   status,
	}
}

// DispatchTransient creates a retryable dispatch error (network, timeout, 5xx).
func DispatchTransient(op string, statusCode int, cause error) error {
	return &Error{
		Sentinel:   ErrDispatchTransient,
		Message:    fmt.Sprintf("%s: %v", op, cause),
		Op:         op,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

// DispatchRejected creates a non-retryable dispatch error reported by the provider.
func DispatchRejected(op string, statusCode int, cause error) error {
	return &Error{
		Sentinel:   ErrDispatchRejected,
		Message:    fmt.Sprintf("%s: %v", op, cause),
		Op:         op,
		StatusCode: statusCode,
		Cause:      cause,
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

// WithID attaches the id of the resource a failed operation left behind.
// err keeps its classification.
func WithID(err error, id string) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		c := *appErr
		c.ID = id
		return &c
	}
	return &Error{Sentinel: err, Message: err.Error(), ID: id, Cause: err}
}

// IDOf returns the resource id carried by err, if any.
func IDOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.ID
	}
	return ""
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrDispatchTransient)
}

// ReasonOf returns the machine-readable reason carried by err, if any.
func ReasonOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Reason
	}
	return ""
}
