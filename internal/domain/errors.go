package domain

import (
	"errors"
	"fmt"
)

// Error is a typed service error with a stable code. Transport layers map
// codes onto status codes; callers branch on them with errors.As.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes.
const (
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeAuditWrite      = "AUDIT_WRITE_FAILED"
	ErrCodeInternal        = "INTERNAL_ERROR"
)

// NewAuthenticationError creates an error for an invalid or expired session.
func NewAuthenticationError(message string) *Error {
	return &Error{Code: ErrCodeUnauthenticated, Message: message}
}

// NewAuthorizationError creates an error for a valid session lacking a
// permission.
func NewAuthorizationError(message, details string) *Error {
	return &Error{Code: ErrCodeForbidden, Message: message, Details: details}
}

// NewValidationError creates an error for rejected input. No external call
// may have been made when this is returned.
func NewValidationError(message, details string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Message: message, Details: details}
}

// NewNotFoundError creates an error for a missing resource.
func NewNotFoundError(resource, id string) *Error {
	return &Error{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: fmt.Sprintf("id: %s", id),
	}
}

// NewConflictError creates an error for an idempotency violation or a lost
// concurrent update. Retryable by the caller after re-reading state.
func NewConflictError(message, details string) *Error {
	return &Error{Code: ErrCodeConflict, Message: message, Details: details}
}

// NewAuditWriteError wraps a failed audit append. Fatal to the enclosing
// operation: nothing is considered committed.
func NewAuditWriteError(details string) *Error {
	return &Error{
		Code:    ErrCodeAuditWrite,
		Message: "audit log write failed",
		Details: details,
	}
}

// NewInternalError creates a generic internal error.
func NewInternalError(message, details string) *Error {
	return &Error{Code: ErrCodeInternal, Message: message, Details: details}
}

// CodeOf returns the error code of err, or ErrCodeInternal for untyped errors.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// ErrAlreadyProcessed signals a duplicate webhook event id in the ledger.
// Processing treats it as success without reapplying side effects.
var ErrAlreadyProcessed = errors.New("event already processed")

// ErrVersionConflict signals a lost optimistic-concurrency update; the caller
// should re-read and retry.
var ErrVersionConflict = errors.New("version conflict")
