package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// NotFoundError indicates a resource was not found
type NotFoundError struct {
	Resource string // e.g. "task:1f0c..."
}

// Error implements the error interface
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("resource not found: %s", e.Resource)
}

// IsNotFoundError checks if an error is a NotFoundError
func IsNotFoundError(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// ConflictError indicates a uniqueness conflict (e.g. software code already registered)
type ConflictError struct {
	Resource string
	Message  string
}

// Error implements the error interface
func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on resource %s: %s", e.Resource, e.Message)
}

// IsConflictError checks if an error is a ConflictError
func IsConflictError(err error) bool {
	var conflictErr *ConflictError
	return errors.As(err, &conflictErr)
}

// ProtocolStateError indicates an operation was attempted from a state that does not allow it
type ProtocolStateError struct {
	Resource  string // e.g. "command:42"
	Operation string // e.g. "acknowledge"
	State     string // current state
}

// Error implements the error interface
func (e *ProtocolStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Operation, e.Resource, e.State)
}

// IsProtocolStateError checks if an error is a ProtocolStateError
func IsProtocolStateError(err error) bool {
	var stateErr *ProtocolStateError
	return errors.As(err, &stateErr)
}

// ValidationError indicates a malformed request
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid request: %s", e.Message)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// notFound maps gorm.ErrRecordNotFound to a NotFoundError for the given resource.
func notFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Resource: kind + ":" + id}
	}
	return err
}
