// Package errs provides the closed error-kind taxonomy used across the
// orchestration core (§7), grounded on the teacher's ToolError pattern in
// internal/agent/errors.go (a kind tag plus message/cause, not a type
// hierarchy).
package errs

import (
	"errors"
	"fmt"

	"github.com/coreagent/enginecore/pkg/models"
)

// Error is a structured error carrying one of the closed ErrorKind values
// plus a human-readable message and optional cause.
type Error struct {
	Kind    models.ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind models.ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around an existing cause.
func Wrap(kind models.ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is an
// *Error; otherwise returns the empty kind.
func KindOf(err error) models.ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's classified kind matches want.
func Is(err error, want models.ErrorKind) bool {
	return KindOf(err) == want
}

// StorageError is the common fallible-operation result every SessionStore
// method returns, per §6.3: {not_found, connection, conflict, internal{msg}}.
type StorageError struct {
	Kind    models.StorageErrorKind
	Message string
	Cause   error
}

func (e *StorageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("storage[%s]: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("storage[%s]: %s", e.Kind, e.Message)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// NewStorageError builds a *StorageError of the given kind.
func NewStorageError(kind models.StorageErrorKind, message string) *StorageError {
	return &StorageError{Kind: kind, Message: message}
}

// WrapStorageError builds a *StorageError of the given kind around a cause.
func WrapStorageError(kind models.StorageErrorKind, message string, cause error) *StorageError {
	return &StorageError{Kind: kind, Message: message, Cause: cause}
}

// IsNotFound reports whether err is a StorageError of kind not_found.
func IsNotFound(err error) bool {
	var e *StorageError
	return errors.As(err, &e) && e.Kind == models.StorageNotFound
}
