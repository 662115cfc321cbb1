package apperr

import (
	"errors"
	"fmt"
)

// Error kinds
var (
	ErrValidation = errors.New("validation error")
	ErrStorage    = errors.New("storage error")
	ErrModelState = errors.New("model state error")
	ErrNotFound   = errors.New("not found")
)

// Error represents an application error with context
type Error struct {
	Kind    error             `json:"-"`
	Op      string            `json:"op,omitempty"`
	Message string            `json:"message"`
	Err     error             `json:"-"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Validation creates a validation error with field details
func Validation(message string, details map[string]string) *Error {
	return &Error{
		Kind:    ErrValidation,
		Message: message,
		Details: details,
	}
}

// Storage wraps a persistence failure for the given operation
func Storage(op string, err error) *Error {
	return &Error{
		Kind:    ErrStorage,
		Op:      op,
		Message: "persistence failed",
		Err:     err,
	}
}

// ModelState reports a retrain that could not produce a usable model
func ModelState(message string, err error) *Error {
	return &Error{
		Kind:    ErrModelState,
		Message: message,
		Err:     err,
	}
}

// NotFound creates a not found error
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Details: map[string]string{"resource": resource, "id": id},
	}
}

// IsValidation reports whether err is a validation error
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
