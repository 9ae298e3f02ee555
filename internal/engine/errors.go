package engine

import (
	"errors"
	"fmt"

	"grievline/internal/domain"
)

var (
	ErrInvalidTransition      = errors.New("invalid transition")
	ErrValidation             = errors.New("validation failed")
	ErrPreconditionFailed     = errors.New("precondition failed")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	ID     string
	From   domain.Status
	To     domain.Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("grievance %s: invalid transition %s -> %s", e.ID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
