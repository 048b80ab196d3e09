package schema

import (
	"errors"
	"fmt"
)

// ErrNotFound matches every NotFoundError via errors.Is.
var ErrNotFound = errors.New("not found")

// ErrInvalidForm is returned when a form id is not defined by the feature's layer.
var ErrInvalidForm = errors.New("invalid form")

// ErrPendingDeletion is returned when a mutation targets an observation that
// already has a queued DELETE.
var ErrPendingDeletion = errors.New("observation is pending deletion")

// NotFoundError reports a missing resource by kind and id.
type NotFoundError struct {
	Kind string
	ID   string
}

// NewNotFound returns a NotFoundError for the given kind and id.
func NewNotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
