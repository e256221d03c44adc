package persistence

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entity, type or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a write violates a unique index. It is never retried.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrReferenceNotFound is returned when a cross reference names a missing entity.
	ErrReferenceNotFound = errors.New("referenced entity not found")

	// ErrTypeReferenced is returned when deleting a type that other types point at.
	ErrTypeReferenced = errors.New("content type is referenced by another type")

	// ErrTypeExists is returned when importing a type whose name is taken.
	ErrTypeExists = errors.New("content type already exists")

	// ErrInvalidData is returned when entity values fail validation.
	ErrInvalidData = errors.New("invalid data")
)

// ValidationError carries the issues found while validating entity values.
type ValidationError struct {
	TypeName string
	Issues   []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Path != "" {
			msgs = append(msgs, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
		} else {
			msgs = append(msgs, issue.Message)
		}
	}
	return fmt.Sprintf("invalid %s: %s", e.TypeName, strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrInvalidData }
