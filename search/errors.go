package search

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidQuery is wrapped by every QueryError.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrCursorExpired is returned for a page token that is unknown or has expired.
	ErrCursorExpired = errors.New("page token expired or unknown")
	// ErrEngine is wrapped by errors returned from the search engine itself.
	ErrEngine = errors.New("search engine error")
)

// QueryError names the clause of a search request that could not be compiled.
type QueryError struct {
	// Clause is the request parameter, e.g. "r_year" or "s_title".
	Clause string
	Field  string
	Reason string
}

func (e *QueryError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid query clause %s (field %s): %s", e.Clause, e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid query clause %s: %s", e.Clause, e.Reason)
}

func (e *QueryError) Unwrap() error { return ErrInvalidQuery }

func queryError(clause, field, format string, args ...any) *QueryError {
	return &QueryError{Clause: clause, Field: field, Reason: fmt.Sprintf(format, args...)}
}

// EngineError is a non-success response from the search engine.
type EngineError struct {
	Status int
	Type   string
	Reason string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("search engine returned %d: %s: %s", e.Status, e.Type, e.Reason)
}

func (e *EngineError) Unwrap() error { return ErrEngine }
