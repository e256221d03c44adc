package schema

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

var (
	// ErrInvalidSchema is wrapped by every SchemaError.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrUnorderable is returned when an import set contains unresolvable dependencies.
	ErrUnorderable = errors.New("content types cannot be ordered by their references")
)

// SchemaError reports every issue found while validating a content type definition.
type SchemaError struct {
	Type   string
	Issues []Issue
}

func (e *SchemaError) Error() string {
	var merr *multierror.Error
	for _, issue := range e.Issues {
		if issue.Path != "" {
			merr = multierror.Append(merr, fmt.Errorf("%s: %s (%s)", issue.Path, issue.Message, issue.Code))
		} else {
			merr = multierror.Append(merr, fmt.Errorf("%s (%s)", issue.Message, issue.Code))
		}
	}
	if merr == nil {
		return fmt.Sprintf("invalid content type %q", e.Type)
	}
	merr.ErrorFormat = func(errs []error) string {
		msg := fmt.Sprintf("invalid content type %q: %d issue(s)", e.Type, len(errs))
		for _, err := range errs {
			msg += "; " + err.Error()
		}
		return msg
	}
	return merr.Error()
}

func (e *SchemaError) Unwrap() error { return ErrInvalidSchema }

// HasCode reports whether any issue carries code.
func (e *SchemaError) HasCode(code string) bool {
	for _, issue := range e.Issues {
		if issue.Code == code {
			return true
		}
	}
	return false
}
