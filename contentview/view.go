// Package contentview materializes named, persisted id sets of one content type out of
// a graph path, a search filter or both.
package contentview

import (
	"errors"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrAlreadyPopulating is returned when a populate run is already in progress.
	ErrAlreadyPopulating = errors.New("content view is already populating")
	// ErrCapacityExceeded is returned when a view would hold more ids than allowed.
	ErrCapacityExceeded = errors.New("content view capacity exceeded")
	// ErrInvalidSpec is returned for views whose target, path or filter do not resolve.
	ErrInvalidSpec = errors.New("invalid content view spec")
)

// Status is the populate state of a view.
type Status string

const (
	StatusCreated      Status = "created"
	StatusPopulating   Status = "populating"
	StatusPopulated    Status = "populated"
	StatusNeedsRefresh Status = "needs-refresh"
	StatusDeleting     Status = "deleting"
	StatusError        Status = "error"
)

// Error reasons recorded in the status of a failed view.
const (
	ReasonCapacity    = "capacity"
	ReasonInvalidSpec = "invalid spec"
)

// errorStatus returns the status of a view that failed for reason.
func errorStatus(reason string) Status {
	if reason == "" {
		return StatusError
	}
	return Status(string(StatusError) + ": " + reason)
}

// IsError reports whether the status is a terminal error.
func (s Status) IsError() bool {
	return s == StatusError || strings.HasPrefix(string(s), string(StatusError)+":")
}

// ContentView is a named id set over one content type.
type ContentView struct {
	ID         string `json:"id"`
	CorpusID   string `json:"corpus_id"`
	Name       string `json:"name"`
	Slug       string `json:"slug"`
	TargetType string `json:"target_type"`
	// GraphPath is a traversal anchored on TargetType, such as "(Book)-->(Person[p1])".
	GraphPath string `json:"graph_path,omitempty"`
	// SearchFilter holds search parameters in query string form.
	SearchFilter string    `json:"search_filter,omitempty"`
	Status       Status    `json:"status"`
	StatusDate   time.Time `json:"status_date"`
	ErrorReason  string    `json:"error_reason,omitempty"`
	Count        int64     `json:"count"`
	Created      time.Time `json:"created"`
}

// IsStale reports whether the view's content changed since it was populated.
func (v *ContentView) IsStale() bool {
	return v.Status == StatusNeedsRefresh
}

var slugFolder = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lower-cases name, strips accents and joins the remaining letters and digits
// with hyphens.
func Slugify(name string) string {
	folded, _, err := transform.String(slugFolder, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	hyphen := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if hyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			hyphen = false
			b.WriteRune(r)
		default:
			hyphen = true
		}
	}
	return b.String()
}
