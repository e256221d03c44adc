package schema

import (
	"encoding/json"
	"strings"
	"time"
)

// FieldType represents the field types a content type may declare.
type FieldType string

const (
	FieldTypeText           FieldType = "text"            // Analyzed text with an untokenized sub-field
	FieldTypeLargeText      FieldType = "large_text"      // Analyzed text, never sorted on
	FieldTypeKeyword        FieldType = "keyword"         // Exact-match string
	FieldTypeHTML           FieldType = "html"            // Markup, indexed with tags stripped
	FieldTypeNumber         FieldType = "number"          // Integer data
	FieldTypeDecimal        FieldType = "decimal"         // Floating point data
	FieldTypeBoolean        FieldType = "boolean"         // True/false values
	FieldTypeDate           FieldType = "date"            // A point in time
	FieldTypeTimespan       FieldType = "timespan"        // A start/end interval, end optional
	FieldTypeFile           FieldType = "file"            // A file stored under the entity path
	FieldTypeRepo           FieldType = "repo"            // A git repository stored under the entity path
	FieldTypeLink           FieldType = "link"            // A URL
	FieldTypeGeoPoint       FieldType = "geo_point"       // Latitude/longitude pair
	FieldTypeCrossReference FieldType = "cross_reference" // Typed pointer to another entity
	FieldTypeEmbedded       FieldType = "embedded"        // Free-form structured object
)

// IndexType represents the kinds of primary-store indexes a descriptor can carry.
type IndexType string

const (
	IndexTypeNormal  IndexType = "normal"
	IndexTypeUnique  IndexType = "unique"
	IndexTypePrimary IndexType = "primary"
)

// LabelTemplate is the name of the template used to compute an entity's label.
const LabelTemplate = "Label"

// DefaultLabelTemplate is used when a content type does not declare a label template.
const DefaultLabelTemplate = "{{.id}}"

// TemplateFuncs are available to label and display templates.
var TemplateFuncs = map[string]any{
	"join":  strings.Join,
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"title": func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + s[1:]
	},
}

// FieldStats holds statistics accumulated by the reconciliation job. They are never
// written by the save path.
type FieldStats struct {
	Min     any        `json:"min,omitempty"`
	Max     any        `json:"max,omitempty"`
	Avg     *float64   `json:"avg,omitempty"`
	Count   int64      `json:"count"`
	Updated *time.Time `json:"updated,omitempty"`
}

// FieldDefinition defines a field within a content type.
type FieldDefinition struct {
	Name     string    `json:"name"`
	Label    string    `json:"label,omitempty"`
	Type     FieldType `json:"type"`
	Multiple bool      `json:"multiple,omitempty"`
	// InLists marks the field for projection into search documents.
	InLists bool `json:"in_lists,omitempty"`
	Indexed bool `json:"indexed,omitempty"`
	Unique  bool `json:"unique,omitempty"`
	// IndexedWith and UniqueWith name sibling fields that form a compound index with this one.
	IndexedWith []string `json:"indexed_with,omitempty"`
	UniqueWith  []string `json:"unique_with,omitempty"`
	// CrossReferenceType names the target content type of a cross_reference field.
	CrossReferenceType string      `json:"cross_reference_type,omitempty"`
	HasIntensity       bool        `json:"has_intensity,omitempty"`
	Language           string      `json:"language,omitempty"`
	SynonymFile        string      `json:"synonym_file,omitempty"`
	Autocomplete       bool        `json:"autocomplete,omitempty"`
	Stats              *FieldStats `json:"stats,omitempty"`
}

// IsCrossReference reports whether the field points at another entity.
func (f *FieldDefinition) IsCrossReference() bool {
	return f.Type == FieldTypeCrossReference
}

// IsFileCapable reports whether values of the field live on disk under the entity path.
func (f *FieldDefinition) IsFileCapable() bool {
	return f.Type == FieldTypeFile || f.Type == FieldTypeRepo
}

// DisplayLabel returns the human readable label, falling back to the name.
func (f *FieldDefinition) DisplayLabel() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

// Clone returns a deep copy of the field definition.
func (f *FieldDefinition) Clone() *FieldDefinition {
	c := *f
	c.IndexedWith = append([]string(nil), f.IndexedWith...)
	c.UniqueWith = append([]string(nil), f.UniqueWith...)
	if f.Stats != nil {
		s := *f.Stats
		c.Stats = &s
	}
	return &c
}

// Template is a display template for one output format.
type Template struct {
	Template string `json:"template"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContentTypeDefinition defines a content type: an ordered field list plus templates.
type ContentTypeDefinition struct {
	Name       string              `json:"name"`
	PluralName string              `json:"plural_name"`
	CorpusID   string              `json:"corpus_id,omitempty"`
	Fields     []*FieldDefinition  `json:"fields"`
	Templates  map[string]Template `json:"templates,omitempty"`
	// ProxyField redirects URI computation to the entity referenced by this field.
	ProxyField string `json:"proxy_field,omitempty"`
	// BaseClass names an optional behavior hook registered by the host application.
	BaseClass   string     `json:"base_class,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// Field looks up a field by name.
func (d *ContentTypeDefinition) Field(name string) (*FieldDefinition, bool) {
	return FindField(d.Fields, name)
}

// HasFileField reports whether any field stores files under the entity path.
func (d *ContentTypeDefinition) HasFileField() bool {
	for _, f := range d.Fields {
		if f.IsFileCapable() {
			return true
		}
	}
	return false
}

// LabelTemplate returns the label template, or the default one.
func (d *ContentTypeDefinition) LabelTemplate() string {
	if t, ok := d.Templates[LabelTemplate]; ok && t.Template != "" {
		return t.Template
	}
	return DefaultLabelTemplate
}

// References returns the names of the types this type points at, excluding itself.
func (d *ContentTypeDefinition) References() []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range d.Fields {
		if f.IsCrossReference() && f.CrossReferenceType != d.Name && !seen[f.CrossReferenceType] {
			seen[f.CrossReferenceType] = true
			out = append(out, f.CrossReferenceType)
		}
	}
	return out
}

// Clone returns a deep copy of the definition.
func (d *ContentTypeDefinition) Clone() *ContentTypeDefinition {
	c := *d
	c.Fields = make([]*FieldDefinition, len(d.Fields))
	for i, f := range d.Fields {
		c.Fields[i] = f.Clone()
	}
	if d.Templates != nil {
		c.Templates = make(map[string]Template, len(d.Templates))
		for k, v := range d.Templates {
			c.Templates[k] = v
		}
	}
	return &c
}

// MarshalDefinition encodes a definition for storage.
func MarshalDefinition(d *ContentTypeDefinition) ([]byte, error) {
	return json.Marshal(d)
}

// UnmarshalDefinition decodes a stored definition.
func UnmarshalDefinition(data []byte) (*ContentTypeDefinition, error) {
	var d ContentTypeDefinition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Issue represents a validation or operational issue.
type Issue struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Path        string `json:"path,omitempty"`
	Severity    string `json:"severity,omitempty"` // e.g., "error", "warning"
	Description string `json:"description,omitempty"`
}

// ValidationResult is the outcome of validating a definition or a set of values.
type ValidationResult struct {
	Valid  bool    `json:"valid"`
	Issues []Issue `json:"issues"`
}

// Document is a generic row or search document.
type Document map[string]any
