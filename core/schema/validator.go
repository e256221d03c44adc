// Package schema holds content type definitions, typed field values and the compiler
// that turns a definition into a storage descriptor.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"
)

// ReservedFieldNames cannot be used as field names because they collide with system
// columns or entity methods.
var ReservedFieldNames = []string{
	"id", "corpus_id", "content_type", "label", "uri", "path", "provenance",
	"field_intensities", "last_updated", "corpus", "template", "templates",
	"fields", "save", "delete",
}

// InternalPrefix marks names reserved for internal collections and fields.
const InternalPrefix = "_"

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IsReservedFieldName reports whether name is reserved.
func IsReservedFieldName(name string) bool {
	return slices.Contains(ReservedFieldNames, strings.ToLower(name))
}

// DefinitionValidator checks a content type definition against the other types of its
// corpus. Issues are collected rather than returned on the first failure.
type DefinitionValidator struct {
	others map[string]*ContentTypeDefinition
	issues []Issue
}

// NewDefinitionValidator creates a validator aware of the corpus' existing types.
func NewDefinitionValidator(others []*ContentTypeDefinition) *DefinitionValidator {
	m := make(map[string]*ContentTypeDefinition, len(others))
	for _, o := range others {
		m[o.Name] = o
	}
	return &DefinitionValidator{others: m}
}

// Validate returns nil for a valid definition and a *SchemaError otherwise.
func (v *DefinitionValidator) Validate(def *ContentTypeDefinition) error {
	v.issues = make([]Issue, 0)

	v.validateNames(def)
	seen := make(map[string]bool, len(def.Fields))
	for i, f := range def.Fields {
		path := fmt.Sprintf("fields[%d]", i)
		if f == nil {
			v.addIssue("INVALID_FIELD", "Field definition is empty", path)
			continue
		}
		path = v.buildPath("fields", f.Name)
		if seen[f.Name] {
			v.addIssue("DUPLICATE_FIELD", fmt.Sprintf("Field '%s' is declared more than once", f.Name), path)
		}
		seen[f.Name] = true
		v.validateField(def, f, path)
	}
	v.validateProxy(def)
	v.validateTemplates(def)

	if len(v.issues) == 0 {
		return nil
	}
	return &SchemaError{Type: def.Name, Issues: v.issues}
}

func (v *DefinitionValidator) validateNames(def *ContentTypeDefinition) {
	if !identifierPattern.MatchString(def.Name) {
		v.addIssue("INVALID_NAME", fmt.Sprintf("Type name '%s' must start with a letter and contain only letters, digits and underscores", def.Name), "name")
	}
	if strings.TrimSpace(def.PluralName) == "" {
		v.addIssue("INVALID_NAME", "Plural name is required", "plural_name")
	}
	for _, other := range v.others {
		if other.Name == def.Name {
			continue
		}
		if strings.EqualFold(other.Name, def.Name) || strings.EqualFold(other.PluralName, def.Name) {
			v.addIssue("DUPLICATE_TYPE", fmt.Sprintf("Type name '%s' is already used by '%s'", def.Name, other.Name), "name")
		}
		if def.PluralName != "" && (strings.EqualFold(other.PluralName, def.PluralName) || strings.EqualFold(other.Name, def.PluralName)) {
			v.addIssue("DUPLICATE_TYPE", fmt.Sprintf("Plural name '%s' is already used by '%s'", def.PluralName, other.Name), "plural_name")
		}
	}
}

func (v *DefinitionValidator) validateField(def *ContentTypeDefinition, f *FieldDefinition, path string) {
	switch {
	case strings.HasPrefix(f.Name, InternalPrefix):
		v.addIssue("INTERNAL_PREFIX", fmt.Sprintf("Field '%s' may not start with '%s'", f.Name, InternalPrefix), path)
	case IsReservedFieldName(f.Name):
		v.addIssue("RESERVED_FIELD_NAME", fmt.Sprintf("Field name '%s' is reserved", f.Name), path)
	case !identifierPattern.MatchString(f.Name):
		v.addIssue("INVALID_NAME", fmt.Sprintf("Field name '%s' must start with a letter and contain only letters, digits and underscores", f.Name), path)
	}

	if !IsKnownFieldType(f.Type) {
		v.addIssue("UNKNOWN_FIELD_TYPE", fmt.Sprintf("Unknown field type '%s'", f.Type), v.buildPath(path, "type"))
		return
	}

	if f.IsCrossReference() {
		target := f.CrossReferenceType
		if target == "" {
			v.addIssue("UNRESOLVED_REFERENCE", "Cross reference fields must name a target type", v.buildPath(path, "cross_reference_type"))
		} else if target != def.Name {
			if _, ok := v.others[target]; !ok {
				v.addIssue("UNRESOLVED_REFERENCE", fmt.Sprintf("Cross reference target '%s' does not exist", target), v.buildPath(path, "cross_reference_type"))
			}
		}
	} else {
		if f.HasIntensity {
			v.addIssue("INVALID_OPTION", "Only cross reference fields can carry intensity", v.buildPath(path, "has_intensity"))
		}
		if f.CrossReferenceType != "" {
			v.addIssue("INVALID_OPTION", "Only cross reference fields can name a target type", v.buildPath(path, "cross_reference_type"))
		}
	}

	if f.Unique && f.Multiple {
		v.addIssue("INVALID_OPTION", "Multiple fields cannot be unique", v.buildPath(path, "unique"))
	}

	for _, sibling := range f.IndexedWith {
		v.validateSibling(def, f, sibling, v.buildPath(path, "indexed_with"))
	}
	for _, sibling := range f.UniqueWith {
		v.validateSibling(def, f, sibling, v.buildPath(path, "unique_with"))
	}
}

func (v *DefinitionValidator) validateSibling(def *ContentTypeDefinition, f *FieldDefinition, sibling, path string) {
	if sibling == f.Name {
		v.addIssue("UNKNOWN_SIBLING", fmt.Sprintf("Field '%s' cannot be compounded with itself", f.Name), path)
		return
	}
	if _, ok := def.Field(sibling); !ok {
		v.addIssue("UNKNOWN_SIBLING", fmt.Sprintf("Sibling field '%s' does not exist", sibling), path)
	}
}

func (v *DefinitionValidator) validateProxy(def *ContentTypeDefinition) {
	if def.ProxyField == "" {
		return
	}
	f, ok := def.Field(def.ProxyField)
	if !ok {
		v.addIssue("INVALID_PROXY", fmt.Sprintf("Proxy field '%s' does not exist", def.ProxyField), "proxy_field")
		return
	}
	if !f.IsCrossReference() || f.Multiple {
		v.addIssue("INVALID_PROXY", "Proxy field must be a single-valued cross reference", "proxy_field")
	}
}

func (v *DefinitionValidator) validateTemplates(def *ContentTypeDefinition) {
	for name, t := range def.Templates {
		if _, err := template.New(name).Funcs(TemplateFuncs).Parse(t.Template); err != nil {
			v.addIssue("INVALID_TEMPLATE", fmt.Sprintf("Template does not parse: %v", err), v.buildPath("templates", name))
		}
	}
}

// buildPath constructs a dot-separated path string for error reporting.
func (v *DefinitionValidator) buildPath(basePath, name string) string {
	if basePath == "" {
		return name
	}
	return basePath + "." + name
}

func (v *DefinitionValidator) addIssue(code, message, path string) {
	v.issues = append(v.issues, Issue{
		Code:     code,
		Message:  message,
		Path:     path,
		Severity: "error",
	})
}

// Validator coerces raw input into typed Values for one content type and checks that
// already typed Values match their field definitions.
type Validator struct {
	def    *ContentTypeDefinition
	issues []Issue
}

// NewValidator creates a data validator for def.
func NewValidator(def *ContentTypeDefinition) *Validator {
	return &Validator{def: def}
}

// Coerce converts raw input into Values in field order. With loose set, keys that are
// not fields of the type (system attributes, for instance) are ignored instead of
// reported.
func (v *Validator) Coerce(data map[string]any, loose bool) (*Values, []Issue) {
	v.issues = make([]Issue, 0)
	out := NewValues()

	for _, f := range v.def.Fields {
		raw, exists := data[f.Name]
		if !exists {
			continue
		}
		if s, ok := raw.(string); ok && strings.EqualFold(s, "null") {
			raw = nil
		}
		value, err := CoerceField(f, raw)
		if err != nil {
			v.addIssue("TYPE_MISMATCH", err.Error(), f.Name)
			continue
		}
		out.Set(f.Name, value)
	}

	if !loose {
		for key := range data {
			if _, ok := v.def.Field(key); !ok {
				v.addIssue("UNEXPECTED_FIELD", fmt.Sprintf("Unexpected field '%s' not defined in content type", key), key)
			}
		}
	}
	return out, v.issues
}

// Validate checks typed values against the field definitions.
func (v *Validator) Validate(values *Values) (bool, []Issue) {
	v.issues = make([]Issue, 0)
	for _, name := range values.Keys() {
		f, ok := v.def.Field(name)
		if !ok {
			v.addIssue("UNEXPECTED_FIELD", fmt.Sprintf("Unexpected field '%s' not defined in content type", name), name)
			continue
		}
		v.validateValue(f, values.Get(name), name)
	}
	return len(v.issues) == 0, v.issues
}

func (v *Validator) validateValue(f *FieldDefinition, value Value, path string) {
	if value.IsNull() {
		return
	}
	if f.IsCrossReference() {
		want := KindReference
		if f.Multiple {
			want = KindReferenceList
		}
		if value.Kind() != want {
			v.addIssue("TYPE_MISMATCH", fmt.Sprintf("Expected %s, got %s", want, value.Kind()), path)
			return
		}
		for i, r := range value.References() {
			if r.ID == "" {
				v.addIssue("TYPE_MISMATCH", "Reference is missing an id", fmt.Sprintf("%s[%d]", path, i))
			}
			if r.Intensity != nil && !f.HasIntensity {
				v.addIssue("INTENSITY_NOT_ALLOWED", fmt.Sprintf("Field '%s' does not carry intensity", f.Name), fmt.Sprintf("%s[%d]", path, i))
			}
		}
		return
	}

	if f.Multiple {
		if value.Kind() != KindList {
			v.addIssue("TYPE_MISMATCH", fmt.Sprintf("Expected list, got %s", value.Kind()), path)
			return
		}
		for i, item := range value.Items() {
			v.validateScalar(f, item, fmt.Sprintf("%s[%d]", path, i))
		}
		return
	}
	v.validateScalar(f, value, path)
}

func (v *Validator) validateScalar(f *FieldDefinition, value Value, path string) {
	want := scalarKind(f.Type)
	got := value.Kind()
	if got == want || (want == KindDecimal && got == KindInteger) {
		return
	}
	v.addIssue("TYPE_MISMATCH", fmt.Sprintf("Expected %s, got %s", want, got), path)
}

func scalarKind(t FieldType) ValueKind {
	switch t {
	case FieldTypeNumber:
		return KindInteger
	case FieldTypeDecimal:
		return KindDecimal
	case FieldTypeBoolean:
		return KindBoolean
	case FieldTypeDate:
		return KindDate
	case FieldTypeTimespan:
		return KindTimespan
	case FieldTypeGeoPoint:
		return KindGeoPoint
	case FieldTypeCrossReference:
		return KindReference
	case FieldTypeFile, FieldTypeRepo, FieldTypeEmbedded:
		return KindObject
	}
	return KindString
}

func (v *Validator) addIssue(code, message, path string) {
	v.issues = append(v.issues, Issue{
		Code:     code,
		Message:  message,
		Path:     path,
		Severity: "error",
	})
}
