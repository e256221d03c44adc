package search

import (
	"fmt"
	"strings"

	"github.com/bptarpley/corpora/core/schema"
)

// ViewIndex holds one document per content view listing the member ids.
const ViewIndex = "content_views"

const (
	rawField     = "raw"
	suggestField = "suggest"
	htmlAnalyzer = "html_text"
)

// IndexName returns the search index holding a content type's documents.
func IndexName(corpusID, typeName string) string {
	return "corpus-" + strings.ToLower(corpusID) + "-" + strings.ToLower(typeName)
}

// Mapping compiles the index settings and mapping for a content type. Only in-list
// fields are mapped; anything else in a document stays in _source unindexed.
func Mapping(d *schema.Descriptor) map[string]any {
	properties := map[string]any{
		schema.ColumnID:    keywordMapping(),
		schema.ColumnLabel: textMapping(&schema.FieldDefinition{Type: schema.FieldTypeText}),
		schema.ColumnURI:   keywordMapping(),
	}
	analyzers := map[string]any{
		htmlAnalyzer: map[string]any{
			"type":        "custom",
			"tokenizer":   "standard",
			"char_filter": []string{"html_strip"},
			"filter":      []string{"lowercase"},
		},
	}
	filters := map[string]any{}
	synonyms := func(name, file string) string {
		filters[synonymFilter(name)] = map[string]any{
			"type":          "synonym_graph",
			"synonyms_path": file,
		}
		analyzers[synonymAnalyzer(name)] = map[string]any{
			"type":      "custom",
			"tokenizer": "standard",
			"filter":    []string{"lowercase", synonymFilter(name)},
		}
		return synonymAnalyzer(name)
	}

	for _, f := range d.Fields {
		def := f.Definition
		if !def.InLists {
			continue
		}
		if def.IsCrossReference() {
			properties[def.Name] = referenceMapping(f, synonyms)
			continue
		}
		if def.SynonymFile != "" {
			synonyms(def.Name, def.SynonymFile)
		}
		properties[def.Name] = fieldMapping(def)
	}

	return map[string]any{
		"settings": map[string]any{
			"analysis": map[string]any{
				"analyzer": analyzers,
				"filter":   filters,
			},
		},
		"mappings": map[string]any{
			"dynamic":    false,
			"properties": properties,
		},
	}
}

// ViewMapping is the mapping of the content view index.
func ViewMapping() map[string]any {
	return map[string]any{
		"mappings": map[string]any{
			"dynamic": false,
			"properties": map[string]any{
				"ids":          keywordMapping(),
				"corpus_id":    keywordMapping(),
				"content_type": keywordMapping(),
			},
		},
	}
}

func synonymFilter(field string) string   { return "synonyms_" + field + "_filter" }
func synonymAnalyzer(field string) string { return "synonyms_" + field }

func keywordMapping() map[string]any {
	return map[string]any{"type": "keyword"}
}

func textMapping(def *schema.FieldDefinition) map[string]any {
	m := map[string]any{"type": "text"}
	if def.Language != "" {
		m["analyzer"] = def.Language
	}
	if def.SynonymFile != "" && def.Name != "" {
		m["search_analyzer"] = synonymAnalyzer(def.Name)
	}
	fields := map[string]any{}
	if def.Type == schema.FieldTypeText {
		fields[rawField] = map[string]any{"type": "keyword", "ignore_above": 256}
	}
	if def.Autocomplete {
		fields[suggestField] = map[string]any{"type": "search_as_you_type"}
	}
	if len(fields) > 0 {
		m["fields"] = fields
	}
	return m
}

func fieldMapping(def *schema.FieldDefinition) map[string]any {
	switch def.Type {
	case schema.FieldTypeText, schema.FieldTypeLargeText:
		return textMapping(def)
	case schema.FieldTypeHTML:
		m := textMapping(def)
		if def.Language == "" {
			m["analyzer"] = htmlAnalyzer
		}
		return m
	case schema.FieldTypeNumber:
		return map[string]any{"type": "long"}
	case schema.FieldTypeDecimal:
		return map[string]any{"type": "double"}
	case schema.FieldTypeBoolean:
		return map[string]any{"type": "boolean"}
	case schema.FieldTypeDate:
		return map[string]any{"type": "date"}
	case schema.FieldTypeTimespan:
		return map[string]any{
			"type": "nested",
			"properties": map[string]any{
				"start":       map[string]any{"type": "date"},
				"end":         map[string]any{"type": "date"},
				"uncertain":   map[string]any{"type": "boolean"},
				"granularity": keywordMapping(),
			},
		}
	case schema.FieldTypeGeoPoint:
		return map[string]any{"type": "geo_point"}
	case schema.FieldTypeEmbedded:
		return map[string]any{"type": "object", "enabled": false}
	}
	return keywordMapping()
}

// referenceMapping maps a cross reference as a nested object carrying the stub plus the
// target's scalar in-list fields. Target fields with synonyms get an analyzer registered
// under the reference's name, since the target's own analyzers live in another index.
func referenceMapping(f *schema.FieldDescriptor, synonyms func(name, file string) string) map[string]any {
	props := map[string]any{
		"id":        keywordMapping(),
		"label":     textMapping(&schema.FieldDefinition{Type: schema.FieldTypeText}),
		"uri":       keywordMapping(),
		"intensity": map[string]any{"type": "double"},
	}
	if f.Target != nil {
		for _, tf := range f.Target.Fields {
			if !tf.InLists || !isScalar(tf.Type) {
				continue
			}
			m := fieldMapping(tf)
			if _, ok := m["search_analyzer"]; ok {
				m["search_analyzer"] = synonyms(f.Definition.Name+"_"+tf.Name, tf.SynonymFile)
			}
			props[tf.Name] = m
		}
	}
	return map[string]any{"type": "nested", "properties": props}
}

func isScalar(t schema.FieldType) bool {
	switch t {
	case schema.FieldTypeTimespan, schema.FieldTypeGeoPoint, schema.FieldTypeEmbedded, schema.FieldTypeCrossReference:
		return false
	}
	return true
}

// fieldRef is a document path resolved against a descriptor.
type fieldRef struct {
	// Path is the engine field path, e.g. "authors.label".
	Path string
	// Nested is the enclosing nested path, empty for top-level fields.
	Nested string
	Type   schema.FieldType
	// Root is the definition of the top-level field; nil for system fields.
	Root *schema.FieldDefinition
}

// whole reports whether the reference names an entire cross reference or timespan
// rather than one of its sub-fields.
func (r fieldRef) whole() bool { return r.Nested != "" && r.Path == r.Nested }

// hasRaw reports whether the path carries an untokenized sub-field.
func (r fieldRef) hasRaw() bool {
	return r.Type == schema.FieldTypeText
}

func resolveField(d *schema.Descriptor, path string) (fieldRef, error) {
	root, rest := schema.SplitPath(path)
	switch root {
	case schema.ColumnID, schema.ColumnURI:
		if rest != "" {
			return fieldRef{}, fmt.Errorf("%s has no sub-fields", root)
		}
		return fieldRef{Path: root, Type: schema.FieldTypeKeyword}, nil
	case schema.ColumnLabel:
		if rest != "" {
			return fieldRef{}, fmt.Errorf("%s has no sub-fields", root)
		}
		return fieldRef{Path: root, Type: schema.FieldTypeText}, nil
	}

	f, ok := d.Field(root)
	if !ok {
		return fieldRef{}, fmt.Errorf("unknown field")
	}
	def := f.Definition
	if !def.InLists {
		return fieldRef{}, fmt.Errorf("field is not indexed for search")
	}

	switch def.Type {
	case schema.FieldTypeEmbedded:
		return fieldRef{}, fmt.Errorf("embedded fields cannot be searched")
	case schema.FieldTypeCrossReference:
		ref := fieldRef{Path: root, Nested: root, Type: def.Type, Root: def}
		switch rest {
		case "":
			return ref, nil
		case "id", "uri":
			ref.Type = schema.FieldTypeKeyword
		case "label":
			ref.Type = schema.FieldTypeText
		case "intensity":
			ref.Type = schema.FieldTypeDecimal
		default:
			if strings.Contains(rest, ".") {
				return fieldRef{}, fmt.Errorf("malformed path %q", path)
			}
			tf, ok := targetField(f, rest)
			if !ok {
				return fieldRef{}, fmt.Errorf("%s has no searchable sub-field %q", root, rest)
			}
			ref.Type = searchType(tf.Type)
		}
		ref.Path = root + "." + rest
		return ref, nil
	case schema.FieldTypeTimespan:
		ref := fieldRef{Path: root, Nested: root, Type: def.Type, Root: def}
		switch rest {
		case "":
			return ref, nil
		case "start", "end":
			ref.Type = schema.FieldTypeDate
		case "uncertain":
			ref.Type = schema.FieldTypeBoolean
		case "granularity":
			ref.Type = schema.FieldTypeKeyword
		default:
			return fieldRef{}, fmt.Errorf("timespan has no sub-field %q", rest)
		}
		ref.Path = root + "." + rest
		return ref, nil
	}

	if rest != "" {
		return fieldRef{}, fmt.Errorf("%s has no sub-fields", root)
	}
	return fieldRef{Path: root, Type: searchType(def.Type), Root: def}, nil
}

// searchType folds the string types that are mapped as keywords into keyword.
func searchType(t schema.FieldType) schema.FieldType {
	switch t {
	case schema.FieldTypeLink, schema.FieldTypeFile, schema.FieldTypeRepo:
		return schema.FieldTypeKeyword
	}
	return t
}

func targetField(f *schema.FieldDescriptor, name string) (*schema.FieldDefinition, bool) {
	if f.Target == nil {
		return nil, false
	}
	tf, ok := f.Target.Field(name)
	if !ok || !tf.InLists || !isScalar(tf.Type) {
		return nil, false
	}
	return tf, true
}
