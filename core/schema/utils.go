package schema

import "strings"

// FindField returns the field with the given name from an ordered field list.
func FindField(fields []*FieldDefinition, name string) (*FieldDefinition, bool) {
	for _, field := range fields {
		if field.Name == name {
			return field, true
		}
	}
	return nil, false
}

// CollectionName returns the primary-store collection for a content type in a corpus.
func CollectionName(corpusID, typeName string) string {
	return "corpus_" + corpusID + "_" + typeName
}

// SplitPath splits a dotted field path such as "author.label" into its root and rest.
func SplitPath(path string) (string, string) {
	root, rest, _ := strings.Cut(path, ".")
	return root, rest
}

// EntityURI returns the canonical URI of an entity.
func EntityURI(corpusID, typeName, id string) string {
	return "/corpus/" + corpusID + "/" + typeName + "/" + id
}

// ParseURI splits an entity URI into its corpus, type and id segments.
func ParseURI(uri string) (corpusID, typeName, id string, ok bool) {
	parts := strings.Split(strings.Trim(uri, "/"), "/")
	if len(parts) != 4 || parts[0] != "corpus" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
