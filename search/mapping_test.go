package search

import (
	"testing"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapping(t *testing.T) {
	d := testDescriptors(t)["Book"]
	m := Mapping(d)

	mappings := m["mappings"].(map[string]any)
	assert.Equal(t, false, mappings["dynamic"])
	props := mappings["properties"].(map[string]any)

	assert.JSONEq(t, `{"type":"keyword"}`, asJSON(t, props["id"]))
	assert.JSONEq(t, `{"type":"keyword"}`, asJSON(t, props["uri"]))
	assert.JSONEq(t, `{"type":"text","fields":{"raw":{"type":"keyword","ignore_above":256}}}`, asJSON(t, props["label"]))
	assert.JSONEq(t, `{"type":"text","fields":{"raw":{"type":"keyword","ignore_above":256},"suggest":{"type":"search_as_you_type"}}}`, asJSON(t, props["title"]))
	assert.JSONEq(t, `{"type":"long"}`, asJSON(t, props["year"]))
	assert.JSONEq(t, `{"type":"double"}`, asJSON(t, props["price"]))
	assert.JSONEq(t, `{"type":"date"}`, asJSON(t, props["published"]))
	assert.JSONEq(t, `{"type":"geo_point"}`, asJSON(t, props["location"]))
	assert.JSONEq(t, `{"type":"text","analyzer":"html_text"}`, asJSON(t, props["body"]))
	assert.JSONEq(t, `{"type":"text","search_analyzer":"synonyms_notes"}`, asJSON(t, props["notes"]))
	assert.JSONEq(t, `{"type":"object","enabled":false}`, asJSON(t, props["extra"]))
	assert.Equal(t, "nested", props["written"].(map[string]any)["type"])
	assert.NotContains(t, props, "secret")

	authors := props["authors"].(map[string]any)
	assert.Equal(t, "nested", authors["type"])
	authorProps := authors["properties"].(map[string]any)
	for _, name := range []string{"id", "label", "uri", "intensity", "name", "born"} {
		assert.Contains(t, authorProps, name)
	}
	assert.NotContains(t, authorProps, "active", "timespans of the target are not mapped")

	analysis := m["settings"].(map[string]any)["analysis"].(map[string]any)
	analyzers := analysis["analyzer"].(map[string]any)
	require.Contains(t, analyzers, "synonyms_notes")
	require.Contains(t, analyzers, htmlAnalyzer)
	assert.JSONEq(t, `{"type":"synonym_graph","synonyms_path":"analysis/synonyms.txt"}`,
		asJSON(t, analysis["filter"].(map[string]any)["synonyms_notes_filter"]))
}

func TestMappingReferencedSynonyms(t *testing.T) {
	person := &schema.ContentTypeDefinition{
		Name:     "Person",
		CorpusID: "c1",
		Fields:   []*schema.FieldDefinition{
			{Name: "bio", Type: schema.FieldTypeText, InLists: true, SynonymFile: "analysis/bio.txt"},
		},
	}
	book := &schema.ContentTypeDefinition{
		Name:     "Book",
		CorpusID: "c1",
		Fields:   []*schema.FieldDefinition{
			{Name: "author", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Person", InLists: true},
		},
	}
	d, err := schema.Compile(book, func(name string) (*schema.ContentTypeDefinition, bool) {
		return person, name == "Person"
	})
	require.NoError(t, err)

	m := Mapping(d)
	author := m["mappings"].(map[string]any)["properties"].(map[string]any)["author"].(map[string]any)
	bio := author["properties"].(map[string]any)["bio"].(map[string]any)
	assert.Equal(t, "synonyms_author_bio", bio["search_analyzer"])

	analysis := m["settings"].(map[string]any)["analysis"].(map[string]any)
	assert.Contains(t, analysis["analyzer"], "synonyms_author_bio")
	assert.JSONEq(t, `{"type":"synonym_graph","synonyms_path":"analysis/bio.txt"}`,
		asJSON(t, analysis["filter"].(map[string]any)["synonyms_author_bio_filter"]))
}

func TestIndexName(t *testing.T) {
	assert.Equal(t, "corpus-5f3a-book", IndexName("5F3A", "Book"))
}

func TestResolveField(t *testing.T) {
	d := testDescriptors(t)["Book"]
	tests := []struct {
		path     string
		expected fieldRef
	}{
		{"id", fieldRef{Path: "id", Type: "keyword"}},
		{"label", fieldRef{Path: "label", Type: "text"}},
		{"year", fieldRef{Path: "year", Type: "number", Root: d.Definition.Fields[1]}},
		{"authors", fieldRef{Path: "authors", Nested: "authors", Type: "cross_reference", Root: d.Definition.Fields[10]}},
		{"authors.label", fieldRef{Path: "authors.label", Nested: "authors", Type: "text", Root: d.Definition.Fields[10]}},
		{"authors.intensity", fieldRef{Path: "authors.intensity", Nested: "authors", Type: "decimal", Root: d.Definition.Fields[10]}},
		{"written.end", fieldRef{Path: "written.end", Nested: "written", Type: "date", Root: d.Definition.Fields[4]}},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			ref, err := resolveField(d, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ref)
		})
	}
}
