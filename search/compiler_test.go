package search

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type descriptorMap map[string]*schema.Descriptor

func (m descriptorMap) Descriptor(name string) (*schema.Descriptor, error) {
	d, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("content type %s does not exist", name)
	}
	return d, nil
}

func personDefinition() *schema.ContentTypeDefinition {
	return &schema.ContentTypeDefinition{
		Name:       "Person",
		PluralName: "People",
		CorpusID:   "c1",
		Fields: []*schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeKeyword, InLists: true},
			{Name: "born", Type: schema.FieldTypeNumber, InLists: true},
			{Name: "active", Type: schema.FieldTypeTimespan, InLists: true},
		},
	}
}

func testDescriptors(t *testing.T) descriptorMap {
	t.Helper()
	person := personDefinition()
	book := &schema.ContentTypeDefinition{
		Name:       "Book",
		PluralName: "Books",
		CorpusID:   "c1",
		Fields: []*schema.FieldDefinition{
			{Name: "title", Type: schema.FieldTypeText, InLists: true, Autocomplete: true},
			{Name: "year", Type: schema.FieldTypeNumber, InLists: true},
			{Name: "price", Type: schema.FieldTypeDecimal, InLists: true},
			{Name: "published", Type: schema.FieldTypeDate, InLists: true},
			{Name: "written", Type: schema.FieldTypeTimespan, InLists: true},
			{Name: "tags", Type: schema.FieldTypeKeyword, Multiple: true, InLists: true},
			{Name: "notes", Type: schema.FieldTypeLargeText, InLists: true, SynonymFile: "analysis/synonyms.txt"},
			{Name: "body", Type: schema.FieldTypeHTML, InLists: true},
			{Name: "location", Type: schema.FieldTypeGeoPoint, InLists: true},
			{Name: "in_print", Type: schema.FieldTypeBoolean, InLists: true},
			{Name: "authors", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Person", Multiple: true, InLists: true, HasIntensity: true},
			{Name: "extra", Type: schema.FieldTypeEmbedded, InLists: true},
			{Name: "secret", Type: schema.FieldTypeKeyword},
		},
	}
	resolve := func(name string) (*schema.ContentTypeDefinition, bool) {
		if name == "Person" {
			return person, true
		}
		return nil, false
	}
	pd, err := schema.Compile(person, resolve)
	require.NoError(t, err)
	bd, err := schema.Compile(book, resolve)
	require.NoError(t, err)
	return descriptorMap{"Person": pd, "Book": bd}
}

func compile(t *testing.T, raw string) *Request {
	t.Helper()
	spec, err := ParseQueryString(raw)
	require.NoError(t, err)
	req, err := NewCompiler(testDescriptors(t), nil).Compile("Book", spec)
	require.NoError(t, err)
	return req
}

// asJSON normalizes a compiled fragment so it can be compared with a literal.
func asJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestCompileEmptySpec(t *testing.T) {
	req, err := NewCompiler(testDescriptors(t), nil).Compile("Book", nil)
	require.NoError(t, err)
	assert.Equal(t, "corpus-c1-book", req.Index)
	assert.JSONEq(t, `{"match_all":{}}`, asJSON(t, req.Query))
	assert.JSONEq(t, `[{"label.raw":{"order":"asc"}},{"id":{"order":"asc"}}]`, asJSON(t, req.Sort))
	assert.Nil(t, req.Aggregations)
	assert.Nil(t, req.Source)
}

func TestCompileFieldClauses(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
	}{
		{
			name:     "number term",
			raw:      "t_year=1815",
			expected: `{"bool":{"must":[{"term":{"year":1815}}]}}`,
		},
		{
			name:     "text term uses the raw sub-field",
			raw:      "t_title=Emma",
			expected: `{"bool":{"must":[{"term":{"title.raw":"Emma"}}]}}`,
		},
		{
			name:     "cross reference term matches the id",
			raw:      "t_authors=p1",
			expected: `{"bool":{"must":[{"nested":{"path":"authors","query":{"term":{"authors.id":"p1"}}}}]}}`,
		},
		{
			name:     "date term covers the granularity",
			raw:      "t_published=1815",
			expected: `{"bool":{"must":[{"range":{"published":{"gte":"1815-01-01T00:00:00.000Z","lte":"1815-12-31T23:59:59.999Z"}}}]}}`,
		},
		{
			name:     "phrase on a cross reference label",
			raw:      "p_authors=jane+austen",
			expected: `{"bool":{"must":[{"nested":{"path":"authors","query":{"match_phrase":{"authors.label":"jane austen"}}}}]}}`,
		},
		{
			name:     "filter clause does not score",
			raw:      "f_tags=novel",
			expected: `{"bool":{"filter":[{"term":{"tags":"novel"}}]}}`,
		},
		{
			name:     "wildcard on text",
			raw:      "w_title=em*",
			expected: `{"bool":{"must":[{"wildcard":{"title.raw":{"case_insensitive":true,"value":"em*"}}}]}}`,
		},
		{
			name:     "open ended number range",
			raw:      "r_year=1800to",
			expected: `{"bool":{"must":[{"range":{"year":{"gte":1800}}}]}}`,
		},
		{
			name:     "range on a target field",
			raw:      "r_authors.born=1700to1780",
			expected: `{"bool":{"must":[{"nested":{"path":"authors","query":{"range":{"authors.born":{"gte":1700,"lte":1780}}}}}]}}`,
		},
		{
			name:     "geo bounding box",
			raw:      "r_location=52.1,-1.5to51.2,0.3",
			expected: `{"bool":{"must":[{"geo_bounding_box":{"location":{"bottom_right":{"lat":51.2,"lon":0.3},"top_left":{"lat":52.1,"lon":-1.5}}}}]}}`,
		},
		{
			name:     "exists",
			raw:      "e_year=y",
			expected: `{"bool":{"must":[{"exists":{"field":"year"}}]}}`,
		},
		{
			name:     "missing cross reference",
			raw:      "e_authors=n",
			expected: `{"bool":{"must_not":[{"nested":{"path":"authors","query":{"exists":{"field":"authors.id"}}}}]}}`,
		},
		{
			name:     "operator suffixes override the ambient operator",
			raw:      "t_year=1815&t_tags-=poetry&t_in_print|=true",
			expected: `{"bool":{"must":[{"term":{"year":1815}}],"must_not":[{"term":{"tags":"poetry"}}],"should":[{"term":{"in_print":true}}]}}`,
		},
		{
			name:     "or operator",
			raw:      "operator=or&t_year=1815&t_year=1816",
			expected: `{"bool":{"should":[{"term":{"year":1815}},{"term":{"year":1816}}],"minimum_should_match":1}}`,
		},
		{
			name:     "groups compile to sub-queries",
			raw:      "t_year=1815&1_operator=or&1_t_tags=a&1_t_tags=b",
			expected: `{"bool":{"must":[{"term":{"year":1815}},{"bool":{"should":[{"term":{"tags":"a"}},{"term":{"tags":"b"}}],"minimum_should_match":1}}]}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := compile(t, tt.raw)
			assert.JSONEq(t, tt.expected, asJSON(t, req.Query))
		})
	}
}

func TestCompileTimespanOverlap(t *testing.T) {
	req := compile(t, "r_written=1810to1815")
	q := req.Query["bool"].(map[string]any)["must"].([]any)[0].(map[string]any)
	nested := q["nested"].(map[string]any)
	assert.Equal(t, "written", nested["path"])

	should := nested["query"].(map[string]any)["bool"].(map[string]any)["should"].([]any)
	require.Len(t, should, 5, "four closed cases and the open-ended branch")
	assert.JSONEq(t,
		`{"bool":{"filter":[{"exists":{"field":"written.end"}},{"range":{"written.start":{"lt":"1810-01-01T00:00:00.000Z"}}},{"range":{"written.end":{"gte":"1815-12-31T23:59:59.999Z"}}}]}}`,
		asJSON(t, should[0]))
	assert.JSONEq(t,
		`{"bool":{"must_not":[{"exists":{"field":"written.end"}}],"filter":[{"range":{"written.start":{"gte":"1810-01-01T00:00:00.000Z","lte":"1815-12-31T23:59:59.999Z"}}}]}}`,
		asJSON(t, should[4]))

	req = compile(t, "r_written=to1815")
	should = req.Query["bool"].(map[string]any)["must"].([]any)[0].(map[string]any)["nested"].(map[string]any)["query"].(map[string]any)["bool"].(map[string]any)["should"].([]any)
	assert.Len(t, should, 2, "an open query range leaves one closed branch")
}

func TestCompileSmartQueries(t *testing.T) {
	req := compile(t, "q_year=1815&q_authors=austen&q_tags=nov")
	must := req.Query["bool"].(map[string]any)["must"].([]any)
	require.Len(t, must, 3)
	assert.JSONEq(t, `{"term":{"year":1815}}`, asJSON(t, must[0]))
	assert.Contains(t, asJSON(t, must[1]), `"path":"authors"`)
	assert.Contains(t, asJSON(t, must[1]), `"match_phrase_prefix":{"authors.label":"austen"}`)
	assert.Contains(t, asJSON(t, must[2]), `"value":"*nov*"`)
}

func TestGeneralQueryIsTypeAware(t *testing.T) {
	numeric := asJSON(t, compile(t, "q=1815").Query)
	assert.Contains(t, numeric, `{"term":{"year":1815}}`)
	assert.Contains(t, numeric, `"published":{"gte":"1815-01-01T00:00:00.000Z"`)
	assert.Contains(t, numeric, `"path":"written"`)

	words := asJSON(t, compile(t, "q=emma").Query)
	assert.NotContains(t, words, `"year"`)
	assert.NotContains(t, words, `"published"`)
	assert.NotContains(t, words, `"secret"`)
	assert.NotContains(t, words, `"extra"`)
	assert.Contains(t, words, `"match_phrase_prefix":{"title":"emma"}`)
	assert.Contains(t, words, `"match_phrase_prefix":{"label":"emma"}`)

	req := compile(t, "q=emma")
	assert.JSONEq(t, `[{"_score":{"order":"desc"}},{"id":{"order":"asc"}}]`, asJSON(t, req.Sort))
}

func TestCompileSortNormalization(t *testing.T) {
	req := compile(t, "s_title=asc&s_authors=desc&s_written=asc&s_authors.born=asc&s_year=desc")
	assert.JSONEq(t, `[
		{"title.raw":{"order":"asc"}},
		{"authors.label.raw":{"order":"desc","mode":"max","nested":{"path":"authors"}}},
		{"written.start":{"order":"asc","mode":"min","nested":{"path":"written"}}},
		{"authors.born":{"order":"asc","mode":"min","nested":{"path":"authors"}}},
		{"year":{"order":"desc"}},
		{"id":{"order":"asc"}}
	]`, asJSON(t, req.Sort))

	req = compile(t, "s_id=desc")
	assert.JSONEq(t, `[{"id":{"order":"desc"}}]`, asJSON(t, req.Sort))
}

func TestCompileAggregations(t *testing.T) {
	req := compile(t, "a_terms_names=authors.name,year&a_histogram_decades=year__10&a_histogram_yearly=published__1y&a_max_latest=written")

	assert.JSONEq(t, `{
		"nested":{"path":"authors"},
		"aggs":{"inner":{
			"terms":{"field":"authors.name","size":100},
			"aggs":{"next":{
				"reverse_nested":{},
				"aggs":{"inner":{"terms":{"field":"year","size":100}}}
			}}
		}}
	}`, asJSON(t, req.Aggregations["names"]))
	assert.JSONEq(t, `{"histogram":{"field":"year","interval":10,"min_doc_count":1}}`, asJSON(t, req.Aggregations["decades"]))
	assert.JSONEq(t, `{"date_histogram":{"field":"published","calendar_interval":"1y","min_doc_count":1}}`, asJSON(t, req.Aggregations["yearly"]))
	assert.JSONEq(t, `{"nested":{"path":"written"},"aggs":{"inner":{"max":{"field":"written.start"}}}}`, asJSON(t, req.Aggregations["latest"]))
}

func TestCompileViewsSourceAndHighlight(t *testing.T) {
	req := compile(t, "t_year=1815&content_view=v1&only=title,authors.label&exclude=notes&highlight_fields=title,notes&highlight_num=2")
	assert.JSONEq(t, `{"bool":{
		"must":[{"bool":{"must":[{"term":{"year":1815}}]}}],
		"filter":[{"terms":{"id":{"index":"content_views","id":"v1","path":"ids"}}}]
	}}`, asJSON(t, req.Query))
	assert.JSONEq(t, `{"includes":["id","title","authors.label"],"excludes":["notes"]}`, asJSON(t, req.Source))
	assert.JSONEq(t, `{"fields":{"title":{},"notes":{}},"number_of_fragments":2,"fragment_size":150}`, asJSON(t, req.Highlight))

	body := req.Body()
	assert.Equal(t, true, body["track_total_hits"])
	assert.NotContains(t, body, "aggs")
}

func TestCompileRestrictsToIDs(t *testing.T) {
	spec := &Spec{IDs: []string{}}
	req, err := NewCompiler(testDescriptors(t), nil).Compile("Book", spec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bool":{"must":[{"match_all":{}}],"filter":[{"terms":{"id":[]}}]}}`, asJSON(t, req.Query))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		clause string
	}{
		{"unknown field", "t_missing=x", "t_missing"},
		{"field not in lists", "t_secret=x", "t_secret"},
		{"embedded field", "t_extra=x", "t_extra"},
		{"bad number", "t_year=abc", "t_year"},
		{"bad decimal", "t_price=cheap", "t_price"},
		{"bad boolean", "t_in_print=maybe", "t_in_print"},
		{"bad date", "t_published=someday", "t_published"},
		{"whole timespan term", "t_written=1815", "t_written"},
		{"unknown target field", "t_authors.shoe_size=9", "t_authors.shoe_size"},
		{"malformed path", "t_authors.name.first=x", "t_authors.name.first"},
		{"sub-field of a scalar", "t_year.value=1", "t_year.value"},
		{"smart query on a number", "q_year=soon", "q_year"},
		{"phrase on a number", "p_year=1815", "p_year"},
		{"wildcard on a number", "w_year=18*", "w_year"},
		{"range without separator", "r_year=1815", "r_year"},
		{"range on a boolean", "r_in_print=falsetotrue", "r_in_print"},
		{"range on a cross reference", "r_authors=atob", "r_authors"},
		{"bad geo corner", "r_location=northtosouth", "r_location"},
		{"bad exists flag", "e_year=perhaps", "e_year"},
		{"sort on large text", "s_notes=asc", "s_notes"},
		{"sort on unknown field", "s_missing=asc", "s_missing"},
		{"bad histogram interval", "a_histogram_x=year__often", "a_histogram_x"},
		{"bad date interval", "a_histogram_x=published__3y", "a_histogram_x"},
		{"metric on text", "a_max_x=title", "a_max_x"},
		{"terms on html", "a_terms_x=body", "a_terms_x"},
		{"duplicate aggregation", "a_max_x=year&a_min_x=year", "a_min_x"},
		{"unknown only field", "only=missing", "only"},
		{"highlight on a number", "highlight_fields=year", "highlight_fields"},
		{"error inside a group", "2_t_year=abc", "2_t_year"},
	}
	compiler := NewCompiler(testDescriptors(t), nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := ParseQueryString(tt.raw)
			require.NoError(t, err)
			_, err = compiler.Compile("Book", spec)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidQuery)
			var qe *QueryError
			require.True(t, errors.As(err, &qe))
			assert.Equal(t, tt.clause, qe.Clause)
		})
	}
}

func TestCompileUnknownType(t *testing.T) {
	_, err := NewCompiler(testDescriptors(t), nil).Compile("Ship", &Spec{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidQuery)
}

func TestParseParamsAndCompile(t *testing.T) {
	spec, err := ParseParams(url.Values{"q": {"*"}})
	require.NoError(t, err)
	req, err := NewCompiler(testDescriptors(t), nil).Compile("Book", spec)
	require.NoError(t, err)
	assert.JSONEq(t, `{"match_all":{}}`, asJSON(t, req.Query))
}
