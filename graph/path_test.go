package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected string
		hops     int
	}{
		{"single step", "(Book)", "(Book)", 0},
		{"outbound hop", "(Book)-->(Person)", "(Book)-->(Person)", 1},
		{"whitespace separated", "  (Book)  <--  (Person[p1, p2])  ", "(Book)<--(Person[p1,p2])", 1},
		{"anchored on target", "-->(Person)<--(Place)", "(Book)-->(Person)<--(Place)", 2},
		{"id filter on anchor", "(Book[b1])-->(Book)", "(Book[b1])-->(Book)", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePath(tt.raw, "Book")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, p.String())
			assert.Len(t, p.Hops, tt.hops)
		})
	}
}

func TestParsePathErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", "   "},
		{"wrong anchor", "(Person)-->(Book)"},
		{"missing arrow", "(Book)(Person)"},
		{"double arrow", "(Book)-->-->(Person)"},
		{"dangling arrow", "(Book)-->"},
		{"bad type name", "(Bo-ok)"},
		{"unclosed step", "(Book"},
		{"empty id filter", "(Book[ , ])"},
		{"stray text", "(Book) and (Person)"},
		{"undirected edge", "(Book)--(Person)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePath(tt.raw, "Book")
			assert.ErrorIs(t, err, ErrInvalidPath)
		})
	}
}

func TestPathStatements(t *testing.T) {
	p, err := ParsePath("(Book)-->(Person[p1,p2])<--(Letter)", "Book")
	require.NoError(t, err)
	assert.Equal(t, []string{"Book", "Person", "Letter"}, p.Types())

	count := p.countStatement("c1")
	assert.Equal(t, "MATCH (n0:`Book` {corpus_id: $corpus_id})-->(n1:`Person` {corpus_id: $corpus_id})<--(n2:`Letter` {corpus_id: $corpus_id})\n"+
		"WHERE n1.id IN $ids1\n"+
		"RETURN count(DISTINCT n0.id) AS total", count.Cypher)
	assert.Equal(t, map[string]any{"corpus_id": "c1", "ids1": []string{"p1", "p2"}}, count.Params)

	ids := p.idsStatement("c1", 60000)
	assert.Contains(t, ids.Cypher, "RETURN DISTINCT n0.id AS id\nORDER BY id\nLIMIT $limit")
	assert.Equal(t, 60000, ids.Params["limit"])
}

func TestPathThroughContentView(t *testing.T) {
	p, err := ParsePath("(Book)<--(ContentView[austen-novels])", "Book")
	require.NoError(t, err)
	assert.Equal(t, []string{"Book"}, p.Types())
	assert.Equal(t, []string{"austen-novels"}, p.Views())

	count := p.countStatement("c1")
	assert.Equal(t, "MATCH (n0:`Book` {corpus_id: $corpus_id})<--(n1:`_contentview` {corpus_id: $corpus_id})\n"+
		"WHERE n1.uri IN $uris1\n"+
		"RETURN count(DISTINCT n0.id) AS total", count.Cypher)
	assert.Equal(t, []string{"/contentview/c1_austen-novels"}, count.Params["uris1"])
}

func TestQuoteEscapesBackticks(t *testing.T) {
	assert.Equal(t, "`Book`", quote("Book"))
	assert.Equal(t, "`a``b`", quote("a`b"))
}
