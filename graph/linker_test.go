package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("connection reset")

// fakeRunner records statements and fails the first failures calls.
type fakeRunner struct {
	mu       sync.Mutex
	writes   [][]Statement
	reads    []Statement
	records  []map[string]any
	failures int
	fail     error
	calls    int
}

func (r *fakeRunner) next() error {
	r.calls++
	if r.failures > 0 {
		r.failures--
		return r.fail
	}
	return nil
}

func (r *fakeRunner) Read(ctx context.Context, stmt Statement) ([]map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.next(); err != nil {
		return nil, err
	}
	r.reads = append(r.reads, stmt)
	return r.records, nil
}

func (r *fakeRunner) Write(ctx context.Context, stmts ...Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.next(); err != nil {
		return err
	}
	r.writes = append(r.writes, stmts)
	return nil
}

func (r *fakeRunner) Close(ctx context.Context) error { return nil }

func newTestLinker(r *fakeRunner) *Linker {
	return NewLinker(r, LinkerOptions{
		LinkBatchSize: 2,
		NewBackOff:    func() backoff.BackOff { return &backoff.ZeroBackOff{} },
		Retryable:     func(err error) bool { return errors.Is(err, errTransient) },
	}, nil)
}

func TestSyncNodeReplacesEdges(t *testing.T) {
	r := &fakeRunner{}
	l := newTestLinker(r)
	weight := 0.5

	err := l.SyncNode(context.Background(), Node{
		Label:    "Book",
		URI:      "/corpus/c1/Book/b1",
		ID:       "b1",
		CorpusID: "c1",
		Name:     "Emma (1815)",
		Edges: []Edge{
			{Type: "hasAuthors", TargetLabel: "Person", TargetURI: "/corpus/c1/Person/p1", Intensity: &weight},
			{Type: "hasEditor", TargetLabel: "Person", TargetURI: "/corpus/c1/Person/p3"},
			{Type: "hasAuthors", TargetLabel: "Person", TargetURI: "/corpus/c1/Person/p2"},
		},
	})
	require.NoError(t, err)
	require.Len(t, r.writes, 1)

	stmts := r.writes[0]
	require.Len(t, stmts, 3, "one upsert plus one statement per edge type")
	assert.Contains(t, stmts[0].Cypher, "MERGE (n:`Book` {uri: $uri})")
	assert.Contains(t, stmts[0].Cypher, "OPTIONAL MATCH (n)-[r]->()\nDELETE r")
	assert.Equal(t, "Emma (1815)", stmts[0].Params["name"])

	assert.Contains(t, stmts[1].Cypher, "CREATE (n)-[r:`hasAuthors`]->(t)")
	assert.Equal(t, []any{
		map[string]any{"uri": "/corpus/c1/Person/p1", "intensity": 0.5},
		map[string]any{"uri": "/corpus/c1/Person/p2"},
	}, stmts[1].Params["targets"])
	assert.Contains(t, stmts[2].Cypher, "CREATE (n)-[r:`hasEditor`]->(t)")
}

func TestSyncNodeWithoutReferencesClearsEdges(t *testing.T) {
	r := &fakeRunner{}
	require.NoError(t, newTestLinker(r).SyncNode(context.Background(), Node{Label: "Person", URI: "/corpus/c1/Person/p1"}))
	require.Len(t, r.writes[0], 1)
	assert.Contains(t, r.writes[0][0].Cypher, "DELETE r")
}

func TestLinkerRetriesTransientErrors(t *testing.T) {
	r := &fakeRunner{failures: 2, fail: errTransient}
	require.NoError(t, newTestLinker(r).DeleteNode(context.Background(), "Book", "/corpus/c1/Book/b1"))
	assert.Equal(t, 3, r.calls)
	require.Len(t, r.writes, 1)
	assert.Equal(t, "MATCH (n:`Book` {uri: $uri}) DETACH DELETE n", r.writes[0][0].Cypher)

	r = &fakeRunner{failures: 10, fail: errTransient}
	err := newTestLinker(r).DeleteNode(context.Background(), "Book", "/corpus/c1/Book/b1")
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, r.calls, "three retries after the first attempt")

	permanent := errors.New("syntax error")
	r = &fakeRunner{failures: 1, fail: permanent}
	err = newTestLinker(r).DeleteLabel(context.Background(), "c1", "Book")
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, r.calls)
}

func TestCountPathAndIDs(t *testing.T) {
	ctx := context.Background()
	p, err := ParsePath("(Book)-->(Person)", "Book")
	require.NoError(t, err)

	r := &fakeRunner{records: []map[string]any{{"total": int64(3)}}}
	total, err := newTestLinker(r).CountPath(ctx, "c1", p)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)

	r = &fakeRunner{records: []map[string]any{{"id": "b1"}, {"id": "b2"}, {"id": "b3"}}}
	ids, err := newTestLinker(r).PathIDs(ctx, "c1", p, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "b2", "b3"}, ids)
	assert.NotContains(t, r.reads[0].Cypher, "LIMIT")

	r = &fakeRunner{records: []map[string]any{{"total": "many"}}}
	_, err = newTestLinker(r).CountPath(ctx, "c1", p)
	assert.Error(t, err)
}

func TestSuperNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	r := &fakeRunner{}
	l := newTestLinker(r)
	uri := SuperNodeURI("c1", "austen-novels")
	assert.Equal(t, "/contentview/c1_austen-novels", uri)

	require.NoError(t, l.CreateSuperNode(ctx, SuperNode{
		URI:        uri,
		CorpusID:   "c1",
		Name:       "Austen Novels",
		TargetType: "Book",
		IDs:        []string{"b1", "b2", "b3"},
	}))
	stmts := r.writes[0]
	require.Len(t, stmts, 3, "members are linked in batches of two")
	assert.Contains(t, stmts[0].Cypher, "MERGE (v:`_contentview` {uri: $uri})")
	assert.Contains(t, stmts[1].Cypher, "CREATE (v)-[:`hasContent`]->(m)")
	assert.Equal(t, []string{"b1", "b2"}, stmts[1].Params["ids"])
	assert.Equal(t, []string{"b3"}, stmts[2].Params["ids"])

	require.NoError(t, l.DeleteSuperNode(ctx, uri))
	assert.Equal(t, "MATCH (n:`_contentview` {uri: $uri}) DETACH DELETE n", r.writes[1][0].Cypher)
}
