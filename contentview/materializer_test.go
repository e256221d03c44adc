package contentview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/graph"
	"github.com/bptarpley/corpora/search"
	"github.com/bptarpley/corpora/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type typeSet map[string]bool

func (s typeSet) Descriptor(name string) (*schema.Descriptor, error) {
	if !s[name] {
		return nil, fmt.Errorf("content type %s: %w", name, persistence.ErrNotFound)
	}
	return &schema.Descriptor{CorpusID: "c1", TypeName: name}, nil
}

type fakeGraph struct {
	mu      sync.Mutex
	total   int64
	ids     []string
	nodes   map[string]graph.SuperNode
	deleted []string
	// entered and release let a test hold CountPath open.
	entered chan struct{}
	release chan struct{}
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]graph.SuperNode{}}
}

func (g *fakeGraph) CountPath(ctx context.Context, corpusID string, p *graph.Path) (int64, error) {
	if g.entered != nil {
		close(g.entered)
		<-g.release
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.total, nil
}

func (g *fakeGraph) PathIDs(ctx context.Context, corpusID string, p *graph.Path, limit int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ids, nil
}

func (g *fakeGraph) CreateSuperNode(ctx context.Context, node graph.SuperNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.URI] = node
	return nil
}

func (g *fakeGraph) DeleteSuperNode(ctx context.Context, uri string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, uri)
	g.deleted = append(g.deleted, uri)
	return nil
}

func (g *fakeGraph) node(uri string) (graph.SuperNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[uri]
	return n, ok
}

// fakeScanner yields ids in batches and records the spec it was given.
type fakeScanner struct {
	ids   []string
	err   error
	specs []*search.Spec
	calls int
}

func (s *fakeScanner) Scan(ctx context.Context, typeName string, spec *search.Spec, batchSize int, fn func([]string) error) error {
	s.calls++
	s.specs = append(s.specs, spec)
	if s.err != nil {
		return s.err
	}
	ids := s.ids
	if spec.IDs != nil {
		allowed := map[string]bool{}
		for _, id := range spec.IDs {
			allowed[id] = true
		}
		ids = nil
		for _, id := range s.ids {
			if allowed[id] {
				ids = append(ids, id)
			}
		}
	}
	for start := 0; start < len(ids); start += batchSize {
		if err := fn(ids[start:min(start+batchSize, len(ids))]); err != nil {
			return err
		}
	}
	return nil
}

type fakeViewIndex struct {
	mu      sync.Mutex
	docs    map[string]search.ViewDocument
	deleted []string
}

func (x *fakeViewIndex) PutView(ctx context.Context, viewID string, doc search.ViewDocument) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.docs[viewID] = doc
	return nil
}

func (x *fakeViewIndex) DeleteView(ctx context.Context, viewID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.docs, viewID)
	x.deleted = append(x.deleted, viewID)
	return nil
}

func (x *fakeViewIndex) doc(viewID string) (search.ViewDocument, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	d, ok := x.docs[viewID]
	return d, ok
}

type fixture struct {
	store   *Store
	graph   *fakeGraph
	scanner *fakeScanner
	index   *fakeViewIndex
	hub     *persistence.EventHub
	m       *Materializer
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })
	store, err := NewStore(context.Background(), sqlite.NewSQLiteInteractor(conn, nil, nil, nil), nil)
	require.NoError(t, err)
	return store
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	hub, err := persistence.NewEventHub()
	require.NoError(t, err)
	f := &fixture{
		store:   newTestStore(t),
		graph:   newFakeGraph(),
		scanner: &fakeScanner{},
		index:   &fakeViewIndex{docs: map[string]search.ViewDocument{}},
		hub:     hub,
	}
	f.m = NewMaterializer("c1", Options{
		Store:       f.store,
		Descriptors: typeSet{"Book": true, "Person": true, "Place": true},
		Graph:       f.graph,
		Search:      f.scanner,
		Index:       f.index,
		Events:      hub,
		Capacity:    capacity,
		BatchSize:   2,
	})
	return f
}

func (f *fixture) status(t *testing.T, id string) *ContentView {
	t.Helper()
	v, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return v
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Austen Novels":        "austen-novels",
		"  Élan & Æsthetics! ": "elan-æsthetics",
		"Letters, 1800-1820":   "letters-1800-1820",
		"---":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, Slugify(in), in)
	}
}

func TestCreateValidatesDefinition(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	tests := []struct {
		name, view, target, path, filter string
	}{
		{"empty slug", "!!", "Book", "(Book)", ""},
		{"unknown target", "Ships", "Ship", "", "q=x"},
		{"no source", "Everything", "Book", "", ""},
		{"malformed path", "Broken", "Book", "(Book)->(Person)", ""},
		{"unknown path type", "Ships", "Book", "(Book)-->(Ship)", ""},
		{"malformed filter", "Filtered", "Book", "", "bogus=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.m.Create(ctx, tt.view, tt.target, tt.path, tt.filter)
			assert.ErrorIs(t, err, ErrInvalidSpec)
		})
	}

	v, err := f.m.Create(ctx, "Austen Novels", "Book", " (Book)-->(Person[p1]) ", "")
	require.NoError(t, err)
	assert.Equal(t, "austen-novels", v.Slug)
	assert.Equal(t, "(Book)-->(Person[p1])", v.GraphPath)
	assert.Equal(t, StatusCreated, f.status(t, v.ID).Status)

	views, err := f.m.List(ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1)
}

func TestPopulateFromGraphPath(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 3
	f.graph.ids = []string{"b1", "b2", "b3"}

	v, err := f.m.Create(ctx, "Austen Novels", "Book", "(Book)-->(Person)", "")
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []persistence.PersistenceEventType
	for _, event := range []persistence.PersistenceEventType{persistence.ViewPopulateStart, persistence.ViewPopulateSuccess} {
		f.hub.RegisterSubscription(persistence.RegisterSubscriptionOptions{
			Event: event,
			Callback: func(ctx context.Context, e persistence.PersistenceEvent) error {
				mu.Lock()
				defer mu.Unlock()
				seen = append(seen, e.Type)
				return nil
			},
		})
	}

	require.NoError(t, f.m.Populate(ctx, v.ID))
	loaded := f.status(t, v.ID)
	assert.Equal(t, StatusPopulated, loaded.Status)
	assert.Equal(t, int64(3), loaded.Count)
	assert.Zero(t, f.scanner.calls)

	doc, ok := f.index.doc(v.ID)
	require.True(t, ok)
	assert.Equal(t, search.ViewDocument{CorpusID: "c1", ContentType: "Book", IDs: []string{"b1", "b2", "b3"}}, doc)

	node, ok := f.graph.node("/contentview/c1_austen-novels")
	require.True(t, ok)
	assert.Equal(t, "Book", node.TargetType)
	assert.Equal(t, []string{"b1", "b2", "b3"}, node.IDs)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestPopulateScopesSearchToGraphIDs(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 3
	f.graph.ids = []string{"b1", "b2", "b3"}
	f.scanner.ids = []string{"b2", "b3", "b4", "b5"}

	v, err := f.m.Create(ctx, "Late Austen", "Book", "(Book)-->(Person[p1])", "r_year=1814to1820")
	require.NoError(t, err)
	require.NoError(t, f.m.Populate(ctx, v.ID))

	require.Len(t, f.scanner.specs, 1)
	assert.Equal(t, []string{"b1", "b2", "b3"}, f.scanner.specs[0].IDs)
	doc, _ := f.index.doc(v.ID)
	assert.Equal(t, []string{"b2", "b3"}, doc.IDs)
	assert.Equal(t, int64(2), f.status(t, v.ID).Count)

	f.graph.total, f.graph.ids = 0, nil
	require.NoError(t, f.m.Refresh(ctx, v.ID))
	assert.Equal(t, 1, f.scanner.calls, "an empty graph result skips the search")
	doc, _ = f.index.doc(v.ID)
	assert.Empty(t, doc.IDs)
	assert.Equal(t, StatusPopulated, f.status(t, v.ID).Status)
}

func TestPopulateCapacity(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	f.graph.total = 4
	byGraph, err := f.m.Create(ctx, "Too Many", "Book", "(Book)", "")
	require.NoError(t, err)
	err = f.m.Populate(ctx, byGraph.ID)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	failed := f.status(t, byGraph.ID)
	assert.Equal(t, Status("error: capacity"), failed.Status)
	assert.True(t, failed.Status.IsError())
	assert.Contains(t, failed.ErrorReason, "4 ids exceed the limit of 3")
	_, ok := f.index.doc(byGraph.ID)
	assert.False(t, ok, "nothing is persisted past the cap")

	f.scanner.ids = []string{"b1", "b2", "b3", "b4", "b5"}
	bySearch, err := f.m.Create(ctx, "All Books", "Book", "", "q=*")
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.Populate(ctx, bySearch.ID), ErrCapacityExceeded)
	assert.Equal(t, Status("error: capacity"), f.status(t, bySearch.ID).Status)
}

func TestPopulateInvalidQuery(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.scanner.err = fmt.Errorf("field nope: %w", search.ErrInvalidQuery)

	v, err := f.m.Create(ctx, "Broken", "Book", "", "t_nope=1")
	require.NoError(t, err)
	assert.ErrorIs(t, f.m.Populate(ctx, v.ID), ErrInvalidSpec)
	assert.Equal(t, Status("error: invalid spec"), f.status(t, v.ID).Status)

	f.scanner.err = errors.New("engine unavailable")
	assert.Error(t, f.m.Populate(ctx, v.ID), "an errored view may be populated again")
	assert.Equal(t, StatusError, f.status(t, v.ID).Status)
}

func TestPopulateRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 1
	f.graph.ids = []string{"b1"}
	f.graph.entered = make(chan struct{})
	f.graph.release = make(chan struct{})

	v, err := f.m.Create(ctx, "Slow", "Book", "(Book)", "")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.m.Populate(ctx, v.ID) }()
	<-f.graph.entered

	assert.Equal(t, StatusPopulating, f.status(t, v.ID).Status)
	assert.ErrorIs(t, f.m.Populate(ctx, v.ID), ErrAlreadyPopulating)

	close(f.graph.release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusPopulated, f.status(t, v.ID).Status)

	assert.ErrorIs(t, f.m.Populate(ctx, "missing"), persistence.ErrNotFound)
}

func TestViewsGoStaleWhenContentChanges(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 1
	f.graph.ids = []string{"b1"}

	viaPerson, err := f.m.Create(ctx, "Austen", "Book", "(Book)-->(Person[p1])", "")
	require.NoError(t, err)
	places, err := f.m.Create(ctx, "Places", "Place", "(Place)", "")
	require.NoError(t, err)
	unpopulated, err := f.m.Create(ctx, "Later", "Person", "(Person)", "")
	require.NoError(t, err)
	require.NoError(t, f.m.Populate(ctx, viaPerson.ID))
	require.NoError(t, f.m.Populate(ctx, places.ID))

	f.m.Subscribe(f.hub)
	f.hub.Emit(persistence.PersistenceEvent{
		Type:    persistence.EntitySaveSuccess,
		Context: map[string]any{"corpus_id": "c1", "content_type": "Person", "id": "p2"},
	})
	assert.Eventually(t, func() bool {
		stale, err := f.m.IsStale(ctx, viaPerson.ID)
		return err == nil && stale
	}, time.Second, 10*time.Millisecond)

	stale, err := f.m.IsStale(ctx, places.ID)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, StatusCreated, f.status(t, unpopulated.ID).Status, "unpopulated views have nothing to refresh")

	require.NoError(t, f.m.MarkNeedsRefresh(ctx, "c2", "Place"))
	assert.Equal(t, StatusPopulated, f.status(t, places.ID).Status, "other corpora are ignored")

	require.NoError(t, f.m.Invalidate(ctx, places.ID))
	assert.True(t, f.status(t, places.ID).IsStale())

	require.NoError(t, f.m.Refresh(ctx, viaPerson.ID))
	assert.Equal(t, StatusPopulated, f.status(t, viaPerson.ID).Status)
	assert.Contains(t, f.index.deleted, viaPerson.ID)
	assert.Contains(t, f.graph.deleted, "/contentview/c1_austen")
}

type fakeClock map[string]time.Time

func (c fakeClock) LastUpdated(ctx context.Context, typeName string) (time.Time, error) {
	return c[typeName], nil
}

func TestIsStaleComparesContentDates(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 1
	f.graph.ids = []string{"b1"}
	clock := fakeClock{}
	f.m.clock = clock

	v, err := f.m.Create(ctx, "Austen", "Book", "(Book)-->(Person[p1])", "")
	require.NoError(t, err)
	clock["Book"] = time.Now().UTC().Add(time.Hour)
	stale, err := f.m.IsStale(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, stale, "views that were never populated are not stale")

	require.NoError(t, f.m.Populate(ctx, v.ID))
	populated := f.status(t, v.ID).StatusDate
	clock["Book"] = populated.Add(-time.Minute)
	clock["Person"] = populated.Add(-time.Minute)
	clock["Place"] = populated.Add(time.Minute)
	stale, err = f.m.IsStale(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, stale, "unrelated types do not matter")

	clock["Person"] = populated.Add(time.Second)
	stale, err = f.m.IsStale(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, stale)
}

func TestViewStepsInGraphPaths(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 1
	f.graph.ids = []string{"b1"}

	_, err := f.m.Create(ctx, "Novels", "Book", "(Book)<--(ContentView[missing])", "")
	assert.ErrorIs(t, err, ErrInvalidSpec)
	_, err = f.m.Create(ctx, "Loop", "Book", "(Book)<--(ContentView[loop])", "")
	assert.ErrorIs(t, err, ErrInvalidSpec)

	_, err = f.m.Create(ctx, "Austen", "Book", "(Book)-->(Person[p1])", "")
	require.NoError(t, err)
	v, err := f.m.Create(ctx, "Austen Letters", "Book", "(Book)<--(ContentView[austen])-->(Book)", "")
	require.NoError(t, err)
	require.NoError(t, f.m.Populate(ctx, v.ID))
	assert.Equal(t, StatusPopulated, f.status(t, v.ID).Status)
	assert.False(t, dependsOn(v, "ContentView"))
}

func TestClearAndDelete(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.graph.total = 1
	f.graph.ids = []string{"b1"}

	v, err := f.m.Create(ctx, "Austen", "Book", "(Book)", "")
	require.NoError(t, err)
	require.NoError(t, f.m.Populate(ctx, v.ID))

	require.NoError(t, f.m.Clear(ctx, v.ID))
	_, ok := f.index.doc(v.ID)
	assert.False(t, ok)
	_, ok = f.graph.node("/contentview/c1_austen")
	assert.False(t, ok)
	assert.Equal(t, StatusPopulated, f.status(t, v.ID).Status, "clearing leaves the status alone")

	require.NoError(t, f.m.Delete(ctx, v.ID))
	_, err = f.m.Get(ctx, v.ID)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
	assert.ErrorIs(t, f.m.Delete(ctx, v.ID), persistence.ErrNotFound)
}
