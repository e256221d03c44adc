package persistence_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/graph"
	"github.com/bptarpley/corpora/sqlite"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

type fakeIndex struct {
	mu       sync.Mutex
	ensured  map[string]int
	docs     map[string]schema.Document
	partials []schema.Document
	deleted  []string
	fail     error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{ensured: map[string]int{}, docs: map[string]schema.Document{}}
}

func (f *fakeIndex) EnsureIndex(ctx context.Context, d *schema.Descriptor, recreate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[d.TypeName]++
	return nil
}

func (f *fakeIndex) DeleteIndex(ctx context.Context, corpusID, typeName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, "index:"+typeName)
	return nil
}

func (f *fakeIndex) IndexDocument(ctx context.Context, corpusID, typeName, id string, doc schema.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.docs[typeName+"/"+id] = doc
	return nil
}

func (f *fakeIndex) UpdateDocument(ctx context.Context, corpusID, typeName, id string, partial schema.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partials = append(f.partials, partial)
	return nil
}

func (f *fakeIndex) DeleteDocument(ctx context.Context, corpusID, typeName, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, typeName+"/"+id)
	f.deleted = append(f.deleted, typeName+"/"+id)
	return nil
}

func (f *fakeIndex) doc(typeName, id string) schema.Document {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[typeName+"/"+id]
}

type fakeGraph struct {
	mu     sync.Mutex
	nodes  map[string]graph.Node
	labels []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]graph.Node{}}
}

func (g *fakeGraph) SyncNode(ctx context.Context, node graph.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[node.URI] = node
	return nil
}

func (g *fakeGraph) DeleteNode(ctx context.Context, label, uri string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, uri)
	return nil
}

func (g *fakeGraph) DeleteLabel(ctx context.Context, corpusID, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.labels = append(g.labels, label)
	return nil
}

func (g *fakeGraph) node(uri string) (graph.Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[uri]
	return n, ok
}

type enqueued struct {
	Queue   string
	JobType string
	Payload map[string]any
}

type fakeJobs struct {
	mu        sync.Mutex
	jobs      []enqueued
	completed map[string]string
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{completed: map[string]string{}}
}

func (j *fakeJobs) Enqueue(ctx context.Context, queue, jobType string, payload map[string]any) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, enqueued{Queue: queue, JobType: jobType, Payload: payload})
	return fmt.Sprintf("job-%d", len(j.jobs)), nil
}

func (j *fakeJobs) Complete(ctx context.Context, jobID string, report string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed[jobID] = report
	return nil
}

func (j *fakeJobs) types() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.jobs))
	for i, job := range j.jobs {
		out[i] = job.JobType
	}
	return out
}

type fakeViews struct {
	mu     sync.Mutex
	marked []string
}

func (v *fakeViews) MarkNeedsRefresh(ctx context.Context, corpusID, typeName string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.marked = append(v.marked, typeName)
	return nil
}

type harness struct {
	db       persistence.DatabaseInteractor
	registry *persistence.Registry
	store    *persistence.EntityStore
	index    *fakeIndex
	graph    *fakeGraph
	jobs     *fakeJobs
	views    *fakeViews
	hub      *persistence.EventHub
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { conn.Close() })

	hub, err := persistence.NewEventHub()
	require.NoError(t, err)

	h := &harness{
		db:    sqlite.NewSQLiteInteractor(conn, nil, nil, nil),
		index: newFakeIndex(),
		graph: newFakeGraph(),
		jobs:  newFakeJobs(),
		views: &fakeViews{},
		hub:   hub,
	}
	h.registry, err = persistence.NewRegistry(context.Background(), "c1", h.db, persistence.RegistryOptions{
		Index:  h.index,
		Graph:  h.graph,
		Jobs:   h.jobs,
		Events: hub,
	})
	require.NoError(t, err)
	h.store = persistence.NewEntityStore(h.registry, persistence.StoreOptions{
		Index:     h.index,
		Graph:     h.graph,
		Jobs:      h.jobs,
		Views:     h.views,
		FilesRoot: t.TempDir(),
	})
	return h
}

func personType() *schema.ContentTypeDefinition {
	return &schema.ContentTypeDefinition{
		Name:       "Person",
		PluralName: "People",
		Fields: []*schema.FieldDefinition{
			{Name: "name", Type: schema.FieldTypeKeyword, InLists: true},
			{Name: "born", Type: schema.FieldTypeNumber, InLists: true},
		},
		Templates: map[string]schema.Template{
			schema.LabelTemplate: {Template: "{{.name}}"},
		},
	}
}

func bookType() *schema.ContentTypeDefinition {
	return &schema.ContentTypeDefinition{
		Name:       "Book",
		PluralName: "Books",
		Fields: []*schema.FieldDefinition{
			{Name: "title", Type: schema.FieldTypeText, InLists: true},
			{Name: "year", Type: schema.FieldTypeNumber, InLists: true},
			{Name: "authors", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Person", Multiple: true, InLists: true, HasIntensity: true},
			{Name: "editor", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Person"},
		},
		Templates: map[string]schema.Template{
			schema.LabelTemplate: {Template: "{{.title}} ({{.year}})"},
			"Html":               {Template: "<h1>{{.title}}</h1>", MimeType: "text/html"},
		},
	}
}

func (h *harness) define(t *testing.T, defs ...*schema.ContentTypeDefinition) {
	t.Helper()
	for _, def := range defs {
		_, _, err := h.registry.DefineOrUpdateType(context.Background(), def)
		require.NoError(t, err)
	}
}

func (h *harness) create(t *testing.T, typeName string, input map[string]any) *persistence.Entity {
	t.Helper()
	e, err := h.store.Build(typeName, input)
	require.NoError(t, err)
	require.NoError(t, h.store.Save(context.Background(), e, persistence.SaveOptions{}))
	return e
}
