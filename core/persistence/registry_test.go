package persistence_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefineType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []persistence.PersistenceEventType
	h.hub.RegisterSubscription(persistence.RegisterSubscriptionOptions{
		Event: persistence.TypeDefineSuccess,
		Callback: func(ctx context.Context, event persistence.PersistenceEvent) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, event.Type)
			return nil
		},
	})

	d, changes, err := h.registry.DefineOrUpdateType(ctx, personType())
	require.NoError(t, err)
	assert.False(t, changes.Any())
	assert.Equal(t, "corpus_c1_Person", d.Collection)
	assert.Equal(t, "c1", d.CorpusID)

	exists, err := h.db.CollectionExists(ctx, d.Collection)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 1, h.index.ensured["Person"])

	def, ok := h.registry.Type("Person")
	require.True(t, ok)
	assert.NotNil(t, def.LastUpdated)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDefineTypeRejectsInvalidDefinitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.define(t, personType())

	tests := []struct {
		name string
		def  *schema.ContentTypeDefinition
	}{
		{"reserved field", &schema.ContentTypeDefinition{Name: "Place", PluralName: "Places", Fields: []*schema.FieldDefinition{{Name: "label", Type: schema.FieldTypeText}}}},
		{"unknown target", &schema.ContentTypeDefinition{Name: "Place", PluralName: "Places", Fields: []*schema.FieldDefinition{{Name: "owner", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Nobody"}}}},
		{"plural collision", &schema.ContentTypeDefinition{Name: "Folk", PluralName: "People"}},
		{"broken template", &schema.ContentTypeDefinition{Name: "Place", PluralName: "Places", Templates: map[string]schema.Template{schema.LabelTemplate: {Template: "{{.name"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.registry.DefineOrUpdateType(ctx, tt.def)
			assert.Error(t, err)
			_, ok := h.registry.Type(tt.def.Name)
			assert.False(t, ok)
		})
	}
}

func TestDefineSelfReferencingType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	def := personType()
	def.Fields = append(def.Fields, &schema.FieldDefinition{Name: "mentor", Type: schema.FieldTypeCrossReference, CrossReferenceType: "Person"})
	d, _, err := h.registry.DefineOrUpdateType(ctx, def)
	require.NoError(t, err)

	mentor, ok := d.Field("mentor")
	require.True(t, ok)
	assert.True(t, mentor.SelfReference)

	teacher := h.create(t, "Person", map[string]any{"name": "Haydn"})
	student := h.create(t, "Person", map[string]any{"name": "Beethoven", "mentor": teacher.ID})

	loaded, err := h.store.Get(ctx, "Person", student.ID)
	require.NoError(t, err)
	ref, ok := loaded.Get("mentor").Reference()
	require.True(t, ok)
	assert.Equal(t, "Haydn", ref.Label)
	assert.Equal(t, teacher.URI, ref.URI)
}

func TestUpdateTypeMigratesColumns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.define(t, personType(), bookType())

	author := h.create(t, "Person", map[string]any{"name": "Austen"})
	book := h.create(t, "Book", map[string]any{"title": "Emma", "year": 1815, "authors": []any{author.ID}})

	next := bookType()
	next.Fields[1].Type = schema.FieldTypeKeyword
	next.Fields = append(next.Fields[:3], &schema.FieldDefinition{Name: "pages", Type: schema.FieldTypeNumber})

	d, changes, err := h.registry.DefineOrUpdateType(ctx, next)
	require.NoError(t, err)
	assert.True(t, changes.Reindex)
	assert.False(t, changes.Relabel)

	_, hasEditor := d.Field("editor")
	assert.False(t, hasEditor)
	year, ok := d.Field("year")
	require.True(t, ok)
	assert.Equal(t, schema.StorageText, year.Storage)

	loaded, err := h.store.Get(ctx, "Book", book.ID)
	require.NoError(t, err)
	assert.Equal(t, "1815", loaded.Get("year").Str())
	assert.True(t, loaded.Get("pages").IsNull())

	assert.Contains(t, h.jobs.types(), persistence.JobReconcileReindex)
}

func TestUpdateLabelTemplateEnqueuesRelabel(t *testing.T) {
	h := newHarness(t)
	h.define(t, personType())

	next := personType()
	next.Templates[schema.LabelTemplate] = schema.Template{Template: "{{upper .name}}"}
	_, changes, err := h.registry.DefineOrUpdateType(context.Background(), next)
	require.NoError(t, err)
	assert.True(t, changes.Relabel)
	assert.Equal(t, []string{persistence.JobReconcileRelabel}, h.jobs.types())
}

func TestDescriptorInvalidation(t *testing.T) {
	h := newHarness(t)
	h.define(t, personType(), bookType())

	before, err := h.registry.Descriptor("Book")
	require.NoError(t, err)
	cached, err := h.registry.Descriptor("Book")
	require.NoError(t, err)
	assert.Same(t, before, cached)

	next := personType()
	next.Fields = append(next.Fields, &schema.FieldDefinition{Name: "died", Type: schema.FieldTypeNumber, InLists: true})
	h.define(t, next)

	after, err := h.registry.Descriptor("Book")
	require.NoError(t, err)
	assert.NotSame(t, before, after, "referrers are recompiled when their target changes")

	h.registry.InvalidateAll()
	again, err := h.registry.Descriptor("Book")
	require.NoError(t, err)
	assert.NotSame(t, after, again)
}

func TestRegistryReload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.define(t, personType(), bookType())

	other, err := persistence.NewRegistry(ctx, "c1", h.db, persistence.RegistryOptions{})
	require.NoError(t, err)
	names := []string{}
	for _, def := range other.Types() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"Book", "Person"}, names)

	foreign, err := persistence.NewRegistry(ctx, "c2", h.db, persistence.RegistryOptions{})
	require.NoError(t, err)
	assert.Empty(t, foreign.Types())
}

func TestImportOrdersByDependency(t *testing.T) {
	h := newHarness(t)
	defs := []*schema.ContentTypeDefinition{bookType(), personType()}
	descriptors, err := h.registry.Import(context.Background(), defs)
	require.NoError(t, err)
	require.Len(t, descriptors, 2)
	assert.Equal(t, "Person", descriptors[0].TypeName)
	assert.Equal(t, "Book", descriptors[1].TypeName)
	for _, def := range defs {
		assert.Empty(t, def.CorpusID, "the caller's definitions are left untouched")
	}

	refs := h.registry.ReferencingFields("Person")
	require.Len(t, refs, 2)
	assert.Equal(t, "authors", refs[0].Field.Name)
	assert.Equal(t, "editor", refs[1].Field.Name)
}

func TestLastUpdated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.define(t, personType())

	def, ok := h.registry.Type("Person")
	require.True(t, ok)
	require.NotNil(t, def.LastUpdated)
	newest, err := h.registry.LastUpdated(ctx, "Person")
	require.NoError(t, err)
	assert.WithinDuration(t, *def.LastUpdated, newest, time.Second)

	time.Sleep(10 * time.Millisecond)
	p := h.create(t, "Person", map[string]any{"name": "Jane Austen"})
	newest, err = h.registry.LastUpdated(ctx, "Person")
	require.NoError(t, err)
	assert.WithinDuration(t, p.LastUpdated, newest, time.Second)
	assert.False(t, newest.Before(*def.LastUpdated))

	_, err = h.registry.LastUpdated(ctx, "Ship")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestDeleteType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.define(t, personType(), bookType())

	err := h.registry.DeleteType(ctx, "Person")
	assert.ErrorIs(t, err, persistence.ErrTypeReferenced)

	require.NoError(t, h.registry.DeleteType(ctx, "Book"))
	_, ok := h.registry.Type("Book")
	assert.False(t, ok)
	exists, err := h.db.CollectionExists(ctx, "corpus_c1_Book")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Contains(t, h.index.deleted, "index:Book")
	assert.Equal(t, []string{"Book"}, h.graph.labels)

	require.NoError(t, h.registry.DeleteType(ctx, "Person"))
	_, err = h.registry.Descriptor("Person")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}
