// Package persistence implements the per-corpus content type registry and the entity
// lifecycle that keeps the primary store, the search index and the graph in step.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"go.uber.org/zap"
)

// RegistryOptions wires the registry's optional collaborators.
type RegistryOptions struct {
	Index  SearchIndex
	Graph  Graph
	Jobs   JobQueue
	Events *EventHub
	Logger *zap.Logger
}

// Registry holds the content types of one corpus together with an explicit cache of
// their compiled descriptors. It is created once per corpus and passed by reference to
// every component that needs schema metadata.
type Registry struct {
	corpusID   string
	interactor DatabaseInteractor
	index      SearchIndex
	graph      Graph
	jobs       JobQueue
	hub        *EventHub
	logger     *zap.Logger

	// defineMu serializes schema mutations; mu guards the maps below.
	defineMu    sync.Mutex
	mu          sync.RWMutex
	types       map[string]*schema.ContentTypeDefinition
	descriptors map[string]*schema.Descriptor
}

// ReferencingField names a cross reference field of another type that targets a type.
type ReferencingField struct {
	TypeName string
	Field    *schema.FieldDefinition
}

// NewRegistry creates the registry for corpusID. It ensures that the internal
// `_content_types` collection exists and loads the corpus' stored definitions.
func NewRegistry(ctx context.Context, corpusID string, interactor DatabaseInteractor, opts RegistryOptions) (*Registry, error) {
	if corpusID == "" {
		return nil, fmt.Errorf("a registry requires a corpus id")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, d := range []*schema.Descriptor{contentTypesDescriptor, deletionsDescriptor} {
		exists, err := interactor.CollectionExists(ctx, d.Collection)
		if err != nil {
			return nil, fmt.Errorf("error looking up collection %s: %w", d.Collection, err)
		}
		if !exists {
			if err := interactor.CreateCollection(ctx, d); err != nil {
				return nil, fmt.Errorf("failed to create table for %s: %w", d.Collection, err)
			}
		}
	}

	r := &Registry{
		corpusID:    corpusID,
		interactor:  interactor,
		index:       opts.Index,
		graph:       opts.Graph,
		jobs:        opts.Jobs,
		hub:         opts.Events,
		logger:      logger.With(zap.String("corpus_id", corpusID)),
		types:       make(map[string]*schema.ContentTypeDefinition),
		descriptors: make(map[string]*schema.Descriptor),
	}
	if err := r.Load(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// CorpusID returns the corpus the registry belongs to.
func (r *Registry) CorpusID() string { return r.corpusID }

// Interactor returns the primary store the registry writes to.
func (r *Registry) Interactor() DatabaseInteractor { return r.interactor }

// Events returns the event hub shared with the registry, which may be nil.
func (r *Registry) Events() *EventHub { return r.hub }

// Load replaces the in-memory definitions with the stored ones and drops every cached
// descriptor.
func (r *Registry) Load(ctx context.Context) error {
	q := query.NewQueryBuilder().Where("corpus_id").Eq(r.corpusID).OrderByAsc("name").Build()
	docs, err := r.interactor.SelectDocuments(ctx, contentTypesDescriptor, &q)
	if err != nil {
		return fmt.Errorf("error reading content types: %w", err)
	}

	types := make(map[string]*schema.ContentTypeDefinition, len(docs))
	for _, doc := range docs {
		record, err := mapToTypeRecord(doc)
		if err != nil {
			return fmt.Errorf("error converting map to TypeRecord: %w", err)
		}
		def, err := record.definition()
		if err != nil {
			return err
		}
		types[def.Name] = def
	}

	r.mu.Lock()
	r.types = types
	r.descriptors = make(map[string]*schema.Descriptor)
	r.mu.Unlock()
	return nil
}

// Type returns a copy of the definition called name.
func (r *Registry) Type(name string) (*schema.ContentTypeDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[name]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

// Types returns copies of every definition, sorted by name.
func (r *Registry) Types() []*schema.ContentTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.ContentTypeDefinition, 0, len(r.types))
	for _, def := range r.types {
		out = append(out, def.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Descriptor returns the compiled descriptor of a type, compiling it on first use.
func (r *Registry) Descriptor(name string) (*schema.Descriptor, error) {
	r.mu.RLock()
	d, ok := r.descriptors[name]
	r.mu.RUnlock()
	if ok {
		return d, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.descriptors[name]; ok {
		return d, nil
	}
	def, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("content type %s: %w", name, ErrNotFound)
	}
	d, err := schema.Compile(def, r.resolverLocked())
	if err != nil {
		return nil, fmt.Errorf("failed to compile content type %s: %w", name, err)
	}
	r.descriptors[name] = d
	return d, nil
}

// Invalidate drops the cached descriptor of name and of every type that references it.
func (r *Registry) Invalidate(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidateLocked(name)
}

// InvalidateAll drops every cached descriptor.
func (r *Registry) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors = make(map[string]*schema.Descriptor)
}

func (r *Registry) invalidateLocked(name string) {
	delete(r.descriptors, name)
	for other, def := range r.types {
		if slices.Contains(def.References(), name) {
			delete(r.descriptors, other)
		}
	}
}

func (r *Registry) resolverLocked() schema.DefinitionResolver {
	return func(name string) (*schema.ContentTypeDefinition, bool) {
		def, ok := r.types[name]
		return def, ok
	}
}

// snapshotResolver resolves against a copy of the current definitions, with overrides
// taking precedence.
func (r *Registry) snapshotResolver(overrides ...*schema.ContentTypeDefinition) schema.DefinitionResolver {
	r.mu.RLock()
	snapshot := make(map[string]*schema.ContentTypeDefinition, len(r.types)+len(overrides))
	for name, def := range r.types {
		snapshot[name] = def
	}
	r.mu.RUnlock()
	for _, def := range overrides {
		snapshot[def.Name] = def
	}
	return func(name string) (*schema.ContentTypeDefinition, bool) {
		def, ok := snapshot[name]
		return def, ok
	}
}

// ReferencingFields lists the cross reference fields of other types that target name.
func (r *Registry) ReferencingFields(name string) []ReferencingField {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []ReferencingField
	for typeName, def := range r.types {
		for _, f := range def.Fields {
			if f.IsCrossReference() && f.CrossReferenceType == name {
				out = append(out, ReferencingField{TypeName: typeName, Field: f.Clone()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TypeName != out[j].TypeName {
			return out[i].TypeName < out[j].TypeName
		}
		return out[i].Field.Name < out[j].Field.Name
	})
	return out
}

func (r *Registry) others(name string) []*schema.ContentTypeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*schema.ContentTypeDefinition, 0, len(r.types))
	for n, def := range r.types {
		if n != name {
			out = append(out, def)
		}
	}
	return out
}

// DefineOrUpdateType validates def and creates or updates its storage. All DDL and the
// definition write happen in one primary-store transaction. The returned Changes say
// which reconciliation passes the update requires; they are also enqueued as jobs.
func (r *Registry) DefineOrUpdateType(ctx context.Context, def *schema.ContentTypeDefinition) (*schema.Descriptor, schema.Changes, error) {
	var changes schema.Changes
	if def == nil {
		return nil, changes, fmt.Errorf("content type definition cannot be nil")
	}
	def = def.Clone()
	def.CorpusID = r.corpusID

	result, err := r.hub.withEventEmission(r.typeEvent("define", def.Name, TypeDefineStart, TypeDefineSuccess, TypeDefineFailed), def, func() (any, error) {
		d, c, err := r.defineOrUpdate(ctx, def)
		if err != nil {
			return nil, err
		}
		changes = c
		return d, nil
	})
	if err != nil {
		return nil, changes, err
	}
	return result.(*schema.Descriptor), changes, nil
}

func (r *Registry) defineOrUpdate(ctx context.Context, def *schema.ContentTypeDefinition) (*schema.Descriptor, schema.Changes, error) {
	r.defineMu.Lock()
	defer r.defineMu.Unlock()

	var changes schema.Changes
	if err := schema.NewDefinitionValidator(r.others(def.Name)).Validate(def); err != nil {
		return nil, changes, err
	}

	stored, exists := r.Type(def.Name)
	now := time.Now().UTC()
	def.LastUpdated = &now

	tx, err := r.interactor.StartTransaction(ctx)
	if err != nil {
		return nil, changes, err
	}

	var final *schema.ContentTypeDefinition
	if exists {
		final, changes, err = r.updateType(ctx, tx, stored, def)
	} else {
		final, err = r.createType(ctx, tx, def)
	}
	if err != nil {
		tx.Rollback(ctx)
		return nil, changes, err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return nil, changes, fmt.Errorf("failed to commit content type %s: %w", def.Name, err)
	}

	r.mu.Lock()
	r.types[final.Name] = final
	r.invalidateLocked(final.Name)
	r.mu.Unlock()

	d, err := r.Descriptor(final.Name)
	if err != nil {
		return nil, changes, err
	}

	if r.index != nil {
		if err := r.index.EnsureIndex(ctx, d, changes.Reindex); err != nil {
			r.logger.Error("Failed to build search mapping", zap.String("content_type", d.TypeName), zap.Error(err))
		}
	}
	r.enqueueChanges(ctx, d.TypeName, changes)
	return d, changes, nil
}

// createType runs the two-step build of a brand new type inside tx.
func (r *Registry) createType(ctx context.Context, tx DatabaseInteractor, def *schema.ContentTypeDefinition) (*schema.ContentTypeDefinition, error) {
	builder := schema.NewTypeBuilder(def)

	initial := builder.Initial()
	first, err := schema.Compile(initial, r.snapshotResolver())
	if err != nil {
		return nil, err
	}
	if err := tx.CreateCollection(ctx, first); err != nil {
		return nil, fmt.Errorf("failed to create collection for %s: %w", def.Name, err)
	}
	if err := r.writeDefinition(ctx, tx, initial, true); err != nil {
		return nil, err
	}
	if !builder.HasSelfReferences() {
		return initial, nil
	}

	complete := builder.Complete()
	second, err := schema.Compile(complete, r.snapshotResolver(initial))
	if err != nil {
		return nil, err
	}
	for _, f := range builder.Deferred() {
		fd, _ := second.Field(f.Name)
		if err := tx.AddColumn(ctx, second, fd); err != nil {
			return nil, fmt.Errorf("failed to add self reference %s: %w", f.Name, err)
		}
	}
	if err := createMissingIndexes(ctx, tx, second, first.Indexes); err != nil {
		return nil, err
	}
	if err := r.writeDefinition(ctx, tx, complete, false); err != nil {
		return nil, err
	}
	return complete, nil
}

// updateType merges def into the stored definition and migrates the collection.
func (r *Registry) updateType(ctx context.Context, tx DatabaseInteractor, stored, def *schema.ContentTypeDefinition) (*schema.ContentTypeDefinition, schema.Changes, error) {
	diff := schema.Merge(stored, def)
	merged := diff.Merged
	merged.LastUpdated = def.LastUpdated

	oldD, err := r.Descriptor(stored.Name)
	if err != nil {
		return nil, diff.Changes, err
	}
	newD, err := schema.Compile(merged, r.snapshotResolver(merged))
	if err != nil {
		return nil, diff.Changes, err
	}

	var converted []schema.FieldChange
	rebuilt := make(map[string]bool)
	for _, c := range diff.Updated {
		if c.TypeChanged() || c.MultiplicityChanged() {
			converted = append(converted, c)
			rebuilt[c.New.Name] = true
		}
	}
	removed := make(map[string]bool, len(diff.Removed))
	for _, f := range diff.Removed {
		removed[f.Name] = true
	}

	// Indexes go first so the columns they cover can be dropped.
	newIndexes := make(map[string]bool, len(newD.Indexes))
	for _, idx := range newD.Indexes {
		newIndexes[idx.Name] = true
	}
	var kept []schema.IndexDescriptor
	for _, idx := range oldD.Indexes {
		touched := slices.ContainsFunc(idx.Fields, func(f string) bool { return removed[f] || rebuilt[f] })
		if !newIndexes[idx.Name] || touched {
			if err := tx.DropIndex(ctx, idx.Name); err != nil {
				return nil, diff.Changes, fmt.Errorf("failed to drop index %s: %w", idx.Name, err)
			}
			continue
		}
		kept = append(kept, idx)
	}

	saved, err := r.readConvertedValues(ctx, tx, oldD, converted)
	if err != nil {
		return nil, diff.Changes, err
	}

	for _, f := range diff.Removed {
		if err := tx.DropColumn(ctx, oldD, f.Name); err != nil {
			return nil, diff.Changes, fmt.Errorf("failed to drop field %s: %w", f.Name, err)
		}
	}
	for _, c := range converted {
		if err := tx.DropColumn(ctx, oldD, c.Old.Name); err != nil {
			return nil, diff.Changes, fmt.Errorf("failed to rebuild field %s: %w", c.Old.Name, err)
		}
		fd, _ := newD.Field(c.New.Name)
		if err := tx.AddColumn(ctx, newD, fd); err != nil {
			return nil, diff.Changes, fmt.Errorf("failed to rebuild field %s: %w", c.New.Name, err)
		}
	}
	for _, f := range diff.Added {
		fd, _ := newD.Field(f.Name)
		if err := tx.AddColumn(ctx, newD, fd); err != nil {
			return nil, diff.Changes, fmt.Errorf("failed to add field %s: %w", f.Name, err)
		}
	}

	for id, updates := range saved {
		if _, err := tx.UpdateDocuments(ctx, newD, updates, query.ByID(id)); err != nil {
			return nil, diff.Changes, fmt.Errorf("failed to convert values of %s: %w", id, err)
		}
	}

	if err := createMissingIndexes(ctx, tx, newD, kept); err != nil {
		return nil, diff.Changes, err
	}
	if err := r.writeDefinition(ctx, tx, merged, false); err != nil {
		return nil, diff.Changes, err
	}
	return merged, diff.Changes, nil
}

// readConvertedValues loads and converts the stored values of fields whose type or
// multiplicity changes, keyed by entity id.
func (r *Registry) readConvertedValues(ctx context.Context, tx DatabaseInteractor, oldD *schema.Descriptor, changes []schema.FieldChange) (map[string]map[string]any, error) {
	out := make(map[string]map[string]any)
	if len(changes) == 0 {
		return out, nil
	}
	columns := []string{schema.ColumnID}
	for _, c := range changes {
		columns = append(columns, c.Old.Name)
	}
	q := query.NewQueryBuilder().Select(columns...).Build()
	rows, err := tx.SelectDocuments(ctx, oldD, &q)
	if err != nil {
		return nil, fmt.Errorf("failed to read values for conversion: %w", err)
	}

	for _, row := range rows {
		id, _ := row[schema.ColumnID].(string)
		updates := make(map[string]any, len(changes))
		for _, c := range changes {
			raw := row[c.Old.Name]
			if raw == nil {
				continue
			}
			old, err := schema.DecodeField(c.Old, raw)
			if err != nil {
				r.logger.Warn("Dropping undecodable value", zap.String("id", id), zap.String("field", c.Old.Name), zap.Error(err))
				continue
			}
			next, err := schema.ConvertValue(c.Old, c.New, old)
			if err != nil {
				r.logger.Warn("Dropping unconvertible value", zap.String("id", id), zap.String("field", c.New.Name), zap.Error(err))
				continue
			}
			enc, err := schema.EncodeField(c.New, next)
			if err != nil {
				return nil, err
			}
			updates[c.New.Name] = enc
		}
		if len(updates) > 0 {
			out[id] = updates
		}
	}
	return out, nil
}

func createMissingIndexes(ctx context.Context, tx DatabaseInteractor, d *schema.Descriptor, existing []schema.IndexDescriptor) error {
	have := make(map[string]bool, len(existing))
	for _, idx := range existing {
		have[idx.Name] = true
	}
	for _, idx := range d.Indexes {
		if have[idx.Name] {
			continue
		}
		if err := tx.CreateIndex(ctx, d.Collection, idx); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return fmt.Errorf("existing values violate unique index %s: %w", idx.Name, err)
			}
			return fmt.Errorf("failed to create index %s: %w", idx.Name, err)
		}
	}
	return nil
}

func (r *Registry) writeDefinition(ctx context.Context, tx DatabaseInteractor, def *schema.ContentTypeDefinition, insert bool) error {
	record, err := newTypeRecord(def)
	if err != nil {
		return err
	}
	data, err := typeRecordToMap(record)
	if err != nil {
		return err
	}
	if insert {
		if _, err := tx.InsertDocuments(ctx, contentTypesDescriptor, []map[string]any{data}); err != nil {
			return fmt.Errorf("failed to store content type %s: %w", def.Name, err)
		}
		return nil
	}
	delete(data, "id")
	if _, err := tx.UpdateDocuments(ctx, contentTypesDescriptor, data, query.ByID(record.ID)); err != nil {
		return fmt.Errorf("failed to store content type %s: %w", def.Name, err)
	}
	return nil
}

func (r *Registry) enqueueChanges(ctx context.Context, typeName string, changes schema.Changes) {
	if r.jobs == nil || !changes.Any() {
		return
	}
	payload := map[string]any{"corpus_id": r.corpusID, "content_type": typeName}
	var jobTypes []string
	switch {
	case changes.Relabel:
		jobTypes = append(jobTypes, JobReconcileRelabel)
	case changes.Reindex:
		jobTypes = append(jobTypes, JobReconcileReindex)
	}
	if changes.Resave {
		jobTypes = append(jobTypes, JobReconcileResave)
	}
	for _, jobType := range jobTypes {
		if _, err := r.jobs.Enqueue(ctx, JobQueueReconcile, jobType, payload); err != nil {
			r.logger.Error("Failed to enqueue reconciliation", zap.String("job", jobType), zap.String("content_type", typeName), zap.Error(err))
		}
	}
}

// Import defines a set of types in dependency order. Every definition is validated and
// the set is ordered before anything is written.
func (r *Registry) Import(ctx context.Context, defs []*schema.ContentTypeDefinition) ([]*schema.Descriptor, error) {
	cloned := make([]*schema.ContentTypeDefinition, len(defs))
	for i, def := range defs {
		cloned[i] = def.Clone()
		cloned[i].CorpusID = r.corpusID
	}
	ordered, err := schema.ImportOrder(cloned, func(name string) bool {
		_, ok := r.Type(name)
		return ok
	})
	if err != nil {
		return nil, err
	}

	for _, def := range ordered {
		others := r.others(def.Name)
		for _, o := range ordered {
			if o.Name != def.Name {
				others = append(others, o)
			}
		}
		if err := schema.NewDefinitionValidator(others).Validate(def); err != nil {
			return nil, err
		}
	}

	out := make([]*schema.Descriptor, 0, len(ordered))
	for _, def := range ordered {
		d, _, err := r.DefineOrUpdateType(ctx, def)
		if err != nil {
			return out, fmt.Errorf("failed to import %s: %w", def.Name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// LastUpdated returns when a type or any of its entities last changed: the later of the
// definition's last update and the newest entity last_updated.
func (r *Registry) LastUpdated(ctx context.Context, typeName string) (time.Time, error) {
	d, err := r.Descriptor(typeName)
	if err != nil {
		return time.Time{}, err
	}
	var newest time.Time
	if lu := d.Definition.LastUpdated; lu != nil {
		newest = *lu
	}
	q := query.NewQueryBuilder().
		Select(schema.ColumnID, schema.ColumnLastUpdated).
		OrderByDesc(schema.ColumnLastUpdated).
		Limit(1).
		Build()
	rows, err := r.interactor.SelectDocuments(ctx, d, &q)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last update of %s: %w", typeName, err)
	}
	if len(rows) > 0 {
		e, err := entityFromRow(d, rows[0])
		if err != nil {
			return time.Time{}, err
		}
		if e.LastUpdated.After(newest) {
			newest = e.LastUpdated
		}
	}
	return newest, nil
}

// DeleteType drops a type's collection and definition, then its search index and graph
// nodes. A type that other types reference cannot be deleted.
func (r *Registry) DeleteType(ctx context.Context, name string) error {
	_, err := r.hub.withEventEmission(r.typeEvent("delete", name, TypeDeleteStart, TypeDeleteSuccess, TypeDeleteFailed), name, func() (any, error) {
		return nil, r.deleteType(ctx, name)
	})
	return err
}

func (r *Registry) deleteType(ctx context.Context, name string) error {
	r.defineMu.Lock()
	defer r.defineMu.Unlock()

	d, err := r.Descriptor(name)
	if err != nil {
		return err
	}
	if refs := r.ReferencingFields(name); len(refs) > 0 {
		names := make([]string, 0, len(refs))
		for _, ref := range refs {
			names = append(names, ref.TypeName+"."+ref.Field.Name)
		}
		return fmt.Errorf("%w: %s is referenced by %s", ErrTypeReferenced, name, strings.Join(names, ", "))
	}

	tx, err := r.interactor.StartTransaction(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.DeleteDocuments(ctx, contentTypesDescriptor, query.ByID(typeRecordID(r.corpusID, name)), false); err != nil {
		tx.Rollback(ctx)
		return fmt.Errorf("failed to delete content type %s: %w", name, err)
	}
	if err := tx.DropCollection(ctx, d.Collection); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return err
	}

	r.mu.Lock()
	delete(r.types, name)
	r.invalidateLocked(name)
	r.mu.Unlock()

	if r.index != nil {
		if err := r.index.DeleteIndex(ctx, r.corpusID, name); err != nil {
			r.logger.Error("Failed to delete search index", zap.String("content_type", name), zap.Error(err))
		}
	}
	if r.graph != nil {
		if err := r.graph.DeleteLabel(ctx, r.corpusID, name); err != nil {
			r.logger.Error("Failed to delete graph nodes", zap.String("content_type", name), zap.Error(err))
		}
	}
	return nil
}

// UpdateFieldStats stores statistics computed by reconciliation on the definition. It
// does not touch last_updated, so content views are not made stale by it.
func (r *Registry) UpdateFieldStats(ctx context.Context, typeName string, stats map[string]*schema.FieldStats) error {
	r.defineMu.Lock()
	defer r.defineMu.Unlock()

	def, ok := r.Type(typeName)
	if !ok {
		return fmt.Errorf("content type %s: %w", typeName, ErrNotFound)
	}
	for _, f := range def.Fields {
		if s, ok := stats[f.Name]; ok {
			f.Stats = s
		}
	}
	if err := r.writeDefinition(ctx, r.interactor, def, false); err != nil {
		return err
	}
	r.mu.Lock()
	r.types[typeName] = def
	r.invalidateLocked(typeName)
	r.mu.Unlock()
	return nil
}

func (r *Registry) typeEvent(operation, name string, start, success, failed PersistenceEventType) eventSpec {
	return eventSpec{
		operation:  operation,
		collection: ContentTypesCollection,
		start:      start,
		success:    success,
		failed:     failed,
		context:    map[string]any{"corpus_id": r.corpusID, "content_type": name},
	}
}
