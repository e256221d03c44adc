package persistence

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"text/template"
	"text/template/parse"
	"time"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/graph"
	"github.com/bptarpley/corpora/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StoreOptions wires the collaborators of an EntityStore. Only the registry is
// required; missing collaborators are skipped.
type StoreOptions struct {
	Index     SearchIndex
	Graph     Graph
	Jobs      JobQueue
	Views     ViewInvalidator
	Events    *EventHub
	FilesRoot string
	Logger    *zap.Logger
}

// SaveOptions control the secondary writes of a save.
type SaveOptions struct {
	SkipIndex bool
	SkipLink  bool
	// IndexFields restricts the search update to a partial update of these fields.
	IndexFields []string
}

// DeleteOptions control the secondary writes of a delete.
type DeleteOptions struct {
	SkipUnlink  bool
	SkipUnindex bool
}

// EntityStore saves and deletes entities of one corpus, keeping the search index and
// the graph in step with the primary store. The primary store is authoritative: a
// failed secondary write is logged and reported but never undoes the primary write.
type EntityStore struct {
	registry  *Registry
	db        DatabaseInteractor
	index     SearchIndex
	graph     Graph
	jobs      JobQueue
	views     ViewInvalidator
	hub       *EventHub
	filesRoot string
	logger    *zap.Logger
}

// NewEntityStore creates the entity store of the registry's corpus.
func NewEntityStore(registry *Registry, opts StoreOptions) *EntityStore {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := opts.Events
	if hub == nil {
		hub = registry.Events()
	}
	return &EntityStore{
		registry:  registry,
		db:        registry.Interactor(),
		index:     opts.Index,
		graph:     opts.Graph,
		jobs:      opts.Jobs,
		views:     opts.Views,
		hub:       hub,
		filesRoot: opts.FilesRoot,
		logger:    logger.With(zap.String("corpus_id", registry.CorpusID())),
	}
}

// Registry returns the registry the store reads its content types from.
func (s *EntityStore) Registry() *Registry { return s.registry }

// Build creates an unsaved entity from raw input. Keys that are not fields of the type
// are ignored; an "id" key is kept as the entity id.
func (s *EntityStore) Build(typeName string, input map[string]any) (*Entity, error) {
	def, ok := s.registry.Type(typeName)
	if !ok {
		return nil, fmt.Errorf("content type %s: %w", typeName, ErrNotFound)
	}
	values, issues := schema.NewValidator(def).Coerce(input, true)
	if len(issues) > 0 {
		return nil, &ValidationError{TypeName: typeName, Issues: issues}
	}
	e := NewEntity(s.registry.CorpusID(), typeName)
	e.Values = values
	if id, ok := input[schema.ColumnID].(string); ok {
		e.ID = id
	}
	return e, nil
}

// Save validates and writes the entity, then derives its label, URI and path and brings
// the search index and the graph up to date.
func (s *EntityStore) Save(ctx context.Context, e *Entity, opts SaveOptions) error {
	if e == nil {
		return fmt.Errorf("entity cannot be nil")
	}
	if e.IsDeleted() {
		return fmt.Errorf("entity %s has been deleted", e.ID)
	}
	d, err := s.registry.Descriptor(e.ContentType)
	if err != nil {
		return err
	}
	_, err = s.hub.withEventEmission(s.entityEvent("save", d, e, EntitySaveStart, EntitySaveSuccess, EntitySaveFailed), e.ID, func() (any, error) {
		if err := s.save(ctx, d, e, opts); err != nil {
			return nil, err
		}
		return e.URI, nil
	})
	return err
}

func (s *EntityStore) save(ctx context.Context, d *schema.Descriptor, e *Entity, opts SaveOptions) error {
	if e.Values == nil {
		e.Values = schema.NewValues()
	}
	if ok, issues := schema.NewValidator(d.Definition).Validate(e.Values); !ok {
		return &ValidationError{TypeName: d.TypeName, Issues: issues}
	}

	full := needsFullReferences(d)
	targets, missing, err := s.resolveReferences(ctx, d, []*Entity{e}, full)
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrReferenceNotFound, strings.Join(missing, ", "))
	}
	if full {
		if err := s.resolveNested(ctx, targets); err != nil {
			return err
		}
	}
	collectIntensities(d, e)

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.LastUpdated = time.Now().UTC()
	row, err := e.toRow(d)
	if err != nil {
		return err
	}

	if e.IsPersisted() {
		delete(row, schema.ColumnID)
		n, err := s.db.UpdateDocuments(ctx, d, row, query.ByID(e.ID))
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", e.ID, err)
		}
		if n == 0 {
			return fmt.Errorf("%s %s: %w", d.TypeName, e.ID, ErrNotFound)
		}
	} else {
		if _, err := s.db.InsertDocuments(ctx, d, []map[string]any{row}); err != nil {
			return fmt.Errorf("failed to insert %s: %w", e.ID, err)
		}
		e.state = statePersisted
	}

	if err := s.derive(ctx, d, e, targets); err != nil {
		return err
	}

	if !opts.SkipIndex {
		s.syncIndex(ctx, d, e, targets, opts.IndexFields)
	}
	if !opts.SkipLink {
		s.syncGraph(ctx, d, e)
	}
	return nil
}

// derive recomputes label, URI and path and persists the ones that changed.
func (s *EntityStore) derive(ctx context.Context, d *schema.Descriptor, e *Entity, targets map[string]*Entity) error {
	label, err := renderLabel(d, e, targets)
	if err != nil {
		return err
	}
	uri := s.entityURI(d, e, targets)
	path := e.Path
	if d.Definition.HasFileField() && s.filesRoot != "" {
		path = filepath.Join(s.filesRoot, "corpora", e.CorpusID, d.TypeName, e.ID)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create path for %s: %w", e.ID, err)
		}
	}

	updates := map[string]any{}
	if label != e.Label {
		updates[schema.ColumnLabel] = label
	}
	if uri != e.URI {
		updates[schema.ColumnURI] = uri
	}
	if path != e.Path {
		updates[schema.ColumnPath] = path
	}
	if len(updates) == 0 {
		return nil
	}
	if _, err := s.db.UpdateDocuments(ctx, d, updates, query.ByID(e.ID)); err != nil {
		return fmt.Errorf("failed to store derived attributes of %s: %w", e.ID, err)
	}
	e.Label, e.URI, e.Path = label, uri, path
	return nil
}

// entityURI derives the URI from the proxy target when the type has one.
func (s *EntityStore) entityURI(d *schema.Descriptor, e *Entity, targets map[string]*Entity) string {
	if proxy := d.Definition.ProxyField; proxy != "" {
		if r, ok := e.Get(proxy).Reference(); ok {
			uri := r.URI
			if t, ok := targets[r.ID]; ok && t.URI != "" {
				uri = t.URI
			}
			if corpusID, _, id, ok := schema.ParseURI(uri); ok {
				return schema.EntityURI(corpusID, d.TypeName, id)
			}
		}
	}
	return schema.EntityURI(e.CorpusID, d.TypeName, e.ID)
}

func (s *EntityStore) syncIndex(ctx context.Context, d *schema.Descriptor, e *Entity, targets map[string]*Entity, fields []string) {
	if s.index == nil {
		return
	}
	if err := s.pushIndex(ctx, d, e, targets, fields); err != nil {
		s.syncFailed(d, e, "search", "save", err)
	}
}

func (s *EntityStore) pushIndex(ctx context.Context, d *schema.Descriptor, e *Entity, targets map[string]*Entity, fields []string) error {
	doc := s.indexDocument(d, e, targets)
	if len(fields) == 0 {
		return s.index.IndexDocument(ctx, e.CorpusID, d.TypeName, e.ID, doc)
	}
	partial := schema.Document{}
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			partial[f] = v
		}
	}
	return s.index.UpdateDocument(ctx, e.CorpusID, d.TypeName, e.ID, partial)
}

func (s *EntityStore) syncGraph(ctx context.Context, d *schema.Descriptor, e *Entity) {
	if s.graph == nil {
		return
	}
	if err := s.graph.SyncNode(ctx, graphNode(d, e)); err != nil {
		s.syncFailed(d, e, "graph", "save", err)
	}
}

func (s *EntityStore) syncFailed(d *schema.Descriptor, e *Entity, store, operation string, err error) {
	s.logger.Error("Secondary store out of sync",
		zap.String("store", store),
		zap.String("operation", operation),
		zap.String("content_type", d.TypeName),
		zap.String("id", e.ID),
		zap.Error(err),
	)
	metrics.SyncFailures.WithLabelValues(store, operation).Inc()
	errStr := err.Error()
	event := createEvent(EntitySyncFailed, operation, d.Collection, store, nil, nil, &errStr, nil, time.Time{})
	event.Context = map[string]any{"corpus_id": e.CorpusID, "content_type": d.TypeName, "id": e.ID, "store": store}
	s.hub.Emit(event)
}

// indexDocument projects an entity into its search document: id, label, uri and every
// in-list field. Cross references are expanded with the in-list scalar fields of the
// referenced entity.
func (s *EntityStore) indexDocument(d *schema.Descriptor, e *Entity, targets map[string]*Entity) schema.Document {
	doc := schema.Document{
		schema.ColumnID:    e.ID,
		schema.ColumnLabel: e.Label,
		schema.ColumnURI:   e.URI,
	}
	for _, f := range d.Fields {
		def := f.Definition
		if !def.InLists {
			continue
		}
		v := e.Get(f.Name)
		if v.IsNull() {
			continue
		}
		if !def.IsCrossReference() {
			doc[f.Name] = schema.IndexField(def, v)
			continue
		}
		var targetD *schema.Descriptor
		if f.SelfReference {
			targetD = d
		} else {
			targetD, _ = s.registry.Descriptor(def.CrossReferenceType)
		}
		refs := v.References()
		items := make([]any, 0, len(refs))
		for _, r := range refs {
			items = append(items, referenceDocument(r, targets[r.ID], targetD))
		}
		if def.Multiple {
			doc[f.Name] = items
		} else if len(items) > 0 {
			doc[f.Name] = items[0]
		}
	}
	return doc
}

func referenceDocument(r schema.Reference, target *Entity, targetD *schema.Descriptor) map[string]any {
	m := map[string]any{"id": r.ID, "label": r.Label, "uri": r.URI}
	if r.Intensity != nil {
		m["intensity"] = *r.Intensity
	}
	if target == nil || targetD == nil {
		return m
	}
	for _, tf := range targetD.Fields {
		if !tf.Definition.InLists || tf.Definition.IsCrossReference() {
			continue
		}
		if v := target.Get(tf.Name); !v.IsNull() {
			m[tf.Name] = schema.IndexField(tf.Definition, v)
		}
	}
	return m
}

// graphNode projects an entity into its graph node with one has<Field> edge per
// referenced entity.
func graphNode(d *schema.Descriptor, e *Entity) graph.Node {
	node := graph.Node{
		Label:    d.TypeName,
		URI:      e.URI,
		ID:       e.ID,
		CorpusID: e.CorpusID,
		Name:     e.Label,
	}
	for _, f := range d.ReferenceFields() {
		for _, r := range e.Get(f.Name).References() {
			edge := graph.Edge{
				Type:        graph.EdgeName(f.Name),
				TargetLabel: f.Definition.CrossReferenceType,
				TargetURI:   r.URI,
			}
			if edge.TargetURI == "" {
				edge.TargetURI = schema.EntityURI(e.CorpusID, f.Definition.CrossReferenceType, r.ID)
			}
			if f.Definition.HasIntensity {
				edge.Intensity = r.Intensity
			}
			node.Edges = append(node.Edges, edge)
		}
	}
	return node
}

// resolveReferences loads the entities referenced by the given entities and fills the
// label and URI of every reference. It returns the loaded targets by id and the
// references that do not exist. With full unset only the columns needed for labels and
// search documents are read.
func (s *EntityStore) resolveReferences(ctx context.Context, d *schema.Descriptor, entities []*Entity, full bool) (map[string]*Entity, []string, error) {
	wanted := map[string][]string{}
	for _, f := range d.ReferenceFields() {
		target := f.Definition.CrossReferenceType
		for _, e := range entities {
			for _, r := range e.Get(f.Name).References() {
				if !slices.Contains(wanted[target], r.ID) {
					wanted[target] = append(wanted[target], r.ID)
				}
			}
		}
	}

	targets := make(map[string]*Entity)
	for typeName, ids := range wanted {
		targetD, err := s.registry.Descriptor(typeName)
		if err != nil {
			return nil, nil, err
		}
		loaded, err := s.loadByIDs(ctx, targetD, ids, full)
		if err != nil {
			return nil, nil, err
		}
		for _, t := range loaded {
			targets[t.ID] = t
		}
	}

	var missing []string
	for _, f := range d.ReferenceFields() {
		for _, e := range entities {
			v := e.Get(f.Name)
			refs := v.References()
			if len(refs) == 0 {
				continue
			}
			out := make([]schema.Reference, len(refs))
			for i, r := range refs {
				if t, ok := targets[r.ID]; ok {
					r.Label, r.URI = t.Label, t.URI
				} else {
					missing = append(missing, f.Definition.CrossReferenceType+"/"+r.ID)
				}
				out[i] = r
			}
			e.Values.Set(f.Name, v.WithReferences(out))
		}
	}
	return targets, missing, nil
}

// resolveNested resolves the references of already loaded targets and adds the
// second-level entities to targets, so templates can read a reference of a reference.
func (s *EntityStore) resolveNested(ctx context.Context, targets map[string]*Entity) error {
	byType := map[string][]*Entity{}
	for _, t := range targets {
		byType[t.ContentType] = append(byType[t.ContentType], t)
	}
	for typeName, entities := range byType {
		d, err := s.registry.Descriptor(typeName)
		if err != nil {
			return err
		}
		nested, _, err := s.resolveReferences(ctx, d, entities, false)
		if err != nil {
			return err
		}
		for id, n := range nested {
			if _, ok := targets[id]; !ok {
				targets[id] = n
			}
		}
	}
	return nil
}

func (s *EntityStore) loadByIDs(ctx context.Context, d *schema.Descriptor, ids []string, full bool) ([]*Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	values := make([]query.FilterValue, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	qb := query.NewQueryBuilder().Where(schema.ColumnID).In(values...)
	if !full {
		columns := []string{schema.ColumnID, schema.ColumnLabel, schema.ColumnURI}
		for _, f := range d.Fields {
			if f.Definition.InLists && !f.Definition.IsCrossReference() {
				columns = append(columns, f.Name)
			}
		}
		qb.Select(columns...)
	}
	q := qb.Build()
	rows, err := s.db.SelectDocuments(ctx, d, &q)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s references: %w", d.TypeName, err)
	}
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		e, err := entityFromRow(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// collectIntensities rebuilds FieldIntensities from the references of intensity fields.
func collectIntensities(d *schema.Descriptor, e *Entity) {
	if e.FieldIntensities == nil {
		e.FieldIntensities = make(map[string]float64)
	}
	for _, f := range d.ReferenceFields() {
		if !f.Definition.HasIntensity {
			continue
		}
		prefix := f.Name + "-"
		for k := range e.FieldIntensities {
			if strings.HasPrefix(k, prefix) {
				delete(e.FieldIntensities, k)
			}
		}
		for _, r := range e.Get(f.Name).References() {
			if r.Intensity != nil {
				e.FieldIntensities[IntensityKey(f.Name, r.ID)] = *r.Intensity
			}
		}
	}
}

var stubAttributes = map[string]bool{"id": true, "label": true, "uri": true, "intensity": true}

// needsFullReferences reports whether the label template reads an attribute of a
// referenced entity other than its id, label or uri.
func needsFullReferences(d *schema.Descriptor) bool {
	refs := map[string]bool{}
	for _, f := range d.ReferenceFields() {
		refs[f.Name] = true
	}
	if len(refs) == 0 {
		return false
	}
	tmpl, err := template.New("label").Funcs(schema.TemplateFuncs).Parse(d.Definition.LabelTemplate())
	if err != nil {
		return false
	}
	for _, t := range tmpl.Templates() {
		if t.Tree != nil && t.Tree.Root != nil && derefsNested(t.Tree.Root, refs, false) {
			return true
		}
	}
	return false
}

// derefsNested walks a template tree. inRef is set while dot is a referenced entity,
// as it is inside {{range .refs}} or {{with .ref}}.
func derefsNested(node parse.Node, refs map[string]bool, inRef bool) bool {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return false
		}
		for _, c := range n.Nodes {
			if derefsNested(c, refs, inRef) {
				return true
			}
		}
	case *parse.ActionNode:
		return pipeDerefs(n.Pipe, refs, inRef)
	case *parse.IfNode:
		return branchDerefs(&n.BranchNode, refs, inRef, false)
	case *parse.RangeNode:
		return branchDerefs(&n.BranchNode, refs, inRef, true)
	case *parse.WithNode:
		return branchDerefs(&n.BranchNode, refs, inRef, true)
	case *parse.FieldNode:
		if inRef {
			return !stubAttributes[n.Ident[0]]
		}
		return len(n.Ident) > 1 && refs[n.Ident[0]] && !stubAttributes[n.Ident[1]]
	}
	return false
}

func branchDerefs(b *parse.BranchNode, refs map[string]bool, inRef, rebinds bool) bool {
	if pipeDerefs(b.Pipe, refs, inRef) {
		return true
	}
	inner := inRef
	if rebinds {
		inner = pipeIsReference(b.Pipe, refs)
	}
	if derefsNested(b.List, refs, inner) {
		return true
	}
	return b.ElseList != nil && derefsNested(b.ElseList, refs, inRef)
}

func pipeDerefs(pipe *parse.PipeNode, refs map[string]bool, inRef bool) bool {
	if pipe == nil {
		return false
	}
	for _, cmd := range pipe.Cmds {
		for _, arg := range cmd.Args {
			if derefsNested(arg, refs, inRef) {
				return true
			}
		}
	}
	return false
}

func pipeIsReference(pipe *parse.PipeNode, refs map[string]bool) bool {
	if pipe == nil || len(pipe.Cmds) != 1 || len(pipe.Cmds[0].Args) != 1 {
		return false
	}
	f, ok := pipe.Cmds[0].Args[0].(*parse.FieldNode)
	return ok && len(f.Ident) == 1 && refs[f.Ident[0]]
}

func renderLabel(d *schema.Descriptor, e *Entity, targets map[string]*Entity) (string, error) {
	tmpl, err := template.New("label").Funcs(schema.TemplateFuncs).Parse(d.Definition.LabelTemplate())
	if err != nil {
		return "", fmt.Errorf("invalid label template for %s: %w", d.TypeName, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, e.templateContext(targets)); err != nil {
		return "", fmt.Errorf("failed to render label of %s: %w", e.ID, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Render executes a display template of the entity's type. Templates with an HTML mime
// type are escaped with html/template.
func (s *EntityStore) Render(ctx context.Context, e *Entity, format string) (string, error) {
	d, err := s.registry.Descriptor(e.ContentType)
	if err != nil {
		return "", err
	}
	t, ok := d.Definition.Templates[format]
	if !ok {
		return "", fmt.Errorf("template %s of %s: %w", format, d.TypeName, ErrNotFound)
	}
	targets, _, err := s.resolveReferences(ctx, d, []*Entity{e}, true)
	if err != nil {
		return "", err
	}
	if err := s.resolveNested(ctx, targets); err != nil {
		return "", err
	}
	data := e.templateContext(targets)

	var buf bytes.Buffer
	if strings.HasPrefix(t.MimeType, "text/html") {
		tmpl, err := htmltemplate.New(format).Funcs(schema.TemplateFuncs).Parse(t.Template)
		if err != nil {
			return "", fmt.Errorf("invalid %s template: %w", format, err)
		}
		err = tmpl.Execute(&buf, data)
		if err != nil {
			return "", err
		}
		return buf.String(), nil
	}
	tmpl, err := template.New(format).Funcs(schema.TemplateFuncs).Parse(t.Template)
	if err != nil {
		return "", fmt.Errorf("invalid %s template: %w", format, err)
	}
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Delete removes the entity from the graph, the search index and the primary store.
// When other types may reference it, or it owns files, a deletion record is left for
// reconciliation.
func (s *EntityStore) Delete(ctx context.Context, e *Entity, opts DeleteOptions) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("cannot delete an entity without an id")
	}
	d, err := s.registry.Descriptor(e.ContentType)
	if err != nil {
		return err
	}
	_, err = s.hub.withEventEmission(s.entityEvent("delete", d, e, EntityDeleteStart, EntityDeleteSuccess, EntityDeleteFailed), e.ID, func() (any, error) {
		return nil, s.delete(ctx, d, e, opts)
	})
	return err
}

func (s *EntityStore) delete(ctx context.Context, d *schema.Descriptor, e *Entity, opts DeleteOptions) error {
	if e.URI == "" {
		e.URI = schema.EntityURI(e.CorpusID, d.TypeName, e.ID)
	}
	if !opts.SkipUnlink && s.graph != nil {
		if err := s.graph.DeleteNode(ctx, d.TypeName, e.URI); err != nil {
			s.syncFailed(d, e, "graph", "delete", err)
		}
	}
	if !opts.SkipUnindex && s.index != nil {
		if err := s.index.DeleteDocument(ctx, e.CorpusID, d.TypeName, e.ID); err != nil {
			s.syncFailed(d, e, "search", "delete", err)
		}
	}
	if s.views != nil {
		if err := s.views.MarkNeedsRefresh(ctx, e.CorpusID, d.TypeName); err != nil {
			s.logger.Warn("Failed to mark content views for refresh", zap.String("content_type", d.TypeName), zap.Error(err))
		}
	}

	var record *DeletionRecord
	if len(s.registry.ReferencingFields(d.TypeName)) > 0 || e.Path != "" {
		r, err := writeDeletionRecord(ctx, s.db, e)
		if err != nil {
			return err
		}
		record = r
	}

	n, err := s.db.DeleteDocuments(ctx, d, query.ByID(e.ID), false)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", e.ID, err)
	}
	if n == 0 {
		if record != nil {
			_ = removeDeletionRecord(ctx, s.db, record.ID)
		}
		return fmt.Errorf("%s %s: %w", d.TypeName, e.ID, ErrNotFound)
	}
	e.state = stateDeleted

	if record != nil && s.jobs != nil {
		payload := map[string]any{"corpus_id": e.CorpusID, "content_type": d.TypeName, "deletion_id": record.ID}
		if _, err := s.jobs.Enqueue(ctx, JobQueueReconcile, JobReconcileDeletions, payload); err != nil {
			s.logger.Error("Failed to enqueue deletion reconciliation", zap.String("id", e.ID), zap.Error(err))
		}
	}
	return nil
}

// Get loads one entity with the labels and URIs of its references filled in.
func (s *EntityStore) Get(ctx context.Context, typeName, id string) (*Entity, error) {
	d, err := s.registry.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	loaded, err := s.loadByIDs(ctx, d, []string{id}, true)
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, fmt.Errorf("%s %s: %w", typeName, id, ErrNotFound)
	}
	if _, _, err := s.resolveReferences(ctx, d, loaded, false); err != nil {
		return nil, err
	}
	return loaded[0], nil
}

// Find returns the entities matching a primary-store query. References are hydrated
// with labels and URIs; dangling ones are left as they are.
func (s *EntityStore) Find(ctx context.Context, typeName string, dsl *query.QueryDSL) ([]*Entity, error) {
	d, err := s.registry.Descriptor(typeName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.SelectDocuments(ctx, d, dsl)
	if err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(rows))
	for _, row := range rows {
		e, err := entityFromRow(d, row)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if _, _, err := s.resolveReferences(ctx, d, out, false); err != nil {
		return nil, err
	}
	return out, nil
}

// Iterate walks every entity matching filters in id order, batchSize rows at a time.
// It stops at the first error returned by fn.
func (s *EntityStore) Iterate(ctx context.Context, typeName string, filters *query.QueryFilter, batchSize int, fn func(*Entity) error) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	last := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		q := query.QueryDSL{
			Sort:       []query.SortConfiguration{{Field: schema.ColumnID, Direction: query.SortDirectionAsc}},
			Pagination: &query.PaginationOptions{Limit: batchSize},
		}
		var conditions []query.QueryFilter
		if filters != nil {
			conditions = append(conditions, *filters)
		}
		if last != "" {
			conditions = append(conditions, query.CreateSimpleFilter(schema.ColumnID, query.ComparisonOperatorGt, last))
		}
		if len(conditions) > 0 {
			f := query.CreateFilterGroup(query.LogicalOperatorAnd, conditions...)
			q.Filters = &f
		}

		batch, err := s.Find(ctx, typeName, &q)
		if err != nil {
			return err
		}
		for _, e := range batch {
			if err := fn(e); err != nil {
				return err
			}
		}
		if len(batch) < batchSize {
			return nil
		}
		last = batch[len(batch)-1].ID
	}
}

// Count returns the number of entities of a type matching filters.
func (s *EntityStore) Count(ctx context.Context, typeName string, filters *query.QueryFilter) (int64, error) {
	d, err := s.registry.Descriptor(typeName)
	if err != nil {
		return 0, err
	}
	return s.db.CountDocuments(ctx, d, filters)
}

// Sync pushes the stored state of an entity to the search index and the graph without
// writing the primary store. Missing references are tolerated.
func (s *EntityStore) Sync(ctx context.Context, e *Entity, index, link bool, fields []string) error {
	d, err := s.registry.Descriptor(e.ContentType)
	if err != nil {
		return err
	}
	targets, _, err := s.resolveReferences(ctx, d, []*Entity{e}, false)
	if err != nil {
		return err
	}
	if index && s.index != nil {
		if err := s.pushIndex(ctx, d, e, targets, fields); err != nil {
			return fmt.Errorf("failed to index %s: %w", e.ID, err)
		}
	}
	if link && s.graph != nil {
		if err := s.graph.SyncNode(ctx, graphNode(d, e)); err != nil {
			return fmt.Errorf("failed to link %s: %w", e.ID, err)
		}
	}
	return nil
}

// CompleteTask records a finished job task on the entity and reports the job as
// completed to the scheduler.
func (s *EntityStore) CompleteTask(ctx context.Context, e *Entity, jobID, task, report string) error {
	d, err := s.registry.Descriptor(e.ContentType)
	if err != nil {
		return err
	}
	e.Provenance = append(e.Provenance, ProvenanceRecord{
		JobID:       jobID,
		Task:        task,
		CompletedAt: time.Now().UTC(),
		Report:      report,
	})
	n, err := s.db.UpdateDocuments(ctx, d, map[string]any{schema.ColumnProvenance: e.Provenance}, query.ByID(e.ID))
	if err != nil {
		return fmt.Errorf("failed to record provenance of %s: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", d.TypeName, e.ID, ErrNotFound)
	}
	if s.jobs != nil {
		if err := s.jobs.Complete(ctx, jobID, report); err != nil {
			return fmt.Errorf("failed to complete job %s: %w", jobID, err)
		}
	}
	return nil
}

func (s *EntityStore) entityEvent(operation string, d *schema.Descriptor, e *Entity, start, success, failed PersistenceEventType) eventSpec {
	return eventSpec{
		operation:  operation,
		collection: d.Collection,
		start:      start,
		success:    success,
		failed:     failed,
		context:    map[string]any{"corpus_id": e.CorpusID, "content_type": d.TypeName, "id": e.ID},
	}
}
