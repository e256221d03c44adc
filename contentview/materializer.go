package contentview

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/graph"
	"github.com/bptarpley/corpora/metrics"
	"github.com/bptarpley/corpora/search"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCapacity  = 60000
	defaultBatchSize = 1000
)

// Descriptors resolves content types of the view's corpus.
type Descriptors interface {
	Descriptor(typeName string) (*schema.Descriptor, error)
}

// Graph is the traversal and super-node side of the graph store.
type Graph interface {
	CountPath(ctx context.Context, corpusID string, p *graph.Path) (int64, error)
	PathIDs(ctx context.Context, corpusID string, p *graph.Path, limit int) ([]string, error)
	CreateSuperNode(ctx context.Context, node graph.SuperNode) error
	DeleteSuperNode(ctx context.Context, uri string) error
}

// Scanner walks the ids matched by a search.
type Scanner interface {
	Scan(ctx context.Context, typeName string, spec *search.Spec, batchSize int, fn func(ids []string) error) error
}

// ViewIndex stores materialized id sets in the search engine.
type ViewIndex interface {
	PutView(ctx context.Context, viewID string, doc search.ViewDocument) error
	DeleteView(ctx context.Context, viewID string) error
}

// ContentClock reports when the content of a type last changed.
type ContentClock interface {
	LastUpdated(ctx context.Context, typeName string) (time.Time, error)
}

// Options wires a Materializer.
type Options struct {
	Store       *Store
	Descriptors Descriptors
	Graph       Graph
	Search      Scanner
	Index       ViewIndex
	Events      *persistence.EventHub
	// Clock lets IsStale compare a view against its content. Without one only views
	// flagged by MarkNeedsRefresh are stale.
	Clock ContentClock
	// Capacity caps the ids of one view. Zero selects 60000.
	Capacity int
	// BatchSize is the search page size used while populating. Zero selects 1000.
	BatchSize int
	Logger    *zap.Logger
}

// Materializer populates and invalidates the content views of one corpus.
type Materializer struct {
	corpusID    string
	store       *Store
	descriptors Descriptors
	graph       Graph
	search      Scanner
	index       ViewIndex
	hub         *persistence.EventHub
	clock       ContentClock
	capacity    int
	batchSize   int
	logger      *zap.Logger
}

var _ persistence.ViewInvalidator = (*Materializer)(nil)

// NewMaterializer creates a materializer for corpusID.
func NewMaterializer(corpusID string, opts Options) *Materializer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Materializer{
		corpusID:    corpusID,
		store:       opts.Store,
		descriptors: opts.Descriptors,
		graph:       opts.Graph,
		search:      opts.Search,
		index:       opts.Index,
		hub:         opts.Events,
		clock:       opts.Clock,
		capacity:    opts.Capacity,
		batchSize:   opts.BatchSize,
		logger:      logger.With(zap.String("corpus_id", corpusID)),
	}
}

// specError marks a failure caused by the view definition rather than the stores.
type specError struct {
	reason string
	err    error
}

func (e *specError) Error() string { return e.err.Error() }
func (e *specError) Unwrap() error { return e.err }

func invalidSpec(format string, args ...any) error {
	return &specError{reason: ReasonInvalidSpec, err: fmt.Errorf("%w: %s", ErrInvalidSpec, fmt.Sprintf(format, args...))}
}

func overCapacity(count int64, capacity int) error {
	return &specError{reason: ReasonCapacity, err: fmt.Errorf("%w: %d ids exceed the limit of %d", ErrCapacityExceeded, count, capacity)}
}

// Create validates and stores a new view. Populate it separately.
func (m *Materializer) Create(ctx context.Context, name, targetType, graphPath, searchFilter string) (*ContentView, error) {
	v := &ContentView{
		ID:           uuid.New().String(),
		CorpusID:     m.corpusID,
		Name:         strings.TrimSpace(name),
		TargetType:   targetType,
		GraphPath:    strings.TrimSpace(graphPath),
		SearchFilter: strings.TrimSpace(searchFilter),
		Status:       StatusCreated,
	}
	v.Slug = Slugify(v.Name)
	if v.Slug == "" {
		return nil, invalidSpec("view name %q yields an empty slug", name)
	}
	if _, _, err := m.plan(ctx, v); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	v.StatusDate, v.Created = now, now
	if err := m.store.Insert(ctx, v); err != nil {
		return nil, err
	}
	m.logger.Info("Content view created", zap.String("id", v.ID), zap.String("slug", v.Slug))
	return v, nil
}

// Get loads a view.
func (m *Materializer) Get(ctx context.Context, id string) (*ContentView, error) {
	return m.store.Get(ctx, id)
}

// List returns the corpus' views.
func (m *Materializer) List(ctx context.Context) ([]*ContentView, error) {
	return m.store.List(ctx, m.corpusID)
}

// plan resolves the target type, the graph path and the search filter of a view.
func (m *Materializer) plan(ctx context.Context, v *ContentView) (*graph.Path, *search.Spec, error) {
	if _, err := m.descriptors.Descriptor(v.TargetType); err != nil {
		return nil, nil, invalidSpec("target type %s: %v", v.TargetType, err)
	}
	if v.GraphPath == "" && v.SearchFilter == "" {
		return nil, nil, invalidSpec("a view needs a graph path or a search filter")
	}

	var path *graph.Path
	if v.GraphPath != "" {
		p, err := graph.ParsePath(v.GraphPath, v.TargetType)
		if err != nil {
			return nil, nil, invalidSpec("%v", err)
		}
		for _, t := range p.Types() {
			if _, err := m.descriptors.Descriptor(t); err != nil {
				return nil, nil, invalidSpec("graph path type %s: %v", t, err)
			}
		}
		if err := m.checkViewSteps(ctx, v, p.Views()); err != nil {
			return nil, nil, err
		}
		path = p
	}

	var spec *search.Spec
	if v.SearchFilter != "" {
		s, err := search.ParseQueryString(v.SearchFilter)
		if err != nil {
			return nil, nil, invalidSpec("%v", err)
		}
		if s.ContentView == v.ID {
			return nil, nil, invalidSpec("a view cannot filter on itself")
		}
		spec = s
	}
	return path, spec, nil
}

// checkViewSteps verifies that the views a path traverses exist and are not v itself.
func (m *Materializer) checkViewSteps(ctx context.Context, v *ContentView, slugs []string) error {
	if len(slugs) == 0 {
		return nil
	}
	views, err := m.store.List(ctx, m.corpusID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(views))
	for _, other := range views {
		known[other.Slug] = true
	}
	for _, slug := range slugs {
		if slug == v.Slug {
			return invalidSpec("a view cannot traverse itself")
		}
		if !known[slug] {
			return invalidSpec("graph path view %s does not exist", slug)
		}
	}
	return nil
}

// Populate materializes the ids of a view. A view that is already populating yields
// ErrAlreadyPopulating; any other failure leaves the view in an error status.
func (m *Materializer) Populate(ctx context.Context, id string) error {
	if err := m.store.BeginPopulate(ctx, id); err != nil {
		return err
	}
	v, err := m.store.Get(ctx, id)
	if err != nil {
		if serr := m.store.SetStatus(context.WithoutCancel(ctx), id, StatusError, err.Error(), 0); serr != nil {
			m.logger.Error("Failed to record content view status", zap.String("id", id), zap.Error(serr))
		}
		return err
	}

	eventContext := map[string]any{"corpus_id": v.CorpusID, "content_type": v.TargetType, "id": v.ID}
	_, err = m.hub.Track("populate", ViewsCollection,
		persistence.ViewPopulateStart, persistence.ViewPopulateSuccess, persistence.ViewPopulateFailed,
		eventContext, v.ID, func() (any, error) {
			count, err := m.populate(ctx, v)
			if err != nil {
				return nil, err
			}
			return count, nil
		})

	status, reason, count := StatusPopulated, "", int64(0)
	if err != nil {
		status, reason = StatusError, err.Error()
		var se *specError
		if errors.As(err, &se) {
			status = errorStatus(se.reason)
		}
	} else {
		count = v.Count
	}
	metrics.ContentViewPopulations.WithLabelValues(string(status)).Inc()

	// The status update must land even when ctx was cancelled mid-run.
	if serr := m.store.SetStatus(context.WithoutCancel(ctx), v.ID, status, reason, count); serr != nil {
		m.logger.Error("Failed to record content view status", zap.String("id", v.ID), zap.Error(serr))
		if err == nil {
			err = serr
		}
	}
	if err != nil {
		m.logger.Warn("Content view populate failed",
			zap.String("id", v.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return err
	}
	m.logger.Info("Content view populated", zap.String("id", v.ID), zap.Int64("count", count))
	return nil
}

func (m *Materializer) populate(ctx context.Context, v *ContentView) (int64, error) {
	path, spec, err := m.plan(ctx, v)
	if err != nil {
		return 0, err
	}

	var ids []string
	if path != nil {
		total, err := m.graph.CountPath(ctx, v.CorpusID, path)
		if err != nil {
			return 0, err
		}
		if total > int64(m.capacity) {
			return 0, overCapacity(total, m.capacity)
		}
		if ids, err = m.graph.PathIDs(ctx, v.CorpusID, path, m.capacity); err != nil {
			return 0, err
		}
	}

	if spec != nil && (path == nil || len(ids) > 0) {
		if path != nil {
			spec.IDs = ids
		}
		var found []string
		err := m.search.Scan(ctx, v.TargetType, spec, m.batchSize, func(batch []string) error {
			found = append(found, batch...)
			if len(found) > m.capacity {
				return overCapacity(int64(len(found)), m.capacity)
			}
			return nil
		})
		if errors.Is(err, search.ErrInvalidQuery) {
			return 0, invalidSpec("%v", err)
		}
		if err != nil {
			return 0, err
		}
		ids = found
	}
	if ids == nil {
		ids = []string{}
	}

	if err := m.persist(ctx, v, ids); err != nil {
		return 0, err
	}
	v.Count = int64(len(ids))
	return v.Count, nil
}

// persist writes the id set to the search engine and the super-node to the graph.
func (m *Materializer) persist(ctx context.Context, v *ContentView, ids []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.index.PutView(gctx, v.ID, search.ViewDocument{CorpusID: v.CorpusID, ContentType: v.TargetType, IDs: ids})
	})
	g.Go(func() error {
		return m.graph.CreateSuperNode(gctx, graph.SuperNode{
			URI:        graph.SuperNodeURI(v.CorpusID, v.Slug),
			CorpusID:   v.CorpusID,
			Name:       v.Name,
			TargetType: v.TargetType,
			IDs:        ids,
		})
	})
	return g.Wait()
}

// Clear removes the materialized id set and the super-node of a view without touching
// its status.
func (m *Materializer) Clear(ctx context.Context, id string) error {
	v, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return m.clear(ctx, v)
}

func (m *Materializer) clear(ctx context.Context, v *ContentView) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.index.DeleteView(gctx, v.ID) })
	g.Go(func() error { return m.graph.DeleteSuperNode(gctx, graph.SuperNodeURI(v.CorpusID, v.Slug)) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to clear content view %s: %w", v.ID, err)
	}
	return nil
}

// Refresh clears and repopulates a view.
func (m *Materializer) Refresh(ctx context.Context, id string) error {
	if err := m.Clear(ctx, id); err != nil {
		return err
	}
	return m.Populate(ctx, id)
}

// Invalidate flags a populated view as needing a refresh.
func (m *Materializer) Invalidate(ctx context.Context, id string) error {
	if _, err := m.store.Get(ctx, id); err != nil {
		return err
	}
	_, err := m.store.MarkStale(ctx, []string{id})
	return err
}

// IsStale reports whether a view needs a refresh: it was flagged, or content of a type
// it depends on changed after its status date.
func (m *Materializer) IsStale(ctx context.Context, id string) (bool, error) {
	v, err := m.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if v.IsStale() {
		return true, nil
	}
	if v.Status != StatusPopulated || m.clock == nil {
		return false, nil
	}
	for _, typeName := range dependencies(v) {
		newest, err := m.clock.LastUpdated(ctx, typeName)
		if err != nil {
			return false, err
		}
		if newest.After(v.StatusDate) {
			return true, nil
		}
	}
	return false, nil
}

// Delete clears a view and removes its record.
func (m *Materializer) Delete(ctx context.Context, id string) error {
	v, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := m.store.SetStatus(ctx, id, StatusDeleting, "", v.Count); err != nil {
		return err
	}
	if err := m.clear(ctx, v); err != nil {
		return err
	}
	return m.store.Delete(ctx, id)
}

// dependencies returns the content types whose changes can alter the ids of v.
func dependencies(v *ContentView) []string {
	if v.GraphPath == "" {
		return []string{v.TargetType}
	}
	p, err := graph.ParsePath(v.GraphPath, v.TargetType)
	if err != nil {
		return []string{v.TargetType}
	}
	return p.Types()
}

// dependsOn reports whether content of typeName can change the ids of v.
func dependsOn(v *ContentView, typeName string) bool {
	return slices.Contains(dependencies(v), typeName)
}

// MarkNeedsRefresh flags every populated view of corpusID that depends on typeName.
func (m *Materializer) MarkNeedsRefresh(ctx context.Context, corpusID, typeName string) error {
	if corpusID != m.corpusID {
		return nil
	}
	views, err := m.store.List(ctx, corpusID)
	if err != nil {
		return err
	}
	var ids []string
	for _, v := range views {
		if v.Status == StatusPopulated && dependsOn(v, typeName) {
			ids = append(ids, v.ID)
		}
	}
	n, err := m.store.MarkStale(ctx, ids)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Debug("Content views marked for refresh", zap.String("content_type", typeName), zap.Int64("views", n))
	}
	return nil
}

// OnContentChanged handles entity save and delete events.
func (m *Materializer) OnContentChanged(ctx context.Context, event persistence.PersistenceEvent) error {
	corpusID, _ := event.Context["corpus_id"].(string)
	typeName, _ := event.Context["content_type"].(string)
	if typeName == "" {
		return nil
	}
	return m.MarkNeedsRefresh(ctx, corpusID, typeName)
}

// Subscribe registers OnContentChanged for entity save and delete events on hub.
func (m *Materializer) Subscribe(hub *persistence.EventHub) []string {
	label := "content-view-invalidation"
	var ids []string
	for _, event := range []persistence.PersistenceEventType{persistence.EntitySaveSuccess, persistence.EntityDeleteSuccess} {
		ids = append(ids, hub.RegisterSubscription(persistence.RegisterSubscriptionOptions{
			Event:    event,
			Label:    &label,
			Callback: m.OnContentChanged,
		}))
	}
	return ids
}
