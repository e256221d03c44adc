package contentview

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/utils"
	"go.uber.org/zap"
)

// ViewsCollection is the primary-store collection holding content views.
const ViewsCollection = "_content_views"

var viewsDescriptor = schema.NewInternalDescriptor(ViewsCollection,
	[]schema.SystemColumn{
		{Name: "id", Storage: schema.StorageText, PrimaryKey: true},
		{Name: "corpus_id", Storage: schema.StorageText},
		{Name: "name", Storage: schema.StorageText},
		{Name: "slug", Storage: schema.StorageText},
		{Name: "target_type", Storage: schema.StorageText},
		{Name: "graph_path", Storage: schema.StorageText},
		{Name: "search_filter", Storage: schema.StorageText},
		{Name: "status", Storage: schema.StorageText},
		{Name: "status_date", Storage: schema.StorageDatetime},
		{Name: "error_reason", Storage: schema.StorageText},
		{Name: "count", Storage: schema.StorageInteger},
		{Name: "created", Storage: schema.StorageDatetime},
	},
	schema.IndexDescriptor{Name: "idx__content_views_slug", Fields: []string{"corpus_id", "slug"}, Unique: true},
)

// Store keeps content views in the primary store.
type Store struct {
	db     persistence.DatabaseInteractor
	logger *zap.Logger
}

// NewStore creates the views collection if needed.
func NewStore(ctx context.Context, db persistence.DatabaseInteractor, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exists, err := db.CollectionExists(ctx, ViewsCollection)
	if err != nil {
		return nil, fmt.Errorf("error looking up collection %s: %w", ViewsCollection, err)
	}
	if !exists {
		if err := db.CreateCollection(ctx, viewsDescriptor); err != nil {
			return nil, fmt.Errorf("failed to create table for %s: %w", ViewsCollection, err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

func viewRow(v *ContentView) (map[string]any, error) {
	row, err := utils.StructToMap(v)
	if err != nil {
		return nil, err
	}
	row["status_date"] = v.StatusDate
	row["created"] = v.Created
	return row, nil
}

// Insert writes a new view.
func (s *Store) Insert(ctx context.Context, v *ContentView) error {
	row, err := viewRow(v)
	if err != nil {
		return err
	}
	if _, err := s.db.InsertDocuments(ctx, viewsDescriptor, []map[string]any{row}); err != nil {
		return fmt.Errorf("failed to insert content view %s: %w", v.Name, err)
	}
	return nil
}

// Get loads a view by id.
func (s *Store) Get(ctx context.Context, id string) (*ContentView, error) {
	q := query.QueryDSL{Filters: query.ByID(id)}
	views, err := s.find(ctx, &q)
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, fmt.Errorf("content view %s: %w", id, persistence.ErrNotFound)
	}
	return views[0], nil
}

// List returns the views of a corpus ordered by name.
func (s *Store) List(ctx context.Context, corpusID string) ([]*ContentView, error) {
	q := query.NewQueryBuilder().Where("corpus_id").Eq(corpusID).OrderByAsc("name").Build()
	return s.find(ctx, &q)
}

func (s *Store) find(ctx context.Context, q *query.QueryDSL) ([]*ContentView, error) {
	docs, err := s.db.SelectDocuments(ctx, viewsDescriptor, q)
	if err != nil {
		return nil, fmt.Errorf("failed to read content views: %w", err)
	}
	out := make([]*ContentView, 0, len(docs))
	for _, doc := range docs {
		v, err := utils.MapToStruct[ContentView](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// BeginPopulate moves a view to populating unless it already is. The transition is a
// single conditional update, so of two concurrent callers exactly one succeeds.
func (s *Store) BeginPopulate(ctx context.Context, id string) error {
	filter := query.NewQueryBuilder().
		WhereGroup(query.LogicalOperatorAnd).
		Where("id").Eq(id).
		Where("status").Neq(string(StatusPopulating)).
		End().
		Build().Filters
	n, err := s.db.UpdateDocuments(ctx, viewsDescriptor, map[string]any{
		"status":       string(StatusPopulating),
		"status_date":  time.Now().UTC(),
		"error_reason": "",
	}, filter)
	if err != nil {
		return fmt.Errorf("failed to mark content view %s populating: %w", id, err)
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("content view %s: %w", id, ErrAlreadyPopulating)
	}
	return nil
}

// SetStatus records a status transition together with its reason and id count.
func (s *Store) SetStatus(ctx context.Context, id string, status Status, reason string, count int64) error {
	n, err := s.db.UpdateDocuments(ctx, viewsDescriptor, map[string]any{
		"status":       string(status),
		"status_date":  time.Now().UTC(),
		"error_reason": reason,
		"count":        count,
	}, query.ByID(id))
	if err != nil {
		return fmt.Errorf("failed to update content view %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("content view %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// MarkStale flags populated views as needing a refresh. Views in any other state are
// left alone.
func (s *Store) MarkStale(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	values := make([]query.FilterValue, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	filter := query.NewQueryBuilder().
		WhereGroup(query.LogicalOperatorAnd).
		Where("id").In(values...).
		Where("status").Eq(string(StatusPopulated)).
		End().
		Build().Filters
	n, err := s.db.UpdateDocuments(ctx, viewsDescriptor, map[string]any{
		"status":      string(StatusNeedsRefresh),
		"status_date": time.Now().UTC(),
	}, filter)
	if err != nil {
		return 0, fmt.Errorf("failed to mark content views stale: %w", err)
	}
	return n, nil
}

// Delete removes a view record.
func (s *Store) Delete(ctx context.Context, id string) error {
	n, err := s.db.DeleteDocuments(ctx, viewsDescriptor, query.ByID(id), false)
	if err != nil {
		return fmt.Errorf("failed to delete content view %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("content view %s: %w", id, persistence.ErrNotFound)
	}
	return nil
}

// IsNotFound reports whether err means the view does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, persistence.ErrNotFound)
}
