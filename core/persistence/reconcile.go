package persistence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cast"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ReconcilerOptions tune how reconciliation walks collections.
type ReconcilerOptions struct {
	BatchSize   int
	Parallelism int
	Logger      *zap.Logger
}

// Reconciler repairs the secondary stores and dependent entities after schema changes,
// deletions and failed syncs. Every pass recomputes from the primary store, so running
// one twice has the same effect as running it once.
type Reconciler struct {
	store       *EntityStore
	registry    *Registry
	batchSize   int
	parallelism int
	logger      *zap.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store *EntityStore, opts ReconcilerOptions) *Reconciler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	return &Reconciler{
		store:       store,
		registry:    store.Registry(),
		batchSize:   opts.BatchSize,
		parallelism: opts.Parallelism,
		logger:      logger.With(zap.String("corpus_id", store.Registry().CorpusID())),
	}
}

// HandleJob runs the reconciliation pass named by jobType and returns a short report.
func (r *Reconciler) HandleJob(ctx context.Context, jobType string, payload map[string]any) (string, error) {
	typeName := cast.ToString(payload["content_type"])
	var (
		n   int
		err error
	)
	switch jobType {
	case JobReconcileDeletions:
		n, err = r.ProcessDeletions(ctx)
	case JobReconcileReindex:
		n, err = r.Reindex(ctx, typeName, cast.ToStringSlice(payload["fields"]))
	case JobReconcileRelabel:
		n, err = r.Relabel(ctx, typeName)
	case JobReconcileRelink:
		n, err = r.Relink(ctx, typeName)
	case JobReconcileResave:
		n, err = r.Resave(ctx, typeName)
	case JobReconcileFieldStats:
		err = r.UpdateFieldStats(ctx, typeName)
	default:
		return "", fmt.Errorf("unknown reconciliation job %q", jobType)
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s: %d entities processed", jobType, n), nil
}

// run wraps a pass in reconcile events.
func (r *Reconciler) run(operation, typeName string, fn func() (int, error)) (int, error) {
	spec := eventSpec{
		operation: operation,
		start:     ReconcileStart,
		success:   ReconcileSuccess,
		failed:    ReconcileFailed,
		context:   map[string]any{"corpus_id": r.registry.CorpusID(), "content_type": typeName},
	}
	if typeName != "" {
		spec.collection = schema.CollectionName(r.registry.CorpusID(), typeName)
	}
	out, err := r.store.hub.withEventEmission(spec, typeName, func() (any, error) {
		return fn()
	})
	if err != nil {
		return 0, err
	}
	return out.(int), nil
}

// walk applies fn to every entity of a type, parallelism entities at a time. Errors of
// individual entities are collected and do not stop the walk.
func (r *Reconciler) walk(ctx context.Context, typeName string, filters *query.QueryFilter, fn func(context.Context, *Entity) error) (int, error) {
	var (
		mu     sync.Mutex
		result *multierror.Error
		count  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)

	err := r.store.Iterate(ctx, typeName, filters, r.batchSize, func(e *Entity) error {
		g.Go(func() error {
			err := fn(gctx, e)
			mu.Lock()
			defer mu.Unlock()
			count++
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s %s: %w", typeName, e.ID, err))
			}
			return nil
		})
		return nil
	})
	g.Wait()
	if err != nil {
		result = multierror.Append(result, err)
	}
	return count, result.ErrorOrNil()
}

// ProcessDeletions removes references to deleted entities from the entities that held
// them, re-saving each so that its index document and graph edges follow, then deletes
// the owned files and the deletion records. A record whose cleanup failed is kept for
// the next run.
func (r *Reconciler) ProcessDeletions(ctx context.Context) (int, error) {
	return r.run(JobReconcileDeletions, "", func() (int, error) {
		records, err := pendingDeletions(ctx, r.registry.Interactor(), r.registry.CorpusID())
		if err != nil {
			return 0, err
		}
		deleted := make(map[string]bool, len(records))
		for _, rec := range records {
			deleted[rec.EntityID] = true
		}

		var result *multierror.Error
		total := 0
		for _, rec := range records {
			var recErr *multierror.Error
			for _, ref := range r.registry.ReferencingFields(rec.ContentType) {
				filter := query.CreateSimpleFilter(ref.Field.Name, query.ComparisonOperatorEq, rec.EntityID)
				if ref.Field.Multiple {
					filter = query.CreateSimpleFilter(ref.Field.Name, query.ComparisonOperatorHas, rec.EntityID)
				}
				n, err := r.walk(ctx, ref.TypeName, &filter, func(ctx context.Context, e *Entity) error {
					if !scrubReferences(r.mustDescriptor(ref.TypeName), e, deleted) {
						return nil
					}
					return r.store.Save(ctx, e, SaveOptions{})
				})
				total += n
				if err != nil {
					recErr = multierror.Append(recErr, err)
				}
			}
			if rec.Path != "" {
				if err := os.RemoveAll(rec.Path); err != nil {
					recErr = multierror.Append(recErr, fmt.Errorf("failed to remove %s: %w", rec.Path, err))
				}
			}
			if recErr.ErrorOrNil() != nil {
				result = multierror.Append(result, recErr)
				continue
			}
			if err := removeDeletionRecord(ctx, r.registry.Interactor(), rec.ID); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return total, result.ErrorOrNil()
	})
}

func (r *Reconciler) mustDescriptor(typeName string) *schema.Descriptor {
	d, err := r.registry.Descriptor(typeName)
	if err != nil {
		r.logger.Warn("Descriptor unavailable", zap.String("content_type", typeName), zap.Error(err))
		return nil
	}
	return d
}

// scrubReferences nulls single references and drops matching elements of multiple
// references that point at deleted entities. It reports whether anything changed.
func scrubReferences(d *schema.Descriptor, e *Entity, deleted map[string]bool) bool {
	if d == nil {
		return false
	}
	changed := false
	for _, f := range d.ReferenceFields() {
		v := e.Get(f.Name)
		refs := v.References()
		if len(refs) == 0 {
			continue
		}
		kept := make([]schema.Reference, 0, len(refs))
		for _, ref := range refs {
			if deleted[ref.ID] {
				delete(e.FieldIntensities, IntensityKey(f.Name, ref.ID))
				continue
			}
			kept = append(kept, ref)
		}
		if len(kept) == len(refs) {
			continue
		}
		changed = true
		if f.Definition.Multiple {
			e.Set(f.Name, schema.RefList(kept...))
		} else {
			e.Values.Delete(f.Name)
		}
	}
	return changed
}

// Reindex rewrites the search documents of a type. With fields set only those fields
// are updated.
func (r *Reconciler) Reindex(ctx context.Context, typeName string, fields []string) (int, error) {
	return r.run(JobReconcileReindex, typeName, func() (int, error) {
		return r.walk(ctx, typeName, nil, func(ctx context.Context, e *Entity) error {
			return r.store.Sync(ctx, e, true, false, fields)
		})
	})
}

// Relabel recomputes labels and URIs of a type, then reindexes and relinks it.
func (r *Reconciler) Relabel(ctx context.Context, typeName string) (int, error) {
	return r.run(JobReconcileRelabel, typeName, func() (int, error) {
		return r.walk(ctx, typeName, nil, func(ctx context.Context, e *Entity) error {
			return r.store.Save(ctx, e, SaveOptions{})
		})
	})
}

// Relink rebuilds the graph nodes and edges of a type.
func (r *Reconciler) Relink(ctx context.Context, typeName string) (int, error) {
	return r.run(JobReconcileRelink, typeName, func() (int, error) {
		return r.walk(ctx, typeName, nil, func(ctx context.Context, e *Entity) error {
			return r.store.Sync(ctx, e, false, true, nil)
		})
	})
}

// Resave saves every entity of a type again, so derived paths are created for a type
// that gained its first file field.
func (r *Reconciler) Resave(ctx context.Context, typeName string) (int, error) {
	return r.run(JobReconcileResave, typeName, func() (int, error) {
		return r.walk(ctx, typeName, nil, func(ctx context.Context, e *Entity) error {
			return r.store.Save(ctx, e, SaveOptions{})
		})
	})
}

type statsAccumulator struct {
	count int64
	min   any
	max   any
	sum   float64
	nums  int64
}

func (a *statsAccumulator) add(v schema.Value) {
	switch v.Kind() {
	case schema.KindList:
		for _, item := range v.Items() {
			a.add(item)
		}
		return
	case schema.KindNull, schema.KindObject, schema.KindReference, schema.KindReferenceList:
		return
	}
	a.count++
	switch v.Kind() {
	case schema.KindInteger, schema.KindDecimal:
		f := cast.ToFloat64(v.Interface())
		a.sum += f
		a.nums++
		if a.min == nil || f < cast.ToFloat64(a.min) {
			a.min = f
		}
		if a.max == nil || f > cast.ToFloat64(a.max) {
			a.max = f
		}
	case schema.KindDate:
		t := v.Time()
		if a.min == nil || t.Before(a.min.(time.Time)) {
			a.min = t
		}
		if a.max == nil || t.After(a.max.(time.Time)) {
			a.max = t
		}
	case schema.KindString:
		s := v.Str()
		if a.min == nil || s < a.min.(string) {
			a.min = s
		}
		if a.max == nil || s > a.max.(string) {
			a.max = s
		}
	}
}

// UpdateFieldStats recomputes count, min, max and average of every field of a type and
// stores them on its definition.
func (r *Reconciler) UpdateFieldStats(ctx context.Context, typeName string) error {
	_, err := r.run(JobReconcileFieldStats, typeName, func() (int, error) {
		d, err := r.registry.Descriptor(typeName)
		if err != nil {
			return 0, err
		}
		acc := make(map[string]*statsAccumulator, len(d.Fields))
		for _, f := range d.Fields {
			acc[f.Name] = &statsAccumulator{}
		}

		n := 0
		err = r.store.Iterate(ctx, typeName, nil, r.batchSize, func(e *Entity) error {
			n++
			for _, f := range d.Fields {
				if f.Definition.IsCrossReference() {
					acc[f.Name].count += int64(len(e.Get(f.Name).References()))
					continue
				}
				acc[f.Name].add(e.Get(f.Name))
			}
			return nil
		})
		if err != nil {
			return n, err
		}

		now := time.Now().UTC()
		stats := make(map[string]*schema.FieldStats, len(acc))
		for name, a := range acc {
			s := &schema.FieldStats{Count: a.count, Min: a.min, Max: a.max, Updated: &now}
			if a.nums > 0 {
				avg := a.sum / float64(a.nums)
				s.Avg = &avg
			}
			stats[name] = s
		}
		return n, r.registry.UpdateFieldStats(ctx, typeName, stats)
	})
	return err
}
