package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/metrics"
	"go.uber.org/zap"
)

const (
	modeOffset = "offset"
	modeCursor = "cursor"
	// seekBatchSize is the page size used to walk past the deep paging threshold.
	seekBatchSize = 1000
	// highlightKey holds a record's highlight fragments.
	highlightKey = "_highlight"
)

// Engine executes compiled search bodies.
type Engine interface {
	Search(ctx context.Context, index string, body map[string]any) (*Response, error)
}

// SearcherConfig holds the paging limits of a Searcher.
type SearcherConfig struct {
	// DeepPagingThreshold is the offset at which paging switches to cursors.
	DeepPagingThreshold int
	DefaultPageSize     int
	MaxPageSize         int
}

// DefaultSearcherConfig returns the paging limits used when none are configured.
func DefaultSearcherConfig() SearcherConfig {
	return SearcherConfig{
		DeepPagingThreshold: 9000,
		DefaultPageSize:     50,
		MaxPageSize:         1000,
	}
}

// Meta describes a page of results.
type Meta struct {
	Total         int64          `json:"total"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
	NumPages      int            `json:"num_pages"`
	HasNextPage   bool           `json:"has_next_page"`
	NextPageToken string         `json:"next_page_token,omitempty"`
	Aggregations  map[string]any `json:"aggregations"`
}

// Result is the search envelope.
type Result struct {
	Meta    Meta             `json:"meta"`
	Records []map[string]any `json:"records"`
}

// Bucket is one bucket of a terms or histogram aggregation.
type Bucket struct {
	Key     any      `json:"key"`
	Count   int64    `json:"count"`
	Buckets []Bucket `json:"buckets,omitempty"`
}

// Searcher compiles and executes searches and pages through their results.
type Searcher struct {
	compiler *Compiler
	engine   Engine
	cursors  *CursorStore
	config   SearcherConfig
	logger   *zap.Logger
}

// NewSearcher creates a searcher. cursors may be nil, in which case paging beyond the
// deep paging threshold fails.
func NewSearcher(compiler *Compiler, engine Engine, cursors *CursorStore, config SearcherConfig, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultSearcherConfig()
	if config.DeepPagingThreshold <= 0 {
		config.DeepPagingThreshold = defaults.DeepPagingThreshold
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = defaults.DefaultPageSize
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = defaults.MaxPageSize
	}
	return &Searcher{compiler: compiler, engine: engine, cursors: cursors, config: config, logger: logger}
}

// Search runs spec against a content type and returns one page of results.
func (s *Searcher) Search(ctx context.Context, typeName string, spec *Spec) (*Result, error) {
	if spec == nil {
		spec = &Spec{}
	}
	req, err := s.compiler.Compile(typeName, spec)
	if err != nil {
		return nil, err
	}

	size := spec.PageSize
	if size == 0 {
		size = s.config.DefaultPageSize
	}
	if size > s.config.MaxPageSize {
		return nil, queryError("page-size", "", "page size may not exceed %d", s.config.MaxPageSize)
	}
	page := spec.Page
	if page == 0 {
		page = 1
	}

	fp := fingerprint(req)
	body := req.Body()
	mode := modeOffset
	var after []any
	exhausted := false

	switch offset := (page - 1) * size; {
	case spec.PageToken != "":
		if s.cursors == nil {
			return nil, ErrCursorExpired
		}
		state, err := s.cursors.load(ctx, spec.PageToken)
		if err != nil {
			return nil, err
		}
		if state.Index != req.Index || state.Fingerprint != fp {
			return nil, queryError("page-token", "", "token was issued for a different query")
		}
		mode = modeCursor
		page, size, after = state.Page, state.PageSize, state.SearchAfter
	case offset >= s.config.DeepPagingThreshold:
		if s.cursors == nil {
			return nil, queryError("page", "", "pages beyond offset %d need cursor paging", s.config.DeepPagingThreshold)
		}
		mode = modeCursor
		after, exhausted, err = s.seek(ctx, req, offset)
		if err != nil {
			return nil, err
		}
	default:
		body["from"] = offset
	}

	body["size"] = size
	if after != nil {
		body["search_after"] = after
	} else if exhausted {
		body["size"] = 0
	}

	resp, err := s.engine.Search(ctx, req.Index, body)
	if err != nil {
		return nil, fmt.Errorf("search on %s failed: %w", req.Index, err)
	}
	metrics.SearchQueries.WithLabelValues(mode).Inc()

	hits := resp.Hits.Hits
	total := resp.Hits.Total.Value
	result := &Result{
		Meta: Meta{
			Total:        total,
			Page:         page,
			PageSize:     size,
			NumPages:     int((total + int64(size) - 1) / int64(size)),
			Aggregations: flattenAggregations(req, resp.Aggregations),
		},
		Records: make([]map[string]any, 0, len(hits)),
	}
	result.Meta.HasNextPage = page < result.Meta.NumPages

	for _, hit := range hits {
		record := hit.Source
		if record == nil {
			record = map[string]any{}
		}
		if _, ok := record[schema.ColumnID]; !ok {
			record[schema.ColumnID] = hit.ID
		}
		if len(hit.Highlight) > 0 {
			record[highlightKey] = hit.Highlight
		}
		result.Records = append(result.Records, record)
	}

	if result.Meta.HasNextPage && len(hits) > 0 && s.cursors != nil &&
		(mode == modeCursor || page*size >= s.config.DeepPagingThreshold) {
		token, err := s.cursors.save(ctx, cursorState{
			Index:       req.Index,
			Fingerprint: fp,
			Page:        page + 1,
			PageSize:    size,
			SearchAfter: hits[len(hits)-1].Sort,
		})
		if err != nil {
			return nil, err
		}
		result.Meta.NextPageToken = token
	}

	s.logger.Debug("Search completed",
		zap.String("index", req.Index),
		zap.String("mode", mode),
		zap.Int64("total", total),
		zap.Int("page", page),
	)
	return result, nil
}

// seek walks offset hits in sort order and returns the sort key of the last one.
// exhausted is set when fewer than offset hits exist.
func (s *Searcher) seek(ctx context.Context, req *Request, offset int) ([]any, bool, error) {
	body := req.Body()
	delete(body, "aggs")
	delete(body, "highlight")
	body["_source"] = false
	body["track_total_hits"] = false

	var after []any
	for remaining := offset; remaining > 0; {
		n := min(remaining, seekBatchSize)
		body["size"] = n
		if after != nil {
			body["search_after"] = after
		}
		resp, err := s.engine.Search(ctx, req.Index, body)
		if err != nil {
			return nil, false, fmt.Errorf("search on %s failed: %w", req.Index, err)
		}
		hits := resp.Hits.Hits
		if len(hits) == 0 {
			return after, true, nil
		}
		after = hits[len(hits)-1].Sort
		remaining -= len(hits)
		if len(hits) < n && remaining > 0 {
			return after, true, nil
		}
	}
	return after, false, nil
}

// Scan walks every hit of spec in id order and hands the ids to fn in batches.
func (s *Searcher) Scan(ctx context.Context, typeName string, spec *Spec, batchSize int, fn func(ids []string) error) error {
	if spec == nil {
		spec = &Spec{}
	}
	req, err := s.compiler.Compile(typeName, spec)
	if err != nil {
		return err
	}
	body := map[string]any{
		"query":            req.Query,
		"sort":             []any{map[string]any{schema.ColumnID: map[string]any{"order": "asc"}}},
		"_source":          false,
		"track_total_hits": false,
		"size":             batchSize,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := s.engine.Search(ctx, req.Index, body)
		if err != nil {
			return fmt.Errorf("search on %s failed: %w", req.Index, err)
		}
		hits := resp.Hits.Hits
		if len(hits) == 0 {
			return nil
		}
		ids := make([]string, len(hits))
		for i, hit := range hits {
			ids[i] = hit.ID
		}
		if err := fn(ids); err != nil {
			return err
		}
		if len(hits) < batchSize {
			return nil
		}
		body["search_after"] = hits[len(hits)-1].Sort
	}
}

func flattenAggregations(req *Request, raw map[string]any) map[string]any {
	out := map[string]any{}
	for name, shape := range req.aggregationKinds {
		m, ok := raw[name].(map[string]any)
		if !ok {
			continue
		}
		m = unwrapAggregation(m)
		switch shape.Kind {
		case AggregationTerms, AggregationHistogram:
			out[name] = flattenBuckets(m)
		default:
			if shape.IsDate {
				if s, ok := m["value_as_string"].(string); ok {
					out[name] = s
					continue
				}
			}
			out[name] = number(m["value"])
		}
	}
	return out
}

// unwrapAggregation descends through nested and reverse_nested wrappers.
func unwrapAggregation(m map[string]any) map[string]any {
	for {
		inner, ok := m[aggregationInnerName].(map[string]any)
		if !ok {
			return m
		}
		m = inner
	}
}

func flattenBuckets(m map[string]any) []Bucket {
	items, _ := m["buckets"].([]any)
	out := make([]Bucket, 0, len(items))
	for _, item := range items {
		b, ok := item.(map[string]any)
		if !ok {
			continue
		}
		bucket := Bucket{Key: b["key"]}
		if s, ok := b["key_as_string"].(string); ok {
			bucket.Key = s
		} else {
			bucket.Key = number(b["key"])
		}
		if n, ok := number(b["doc_count"]).(int64); ok {
			bucket.Count = n
		}
		if next, ok := b[aggregationNextName].(map[string]any); ok {
			bucket.Buckets = flattenBuckets(unwrapAggregation(next))
		}
		out = append(out, bucket)
	}
	return out
}

// number converts decoded JSON numbers to int64 when integral and float64 otherwise.
// Other values are returned unchanged.
func number(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return v
}
