package search

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

const (
	termsAggregationSize  = 100
	defaultHighlightNum   = 5
	highlightFragmentSize = 150
	aggregationInnerName  = "inner"
	aggregationNextName   = "next"
	engineDateLayout      = "2006-01-02T15:04:05.000Z"
	scoreField            = "_score"
	defaultSortField      = "label.raw"
	generalQueryMatchAll  = "*"
)

// Descriptors resolves the compiled descriptor of a content type.
type Descriptors interface {
	Descriptor(typeName string) (*schema.Descriptor, error)
}

// Request is a compiled search request without pagination.
type Request struct {
	Index        string
	Query        map[string]any
	Sort         []any
	Aggregations map[string]any
	Source       map[string]any
	Highlight    map[string]any
	// aggregationKinds remembers the kind of each requested aggregation so the
	// response can be flattened.
	aggregationKinds map[string]aggregationShape
}

type aggregationShape struct {
	Kind   AggregationKind
	IsDate bool
}

// Body returns the engine request body.
func (r *Request) Body() map[string]any {
	body := map[string]any{
		"query":            r.Query,
		"sort":             r.Sort,
		"track_total_hits": true,
	}
	if len(r.Aggregations) > 0 {
		body["aggs"] = r.Aggregations
	}
	if r.Source != nil {
		body["_source"] = r.Source
	}
	if r.Highlight != nil {
		body["highlight"] = r.Highlight
	}
	return body
}

// Compiler turns a Spec into an engine request for one content type.
type Compiler struct {
	descriptors Descriptors
	logger      *zap.Logger
}

// NewCompiler creates a compiler resolving types through descriptors.
func NewCompiler(descriptors Descriptors, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{descriptors: descriptors, logger: logger}
}

// Compile compiles spec against the content type. Any clause that cannot be compiled
// fails the whole request with a *QueryError.
func (c *Compiler) Compile(typeName string, spec *Spec) (*Request, error) {
	if spec == nil {
		spec = &Spec{}
	}
	d, err := c.descriptors.Descriptor(typeName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve content type %s: %w", typeName, err)
	}

	query, err := compileQuery(d, spec)
	if err != nil {
		return nil, err
	}

	var filters []any
	if spec.ContentView != "" {
		filters = append(filters, map[string]any{
			"terms": map[string]any{
				schema.ColumnID: map[string]any{
					"index": ViewIndex,
					"id":    spec.ContentView,
					"path":  "ids",
				},
			},
		})
	}
	if spec.IDs != nil {
		filters = append(filters, map[string]any{"terms": map[string]any{schema.ColumnID: spec.IDs}})
	}
	if len(filters) > 0 {
		query = map[string]any{"bool": map[string]any{"must": []any{query}, "filter": filters}}
	}

	req := &Request{
		Index:            IndexName(d.CorpusID, d.TypeName),
		Query:            query,
		aggregationKinds: map[string]aggregationShape{},
	}
	if req.Sort, err = compileSort(d, spec); err != nil {
		return nil, err
	}
	if err := compileAggregations(d, spec, req); err != nil {
		return nil, err
	}
	if req.Source, err = compileSource(d, spec); err != nil {
		return nil, err
	}
	if req.Highlight, err = compileHighlight(d, spec); err != nil {
		return nil, err
	}

	c.logger.Debug("Compiled search request",
		zap.String("index", req.Index),
		zap.String("content_type", typeName),
	)
	return req, nil
}

// boolQuery accumulates clauses by occurrence.
type boolQuery struct {
	must    []any
	should  []any
	mustNot []any
	filter  []any
}

func (b *boolQuery) add(occur Occur, q any) {
	switch occur {
	case OccurShould:
		b.should = append(b.should, q)
	case OccurMustNot:
		b.mustNot = append(b.mustNot, q)
	case "filter":
		b.filter = append(b.filter, q)
	default:
		b.must = append(b.must, q)
	}
}

func (b *boolQuery) build(minimumShould bool) map[string]any {
	if len(b.must)+len(b.should)+len(b.mustNot)+len(b.filter) == 0 {
		return map[string]any{"match_all": map[string]any{}}
	}
	q := map[string]any{}
	if len(b.must) > 0 {
		q["must"] = b.must
	}
	if len(b.should) > 0 {
		q["should"] = b.should
		if minimumShould {
			q["minimum_should_match"] = 1
		}
	}
	if len(b.mustNot) > 0 {
		q["must_not"] = b.mustNot
	}
	if len(b.filter) > 0 {
		q["filter"] = b.filter
	}
	return map[string]any{"bool": q}
}

// compileQuery compiles the clauses of spec and its groups into one bool query.
func compileQuery(d *schema.Descriptor, spec *Spec) (map[string]any, error) {
	ambient := OccurMust
	if spec.Operator == OperatorOr {
		ambient = OccurShould
	}
	occur := func(c Clause) Occur {
		if c.Occur == OccurDefault {
			return ambient
		}
		return c.Occur
	}
	b := &boolQuery{}

	if spec.Query != "" && spec.Query != generalQueryMatchAll {
		b.add(ambient, generalQuery(d, spec.Query))
	}

	type builder func(fieldRef, Clause) (any, error)
	lists := []struct {
		clauses []Clause
		build   builder
	}{
		{spec.Smart, smartClause},
		{spec.Terms, termClause},
		{spec.Phrases, phraseClause},
		{spec.Ranges, rangeClause},
		{spec.Wildcards, wildcardClause},
	}
	for _, list := range lists {
		for _, c := range list.clauses {
			ref, err := resolveField(d, c.Field)
			if err != nil {
				return nil, queryError(c.Param, c.Field, "%v", err)
			}
			q, err := list.build(ref, c)
			if err != nil {
				return nil, err
			}
			b.add(occur(c), q)
		}
	}

	for _, c := range spec.Filters {
		ref, err := resolveField(d, c.Field)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		q, err := termClause(ref, c)
		if err != nil {
			return nil, err
		}
		if c.Occur == OccurDefault || c.Occur == OccurMust {
			b.add("filter", q)
		} else {
			b.add(c.Occur, q)
		}
	}

	for _, c := range spec.Exists {
		ref, err := resolveField(d, c.Field)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		present, err := parseFlag(c.Value)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "exists expects y or n, got %q", c.Value)
		}
		path := ref.Path
		if ref.whole() {
			path = ref.Path + "." + wholeSubField(ref)
		}
		q := nest(ref, map[string]any{"exists": map[string]any{"field": path}})
		switch {
		case !present && c.Occur == OccurMustNot:
			b.add(ambient, q)
		case !present:
			b.add(OccurMustNot, q)
		default:
			b.add(occur(c), q)
		}
	}

	for _, g := range spec.Groups {
		sub, err := compileQuery(d, g)
		if err != nil {
			return nil, err
		}
		b.add(ambient, sub)
	}

	return b.build(spec.Operator == OperatorOr), nil
}

// wholeSubField is the sub-field standing in for a whole cross reference or timespan.
func wholeSubField(ref fieldRef) string {
	if ref.Type == schema.FieldTypeTimespan {
		return "start"
	}
	return "id"
}

func nest(ref fieldRef, q map[string]any) map[string]any {
	if ref.Nested == "" {
		return q
	}
	return map[string]any{"nested": map[string]any{"path": ref.Nested, "query": q}}
}

func rawPath(ref fieldRef) string {
	if ref.hasRaw() {
		return ref.Path + "." + rawField
	}
	return ref.Path
}

func isTextual(t schema.FieldType) bool {
	switch t {
	case schema.FieldTypeText, schema.FieldTypeLargeText, schema.FieldTypeHTML:
		return true
	}
	return false
}

// generalQuery ORs the type-aware query of every searchable field that can match text.
func generalQuery(d *schema.Descriptor, text string) map[string]any {
	var should []any
	label, _ := resolveField(d, schema.ColumnLabel)
	if q, ok, _ := smartQuery(label, text); ok {
		should = append(should, q)
	}
	for _, f := range d.Fields {
		ref, err := resolveField(d, f.Name)
		if err != nil {
			continue
		}
		if q, ok, _ := smartQuery(ref, text); ok {
			should = append(should, q)
		}
	}
	return map[string]any{"bool": map[string]any{"should": should, "minimum_should_match": 1}}
}

// smartQuery builds the type-aware query for text against one field. ok is false when
// the text cannot match the field's type; err explains why.
func smartQuery(ref fieldRef, text string) (map[string]any, bool, error) {
	switch {
	case ref.whole() && ref.Type == schema.FieldTypeCrossReference:
		return nest(ref, textQuery(ref.Path+".label", text)), true, nil
	case ref.whole() && ref.Type == schema.FieldTypeTimespan:
		start, end, err := dateBounds(text)
		if err != nil {
			return nil, false, err
		}
		return overlapQuery(ref.Path, &start, &end), true, nil
	}

	switch ref.Type {
	case schema.FieldTypeText, schema.FieldTypeLargeText, schema.FieldTypeHTML:
		return nest(ref, textQuery(ref.Path, text)), true, nil
	case schema.FieldTypeKeyword:
		pattern := text
		if !strings.ContainsAny(text, "*?") {
			pattern = "*" + text + "*"
		}
		return nest(ref, map[string]any{"bool": map[string]any{
			"should": []any{
				map[string]any{"term": map[string]any{ref.Path: text}},
				wildcardQuery(ref.Path, pattern),
			},
			"minimum_should_match": 1,
		}}), true, nil
	case schema.FieldTypeNumber:
		n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
		if err != nil {
			return nil, false, fmt.Errorf("%q is not a whole number", text)
		}
		return nest(ref, termQuery(ref.Path, n)), true, nil
	case schema.FieldTypeDecimal:
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return nil, false, fmt.Errorf("%q is not a number", text)
		}
		return nest(ref, termQuery(ref.Path, f)), true, nil
	case schema.FieldTypeBoolean:
		v, err := cast.ToBoolE(strings.TrimSpace(text))
		if err != nil {
			return nil, false, fmt.Errorf("%q is not a boolean", text)
		}
		return nest(ref, termQuery(ref.Path, v)), true, nil
	case schema.FieldTypeDate:
		start, end, err := dateBounds(text)
		if err != nil {
			return nil, false, err
		}
		return nest(ref, dateRangeQuery(ref.Path, &start, &end)), true, nil
	}
	return nil, false, fmt.Errorf("free text cannot match a %s field", ref.Type)
}

// textQuery matches either the words of text in any order or text as a phrase prefix.
func textQuery(path, text string) map[string]any {
	return map[string]any{"bool": map[string]any{
		"should": []any{
			map[string]any{"match_phrase_prefix": map[string]any{path: text}},
			map[string]any{"match": map[string]any{path: map[string]any{"query": text, "operator": "and"}}},
		},
		"minimum_should_match": 1,
	}}
}

func termQuery(path string, value any) map[string]any {
	return map[string]any{"term": map[string]any{path: value}}
}

func wildcardQuery(path, pattern string) map[string]any {
	return map[string]any{"wildcard": map[string]any{path: map[string]any{
		"value":            pattern,
		"case_insensitive": true,
	}}}
}

func smartClause(ref fieldRef, c Clause) (any, error) {
	q, _, err := smartQuery(ref, c.Value)
	if err != nil {
		return nil, queryError(c.Param, c.Field, "%v", err)
	}
	return q, nil
}

func termClause(ref fieldRef, c Clause) (any, error) {
	value := strings.TrimSpace(c.Value)
	if ref.whole() {
		if ref.Type == schema.FieldTypeTimespan {
			return nil, queryError(c.Param, c.Field, "use %s.start or %s.end for exact timespan terms", c.Field, c.Field)
		}
		return nest(ref, termQuery(ref.Path+".id", value)), nil
	}

	switch ref.Type {
	case schema.FieldTypeKeyword:
		return nest(ref, termQuery(ref.Path, value)), nil
	case schema.FieldTypeText:
		return nest(ref, termQuery(rawPath(ref), value)), nil
	case schema.FieldTypeLargeText, schema.FieldTypeHTML:
		return nest(ref, map[string]any{"match": map[string]any{ref.Path: map[string]any{"query": value, "operator": "and"}}}), nil
	case schema.FieldTypeNumber:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%q is not a whole number", c.Value)
		}
		return nest(ref, termQuery(ref.Path, n)), nil
	case schema.FieldTypeDecimal:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%q is not a number", c.Value)
		}
		return nest(ref, termQuery(ref.Path, f)), nil
	case schema.FieldTypeBoolean:
		v, err := cast.ToBoolE(value)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%q is not a boolean", c.Value)
		}
		return nest(ref, termQuery(ref.Path, v)), nil
	case schema.FieldTypeDate:
		start, end, err := dateBounds(value)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		return nest(ref, dateRangeQuery(ref.Path, &start, &end)), nil
	}
	return nil, queryError(c.Param, c.Field, "%s fields do not support term queries", ref.Type)
}

func phraseClause(ref fieldRef, c Clause) (any, error) {
	path := ref.Path
	switch {
	case ref.whole() && ref.Type == schema.FieldTypeCrossReference:
		path = ref.Path + ".label"
	case isTextual(ref.Type):
	default:
		return nil, queryError(c.Param, c.Field, "phrase queries need a text field")
	}
	return nest(ref, map[string]any{"match_phrase": map[string]any{path: c.Value}}), nil
}

func wildcardClause(ref fieldRef, c Clause) (any, error) {
	var path string
	switch {
	case ref.whole() && ref.Type == schema.FieldTypeCrossReference:
		path = ref.Path + ".label." + rawField
	case ref.Type == schema.FieldTypeKeyword, ref.Type == schema.FieldTypeText:
		path = rawPath(ref)
	case ref.Type == schema.FieldTypeLargeText, ref.Type == schema.FieldTypeHTML:
		path = ref.Path
	default:
		return nil, queryError(c.Param, c.Field, "wildcard queries need a text or keyword field")
	}
	if strings.TrimSpace(c.Value) == "" {
		return nil, queryError(c.Param, c.Field, "empty wildcard pattern")
	}
	return nest(ref, wildcardQuery(path, c.Value)), nil
}

func rangeClause(ref fieldRef, c Clause) (any, error) {
	lo, hi, ok := strings.Cut(c.Value, "to")
	lo, hi = strings.TrimSpace(lo), strings.TrimSpace(hi)
	if !ok || (lo == "" && hi == "") {
		return nil, queryError(c.Param, c.Field, "range must be given as [from]to[to], got %q", c.Value)
	}

	if ref.whole() && ref.Type == schema.FieldTypeCrossReference {
		return nil, queryError(c.Param, c.Field, "cross references cannot be ranged; name a sub-field")
	}

	if ref.Type == schema.FieldTypeGeoPoint {
		if lo == "" || hi == "" {
			return nil, queryError(c.Param, c.Field, "geo ranges need both corners")
		}
		topLeft, err := schema.ParseGeoPoint(lo)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		bottomRight, err := schema.ParseGeoPoint(hi)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		return map[string]any{"geo_bounding_box": map[string]any{ref.Path: map[string]any{
			"top_left":     map[string]any{"lat": topLeft.Lat, "lon": topLeft.Lon},
			"bottom_right": map[string]any{"lat": bottomRight.Lat, "lon": bottomRight.Lon},
		}}}, nil
	}

	if ref.Type == schema.FieldTypeDate || ref.Type == schema.FieldTypeTimespan {
		var start, end *time.Time
		if lo != "" {
			s, _, err := dateBounds(lo)
			if err != nil {
				return nil, queryError(c.Param, c.Field, "%v", err)
			}
			start = &s
		}
		if hi != "" {
			_, e, err := dateBounds(hi)
			if err != nil {
				return nil, queryError(c.Param, c.Field, "%v", err)
			}
			end = &e
		}
		if ref.whole() {
			return overlapQuery(ref.Path, start, end), nil
		}
		return nest(ref, dateRangeQuery(ref.Path, start, end)), nil
	}

	bounds := map[string]any{}
	parse := func(s string) (any, error) {
		switch ref.Type {
		case schema.FieldTypeNumber:
			return strconv.ParseInt(s, 10, 64)
		case schema.FieldTypeDecimal:
			return strconv.ParseFloat(s, 64)
		case schema.FieldTypeKeyword:
			return s, nil
		}
		return nil, fmt.Errorf("%s fields do not support range queries", ref.Type)
	}
	if lo != "" {
		v, err := parse(lo)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		bounds["gte"] = v
	}
	if hi != "" {
		v, err := parse(hi)
		if err != nil {
			return nil, queryError(c.Param, c.Field, "%v", err)
		}
		bounds["lte"] = v
	}
	return nest(ref, map[string]any{"range": map[string]any{ref.Path: bounds}}), nil
}

// dateBounds parses a date and widens it to the span of its granularity, so "1815"
// covers the whole year.
func dateBounds(raw string) (time.Time, time.Time, error) {
	t, granularity, err := schema.ParseDate(raw)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	switch granularity {
	case schema.GranularityYear:
		start, end := schema.YearRange(t)
		return start, end, nil
	case schema.GranularityMonth:
		return t, t.AddDate(0, 1, 0).Add(-time.Millisecond), nil
	case schema.GranularityDay:
		return t, t.AddDate(0, 0, 1).Add(-time.Millisecond), nil
	}
	return t, t, nil
}

func formatDate(t time.Time) string {
	return t.UTC().Format(engineDateLayout)
}

func dateRangeQuery(path string, start, end *time.Time) map[string]any {
	bounds := map[string]any{}
	if start != nil {
		bounds["gte"] = formatDate(*start)
	}
	if end != nil {
		bounds["lte"] = formatDate(*end)
	}
	return map[string]any{"range": map[string]any{path: bounds}}
}

func bound(path, op string, t time.Time) map[string]any {
	return map[string]any{"range": map[string]any{path: map[string]any{op: formatDate(t)}}}
}

func all(clauses ...any) map[string]any {
	return map[string]any{"bool": map[string]any{"filter": clauses}}
}

// overlapQuery matches timespans at path overlapping [qs, qe]. Closed intervals match
// one of four exclusive cases; intervals without an end are compared by start alone.
// A nil bound leaves that side of the query range open.
func overlapQuery(path string, qs, qe *time.Time) map[string]any {
	start, end := path+".start", path+".end"
	hasEnd := map[string]any{"exists": map[string]any{"field": end}}

	var closed []any
	switch {
	case qs != nil && qe != nil:
		closed = []any{
			// covers the query range
			all(hasEnd, bound(start, "lt", *qs), bound(end, "gte", *qe)),
			// lies within the query range
			all(hasEnd, bound(start, "gte", *qs), bound(end, "lte", *qe)),
			// starts before and ends inside
			all(hasEnd, bound(start, "lt", *qs), bound(end, "gte", *qs), bound(end, "lt", *qe)),
			// starts inside and ends after
			all(hasEnd, bound(start, "gte", *qs), bound(start, "lte", *qe), bound(end, "gt", *qe)),
		}
	case qs != nil:
		closed = []any{all(hasEnd, bound(end, "gte", *qs))}
	case qe != nil:
		closed = []any{all(hasEnd, bound(start, "lte", *qe))}
	}

	open := map[string]any{"bool": map[string]any{
		"must_not": []any{hasEnd},
		"filter":   []any{dateRangeQuery(start, qs, qe)},
	}}

	return map[string]any{"nested": map[string]any{
		"path": path,
		"query": map[string]any{"bool": map[string]any{
			"should":               append(closed, open),
			"minimum_should_match": 1,
		}},
	}}
}

func compileSort(d *schema.Descriptor, spec *Spec) ([]any, error) {
	var out []any
	byID := false
	for _, s := range spec.Sort {
		order := "asc"
		mode := "min"
		if s.Desc {
			order = "desc"
			mode = "max"
		}
		if s.Field == scoreField {
			out = append(out, map[string]any{scoreField: map[string]any{"order": order}})
			continue
		}
		ref, err := resolveField(d, s.Field)
		if err != nil {
			return nil, queryError(s.Param, s.Field, "%v", err)
		}
		path := ref.Path
		switch {
		case ref.whole() && ref.Type == schema.FieldTypeCrossReference:
			path = ref.Path + ".label." + rawField
		case ref.whole() && ref.Type == schema.FieldTypeTimespan:
			path = ref.Path + ".start"
		case ref.Type == schema.FieldTypeText:
			path = rawPath(ref)
		case ref.Type == schema.FieldTypeLargeText, ref.Type == schema.FieldTypeHTML, ref.Type == schema.FieldTypeGeoPoint:
			return nil, queryError(s.Param, s.Field, "%s fields cannot be sorted on", ref.Type)
		}
		if path == schema.ColumnID {
			byID = true
		}
		opts := map[string]any{"order": order}
		if ref.Nested != "" {
			opts["nested"] = map[string]any{"path": ref.Nested}
			opts["mode"] = mode
		}
		out = append(out, map[string]any{path: opts})
	}

	if len(out) == 0 {
		if spec.Query != "" && spec.Query != generalQueryMatchAll {
			out = append(out, map[string]any{scoreField: map[string]any{"order": "desc"}})
		} else {
			out = append(out, map[string]any{defaultSortField: map[string]any{"order": "asc"}})
		}
	}
	// id breaks ties so that search_after cursors are stable.
	if !byID {
		out = append(out, map[string]any{schema.ColumnID: map[string]any{"order": "asc"}})
	}
	return out, nil
}

var (
	calendarInterval = regexp.MustCompile(`^(1?[yMqwdhm]|year|quarter|month|week|day|hour|minute)$`)
	fixedInterval    = regexp.MustCompile(`^\d+(d|h|m|s|ms)$`)
)

func compileAggregations(d *schema.Descriptor, spec *Spec, req *Request) error {
	if len(spec.Aggregations) == 0 {
		return nil
	}
	req.Aggregations = map[string]any{}
	for _, a := range spec.Aggregations {
		if _, dup := req.aggregationKinds[a.Name]; dup {
			return queryError(a.Param, "", "duplicate aggregation name %q", a.Name)
		}
		refs := make([]fieldRef, 0, len(a.Fields))
		for _, f := range a.Fields {
			ref, err := resolveField(d, f)
			if err != nil {
				return queryError(a.Param, f, "%v", err)
			}
			refs = append(refs, ref)
		}

		var body map[string]any
		shape := aggregationShape{Kind: a.Kind}
		switch a.Kind {
		case AggregationTerms:
			level, err := termsLevel(a, refs, 0)
			if err != nil {
				return err
			}
			body = enterNested("", refs[0].Nested, level)
		case AggregationMax, AggregationMin:
			ref := refs[0]
			path, t := metricPath(ref)
			switch t {
			case schema.FieldTypeNumber, schema.FieldTypeDecimal, schema.FieldTypeDate:
			default:
				return queryError(a.Param, a.Fields[0], "%s aggregations need a numeric or date field", a.Kind)
			}
			shape.IsDate = t == schema.FieldTypeDate
			body = enterNested("", ref.Nested, map[string]any{string(a.Kind): map[string]any{"field": path}})
		case AggregationHistogram:
			ref := refs[0]
			path, t := metricPath(ref)
			var h map[string]any
			switch t {
			case schema.FieldTypeNumber, schema.FieldTypeDecimal:
				interval, err := strconv.ParseFloat(a.Interval, 64)
				if err != nil || interval <= 0 {
					return queryError(a.Param, a.Fields[0], "histogram interval must be a positive number, got %q", a.Interval)
				}
				h = map[string]any{"histogram": map[string]any{"field": path, "interval": interval, "min_doc_count": 1}}
			case schema.FieldTypeDate:
				shape.IsDate = true
				dh := map[string]any{"field": path, "min_doc_count": 1}
				switch {
				case calendarInterval.MatchString(a.Interval):
					dh["calendar_interval"] = a.Interval
				case fixedInterval.MatchString(a.Interval):
					dh["fixed_interval"] = a.Interval
				default:
					return queryError(a.Param, a.Fields[0], "unsupported date interval %q", a.Interval)
				}
				h = map[string]any{"date_histogram": dh}
			default:
				return queryError(a.Param, a.Fields[0], "histograms need a numeric or date field")
			}
			body = enterNested("", ref.Nested, h)
		}
		req.Aggregations[a.Name] = body
		req.aggregationKinds[a.Name] = shape
	}
	return nil
}

// metricPath is the field a metric or histogram aggregation reads.
func metricPath(ref fieldRef) (string, schema.FieldType) {
	if ref.whole() && ref.Type == schema.FieldTypeTimespan {
		return ref.Path + ".start", schema.FieldTypeDate
	}
	return ref.Path, ref.Type
}

func termsPath(ref fieldRef) (string, bool) {
	switch {
	case ref.whole() && ref.Type == schema.FieldTypeCrossReference:
		return ref.Path + ".label." + rawField, true
	case ref.whole() && ref.Type == schema.FieldTypeTimespan:
		return ref.Path + ".granularity", true
	case ref.Type == schema.FieldTypeLargeText, ref.Type == schema.FieldTypeHTML, ref.Type == schema.FieldTypeGeoPoint:
		return "", false
	}
	return rawPath(ref), true
}

// termsLevel builds the terms aggregation for refs[i] with every later field chained
// beneath it.
func termsLevel(a Aggregation, refs []fieldRef, i int) (map[string]any, error) {
	path, ok := termsPath(refs[i])
	if !ok {
		return nil, queryError(a.Param, a.Fields[i], "%s fields cannot be bucketed", refs[i].Type)
	}
	level := map[string]any{"terms": map[string]any{"field": path, "size": termsAggregationSize}}
	if i+1 < len(refs) {
		next, err := termsLevel(a, refs, i+1)
		if err != nil {
			return nil, err
		}
		level["aggs"] = map[string]any{
			aggregationNextName: enterNested(refs[i].Nested, refs[i+1].Nested, next),
		}
	}
	return level, nil
}

// enterNested wraps an aggregation so that it runs in the nested context to, given that
// its parent runs in from.
func enterNested(from, to string, agg map[string]any) map[string]any {
	if from == to {
		return agg
	}
	if to != "" {
		agg = map[string]any{
			"nested": map[string]any{"path": to},
			"aggs":   map[string]any{aggregationInnerName: agg},
		}
	}
	if from != "" {
		agg = map[string]any{
			"reverse_nested": map[string]any{},
			"aggs":           map[string]any{aggregationInnerName: agg},
		}
	}
	return agg
}

func compileSource(d *schema.Descriptor, spec *Spec) (map[string]any, error) {
	if len(spec.Only) == 0 && len(spec.Exclude) == 0 {
		return nil, nil
	}
	check := func(param string, fields []string) error {
		for _, f := range fields {
			if _, err := resolveField(d, f); err != nil {
				return queryError(param, f, "%v", err)
			}
		}
		return nil
	}
	if err := check("only", spec.Only); err != nil {
		return nil, err
	}
	if err := check("exclude", spec.Exclude); err != nil {
		return nil, err
	}
	source := map[string]any{}
	if len(spec.Only) > 0 {
		includes := append([]string{schema.ColumnID}, spec.Only...)
		source["includes"] = includes
	}
	if len(spec.Exclude) > 0 {
		source["excludes"] = spec.Exclude
	}
	return source, nil
}

func compileHighlight(d *schema.Descriptor, spec *Spec) (map[string]any, error) {
	if len(spec.Highlight) == 0 {
		return nil, nil
	}
	fields := map[string]any{}
	for _, f := range spec.Highlight {
		ref, err := resolveField(d, f)
		if err != nil {
			return nil, queryError("highlight_fields", f, "%v", err)
		}
		if ref.Nested != "" || !(isTextual(ref.Type) || ref.Type == schema.FieldTypeKeyword) {
			return nil, queryError("highlight_fields", f, "only top-level text fields can be highlighted")
		}
		fields[ref.Path] = map[string]any{}
	}
	num := spec.HighlightNum
	if num == 0 {
		num = defaultHighlightNum
	}
	return map[string]any{
		"fields":              fields,
		"number_of_fragments": num,
		"fragment_size":       highlightFragmentSize,
	}, nil
}
