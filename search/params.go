package search

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Occur is how a clause takes part in its enclosing boolean query.
type Occur string

const (
	// OccurDefault follows the request's operator.
	OccurDefault Occur = ""
	OccurMust    Occur = "must"
	OccurShould  Occur = "should"
	OccurMustNot Occur = "must_not"
)

// Operators combining the clauses of a request.
const (
	OperatorAnd = "and"
	OperatorOr  = "or"
)

// AggregationKind is the kind of an aggregation parameter.
type AggregationKind string

const (
	AggregationTerms     AggregationKind = "terms"
	AggregationMax       AggregationKind = "max"
	AggregationMin       AggregationKind = "min"
	AggregationHistogram AggregationKind = "histogram"
)

// Clause is one per-field query parameter.
type Clause struct {
	// Param is the parameter key as received, used in error messages.
	Param string
	Field string
	Value string
	Occur Occur
}

// SortField is one s_ parameter.
type SortField struct {
	Param string
	Field string
	Desc  bool
}

// Aggregation is one a_ parameter. Terms aggregations may chain several fields, each
// bucketed within the previous one.
type Aggregation struct {
	Param    string
	Name     string
	Kind     AggregationKind
	Fields   []string
	Interval string
}

// Spec is a parsed search request.
type Spec struct {
	Query    string
	Operator string

	Smart     []Clause
	Terms     []Clause
	Phrases   []Clause
	Filters   []Clause
	Ranges    []Clause
	Wildcards []Clause
	Exists    []Clause

	Sort         []SortField
	Aggregations []Aggregation

	Only         []string
	Exclude      []string
	Highlight    []string
	HighlightNum int

	ContentView string
	Page        int
	PageSize    int
	PageToken   string

	// IDs restricts results to the given entity ids. It is not settable from request
	// parameters.
	IDs []string

	// Groups are compiled as sub-queries and combined using Operator.
	Groups []*Spec
}

type param struct {
	key   string
	value string
}

// ParseParams parses request parameters into a Spec. Parameter keys are visited in
// sorted order; use ParseQueryString when sort priority must follow the request.
func ParseParams(values url.Values) (*Spec, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var params []param
	for _, k := range keys {
		for _, v := range values[k] {
			params = append(params, param{key: k, value: v})
		}
	}
	return parse(params)
}

// ParseQueryString parses a raw query string, keeping parameters in request order.
func ParseQueryString(raw string) (*Spec, error) {
	var params []param
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, queryError(k, "", "malformed parameter name")
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, queryError(key, "", "malformed parameter value")
		}
		params = append(params, param{key: key, value: value})
	}
	return parse(params)
}

func parse(params []param) (*Spec, error) {
	spec := &Spec{Operator: OperatorAnd}
	groups := map[int]*Spec{}

	for _, p := range params {
		target := spec
		key := p.key
		grouped := false
		if len(key) > 2 && key[0] >= '1' && key[0] <= '9' && key[1] == '_' {
			n := int(key[0] - '0')
			g, ok := groups[n]
			if !ok {
				g = &Spec{Operator: OperatorAnd}
				groups[n] = g
			}
			target = g
			key = key[2:]
			grouped = true
		}
		if err := target.set(p.key, key, p.value, grouped); err != nil {
			return nil, err
		}
	}

	digits := make([]int, 0, len(groups))
	for n := range groups {
		digits = append(digits, n)
	}
	sort.Ints(digits)
	for _, n := range digits {
		spec.Groups = append(spec.Groups, groups[n])
	}
	return spec, nil
}

var clausePrefixes = []string{"q_", "t_", "p_", "f_", "r_", "w_", "e_"}

func (s *Spec) set(param, key, value string, grouped bool) error {
	switch key {
	case "q":
		s.Query = strings.TrimSpace(value)
		return nil
	case "operator":
		op := strings.ToLower(strings.TrimSpace(value))
		if op != OperatorAnd && op != OperatorOr {
			return queryError(param, "", "operator must be %q or %q", OperatorAnd, OperatorOr)
		}
		s.Operator = op
		return nil
	}

	for _, prefix := range clausePrefixes {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		field, occur := splitOccur(strings.TrimPrefix(key, prefix))
		if field == "" {
			return queryError(param, "", "missing field name")
		}
		c := Clause{Param: param, Field: field, Value: value, Occur: occur}
		switch prefix {
		case "q_":
			s.Smart = append(s.Smart, c)
		case "t_":
			s.Terms = append(s.Terms, c)
		case "p_":
			s.Phrases = append(s.Phrases, c)
		case "f_":
			s.Filters = append(s.Filters, c)
		case "r_":
			s.Ranges = append(s.Ranges, c)
		case "w_":
			s.Wildcards = append(s.Wildcards, c)
		case "e_":
			s.Exists = append(s.Exists, c)
		}
		return nil
	}

	if grouped {
		return queryError(param, "", "parameter is not allowed inside a group")
	}

	switch {
	case strings.HasPrefix(key, "s_"):
		field := strings.TrimPrefix(key, "s_")
		if field == "" {
			return queryError(param, "", "missing field name")
		}
		dir := strings.ToLower(strings.TrimSpace(value))
		if dir != "asc" && dir != "desc" {
			return queryError(param, field, "sort direction must be asc or desc")
		}
		s.Sort = append(s.Sort, SortField{Param: param, Field: field, Desc: dir == "desc"})
		return nil
	case strings.HasPrefix(key, "a_"):
		agg, err := parseAggregation(param, strings.TrimPrefix(key, "a_"), value)
		if err != nil {
			return err
		}
		s.Aggregations = append(s.Aggregations, agg)
		return nil
	}

	switch key {
	case "page":
		n, err := positiveInt(param, value)
		if err != nil {
			return err
		}
		s.Page = n
	case "page-size":
		n, err := positiveInt(param, value)
		if err != nil {
			return err
		}
		s.PageSize = n
	case "page-token":
		s.PageToken = strings.TrimSpace(value)
	case "content_view":
		s.ContentView = strings.TrimSpace(value)
	case "only":
		s.Only = append(s.Only, splitList(value)...)
	case "exclude":
		s.Exclude = append(s.Exclude, splitList(value)...)
	case "highlight_fields":
		s.Highlight = append(s.Highlight, splitList(value)...)
	case "highlight_num":
		n, err := positiveInt(param, value)
		if err != nil {
			return err
		}
		s.HighlightNum = n
	default:
		return queryError(param, "", "unknown parameter")
	}
	return nil
}

// splitOccur strips a trailing operator suffix from a field key.
func splitOccur(key string) (string, Occur) {
	if key == "" {
		return key, OccurDefault
	}
	switch key[len(key)-1] {
	case '+', ' ':
		return key[:len(key)-1], OccurMust
	case '|':
		return key[:len(key)-1], OccurShould
	case '-':
		return key[:len(key)-1], OccurMustNot
	}
	return key, OccurDefault
}

func parseAggregation(param, key, value string) (Aggregation, error) {
	var kind AggregationKind
	for _, k := range []AggregationKind{AggregationTerms, AggregationMax, AggregationMin, AggregationHistogram} {
		if strings.HasPrefix(key, string(k)+"_") {
			kind = k
			break
		}
	}
	if kind == "" {
		return Aggregation{}, queryError(param, "", "unknown aggregation kind")
	}
	name := strings.TrimPrefix(key, string(kind)+"_")
	if name == "" {
		return Aggregation{}, queryError(param, "", "aggregation needs a name")
	}
	agg := Aggregation{Param: param, Name: name, Kind: kind}

	switch kind {
	case AggregationTerms:
		agg.Fields = splitList(value)
	case AggregationHistogram:
		i := strings.LastIndex(value, "__")
		if i <= 0 || i+2 >= len(value) {
			return Aggregation{}, queryError(param, "", "histogram must be given as field__interval")
		}
		agg.Fields = []string{strings.TrimSpace(value[:i])}
		agg.Interval = strings.TrimSpace(value[i+2:])
	default:
		if f := strings.TrimSpace(value); f != "" {
			agg.Fields = []string{f}
		}
	}
	if len(agg.Fields) == 0 {
		return Aggregation{}, queryError(param, "", "aggregation needs a field")
	}
	return agg, nil
}

func positiveInt(param, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 1 {
		return 0, queryError(param, "", "expected a positive integer, got %q", value)
	}
	return n, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseFlag reads an exists value; y/n and yes/no are accepted alongside booleans.
func parseFlag(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "y", "yes", "":
		return true, nil
	case "n", "no":
		return false, nil
	}
	return cast.ToBoolE(value)
}
