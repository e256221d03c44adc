package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueryBuilder(t *testing.T) {
	qb := NewQueryBuilder()
	assert.NotNil(t, qb)
	assert.Nil(t, qb.query.Filters)
	assert.Empty(t, qb.query.Sort)
	assert.Nil(t, qb.query.Pagination)
	assert.Nil(t, qb.query.Projection)
}

func TestQueryBuilder_Build(t *testing.T) {
	qb := NewQueryBuilder()
	assert.Equal(t, QueryDSL{}, qb.Build())

	dsl := qb.Limit(10).Build()
	require.NotNil(t, dsl.Pagination)
	assert.Equal(t, 10, dsl.Pagination.Limit)
}

func TestQueryBuilder_Clone(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("id")
	cloned := qb.Clone()

	cloned.Limit(20).OrderByDesc("label")
	assert.Equal(t, 10, qb.query.Pagination.Limit)
	assert.Len(t, qb.query.Sort, 1)
	assert.Equal(t, 20, cloned.query.Pagination.Limit)
	assert.Len(t, cloned.query.Sort, 2)
}

func TestQueryBuilder_Reset(t *testing.T) {
	qb := NewQueryBuilder().Limit(10).OrderByAsc("id").Select("id")
	qb.Reset()
	assert.Equal(t, QueryDSL{}, qb.query)
}

func TestQueryBuilder_Where(t *testing.T) {
	tests := []struct {
		name     string
		buildFn  func(*QueryBuilder) *QueryBuilder
		expected FilterCondition
	}{
		{"Eq", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("title").Eq("Emma") },
			FilterCondition{Field: "title", Operator: ComparisonOperatorEq, Value: "Emma"}},
		{"Neq", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("title").Neq("Emma") },
			FilterCondition{Field: "title", Operator: ComparisonOperatorNeq, Value: "Emma"}},
		{"Lt", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("year").Lt(1900) },
			FilterCondition{Field: "year", Operator: ComparisonOperatorLt, Value: 1900}},
		{"Gt", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("year").Gt(1800) },
			FilterCondition{Field: "year", Operator: ComparisonOperatorGt, Value: 1800}},
		{"Gte", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("id").Gte("b") },
			FilterCondition{Field: "id", Operator: ComparisonOperatorGte, Value: "b"}},
		{"In", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("id").In("a", "b") },
			FilterCondition{Field: "id", Operator: ComparisonOperatorIn, Value: []FilterValue{"a", "b"}}},
		{"Has", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("authors").Has("p1") },
			FilterCondition{Field: "authors", Operator: ComparisonOperatorHas, Value: "p1"}},
		{"Exists", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("path").Exists() },
			FilterCondition{Field: "path", Operator: ComparisonOperatorExists, Value: true}},
		{"NotExists", func(qb *QueryBuilder) *QueryBuilder { return qb.Where("path").NotExists() },
			FilterCondition{Field: "path", Operator: ComparisonOperatorNotExists, Value: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dsl := tt.buildFn(NewQueryBuilder()).Build()
			require.NotNil(t, dsl.Filters)
			require.NotNil(t, dsl.Filters.Condition)
			assert.Equal(t, tt.expected, *dsl.Filters.Condition)
		})
	}
}

func TestQueryBuilder_WhereGroup(t *testing.T) {
	dsl := NewQueryBuilder().
		WhereGroup(LogicalOperatorOr).
		Where("author").Eq("p1").
		WhereGroup(LogicalOperatorAnd).
		Where("editors").Has("p1").
		Where("year").Gt(1800).
		EndGroup().
		End().
		Build()

	require.NotNil(t, dsl.Filters)
	require.NotNil(t, dsl.Filters.Group)
	assert.Equal(t, LogicalOperatorOr, dsl.Filters.Group.Operator)
	require.Len(t, dsl.Filters.Group.Conditions, 2)

	nested := dsl.Filters.Group.Conditions[1].Group
	require.NotNil(t, nested)
	assert.Equal(t, LogicalOperatorAnd, nested.Operator)
	assert.Len(t, nested.Conditions, 2)
	assert.Equal(t, []string{"author", "editors", "year"}, dsl.Filters.Fields())
}

func TestQueryBuilder_EndClosesOpenGroups(t *testing.T) {
	dsl := NewQueryBuilder().
		WhereGroup(LogicalOperatorAnd).
		Where("a").Eq(1).
		WhereGroup(LogicalOperatorOr).
		Where("b").Eq(2).
		End().
		Build()

	require.NotNil(t, dsl.Filters.Group)
	assert.Equal(t, LogicalOperatorAnd, dsl.Filters.Group.Operator)
	require.Len(t, dsl.Filters.Group.Conditions, 2)
	assert.NotNil(t, dsl.Filters.Group.Conditions[1].Group)
}

func TestQueryBuilder_OrderAndPaging(t *testing.T) {
	dsl := NewQueryBuilder().OrderByAsc("id").OrderByDesc("label").Limit(50).Offset(100).Build()
	assert.Equal(t, []SortConfiguration{
		{Field: "id", Direction: SortDirectionAsc},
		{Field: "label", Direction: SortDirectionDesc},
	}, dsl.Sort)
	require.NotNil(t, dsl.Pagination.Offset)
	assert.Equal(t, 100, *dsl.Pagination.Offset)
}

func TestQueryBuilder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		builder *QueryBuilder
		valid   bool
		field   string
	}{
		{"valid", NewQueryBuilder().Where("id").Eq("x").Limit(10), true, ""},
		{"zero limit", NewQueryBuilder().Limit(0), false, "pagination.limit"},
		{"negative offset", NewQueryBuilder().Limit(1).Offset(-1), false, "pagination.offset"},
		{"include and exclude", NewQueryBuilder().Select("id").Exclude("label"), false, "projection"},
		{"bad operator", func() *QueryBuilder {
			qb := NewQueryBuilder()
			f := CreateSimpleFilter("id", "regex", ".*")
			qb.query.Filters = &f
			return qb
		}(), false, "filters"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tt.builder.Validate()
			assert.Equal(t, tt.valid, res.IsValid)
			if !tt.valid {
				require.NotEmpty(t, res.Errors)
				assert.Equal(t, tt.field, res.Errors[0].Field)
			}
		})
	}
}

func TestQueryBuilder_String(t *testing.T) {
	assert.Equal(t, "EMPTY QUERY", NewQueryBuilder().String())
	s := NewQueryBuilder().Where("id").Eq("x").OrderByAsc("id").Limit(5).String()
	assert.Equal(t, "FILTERS: id | ORDER BY: id asc | LIMIT: 5", s)
}
