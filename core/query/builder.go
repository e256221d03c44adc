package query

import (
	"fmt"
	"strings"
)

// QueryBuilder provides a fluent API for building QueryDSL structures.
type QueryBuilder struct {
	query QueryDSL
}

// NewQueryBuilder creates a new, empty query builder instance.
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		query: QueryDSL{},
	}
}

// Build returns the constructed QueryDSL object.
func (qb *QueryBuilder) Build() QueryDSL {
	return qb.query
}

// Clone creates a copy of the builder. Sort and pagination are copied; filters are
// shared since they are never mutated after being set.
func (qb *QueryBuilder) Clone() *QueryBuilder {
	c := &QueryBuilder{query: qb.query}
	c.query.Sort = append([]SortConfiguration(nil), qb.query.Sort...)
	if qb.query.Pagination != nil {
		p := *qb.query.Pagination
		c.query.Pagination = &p
	}
	return c
}

// Reset clears all configurations from the query builder.
func (qb *QueryBuilder) Reset() *QueryBuilder {
	qb.query = QueryDSL{}
	return qb
}

// Where begins the construction of a filter condition for a specific field.
func (qb *QueryBuilder) Where(field string) *FilterConditionBuilder {
	return &FilterConditionBuilder{parent: qb, field: field}
}

// WhereGroup begins the construction of a group of filter conditions.
func (qb *QueryBuilder) WhereGroup(operator LogicalOperator) *FilterGroupBuilder {
	return &FilterGroupBuilder{root: qb, operator: operator}
}

// FilterConditionBuilder is used to build a single filter condition (e.g., field = value).
type FilterConditionBuilder struct {
	parent *QueryBuilder
	field  string
}

// Eq adds an equality condition to the query.
func (fcb *FilterConditionBuilder) Eq(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorEq, value)
}

// Neq adds a not-equal condition to the query.
func (fcb *FilterConditionBuilder) Neq(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorNeq, value)
}

// Lt adds a less-than condition to the query.
func (fcb *FilterConditionBuilder) Lt(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorLt, value)
}

// Gt adds a greater-than condition to the query.
func (fcb *FilterConditionBuilder) Gt(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorGt, value)
}

// Gte adds a greater-than-or-equal condition to the query.
func (fcb *FilterConditionBuilder) Gte(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorGte, value)
}

// In adds an "in" condition, checking if a field's value is within a set of values.
func (fcb *FilterConditionBuilder) In(values ...FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorIn, values)
}

// Has matches a multiple-valued field holding value.
func (fcb *FilterConditionBuilder) Has(value FilterValue) *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorHas, value)
}

// Exists adds a condition to check if a field is not null.
func (fcb *FilterConditionBuilder) Exists() *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorExists, true)
}

// NotExists adds a condition to check if a field is null.
func (fcb *FilterConditionBuilder) NotExists() *QueryBuilder {
	return fcb.addCondition(ComparisonOperatorNotExists, true)
}

func (fcb *FilterConditionBuilder) addCondition(operator ComparisonOperator, value FilterValue) *QueryBuilder {
	filter := CreateSimpleFilter(fcb.field, operator, value)
	fcb.parent.query.Filters = &filter
	return fcb.parent
}

// FilterGroupBuilder is used to build a group of filter conditions.
type FilterGroupBuilder struct {
	root       *QueryBuilder
	parent     *FilterGroupBuilder
	operator   LogicalOperator
	conditions []QueryFilter
}

// Where adds a new condition to the current filter group.
func (fgb *FilterGroupBuilder) Where(field string) *FilterConditionBuilderInGroup {
	return &FilterConditionBuilderInGroup{group: fgb, field: field}
}

// WhereGroup opens a nested group; close it with EndGroup.
func (fgb *FilterGroupBuilder) WhereGroup(operator LogicalOperator) *FilterGroupBuilder {
	return &FilterGroupBuilder{root: fgb.root, parent: fgb, operator: operator}
}

// EndGroup closes a nested group and returns to the enclosing one.
func (fgb *FilterGroupBuilder) EndGroup() *FilterGroupBuilder {
	if fgb.parent == nil {
		return fgb
	}
	fgb.parent.conditions = append(fgb.parent.conditions, CreateFilterGroup(fgb.operator, fgb.conditions...))
	return fgb.parent
}

// End finalizes the outermost filter group and returns to the query builder.
func (fgb *FilterGroupBuilder) End() *QueryBuilder {
	g := fgb
	for g.parent != nil {
		g = g.EndGroup()
	}
	filter := CreateFilterGroup(g.operator, g.conditions...)
	g.root.query.Filters = &filter
	return g.root
}

// FilterConditionBuilderInGroup is used to build a filter condition within a group.
type FilterConditionBuilderInGroup struct {
	group *FilterGroupBuilder
	field string
}

// Eq adds an equality condition to the current filter group.
func (c *FilterConditionBuilderInGroup) Eq(value FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorEq, value)
}

// Neq adds a not-equal condition to the current filter group.
func (c *FilterConditionBuilderInGroup) Neq(value FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorNeq, value)
}

// In adds an "in" condition to the current filter group.
func (c *FilterConditionBuilderInGroup) In(values ...FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorIn, values)
}

// Has adds a membership condition for multiple-valued fields to the current group.
func (c *FilterConditionBuilderInGroup) Has(value FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorHas, value)
}

// Gt adds a greater-than condition to the current filter group.
func (c *FilterConditionBuilderInGroup) Gt(value FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorGt, value)
}

// Lte adds a less-than-or-equal condition to the current filter group.
func (c *FilterConditionBuilderInGroup) Lte(value FilterValue) *FilterGroupBuilder {
	return c.add(ComparisonOperatorLte, value)
}

// Exists adds an exists condition to the current filter group.
func (c *FilterConditionBuilderInGroup) Exists() *FilterGroupBuilder {
	return c.add(ComparisonOperatorExists, true)
}

func (c *FilterConditionBuilderInGroup) add(operator ComparisonOperator, value FilterValue) *FilterGroupBuilder {
	c.group.conditions = append(c.group.conditions, CreateSimpleFilter(c.field, operator, value))
	return c.group
}

// OrderBy adds a sorting configuration to the query.
func (qb *QueryBuilder) OrderBy(field string, direction SortDirection) *QueryBuilder {
	qb.query.Sort = append(qb.query.Sort, SortConfiguration{Field: field, Direction: direction})
	return qb
}

// OrderByAsc adds an ascending sort order for a specific field.
func (qb *QueryBuilder) OrderByAsc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortDirectionAsc)
}

// OrderByDesc adds a descending sort order for a specific field.
func (qb *QueryBuilder) OrderByDesc(field string) *QueryBuilder {
	return qb.OrderBy(field, SortDirectionDesc)
}

// Limit sets the maximum number of records to be returned by the query.
func (qb *QueryBuilder) Limit(limit int) *QueryBuilder {
	if qb.query.Pagination == nil {
		qb.query.Pagination = &PaginationOptions{}
	}
	qb.query.Pagination.Limit = limit
	return qb
}

// Offset sets the starting point for the result set.
func (qb *QueryBuilder) Offset(offset int) *QueryBuilder {
	if qb.query.Pagination == nil {
		qb.query.Pagination = &PaginationOptions{}
	}
	qb.query.Pagination.Offset = &offset
	return qb
}

// Select restricts the returned columns.
func (qb *QueryBuilder) Select(fields ...string) *QueryBuilder {
	if qb.query.Projection == nil {
		qb.query.Projection = &ProjectionConfiguration{}
	}
	qb.query.Projection.Include = append(qb.query.Projection.Include, fields...)
	return qb
}

// Exclude removes columns from the result.
func (qb *QueryBuilder) Exclude(fields ...string) *QueryBuilder {
	if qb.query.Projection == nil {
		qb.query.Projection = &ProjectionConfiguration{}
	}
	qb.query.Projection.Exclude = append(qb.query.Projection.Exclude, fields...)
	return qb
}

// QueryValidationError represents an error found during query validation.
type QueryValidationError struct {
	Field   string
	Message string
}

// Error returns the error message for a QueryValidationError.
func (ve QueryValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// QueryValidationResult contains the results of a query validation.
type QueryValidationResult struct {
	IsValid bool
	Errors  []QueryValidationError
}

// Validate checks pagination, projection and operator usage of the built query.
func (qb *QueryBuilder) Validate() QueryValidationResult {
	var errors []QueryValidationError

	if p := qb.query.Pagination; p != nil {
		if p.Limit <= 0 {
			errors = append(errors, QueryValidationError{Field: "pagination.limit", Message: "limit must be greater than 0"})
		}
		if p.Offset != nil && *p.Offset < 0 {
			errors = append(errors, QueryValidationError{Field: "pagination.offset", Message: "offset cannot be negative"})
		}
	}

	if p := qb.query.Projection; p != nil && len(p.Include) > 0 && len(p.Exclude) > 0 {
		errors = append(errors, QueryValidationError{Field: "projection", Message: "cannot have both include and exclude fields"})
	}

	var walk func(f *QueryFilter, path string)
	walk = func(f *QueryFilter, path string) {
		if f == nil {
			return
		}
		if f.Condition != nil && !f.Condition.Operator.IsStandard() {
			errors = append(errors, QueryValidationError{Field: path, Message: fmt.Sprintf("unsupported operator %q", f.Condition.Operator)})
		}
		if f.Group != nil {
			for i := range f.Group.Conditions {
				walk(&f.Group.Conditions[i], fmt.Sprintf("%s[%d]", path, i))
			}
		}
	}
	walk(qb.query.Filters, "filters")

	return QueryValidationResult{IsValid: len(errors) == 0, Errors: errors}
}

// String returns a human-readable representation of the built query.
func (qb *QueryBuilder) String() string {
	var parts []string

	if qb.query.Filters != nil {
		parts = append(parts, fmt.Sprintf("FILTERS: %s", strings.Join(qb.query.Filters.Fields(), ", ")))
	}
	if len(qb.query.Sort) > 0 {
		sortFields := make([]string, len(qb.query.Sort))
		for i, sort := range qb.query.Sort {
			sortFields[i] = fmt.Sprintf("%s %s", sort.Field, sort.Direction)
		}
		parts = append(parts, fmt.Sprintf("ORDER BY: %s", strings.Join(sortFields, ", ")))
	}
	if p := qb.query.Pagination; p != nil {
		parts = append(parts, fmt.Sprintf("LIMIT: %d", p.Limit))
		if p.Offset != nil {
			parts = append(parts, fmt.Sprintf("OFFSET: %d", *p.Offset))
		}
	}
	if p := qb.query.Projection; p != nil {
		if len(p.Include) > 0 {
			parts = append(parts, fmt.Sprintf("SELECT: %s", strings.Join(p.Include, ", ")))
		}
		if len(p.Exclude) > 0 {
			parts = append(parts, fmt.Sprintf("EXCLUDE: %s", strings.Join(p.Exclude, ", ")))
		}
	}

	if len(parts) == 0 {
		return "EMPTY QUERY"
	}
	return strings.Join(parts, " | ")
}

// CreateSimpleFilter is a helper function to create a simple filter condition.
func CreateSimpleFilter(field string, operator ComparisonOperator, value FilterValue) QueryFilter {
	return QueryFilter{
		Condition: &FilterCondition{
			Field:    field,
			Operator: operator,
			Value:    value,
		},
	}
}

// CreateFilterGroup is a helper function to create a filter group.
func CreateFilterGroup(operator LogicalOperator, conditions ...QueryFilter) QueryFilter {
	return QueryFilter{
		Group: &FilterGroup{
			Operator:   operator,
			Conditions: conditions,
		},
	}
}

// ByID returns a filter matching a single id.
func ByID(id string) *QueryFilter {
	f := CreateSimpleFilter("id", ComparisonOperatorEq, id)
	return &f
}
