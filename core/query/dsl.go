// Package query defines the filter DSL used to read content collections from the
// primary store. It covers filtering, sorting, offset pagination and projection;
// full-text search lives in the search package.
package query

// LogicalOperator combines the conditions of a filter group.
type LogicalOperator string

// Logical operators for combining filter conditions.
const (
	LogicalOperatorAnd LogicalOperator = "and"
	LogicalOperatorOr  LogicalOperator = "or"
	LogicalOperatorNot LogicalOperator = "not"
)

// ComparisonOperator defines the set of operators that can be used in a filter condition.
type ComparisonOperator string

// Supported comparison operators.
const (
	ComparisonOperatorEq         ComparisonOperator = "eq"
	ComparisonOperatorNeq        ComparisonOperator = "neq"
	ComparisonOperatorLt         ComparisonOperator = "lt"
	ComparisonOperatorLte        ComparisonOperator = "lte"
	ComparisonOperatorGt         ComparisonOperator = "gt"
	ComparisonOperatorGte        ComparisonOperator = "gte"
	ComparisonOperatorIn         ComparisonOperator = "in"
	ComparisonOperatorNin        ComparisonOperator = "nin"
	ComparisonOperatorContains   ComparisonOperator = "contains"
	ComparisonOperatorStartsWith ComparisonOperator = "startswith"
	ComparisonOperatorExists     ComparisonOperator = "exists"
	ComparisonOperatorNotExists  ComparisonOperator = "nexists"
	// ComparisonOperatorHas matches multiple-valued fields holding the given element.
	ComparisonOperatorHas ComparisonOperator = "has"
)

// FilterValue represents the value used in a filter condition.
type FilterValue any

// FilterCondition defines a single condition for filtering the results of a query.
type FilterCondition struct {
	Field    string             // The field to apply the filter on.
	Operator ComparisonOperator // The comparison operator to use.
	Value    FilterValue        // The value to compare against.
}

// FilterGroup combines multiple filter conditions using a logical operator.
type FilterGroup struct {
	Operator   LogicalOperator
	Conditions []QueryFilter
}

// QueryFilter is a union type that can represent either a single filter condition
// or a group of conditions.
type QueryFilter struct {
	Condition *FilterCondition `json:",omitempty"`
	Group     *FilterGroup     `json:",omitempty"`
}

// SortDirection specifies the direction for sorting.
type SortDirection string

// Supported sort directions.
const (
	SortDirectionAsc  SortDirection = "asc"
	SortDirectionDesc SortDirection = "desc"
)

// SortConfiguration defines the sorting order for a specific field.
type SortConfiguration struct {
	Field     string
	Direction SortDirection
}

// PaginationOptions defines offset pagination. Batch jobs walk collections with a small
// Limit and a growing Offset ordered by id.
type PaginationOptions struct {
	Limit  int
	Offset *int `json:",omitempty"`
}

// ProjectionConfiguration defines which columns should be returned.
type ProjectionConfiguration struct {
	Include []string `json:",omitempty"`
	Exclude []string `json:",omitempty"`
}

// QueryDSL is the top-level structure that represents a primary-store read.
type QueryDSL struct {
	Filters    *QueryFilter             `json:",omitempty"`
	Sort       []SortConfiguration      `json:",omitempty"`
	Pagination *PaginationOptions       `json:",omitempty"`
	Projection *ProjectionConfiguration `json:",omitempty"`
}

// QueryResult represents the result of a primary-store read.
type QueryResult struct {
	Data  []map[string]any `json:"data"`
	Count int              `json:"count"`
}

var standardComparisonOperators = map[ComparisonOperator]struct{}{
	ComparisonOperatorEq:         {},
	ComparisonOperatorNeq:        {},
	ComparisonOperatorLt:         {},
	ComparisonOperatorLte:        {},
	ComparisonOperatorGt:         {},
	ComparisonOperatorGte:        {},
	ComparisonOperatorIn:         {},
	ComparisonOperatorNin:        {},
	ComparisonOperatorContains:   {},
	ComparisonOperatorStartsWith: {},
	ComparisonOperatorExists:     {},
	ComparisonOperatorNotExists:  {},
	ComparisonOperatorHas:        {},
}

// IsStandard checks if a comparison operator is one of the built-in operators.
func (c ComparisonOperator) IsStandard() bool {
	_, ok := standardComparisonOperators[c]
	return ok
}

// Fields returns every field named by the filter tree.
func (f *QueryFilter) Fields() []string {
	if f == nil {
		return nil
	}
	if f.Condition != nil {
		return []string{f.Condition.Field}
	}
	var out []string
	if f.Group != nil {
		for i := range f.Group.Conditions {
			out = append(out, f.Group.Conditions[i].Fields()...)
		}
	}
	return out
}
