package query

import (
	"github.com/bptarpley/corpora/core/schema"
)

// QueryGeneratorFactory creates QueryGenerator instances bound to one compiled content
// collection.
type QueryGeneratorFactory interface {
	CreateGenerator(d *schema.Descriptor) (QueryGenerator, error)
}

// QueryGenerator translates the abstract QueryDSL into statements for one SQL dialect.
type QueryGenerator interface {
	// GenerateSelectSQL creates a SELECT statement and its parameters.
	GenerateSelectSQL(dsl *QueryDSL) (string, []any, error)

	// GenerateCountSQL creates a SELECT COUNT(*) statement for the filters.
	GenerateCountSQL(filters *QueryFilter) (string, []any, error)

	// GenerateUpdateSQL creates an UPDATE statement from a map of column updates and a filter.
	GenerateUpdateSQL(updates map[string]any, filters *QueryFilter) (string, []any, error)

	// GenerateInsertSQL creates an INSERT statement for one or more records.
	GenerateInsertSQL(records []map[string]any) (string, []any, error)

	// GenerateDeleteSQL creates a DELETE statement. A WHERE clause is required unless
	// unsafeDelete is set.
	GenerateDeleteSQL(filters *QueryFilter, unsafeDelete bool) (string, []any, error)
}
