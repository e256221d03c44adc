package sqlite

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/spf13/cast"
)

// timeLayout is a fixed-width RFC 3339 layout, so stored datetimes compare correctly
// as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SqliteQueryGeneratorFactory implements the QueryGeneratorFactory for SQLite.
type SqliteQueryGeneratorFactory struct {
	prefix string
}

// NewSqliteQueryGeneratorFactory creates a factory whose generators prepend prefix to
// every table name.
func NewSqliteQueryGeneratorFactory(prefix string) *SqliteQueryGeneratorFactory {
	return &SqliteQueryGeneratorFactory{prefix: prefix}
}

// CreateGenerator creates a new SqliteQuery (which is a QueryGenerator) for the given descriptor.
func (f *SqliteQueryGeneratorFactory) CreateGenerator(d *schema.Descriptor) (query.QueryGenerator, error) {
	return NewSqliteQuery(d, f.prefix)
}

// SqliteQuery is a descriptor-aware query generator for SQLite. Values are prepared
// according to the storage type of their column, and nested paths into json columns
// are translated to json_extract.
type SqliteQuery struct {
	d     *schema.Descriptor
	table string
}

// NewSqliteQuery creates a new descriptor-aware query generator for SQLite.
func NewSqliteQuery(d *schema.Descriptor, prefix string) (*SqliteQuery, error) {
	if d == nil {
		return nil, fmt.Errorf("descriptor cannot be nil")
	}
	if d.Collection == "" {
		return nil, fmt.Errorf("descriptor must define a collection name")
	}
	return &SqliteQuery{d: d, table: quoteIdentifier(prefix + d.Collection)}, nil
}

var _ query.QueryGenerator = (*SqliteQuery)(nil)

// quoteIdentifier properly quotes an identifier for SQLite.
func quoteIdentifier(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// getFieldSQL translates a logical field path into the correct SQL accessor string.
func (s *SqliteQuery) getFieldSQL(fieldPath string) (string, error) {
	parts := strings.Split(fieldPath, ".")
	if fieldPath == "" || len(parts) == 0 {
		return "", fmt.Errorf("field path cannot be empty")
	}

	storage, ok := s.d.ColumnStorage(parts[0])
	if !ok {
		return "", fmt.Errorf("field '%s' not found in %s", parts[0], s.d.Collection)
	}
	if len(parts) == 1 {
		return quoteIdentifier(parts[0]), nil
	}
	if storage != schema.StorageJSON {
		return "", fmt.Errorf("field '%s' of storage %s does not support nested querying", parts[0], storage)
	}
	jsonPath := "$." + strings.Join(parts[1:], ".")
	return fmt.Sprintf("json_extract(%s, '%s')", quoteIdentifier(parts[0]), jsonPath), nil
}

// prepareValueForQuery converts a Go value into the representation stored for a
// column: booleans become 0/1, datetimes fixed-width text and json values their
// serialized form.
func (s *SqliteQuery) prepareValueForQuery(fieldName string, value any) (any, error) {
	root, _ := schema.SplitPath(fieldName)
	storage, exists := s.d.ColumnStorage(root)
	if !exists {
		return nil, fmt.Errorf("field '%s' not found in %s for value preparation", fieldName, s.d.Collection)
	}
	if value == nil {
		return nil, nil
	}
	if root != fieldName {
		// json_extract yields scalars.
		return value, nil
	}

	switch storage {
	case schema.StorageBoolean:
		b, err := cast.ToBoolE(value)
		if err != nil {
			return nil, fmt.Errorf("expected boolean for field '%s', got %T", fieldName, value)
		}
		if b {
			return 1, nil
		}
		return 0, nil

	case schema.StorageDatetime:
		return formatTime(value), nil

	case schema.StorageJSON:
		jsonBytes, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize field '%s' to JSON: %w", fieldName, err)
		}
		return string(jsonBytes), nil

	default:
		return value, nil
	}
}

func formatTime(value any) any {
	switch v := value.(type) {
	case time.Time:
		return v.UTC().Format(timeLayout)
	case *time.Time:
		if v == nil {
			return nil
		}
		return v.UTC().Format(timeLayout)
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC().Format(timeLayout)
		}
	}
	return value
}

// prepareConditionValue prepares a filter operand. Comparisons against json columns
// use scalar operands: `has` matches one element and In/Nin take a list of scalars.
func (s *SqliteQuery) prepareConditionValue(cond *query.FilterCondition) (any, error) {
	storage, _ := s.d.ColumnStorage(cond.Field)
	switch cond.Operator {
	case query.ComparisonOperatorIn, query.ComparisonOperatorNin:
		vals, ok := cond.Value.([]query.FilterValue)
		if !ok {
			if raw, isSlice := cond.Value.([]any); isSlice {
				vals = make([]query.FilterValue, len(raw))
				for i, v := range raw {
					vals[i] = v
				}
			} else if cond.Value != nil {
				vals = []query.FilterValue{cond.Value}
			}
		}
		out := make([]any, 0, len(vals))
		for _, v := range vals {
			p, err := s.prepareValueForQuery(cond.Field, v)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
		return out, nil
	case query.ComparisonOperatorHas, query.ComparisonOperatorContains, query.ComparisonOperatorStartsWith:
		return cond.Value, nil
	}
	if storage == schema.StorageJSON && !strings.Contains(cond.Field, ".") {
		if _, isString := cond.Value.(string); isString {
			return cond.Value, nil
		}
	}
	return s.prepareValueForQuery(cond.Field, cond.Value)
}

// GenerateSelectSQL creates a complete SQL SELECT query string and its corresponding
// parameters from a `query.QueryDSL` object.
func (s *SqliteQuery) GenerateSelectSQL(dsl *query.QueryDSL) (string, []any, error) {
	if dsl == nil {
		return "", nil, fmt.Errorf("QueryDSL cannot be nil")
	}

	var selectFields, whereClauses, orderByClauses []string
	var queryParams []any
	limit, offset := -1, 0

	switch {
	case dsl.Projection != nil && len(dsl.Projection.Include) > 0:
		for _, field := range dsl.Projection.Include {
			accessor, err := s.getFieldSQL(field)
			if err != nil {
				return "", nil, fmt.Errorf("projection error: %w", err)
			}
			selectFields = append(selectFields, fmt.Sprintf("%s AS %s", accessor, quoteIdentifier(field)))
		}
	case dsl.Projection != nil && len(dsl.Projection.Exclude) > 0:
		excluded := make(map[string]bool, len(dsl.Projection.Exclude))
		for _, field := range dsl.Projection.Exclude {
			excluded[field] = true
		}
		for _, column := range s.d.Columns() {
			if !excluded[column] {
				selectFields = append(selectFields, quoteIdentifier(column))
			}
		}
	default:
		selectFields = append(selectFields, "*")
	}

	if dsl.Filters != nil {
		whereSQL, err := s.buildWhereClause(dsl.Filters, &queryParams)
		if err != nil {
			return "", nil, fmt.Errorf("error building WHERE clause: %w", err)
		}
		if whereSQL != "" {
			whereClauses = append(whereClauses, whereSQL)
		}
	}

	for _, sortCfg := range dsl.Sort {
		accessor, err := s.getFieldSQL(sortCfg.Field)
		if err != nil {
			return "", nil, fmt.Errorf("sort error: %w", err)
		}
		direction := strings.ToUpper(string(sortCfg.Direction))
		if direction != "ASC" && direction != "DESC" {
			return "", nil, fmt.Errorf("sort error: invalid direction %q", sortCfg.Direction)
		}
		orderByClauses = append(orderByClauses, fmt.Sprintf("%s %s", accessor, direction))
	}

	if dsl.Pagination != nil {
		if dsl.Pagination.Limit > 0 {
			limit = dsl.Pagination.Limit
		}
		if dsl.Pagination.Offset != nil {
			offset = *dsl.Pagination.Offset
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT %s FROM %s", strings.Join(selectFields, ", "), s.table))
	if len(whereClauses) > 0 {
		sb.WriteString(" WHERE " + strings.Join(whereClauses, " AND "))
	}
	if len(orderByClauses) > 0 {
		sb.WriteString(" ORDER BY " + strings.Join(orderByClauses, ", "))
	}
	if limit > -1 {
		sb.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	} else if offset > 0 {
		sb.WriteString(" LIMIT -1")
	}
	if offset > 0 {
		sb.WriteString(fmt.Sprintf(" OFFSET %d", offset))
	}

	return sb.String() + ";", queryParams, nil
}

// GenerateCountSQL creates a SELECT COUNT(*) statement for the filters.
func (s *SqliteQuery) GenerateCountSQL(filters *query.QueryFilter) (string, []any, error) {
	var queryParams []any
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table))
	if filters != nil {
		whereSQL, err := s.buildWhereClause(filters, &queryParams)
		if err != nil {
			return "", nil, fmt.Errorf("error building WHERE clause for count: %w", err)
		}
		if whereSQL != "" {
			sb.WriteString(" WHERE " + whereSQL)
		}
	}
	return sb.String() + ";", queryParams, nil
}

// buildWhereClause recursively builds the WHERE clause from a `query.QueryFilter` object.
func (s *SqliteQuery) buildWhereClause(filter *query.QueryFilter, params *[]any) (string, error) {
	if filter.Condition != nil {
		return s.buildCondition(filter.Condition, params)
	}
	if filter.Group != nil {
		if filter.Group.Operator == "" {
			return "", fmt.Errorf("logical operator missing in filter group")
		}
		var clauses []string
		for _, cond := range filter.Group.Conditions {
			clause, err := s.buildWhereClause(&cond, params)
			if err != nil {
				return "", err
			}
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
		if len(clauses) == 0 {
			return "", nil
		}
		if filter.Group.Operator == query.LogicalOperatorNot {
			return fmt.Sprintf("NOT (%s)", strings.Join(clauses, " AND ")), nil
		}
		op := strings.ToUpper(string(filter.Group.Operator))
		return fmt.Sprintf("(%s)", strings.Join(clauses, " "+op+" ")), nil
	}
	return "", fmt.Errorf("invalid filter structure: neither Condition nor Group is set")
}

// buildCondition translates a single `query.FilterCondition` into a SQL condition string.
func (s *SqliteQuery) buildCondition(cond *query.FilterCondition, params *[]any) (string, error) {
	accessor, err := s.getFieldSQL(cond.Field)
	if err != nil {
		return "", err
	}

	preparedValue, err := s.prepareConditionValue(cond)
	if err != nil {
		return "", fmt.Errorf("failed to prepare value for condition field '%s': %w", cond.Field, err)
	}

	switch cond.Operator {
	case query.ComparisonOperatorEq:
		if preparedValue == nil {
			return fmt.Sprintf("%s IS NULL", accessor), nil
		}
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s = ?", accessor), nil
	case query.ComparisonOperatorNeq:
		if preparedValue == nil {
			return fmt.Sprintf("%s IS NOT NULL", accessor), nil
		}
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s != ?", accessor), nil
	case query.ComparisonOperatorLt:
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s < ?", accessor), nil
	case query.ComparisonOperatorLte:
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s <= ?", accessor), nil
	case query.ComparisonOperatorGt:
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s > ?", accessor), nil
	case query.ComparisonOperatorGte:
		*params = append(*params, preparedValue)
		return fmt.Sprintf("%s >= ?", accessor), nil
	case query.ComparisonOperatorIn, query.ComparisonOperatorNin:
		vals, _ := preparedValue.([]any)
		if len(vals) == 0 {
			if cond.Operator == query.ComparisonOperatorIn {
				return "1=0", nil
			}
			return "1=1", nil
		}
		placeholders := strings.Repeat("?,", len(vals)-1) + "?"
		*params = append(*params, vals...)
		op := "IN"
		if cond.Operator == query.ComparisonOperatorNin {
			op = "NOT IN"
		}
		return fmt.Sprintf("%s %s (%s)", accessor, op, placeholders), nil
	case query.ComparisonOperatorHas:
		*params = append(*params, preparedValue)
		return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = ?)", accessor), nil
	case query.ComparisonOperatorContains:
		*params = append(*params, "%"+cast.ToString(preparedValue)+"%")
		return fmt.Sprintf("%s LIKE ?", accessor), nil
	case query.ComparisonOperatorStartsWith:
		*params = append(*params, cast.ToString(preparedValue)+"%")
		return fmt.Sprintf("%s LIKE ?", accessor), nil
	case query.ComparisonOperatorExists:
		return fmt.Sprintf("%s IS NOT NULL", accessor), nil
	case query.ComparisonOperatorNotExists:
		return fmt.Sprintf("%s IS NULL", accessor), nil
	default:
		return "", fmt.Errorf("unsupported comparison operator for direct SQL: %s", cond.Operator)
	}
}

// sortedKeys returns map keys in a stable order so generated statements are
// deterministic.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GenerateUpdateSQL creates a SQL UPDATE query for the descriptor's table.
func (s *SqliteQuery) GenerateUpdateSQL(updates map[string]any, filters *query.QueryFilter) (string, []any, error) {
	var setClauses []string
	var queryParams []any

	if len(updates) == 0 {
		return "", nil, fmt.Errorf("no fields provided for update")
	}

	for _, fieldName := range sortedKeys(updates) {
		if strings.Contains(fieldName, ".") {
			return "", nil, fmt.Errorf("update set clause error for field '%s': nested updates are not supported", fieldName)
		}
		accessor, err := s.getFieldSQL(fieldName)
		if err != nil {
			return "", nil, fmt.Errorf("update set clause error for field '%s': %w", fieldName, err)
		}
		preparedValue, err := s.prepareValueForQuery(fieldName, updates[fieldName])
		if err != nil {
			return "", nil, fmt.Errorf("error preparing value for field '%s': %w", fieldName, err)
		}
		setClauses = append(setClauses, fmt.Sprintf("%s = ?", accessor))
		queryParams = append(queryParams, preparedValue)
	}
	setSQL := strings.Join(setClauses, ", ")

	var whereSQL string
	if filters != nil {
		var err error
		whereSQL, err = s.buildWhereClause(filters, &queryParams)
		if err != nil {
			return "", nil, fmt.Errorf("error building WHERE clause for update: %w", err)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("UPDATE %s SET %s", s.table, setSQL))
	if whereSQL != "" {
		sb.WriteString(" WHERE " + whereSQL)
	}
	return sb.String() + ";", queryParams, nil
}

// GenerateInsertSQL creates a SQL INSERT query. It includes the `RETURNING *` clause
// for atomic retrieval of inserted data. NOTE: Requires SQLite version 3.35.0+.
func (s *SqliteQuery) GenerateInsertSQL(records []map[string]any) (string, []any, error) {
	if len(records) == 0 {
		return "", nil, fmt.Errorf("no records provided for insert")
	}

	fieldSet := make(map[string]any)
	for _, record := range records {
		for fieldName := range record {
			if !s.d.HasColumn(fieldName) {
				return "", nil, fmt.Errorf("field '%s' not found in %s", fieldName, s.d.Collection)
			}
			fieldSet[fieldName] = true
		}
	}
	fields := sortedKeys(fieldSet)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("no valid fields found in records")
	}

	quotedFields := make([]string, len(fields))
	for i, field := range fields {
		quotedFields[i] = quoteIdentifier(field)
	}
	columnsSQL := strings.Join(quotedFields, ", ")

	var valuesClauses []string
	var queryParams []any
	for _, record := range records {
		rowPlaceholders := make([]string, 0, len(fields))
		for _, fieldName := range fields {
			preparedValue, err := s.prepareValueForQuery(fieldName, record[fieldName])
			if err != nil {
				return "", nil, fmt.Errorf("error preparing value for field '%s': %w", fieldName, err)
			}
			rowPlaceholders = append(rowPlaceholders, "?")
			queryParams = append(queryParams, preparedValue)
		}
		valuesClauses = append(valuesClauses, "("+strings.Join(rowPlaceholders, ", ")+")")
	}
	valuesSQL := strings.Join(valuesClauses, ", ")

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s RETURNING *;", s.table, columnsSQL, valuesSQL)
	return sql, queryParams, nil
}

// GenerateDeleteSQL creates a SQL DELETE query for the descriptor's table.
func (s *SqliteQuery) GenerateDeleteSQL(filters *query.QueryFilter, unsafeDelete bool) (string, []any, error) {
	var queryParams []any

	if filters == nil && !unsafeDelete {
		return "", nil, fmt.Errorf("DELETE without WHERE clause is not allowed for safety. Set unsafeDelete=true to override")
	}

	var whereSQL string
	if filters != nil {
		var err error
		whereSQL, err = s.buildWhereClause(filters, &queryParams)
		if err != nil {
			return "", nil, fmt.Errorf("error building WHERE clause for delete: %w", err)
		}
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("DELETE FROM %s", s.table))
	if whereSQL != "" {
		sb.WriteString(" WHERE " + whereSQL)
	}
	return sb.String() + ";", queryParams, nil
}
