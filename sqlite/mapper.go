package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"go.uber.org/zap"
)

// DefaultInteractorOptions returns a set of sensible default options for the
// SQLite interactor. These defaults are intended to provide a safe and common
// configuration for creating and managing database tables.
func DefaultInteractorOptions() *persistence.InteractorOptions {
	return &persistence.InteractorOptions{
		IfNotExists:   true, // Prevent errors if a table already exists.
		CreateIndexes: true, // Create the descriptor's indexes with the table.
	}
}

// quoteIdentifier safely quotes an identifier, such as a table or column name,
// to prevent SQL injection and to handle names that might be keywords or contain
// special characters.
func (s *SQLiteInteractor) quoteIdentifier(name string) string {
	return quoteIdentifier(name)
}

// getTableName constructs the full, quoted table name by applying the configured
// table prefix to the base name.
func (s *SQLiteInteractor) getTableName(baseName string) string {
	return s.quoteIdentifier(s.options.CollectionPrefix + baseName)
}

// CreateCollection generates and executes the DDL statements to create a table
// and its indexes. Run it on a transactional interactor to make the whole set atomic.
func (s *SQLiteInteractor) CreateCollection(ctx context.Context, d *schema.Descriptor) error {
	if s.options.DropIfExists {
		if err := s.DropCollection(ctx, d.Collection); err != nil {
			return err
		}
	}

	stmt, err := s.CreateTableSQL(d)
	if err != nil {
		return fmt.Errorf("failed to generate SQL for table %s: %w", d.Collection, err)
	}
	s.logger.Debug("Creating table", zap.String("sql", stmt))
	if _, err := s.runner().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to execute SQL statement '%s': %w", stmt, err)
	}

	if s.options.CreateIndexes {
		for _, index := range d.Indexes {
			if err := s.CreateIndex(ctx, d.Collection, index); err != nil {
				return err
			}
		}
	}
	return nil
}

// CreateTableSQL generates the DDL to create the table of a descriptor: the system
// columns, with the primary key inline, followed by one column per field.
func (s *SQLiteInteractor) CreateTableSQL(d *schema.Descriptor) (string, error) {
	var sb strings.Builder
	sb.WriteString("CREATE TABLE ")
	if s.options.IfNotExists {
		sb.WriteString("IF NOT EXISTS ")
	}
	sb.WriteString(s.getTableName(d.Collection) + " (\n")

	var columns []string
	for _, c := range d.SystemFields {
		def := s.quoteIdentifier(c.Name) + " " + GetColumnType(c.Storage)
		if c.PrimaryKey {
			def += " PRIMARY KEY NOT NULL"
		}
		columns = append(columns, "    "+def)
	}
	for _, f := range d.Fields {
		columns = append(columns, "    "+s.buildColumnDefinition(f))
	}
	if len(columns) == 0 {
		return "", fmt.Errorf("collection %s has no columns", d.Collection)
	}
	sb.WriteString(strings.Join(columns, ",\n"))
	sb.WriteString("\n);")
	return sb.String(), nil
}

// buildColumnDefinition constructs the DDL string for a single field column.
// Uniqueness is enforced by the descriptor's indexes, not by column constraints, so
// that columns can be added later with ALTER TABLE.
func (s *SQLiteInteractor) buildColumnDefinition(f *schema.FieldDescriptor) string {
	return s.quoteIdentifier(f.Name) + " " + GetColumnType(f.Storage)
}

// GetColumnType maps a storage type to its SQLite column type. Datetimes are stored
// as fixed-width text.
func GetColumnType(storage schema.StorageType) string {
	switch storage {
	case schema.StorageText, schema.StorageDatetime, schema.StorageJSON:
		return "TEXT"
	case schema.StorageInteger, schema.StorageBoolean:
		return "INTEGER"
	case schema.StorageReal:
		return "REAL"
	default:
		return "BLOB"
	}
}

// AddColumn appends the column of a newly declared field.
func (s *SQLiteInteractor) AddColumn(ctx context.Context, d *schema.Descriptor, field *schema.FieldDescriptor) error {
	if field == nil {
		return fmt.Errorf("cannot add a nil field to %s", d.Collection)
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s;", s.getTableName(d.Collection), s.buildColumnDefinition(field))
	s.logger.Debug("Adding column", zap.String("sql", stmt))
	if _, err := s.runner().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to add column %s to %s: %w", field.Name, d.Collection, err)
	}
	return nil
}

// DropColumn removes the column of a deleted field. Indexes covering the column must
// be dropped first.
func (s *SQLiteInteractor) DropColumn(ctx context.Context, d *schema.Descriptor, column string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s;", s.getTableName(d.Collection), s.quoteIdentifier(column))
	s.logger.Debug("Dropping column", zap.String("sql", stmt))
	if _, err := s.runner().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop column %s from %s: %w", column, d.Collection, err)
	}
	return nil
}

// CreateIndex generates and executes a DDL statement to create an index on a table.
func (s *SQLiteInteractor) CreateIndex(ctx context.Context, collection string, index schema.IndexDescriptor) error {
	sqlIndex, err := s.CreateIndexSQL(s.getTableName(collection), index)
	if err != nil {
		return fmt.Errorf("failed to generate SQL for index %s: %w", index.Name, err)
	}

	if _, err := s.runner().ExecContext(ctx, sqlIndex); err != nil {
		return fmt.Errorf("failed to create index %s: %w", index.Name, translateError(err))
	}
	return nil
}

// CreateIndexSQL generates the DDL SQL string for creating an index.
func (s *SQLiteInteractor) CreateIndexSQL(collection string, index schema.IndexDescriptor) (string, error) {
	if len(index.Fields) == 0 {
		return "", fmt.Errorf("index %s has no fields", index.Name)
	}

	var sb strings.Builder
	sb.WriteString("CREATE ")
	if index.Unique {
		sb.WriteString("UNIQUE ")
	}
	sb.WriteString("INDEX IF NOT EXISTS ")
	indexName := index.Name
	if indexName == "" {
		unquotedTableName := strings.Trim(collection, `"`)
		indexName = fmt.Sprintf("idx_%s_%s", unquotedTableName, strings.Join(index.Fields, "_"))
	}
	sb.WriteString(s.quoteIdentifier(indexName))
	sb.WriteString(fmt.Sprintf(" ON %s (", collection))

	fieldParts := make([]string, len(index.Fields))
	for i, field := range index.Fields {
		fieldParts[i] = s.quoteIdentifier(field)
	}
	sb.WriteString(strings.Join(fieldParts, ", ") + ");")
	return sb.String(), nil
}

// DropIndex drops an index if it exists.
func (s *SQLiteInteractor) DropIndex(ctx context.Context, name string) error {
	stmt := fmt.Sprintf("DROP INDEX IF EXISTS %s;", s.quoteIdentifier(name))
	if _, err := s.runner().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop index %s: %w", name, err)
	}
	return nil
}

// DropCollection drops a table from the database.
func (s *SQLiteInteractor) DropCollection(ctx context.Context, collection string) error {
	fullTableName := s.getTableName(collection)
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s;", fullTableName)
	if _, err := s.runner().ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop table %s: %w", fullTableName, err)
	}
	return nil
}

// CollectionExists checks if a table exists in the database.
func (s *SQLiteInteractor) CollectionExists(ctx context.Context, collection string) (bool, error) {
	fullUnquotedName := s.options.CollectionPrefix + collection
	query := "SELECT name FROM sqlite_master WHERE type='table' AND name = ?;"

	var name string
	err := s.runner().QueryRowContext(ctx, query, fullUnquotedName).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
