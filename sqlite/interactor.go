// Package sqlite provides a concrete implementation of the persistence.DatabaseInteractor
// interface for SQLite databases. It handles the specifics of connecting to, querying,
// and managing a SQLite database as the primary document store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// dbRunner is an interface that abstracts the common methods of *sql.DB and *sql.Tx,
// allowing for the same code to be used for both transactional and non-transactional
// database operations.
type dbRunner interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteInteractor is a concrete implementation of the persistence.DatabaseInteractor
// interface for SQLite. It manages the database connection, generates SQL queries,
// and executes them against the database. It can operate in both transactional and
// non-transactional modes.
type SQLiteInteractor struct {
	db                    *sql.DB
	tx                    *sql.Tx
	queryGeneratorFactory query.QueryGeneratorFactory
	logger                *zap.Logger
	options               *persistence.InteractorOptions
}

// Ensure SQLiteInteractor implements the persistence.DatabaseInteractor interface.
var _ persistence.DatabaseInteractor = (*SQLiteInteractor)(nil)

// NewSQLiteInteractor creates a new instance of the SQLiteInteractor. It can be
// configured to operate in transactional mode by providing a non-nil *sql.Tx.
func NewSQLiteInteractor(db *sql.DB, logger *zap.Logger, options *persistence.InteractorOptions, tx *sql.Tx) *SQLiteInteractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options == nil {
		options = DefaultInteractorOptions()
	}
	return &SQLiteInteractor{
		db:                    db,
		tx:                    tx,
		options:               options,
		queryGeneratorFactory: NewSqliteQueryGeneratorFactory(options.CollectionPrefix),
		logger:                logger,
	}
}

// Open opens the database file at dsn with foreign keys and a busy timeout enabled.
// SQLite allows a single writer, so the pool is limited to one connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dsn+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", dsn, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// runner returns the appropriate dbRunner for the current context, either the
// database connection pool or the active transaction.
func (i *SQLiteInteractor) runner() dbRunner {
	if i.tx != nil {
		return i.tx
	}
	return i.db
}

// translateError maps unique and primary key violations to persistence.ErrDuplicateKey.
func translateError(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateKey, sqliteErr.Error())
		}
	}
	return err
}

// readRows reads all rows from a *sql.Rows object and converts them into a slice
// of schema.Document maps, decoding each value by the storage type of its column.
func readRows(logger *zap.Logger, d *schema.Descriptor, rows *sql.Rows) ([]schema.Document, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	results := []schema.Document{}
	for rows.Next() {
		row := make(schema.Document, len(columns))
		values := make([]any, len(columns))
		scanArgs := make([]any, len(columns))
		for i := range values {
			scanArgs[i] = &values[i]
		}

		if err := rows.Scan(scanArgs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		for i, col := range columns {
			val := values[i]
			if b, isByte := val.([]byte); isByte {
				val = string(b)
			}
			if val == nil {
				row[col] = nil
				continue
			}

			storage, ok := d.ColumnStorage(col)
			if !ok {
				logger.Warn("Column not found in descriptor, using raw value", zap.String("column", col))
				row[col] = val
				continue
			}

			switch storage {
			case schema.StorageBoolean:
				if intVal, isInt := val.(int64); isInt {
					row[col] = intVal != 0
				} else {
					row[col] = val
				}
			case schema.StorageInteger:
				if floatVal, isFloat := val.(float64); isFloat {
					row[col] = int64(floatVal)
				} else {
					row[col] = val
				}
			case schema.StorageReal:
				if intVal, isInt := val.(int64); isInt {
					row[col] = float64(intVal)
				} else {
					row[col] = val
				}
			case schema.StorageDatetime:
				if s, isString := val.(string); isString {
					if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
						row[col] = t.UTC()
						continue
					}
				}
				row[col] = val
			case schema.StorageJSON:
				s, isString := val.(string)
				if !isString {
					row[col] = val
					continue
				}
				var decodedValue any
				if err := json.Unmarshal([]byte(s), &decodedValue); err == nil {
					row[col] = decodedValue
				} else {
					row[col] = val
				}
			default:
				row[col] = val
			}
		}
		results = append(results, row)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error after scanning rows: %w", err)
	}
	return results, nil
}

func (i *SQLiteInteractor) generator(d *schema.Descriptor) (query.QueryGenerator, error) {
	queryGenerator, err := i.queryGeneratorFactory.CreateGenerator(d)
	if err != nil {
		return nil, fmt.Errorf("could not get a query generator instance: %w", err)
	}
	return queryGenerator, nil
}

// SelectDocuments executes a SELECT query against the database.
func (i *SQLiteInteractor) SelectDocuments(ctx context.Context, d *schema.Descriptor, dsl *query.QueryDSL) ([]schema.Document, error) {
	queryGenerator, err := i.generator(d)
	if err != nil {
		return nil, err
	}
	if dsl == nil {
		dsl = &query.QueryDSL{}
	}

	sqlQuery, queryParams, err := queryGenerator.GenerateSelectSQL(dsl)
	if err != nil {
		return nil, fmt.Errorf("failed to generate SQL query: %w", err)
	}

	i.logger.Debug("Executing SQL SELECT", zap.String("sql", sqlQuery), zap.Any("params", queryParams))

	rows, err := i.runner().QueryContext(ctx, sqlQuery, queryParams...)
	if err != nil {
		i.logger.Error("Failed to execute SELECT query", zap.Error(err), zap.String("sql", sqlQuery))
		return nil, fmt.Errorf("failed to execute SELECT query: %w", err)
	}
	defer rows.Close()
	return readRows(i.logger, d, rows)
}

// CountDocuments executes a SELECT COUNT(*) query against the database.
func (i *SQLiteInteractor) CountDocuments(ctx context.Context, d *schema.Descriptor, filters *query.QueryFilter) (int64, error) {
	queryGenerator, err := i.generator(d)
	if err != nil {
		return 0, err
	}
	sqlQuery, queryParams, err := queryGenerator.GenerateCountSQL(filters)
	if err != nil {
		return 0, fmt.Errorf("failed to generate SQL COUNT query: %w", err)
	}

	i.logger.Debug("Executing SQL COUNT", zap.String("sql", sqlQuery), zap.Any("params", queryParams))

	var count int64
	if err := i.runner().QueryRowContext(ctx, sqlQuery, queryParams...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to execute COUNT query: %w", err)
	}
	return count, nil
}

// UpdateDocuments executes an UPDATE query against the database.
func (i *SQLiteInteractor) UpdateDocuments(ctx context.Context, d *schema.Descriptor, updates map[string]any, filters *query.QueryFilter) (int64, error) {
	queryGenerator, err := i.generator(d)
	if err != nil {
		return 0, err
	}

	sqlQuery, queryParams, err := queryGenerator.GenerateUpdateSQL(updates, filters)
	if err != nil {
		return 0, fmt.Errorf("failed to generate SQL UPDATE query: %w", err)
	}

	i.logger.Debug("Executing SQL UPDATE", zap.String("sql", sqlQuery), zap.Any("params", queryParams))

	result, err := i.runner().ExecContext(ctx, sqlQuery, queryParams...)
	if err != nil {
		i.logger.Error("Failed to execute UPDATE query", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, fmt.Errorf("failed to execute UPDATE query: %w", translateError(err))
	}
	return result.RowsAffected()
}

// InsertDocuments executes an INSERT query against the database.
func (i *SQLiteInteractor) InsertDocuments(ctx context.Context, d *schema.Descriptor, records []map[string]any) ([]schema.Document, error) {
	if len(records) == 0 {
		return []schema.Document{}, nil
	}
	queryGenerator, err := i.generator(d)
	if err != nil {
		return nil, err
	}

	sqlQuery, queryParams, err := queryGenerator.GenerateInsertSQL(records)
	if err != nil {
		return nil, fmt.Errorf("failed to generate INSERT SQL: %w", err)
	}

	i.logger.Debug("Executing SQL INSERT with RETURNING clause", zap.String("sql", sqlQuery), zap.Any("params", queryParams))

	rows, err := i.runner().QueryContext(ctx, sqlQuery, queryParams...)
	if err != nil {
		i.logger.Error("Failed to execute INSERT ... RETURNING query", zap.Error(err), zap.String("sql", sqlQuery))
		return nil, fmt.Errorf("failed to execute INSERT ... RETURNING query: %w", translateError(err))
	}
	defer rows.Close()
	docs, err := readRows(i.logger, d, rows)
	if err != nil {
		return nil, translateError(err)
	}
	return docs, nil
}

// DeleteDocuments executes a DELETE query against the database.
func (i *SQLiteInteractor) DeleteDocuments(ctx context.Context, d *schema.Descriptor, filters *query.QueryFilter, unsafeDelete bool) (int64, error) {
	queryGenerator, err := i.generator(d)
	if err != nil {
		return 0, err
	}

	sqlQuery, queryParams, err := queryGenerator.GenerateDeleteSQL(filters, unsafeDelete)
	if err != nil {
		return 0, fmt.Errorf("failed to generate DELETE SQL: %w", err)
	}

	i.logger.Debug("Executing SQL DELETE", zap.String("sql", sqlQuery), zap.Any("params", queryParams))

	result, err := i.runner().ExecContext(ctx, sqlQuery, queryParams...)
	if err != nil {
		i.logger.Error("Failed to execute DELETE query", zap.Error(err), zap.String("sql", sqlQuery))
		return 0, fmt.Errorf("failed to execute DELETE query: %w", err)
	}
	return result.RowsAffected()
}

// StartTransaction begins a new database transaction and returns a new SQLiteInteractor
// that is scoped to that transaction.
func (i *SQLiteInteractor) StartTransaction(ctx context.Context) (persistence.DatabaseInteractor, error) {
	if i.tx != nil {
		return nil, fmt.Errorf("cannot start a new transaction from an existing transactional interactor")
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	i.logger.Debug("Transaction initiated, returning new transactional interactor")
	return NewSQLiteInteractor(i.db, i.logger, i.options, tx), nil
}

// Commit commits the current transaction.
func (i *SQLiteInteractor) Commit(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("commit not applicable: not in a transactional context")
	}
	i.logger.Debug("Committing transaction")
	return i.tx.Commit()
}

// Rollback rolls back the current transaction.
func (i *SQLiteInteractor) Rollback(ctx context.Context) error {
	if i.tx == nil {
		return fmt.Errorf("rollback not applicable: not in a transactional context")
	}
	i.logger.Debug("Rolling back transaction")
	return i.tx.Rollback()
}
