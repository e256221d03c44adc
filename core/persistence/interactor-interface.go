package persistence

import (
	"context"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
)

// InteractorOptions provides configuration for the interactor.
type InteractorOptions struct {
	// IfNotExists adds IF NOT EXISTS clause to CREATE TABLE statements.
	IfNotExists bool

	// DropIfExists drops the table before creating it. This operation is outside
	// the main transaction.
	DropIfExists bool

	// CreateIndexes determines whether to create the descriptor's indexes along with
	// the table.
	CreateIndexes bool

	// CollectionPrefix is prepended to every table name.
	CollectionPrefix string
}

// DatabaseInteractor defines the interface for interacting with the primary store.
// It can operate in either a non-transactional (default) or transactional mode.
// The transactional methods are only meaningful on an instance returned by
// StartTransaction.
type DatabaseInteractor interface {
	SelectDocuments(ctx context.Context, d *schema.Descriptor, dsl *query.QueryDSL) ([]schema.Document, error)
	CountDocuments(ctx context.Context, d *schema.Descriptor, filters *query.QueryFilter) (int64, error)
	UpdateDocuments(ctx context.Context, d *schema.Descriptor, updates map[string]any, filters *query.QueryFilter) (int64, error)
	InsertDocuments(ctx context.Context, d *schema.Descriptor, records []map[string]any) ([]schema.Document, error)
	DeleteDocuments(ctx context.Context, d *schema.Descriptor, filters *query.QueryFilter, unsafeDelete bool) (int64, error)

	// CreateCollection creates the table for a descriptor together with its indexes.
	CreateCollection(ctx context.Context, d *schema.Descriptor) error

	// DropCollection drops a table if it exists.
	DropCollection(ctx context.Context, name string) error

	// CollectionExists checks if a table exists.
	CollectionExists(ctx context.Context, name string) (bool, error)

	// AddColumn appends the column for a newly declared field.
	AddColumn(ctx context.Context, d *schema.Descriptor, field *schema.FieldDescriptor) error

	// DropColumn removes the column of a deleted field.
	DropColumn(ctx context.Context, d *schema.Descriptor, column string) error

	// CreateIndex creates an index on a collection.
	CreateIndex(ctx context.Context, collection string, index schema.IndexDescriptor) error

	// DropIndex drops an index if it exists.
	DropIndex(ctx context.Context, name string) error

	// StartTransaction returns a new DatabaseInteractor scoped to a fresh transaction.
	// The original interactor remains non-transactional.
	StartTransaction(ctx context.Context) (DatabaseInteractor, error)

	// Commit commits the transaction.
	Commit(ctx context.Context) error

	// Rollback rolls back the transaction.
	Rollback(ctx context.Context) error
}
