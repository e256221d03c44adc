package graph

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Statement is one parameterized Cypher statement.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Runner executes Cypher against a graph store.
type Runner interface {
	// Read runs a single statement and returns its records keyed by column.
	Read(ctx context.Context, stmt Statement) ([]map[string]any, error)
	// Write runs the statements in order inside one transaction.
	Write(ctx context.Context, stmts ...Statement) error
	Close(ctx context.Context) error
}

// Neo4jConfig holds the connection settings of a Neo4jRunner.
type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jRunner runs statements through the Neo4j driver.
type Neo4jRunner struct {
	driver   neo4j.DriverWithContext
	database string
	logger   *zap.Logger
}

var _ Runner = (*Neo4jRunner)(nil)

// NewNeo4jRunner connects to Neo4j and verifies connectivity.
func NewNeo4jRunner(ctx context.Context, config Neo4jConfig, logger *zap.Logger) (*Neo4jRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, err := neo4j.NewDriverWithContext(config.URI, neo4j.BasicAuth(config.Username, config.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j at %s: %w", config.URI, err)
	}
	logger.Info("Connected to graph store", zap.String("uri", config.URI))
	return &Neo4jRunner{driver: driver, database: config.Database, logger: logger}, nil
}

func (r *Neo4jRunner) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: r.database})
}

func (r *Neo4jRunner) Read(ctx context.Context, stmt Statement) ([]map[string]any, error) {
	session := r.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, stmt.Cypher, stmt.Params)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	for result.Next(ctx) {
		records = append(records, result.Record().AsMap())
	}
	if err := result.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Neo4jRunner) Write(ctx context.Context, stmts ...Statement) error {
	session := r.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	for _, stmt := range stmts {
		result, err := tx.Run(ctx, stmt.Cypher, stmt.Params)
		if err == nil {
			_, err = result.Consume(ctx)
		}
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				r.logger.Warn("Failed to roll back graph transaction", zap.Error(rbErr))
			}
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Neo4jRunner) Close(ctx context.Context) error {
	return r.driver.Close(ctx)
}
