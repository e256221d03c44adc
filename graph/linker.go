package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/metrics"
	"github.com/cenkalti/backoff/v4"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

const (
	defaultMaxRetries   = 3
	defaultLinkBatch    = 1000
	defaultInitialDelay = 100 * time.Millisecond
)

// SuperNode is the graph projection of a materialized content view.
type SuperNode struct {
	URI        string
	CorpusID   string
	Name       string
	TargetType string
	IDs        []string
}

// SuperNodeURI returns the URI of the super-node of a view.
func SuperNodeURI(corpusID, slug string) string {
	return "/contentview/" + corpusID + "_" + slug
}

// LinkerOptions tunes a Linker. Zero values select the defaults.
type LinkerOptions struct {
	// MaxRetries bounds the retries of one operation after its first attempt.
	MaxRetries int
	// LinkBatchSize is the number of members linked per super-node statement.
	LinkBatchSize int
	// NewBackOff builds the retry schedule for one operation.
	NewBackOff func() backoff.BackOff
	// Retryable reports whether an error is transient.
	Retryable func(error) bool
}

// Linker keeps graph nodes and edges in step with entities and views.
type Linker struct {
	runner  Runner
	options LinkerOptions
	logger  *zap.Logger
}

// NewLinker creates a linker over runner.
func NewLinker(runner Runner, options LinkerOptions, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = defaultMaxRetries
	}
	if options.LinkBatchSize <= 0 {
		options.LinkBatchSize = defaultLinkBatch
	}
	if options.NewBackOff == nil {
		options.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = defaultInitialDelay
			return b
		}
	}
	if options.Retryable == nil {
		options.Retryable = neo4j.IsRetryable
	}
	return &Linker{runner: runner, options: options, logger: logger}
}

// retry runs op, retrying transient failures with backoff.
func (l *Linker) retry(ctx context.Context, name string, op func() error) error {
	attempt := func() error {
		err := op()
		if err != nil && !l.options.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	schedule := backoff.WithContext(backoff.WithMaxRetries(l.options.NewBackOff(), uint64(l.options.MaxRetries)), ctx)
	return backoff.RetryNotify(attempt, schedule, func(err error, wait time.Duration) {
		metrics.GraphRetries.Inc()
		l.logger.Warn("Retrying graph operation",
			zap.String("operation", name),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
}

func (l *Linker) write(ctx context.Context, name string, stmts ...Statement) error {
	return l.retry(ctx, name, func() error {
		return l.runner.Write(ctx, stmts...)
	})
}

func (l *Linker) read(ctx context.Context, name string, stmt Statement) ([]map[string]any, error) {
	var records []map[string]any
	err := l.retry(ctx, name, func() error {
		var err error
		records, err = l.runner.Read(ctx, stmt)
		return err
	})
	return records, err
}

// SyncNode upserts the node keyed by URI, deletes all of its outbound edges and
// recreates one edge per current reference.
func (l *Linker) SyncNode(ctx context.Context, node Node) error {
	if err := l.write(ctx, "sync", syncStatements(node)...); err != nil {
		return fmt.Errorf("failed to sync graph node %s: %w", node.URI, err)
	}
	l.logger.Debug("Graph node synced",
		zap.String("uri", node.URI),
		zap.Int("edges", len(node.Edges)),
	)
	return nil
}

// DeleteNode removes a node and every edge touching it.
func (l *Linker) DeleteNode(ctx context.Context, label, uri string) error {
	if err := l.write(ctx, "delete", deleteNodeStatement(label, uri)); err != nil {
		return fmt.Errorf("failed to delete graph node %s: %w", uri, err)
	}
	return nil
}

// DeleteLabel removes every node of a type within a corpus.
func (l *Linker) DeleteLabel(ctx context.Context, corpusID, label string) error {
	if err := l.write(ctx, "delete_label", deleteLabelStatement(corpusID, label)); err != nil {
		return fmt.Errorf("failed to delete graph nodes labelled %s: %w", label, err)
	}
	return nil
}

// CountPath returns the number of distinct anchor nodes matched by p.
func (l *Linker) CountPath(ctx context.Context, corpusID string, p *Path) (int64, error) {
	records, err := l.read(ctx, "count_path", p.countStatement(corpusID))
	if err != nil {
		return 0, fmt.Errorf("failed to count path %s: %w", p, err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	total, ok := records[0]["total"].(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected count %v for path %s", records[0]["total"], p)
	}
	return total, nil
}

// PathIDs returns the distinct anchor ids matched by p, at most limit when positive.
func (l *Linker) PathIDs(ctx context.Context, corpusID string, p *Path, limit int) ([]string, error) {
	records, err := l.read(ctx, "path_ids", p.idsStatement(corpusID, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to collect ids for path %s: %w", p, err)
	}
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if id, ok := r["id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CreateSuperNode writes the view node with one hasContent edge per member. An
// existing node with the same URI loses its previous edges.
func (l *Linker) CreateSuperNode(ctx context.Context, node SuperNode) error {
	if err := l.write(ctx, "super_node", superNodeStatements(node, l.options.LinkBatchSize)...); err != nil {
		return fmt.Errorf("failed to create view node %s: %w", node.URI, err)
	}
	l.logger.Info("View node created",
		zap.String("uri", node.URI),
		zap.Int("members", len(node.IDs)),
	)
	return nil
}

// DeleteSuperNode removes a view node and its edges.
func (l *Linker) DeleteSuperNode(ctx context.Context, uri string) error {
	return l.DeleteNode(ctx, ContentViewLabel, uri)
}

// Close releases the runner.
func (l *Linker) Close(ctx context.Context) error {
	return l.runner.Close(ctx)
}
