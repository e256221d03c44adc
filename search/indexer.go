package search

import (
	"context"
	"fmt"

	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"go.uber.org/zap"
)

// Indexer keeps content type indexes and documents in the search engine.
type Indexer struct {
	client *Client
	logger *zap.Logger
}

var _ persistence.SearchIndex = (*Indexer)(nil)

// NewIndexer creates an indexer writing through client.
func NewIndexer(client *Client, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{client: client, logger: logger}
}

// EnsureIndex creates the index for d, or extends the mapping of an existing one.
func (i *Indexer) EnsureIndex(ctx context.Context, d *schema.Descriptor, recreate bool) error {
	index := IndexName(d.CorpusID, d.TypeName)
	if recreate {
		if err := i.client.DeleteIndex(ctx, index); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", index, err)
		}
	}
	exists, err := i.client.IndexExists(ctx, index)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", index, err)
	}
	mapping := Mapping(d)
	if !exists {
		if err := i.client.CreateIndex(ctx, index, mapping); err != nil {
			return fmt.Errorf("failed to create index %s: %w", index, err)
		}
		i.logger.Info("Created search index", zap.String("index", index))
		return nil
	}
	if err := i.client.PutMapping(ctx, index, mapping["mappings"].(map[string]any)); err != nil {
		return fmt.Errorf("failed to update mapping of %s: %w", index, err)
	}
	return nil
}

func (i *Indexer) DeleteIndex(ctx context.Context, corpusID, typeName string) error {
	return i.client.DeleteIndex(ctx, IndexName(corpusID, typeName))
}

func (i *Indexer) IndexDocument(ctx context.Context, corpusID, typeName, id string, doc schema.Document) error {
	return i.client.PutDocument(ctx, IndexName(corpusID, typeName), id, doc)
}

func (i *Indexer) UpdateDocument(ctx context.Context, corpusID, typeName, id string, partial schema.Document) error {
	return i.client.UpdateDocument(ctx, IndexName(corpusID, typeName), id, partial)
}

func (i *Indexer) DeleteDocument(ctx context.Context, corpusID, typeName, id string) error {
	return i.client.DeleteDocument(ctx, IndexName(corpusID, typeName), id)
}

// ViewDocument is the materialized id set of a content view.
type ViewDocument struct {
	CorpusID    string   `json:"corpus_id"`
	ContentType string   `json:"content_type"`
	IDs         []string `json:"ids"`
}

// PutView stores the id set of a content view, creating the view index on first use.
func (i *Indexer) PutView(ctx context.Context, viewID string, doc ViewDocument) error {
	exists, err := i.client.IndexExists(ctx, ViewIndex)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", ViewIndex, err)
	}
	if !exists {
		if err := i.client.CreateIndex(ctx, ViewIndex, ViewMapping()); err != nil {
			return fmt.Errorf("failed to create index %s: %w", ViewIndex, err)
		}
	}
	if doc.IDs == nil {
		doc.IDs = []string{}
	}
	body := map[string]any{
		"corpus_id":    doc.CorpusID,
		"content_type": doc.ContentType,
		"ids":          doc.IDs,
	}
	return i.client.PutDocument(ctx, ViewIndex, viewID, body)
}

// View loads the id set of a content view.
func (i *Indexer) View(ctx context.Context, viewID string) (*ViewDocument, bool, error) {
	var doc ViewDocument
	found, err := i.client.GetDocument(ctx, ViewIndex, viewID, &doc)
	if err != nil || !found {
		return nil, false, err
	}
	return &doc, true, nil
}

// DeleteView removes the id set of a content view.
func (i *Indexer) DeleteView(ctx context.Context, viewID string) error {
	return i.client.DeleteDocument(ctx, ViewIndex, viewID)
}
