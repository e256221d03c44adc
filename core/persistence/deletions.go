package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/query"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/bptarpley/corpora/utils"
	"github.com/google/uuid"
)

// DeletionsCollection holds deletions whose dependent references and files still have
// to be cleaned up by reconciliation.
const DeletionsCollection = "_deletions"

// DeletionRecord is written when a deleted entity may be referenced by other entities
// or owned files on disk.
type DeletionRecord struct {
	ID          string    `json:"id"`
	CorpusID    string    `json:"corpus_id"`
	ContentType string    `json:"content_type"`
	EntityID    string    `json:"entity_id"`
	URI         string    `json:"uri"`
	Path        string    `json:"path,omitempty"`
	Created     time.Time `json:"created"`
}

var deletionsDescriptor = schema.NewInternalDescriptor(DeletionsCollection,
	[]schema.SystemColumn{
		{Name: "id", Storage: schema.StorageText, PrimaryKey: true},
		{Name: "corpus_id", Storage: schema.StorageText},
		{Name: "content_type", Storage: schema.StorageText},
		{Name: "entity_id", Storage: schema.StorageText},
		{Name: "uri", Storage: schema.StorageText},
		{Name: "path", Storage: schema.StorageText},
		{Name: "created", Storage: schema.StorageDatetime},
	},
	schema.IndexDescriptor{Name: "idx__deletions_corpus", Fields: []string{"corpus_id"}},
)

func writeDeletionRecord(ctx context.Context, db DatabaseInteractor, e *Entity) (*DeletionRecord, error) {
	record := &DeletionRecord{
		ID:          uuid.New().String(),
		CorpusID:    e.CorpusID,
		ContentType: e.ContentType,
		EntityID:    e.ID,
		URI:         e.URI,
		Path:        e.Path,
		Created:     time.Now().UTC(),
	}
	row, err := utils.StructToMap(record)
	if err != nil {
		return nil, err
	}
	row["created"] = record.Created
	if _, err := db.InsertDocuments(ctx, deletionsDescriptor, []map[string]any{row}); err != nil {
		return nil, fmt.Errorf("failed to write deletion record for %s: %w", e.URI, err)
	}
	return record, nil
}

// pendingDeletions returns the unprocessed deletion records of a corpus, oldest first.
func pendingDeletions(ctx context.Context, db DatabaseInteractor, corpusID string) ([]*DeletionRecord, error) {
	q := query.NewQueryBuilder().Where("corpus_id").Eq(corpusID).OrderByAsc("created").Build()
	docs, err := db.SelectDocuments(ctx, deletionsDescriptor, &q)
	if err != nil {
		return nil, fmt.Errorf("failed to read deletion records: %w", err)
	}
	out := make([]*DeletionRecord, 0, len(docs))
	for _, doc := range docs {
		record, err := utils.MapToStruct[DeletionRecord](doc)
		if err != nil {
			return nil, err
		}
		out = append(out, &record)
	}
	return out, nil
}

func removeDeletionRecord(ctx context.Context, db DatabaseInteractor, id string) error {
	if _, err := db.DeleteDocuments(ctx, deletionsDescriptor, query.ByID(id), false); err != nil {
		return fmt.Errorf("failed to remove deletion record %s: %w", id, err)
	}
	return nil
}
