package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/schema"
)

// ContentTypesCollection is the internal collection that stores the definition of
// every content type of every corpus.
const ContentTypesCollection = "_content_types"

// TypeRecord represents the structure of a document in the `_content_types` collection.
type TypeRecord struct {
	ID          string          `json:"id"`
	CorpusID    string          `json:"corpus_id"`
	Name        string          `json:"name"`
	PluralName  string          `json:"plural_name"`
	Definition  json.RawMessage `json:"definition"`
	LastUpdated time.Time       `json:"last_updated"`
}

var contentTypesDescriptor = schema.NewInternalDescriptor(ContentTypesCollection,
	[]schema.SystemColumn{
		{Name: "id", Storage: schema.StorageText, PrimaryKey: true},
		{Name: "corpus_id", Storage: schema.StorageText},
		{Name: "name", Storage: schema.StorageText},
		{Name: "plural_name", Storage: schema.StorageText},
		{Name: "definition", Storage: schema.StorageJSON},
		{Name: "last_updated", Storage: schema.StorageDatetime},
	},
	schema.IndexDescriptor{Name: "uidx__content_types_corpus_name", Fields: []string{"corpus_id", "name"}, Unique: true},
	schema.IndexDescriptor{Name: "uidx__content_types_corpus_plural", Fields: []string{"corpus_id", "plural_name"}, Unique: true},
)

func typeRecordID(corpusID, name string) string {
	return corpusID + ":" + name
}

// newTypeRecord stores def as raw JSON inside a record.
func newTypeRecord(def *schema.ContentTypeDefinition) (*TypeRecord, error) {
	raw, err := schema.MarshalDefinition(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal content type %s: %w", def.Name, err)
	}
	updated := time.Now().UTC()
	if def.LastUpdated != nil {
		updated = *def.LastUpdated
	}
	return &TypeRecord{
		ID:          typeRecordID(def.CorpusID, def.Name),
		CorpusID:    def.CorpusID,
		Name:        def.Name,
		PluralName:  def.PluralName,
		Definition:  raw,
		LastUpdated: updated,
	}, nil
}

// mapToTypeRecord converts a generic schema.Document into a structured TypeRecord by
// marshaling the map to JSON and unmarshaling it into the struct.
func mapToTypeRecord(data schema.Document) (*TypeRecord, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal map to JSON: %w", err)
	}

	var record TypeRecord
	if err := json.Unmarshal(jsonBytes, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to TypeRecord: %w", err)
	}
	return &record, nil
}

// typeRecordToMap converts a TypeRecord into a row for the interactor. The definition
// is handed over as a decoded object so the json column encoder stores it verbatim.
func typeRecordToMap(record *TypeRecord) (map[string]any, error) {
	var def map[string]any
	if err := json.Unmarshal(record.Definition, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition JSON: %w", err)
	}
	return map[string]any{
		"id":           record.ID,
		"corpus_id":    record.CorpusID,
		"name":         record.Name,
		"plural_name":  record.PluralName,
		"definition":   def,
		"last_updated": record.LastUpdated,
	}, nil
}

// definition decodes the stored definition.
func (r *TypeRecord) definition() (*schema.ContentTypeDefinition, error) {
	def, err := schema.UnmarshalDefinition(r.Definition)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling content type %s: %w", r.Name, err)
	}
	def.CorpusID = r.CorpusID
	return def, nil
}
