package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/spf13/cast"
)

type entityState int

const (
	stateNew entityState = iota
	statePersisted
	stateDeleted
)

// ProvenanceRecord notes one job task that has touched an entity.
type ProvenanceRecord struct {
	JobID       string    `json:"job_id"`
	Task        string    `json:"task"`
	CompletedAt time.Time `json:"completed_at"`
	Report      string    `json:"report,omitempty"`
}

// Entity is one content instance of a content type. Label, URI and Path are derived
// on save and should not be set by callers.
type Entity struct {
	ID          string
	CorpusID    string
	ContentType string
	Label       string
	URI         string
	Path        string
	Values      *schema.Values
	// FieldIntensities is keyed by "<field>-<referenced id>".
	FieldIntensities map[string]float64
	Provenance       []ProvenanceRecord
	LastUpdated      time.Time

	state entityState
}

// NewEntity creates an unsaved entity of typeName.
func NewEntity(corpusID, typeName string) *Entity {
	return &Entity{
		CorpusID:         corpusID,
		ContentType:      typeName,
		Values:           schema.NewValues(),
		FieldIntensities: make(map[string]float64),
	}
}

// IsPersisted reports whether the entity has a row in the primary store.
func (e *Entity) IsPersisted() bool { return e.state == statePersisted }

// IsDeleted reports whether the entity has been deleted.
func (e *Entity) IsDeleted() bool { return e.state == stateDeleted }

// Get returns the value of a field, or schema.Null.
func (e *Entity) Get(field string) schema.Value {
	if e.Values == nil {
		return schema.Null
	}
	return e.Values.Get(field)
}

// Set assigns a typed value to a field.
func (e *Entity) Set(field string, v schema.Value) {
	if e.Values == nil {
		e.Values = schema.NewValues()
	}
	e.Values.Set(field, v)
}

// IntensityKey returns the FieldIntensities key for a reference held by field.
func IntensityKey(field, refID string) string {
	return field + "-" + refID
}

// toRow encodes the entity as a primary-store row.
func (e *Entity) toRow(d *schema.Descriptor) (map[string]any, error) {
	row := map[string]any{
		schema.ColumnID:               e.ID,
		schema.ColumnLabel:            e.Label,
		schema.ColumnURI:              e.URI,
		schema.ColumnPath:             e.Path,
		schema.ColumnFieldIntensities: e.FieldIntensities,
		schema.ColumnProvenance:       e.Provenance,
		schema.ColumnLastUpdated:      e.LastUpdated,
	}
	if e.Provenance == nil {
		row[schema.ColumnProvenance] = []ProvenanceRecord{}
	}
	if e.FieldIntensities == nil {
		row[schema.ColumnFieldIntensities] = map[string]float64{}
	}

	for _, f := range d.Fields {
		v := e.Get(f.Name)
		enc, err := schema.EncodeField(f.Definition, v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode field %s: %w", f.Name, err)
		}
		row[f.Name] = enc
	}
	return row, nil
}

// entityFromRow decodes a primary-store row of the descriptor's collection.
func entityFromRow(d *schema.Descriptor, row schema.Document) (*Entity, error) {
	e := NewEntity(d.CorpusID, d.TypeName)
	e.ID = cast.ToString(row[schema.ColumnID])
	e.Label = cast.ToString(row[schema.ColumnLabel])
	e.URI = cast.ToString(row[schema.ColumnURI])
	e.Path = cast.ToString(row[schema.ColumnPath])
	if t, ok := row[schema.ColumnLastUpdated].(time.Time); ok {
		e.LastUpdated = t
	} else if raw, ok := row[schema.ColumnLastUpdated]; ok && raw != nil {
		if t, err := cast.ToTimeE(raw); err == nil {
			e.LastUpdated = t.UTC()
		}
	}

	if raw, ok := row[schema.ColumnFieldIntensities]; ok && raw != nil {
		for k, v := range cast.ToStringMap(raw) {
			e.FieldIntensities[k] = cast.ToFloat64(v)
		}
	}
	if raw, ok := row[schema.ColumnProvenance]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to read provenance of %s: %w", e.ID, err)
		}
		if err := json.Unmarshal(data, &e.Provenance); err != nil {
			return nil, fmt.Errorf("failed to read provenance of %s: %w", e.ID, err)
		}
	}

	for _, f := range d.Fields {
		raw, ok := row[f.Name]
		if !ok || raw == nil {
			continue
		}
		v, err := schema.DecodeField(f.Definition, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode field %s of %s: %w", f.Name, e.ID, err)
		}
		if f.Definition.HasIntensity {
			v = withIntensities(f.Name, v, e.FieldIntensities)
		}
		e.Values.Set(f.Name, v)
	}
	e.state = statePersisted
	return e, nil
}

// withIntensities copies stored intensities back onto the references of a field.
func withIntensities(field string, v schema.Value, intensities map[string]float64) schema.Value {
	refs := v.References()
	if len(refs) == 0 {
		return v
	}
	out := make([]schema.Reference, len(refs))
	for i, r := range refs {
		if in, ok := intensities[IntensityKey(field, r.ID)]; ok {
			r.Intensity = &in
		}
		out[i] = r
	}
	return v.WithReferences(out)
}

// referenceDepth bounds how many levels of loaded references a template context expands.
const referenceDepth = 2

// templateContext exposes the entity to label and display templates. Cross references
// appear as maps with id, label and uri, merged with the referenced entity's fields when
// it has been loaded. Loaded references are expanded up to referenceDepth levels.
func (e *Entity) templateContext(loaded map[string]*Entity) map[string]any {
	return e.contextAt(loaded, referenceDepth)
}

func (e *Entity) contextAt(loaded map[string]*Entity, depth int) map[string]any {
	ctx := map[string]any{
		"id":           e.ID,
		"corpus_id":    e.CorpusID,
		"content_type": e.ContentType,
		"label":        e.Label,
		"uri":          e.URI,
		"path":         e.Path,
	}
	if e.Values == nil {
		return ctx
	}
	for _, name := range e.Values.Keys() {
		v := e.Values.Get(name)
		switch v.Kind() {
		case schema.KindReference:
			r, _ := v.Reference()
			ctx[name] = referenceContext(r, loaded, depth)
		case schema.KindReferenceList:
			refs := v.References()
			items := make([]map[string]any, len(refs))
			for i, r := range refs {
				items[i] = referenceContext(r, loaded, depth)
			}
			ctx[name] = items
		default:
			ctx[name] = v.Interface()
		}
	}
	return ctx
}

func referenceContext(r schema.Reference, loaded map[string]*Entity, depth int) map[string]any {
	if target, ok := loaded[r.ID]; ok && depth > 0 {
		m := target.contextAt(loaded, depth-1)
		if r.Intensity != nil {
			m["intensity"] = *r.Intensity
		}
		return m
	}
	m := map[string]any{"id": r.ID, "label": r.Label, "uri": r.URI}
	if r.Intensity != nil {
		m["intensity"] = *r.Intensity
	}
	return m
}
