package schema

import "slices"

// Changes reports which reconciliation passes a schema update requires.
type Changes struct {
	Reindex bool `json:"reindex"`
	Relabel bool `json:"relabel"`
	Resave  bool `json:"resave"`
}

// Any reports whether at least one pass is required.
func (c Changes) Any() bool {
	return c.Reindex || c.Relabel || c.Resave
}

// FieldChange describes a field present in both the stored and the new definition.
type FieldChange struct {
	Old *FieldDefinition
	New *FieldDefinition
}

// TypeChanged reports whether stored values must be converted to a new type.
func (c FieldChange) TypeChanged() bool {
	return c.Old.Type != c.New.Type || c.Old.CrossReferenceType != c.New.CrossReferenceType
}

// MultiplicityChanged reports whether stored values switch between single and multiple.
func (c FieldChange) MultiplicityChanged() bool {
	return c.Old.Multiple != c.New.Multiple
}

// IndexesChanged reports whether the primary-store indexes of the field differ.
func (c FieldChange) IndexesChanged() bool {
	return c.Old.Indexed != c.New.Indexed ||
		c.Old.Unique != c.New.Unique ||
		!slices.Equal(c.Old.IndexedWith, c.New.IndexedWith) ||
		!slices.Equal(c.Old.UniqueWith, c.New.UniqueWith)
}

func (c FieldChange) affectsSearch() bool {
	return c.Old.InLists != c.New.InLists ||
		c.TypeChanged() ||
		c.MultiplicityChanged() ||
		c.Old.Language != c.New.Language ||
		c.Old.SynonymFile != c.New.SynonymFile ||
		c.Old.Autocomplete != c.New.Autocomplete ||
		c.Old.HasIntensity != c.New.HasIntensity
}

// Diff is the result of merging a new definition into a stored one.
type Diff struct {
	Merged  *ContentTypeDefinition
	Added   []*FieldDefinition
	Updated []FieldChange
	Removed []*FieldDefinition
	Changes Changes
}

// Merge diffs next against the stored definition by field name. Existing fields keep
// their position and take the new attributes, new fields are appended, and fields
// missing from next are removed and scrubbed from every sibling's compound lists.
// Statistics accumulated on stored fields survive the merge.
func Merge(stored, next *ContentTypeDefinition) *Diff {
	d := &Diff{Merged: next.Clone()}
	d.Merged.CorpusID = stored.CorpusID
	d.Merged.Fields = nil

	nextByName := make(map[string]*FieldDefinition, len(next.Fields))
	for _, f := range next.Fields {
		nextByName[f.Name] = f
	}

	removed := make(map[string]bool)
	for _, old := range stored.Fields {
		nf, ok := nextByName[old.Name]
		if !ok {
			d.Removed = append(d.Removed, old.Clone())
			removed[old.Name] = true
			continue
		}
		merged := nf.Clone()
		if merged.Stats == nil && old.Stats != nil && old.Type == merged.Type {
			s := *old.Stats
			merged.Stats = &s
		}
		d.Merged.Fields = append(d.Merged.Fields, merged)
		if !fieldsEqual(old, nf) {
			d.Updated = append(d.Updated, FieldChange{Old: old.Clone(), New: merged.Clone()})
		}
	}

	for _, nf := range next.Fields {
		if _, ok := stored.Field(nf.Name); ok {
			continue
		}
		f := nf.Clone()
		d.Merged.Fields = append(d.Merged.Fields, f)
		d.Added = append(d.Added, f.Clone())
	}

	if len(removed) > 0 {
		for _, f := range d.Merged.Fields {
			f.IndexedWith = slices.DeleteFunc(f.IndexedWith, func(s string) bool { return removed[s] })
			f.UniqueWith = slices.DeleteFunc(f.UniqueWith, func(s string) bool { return removed[s] })
		}
		if removed[d.Merged.ProxyField] {
			d.Merged.ProxyField = ""
		}
	}

	for _, c := range d.Updated {
		if c.affectsSearch() {
			d.Changes.Reindex = true
		}
	}
	for _, f := range d.Removed {
		if f.InLists {
			d.Changes.Reindex = true
		}
	}
	for _, f := range d.Added {
		if f.InLists && f.Autocomplete {
			d.Changes.Reindex = true
		}
	}
	if stored.LabelTemplate() != d.Merged.LabelTemplate() || stored.ProxyField != d.Merged.ProxyField {
		d.Changes.Relabel = true
		d.Changes.Reindex = true
	}
	if !stored.HasFileField() && d.Merged.HasFileField() {
		d.Changes.Resave = true
	}
	return d
}

// IsEmpty reports whether the merge changed nothing about the fields.
func (d *Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0 && !d.Changes.Any()
}

func fieldsEqual(a, b *FieldDefinition) bool {
	return a.Label == b.Label &&
		a.Type == b.Type &&
		a.Multiple == b.Multiple &&
		a.InLists == b.InLists &&
		a.Indexed == b.Indexed &&
		a.Unique == b.Unique &&
		slices.Equal(a.IndexedWith, b.IndexedWith) &&
		slices.Equal(a.UniqueWith, b.UniqueWith) &&
		a.CrossReferenceType == b.CrossReferenceType &&
		a.HasIntensity == b.HasIntensity &&
		a.Language == b.Language &&
		a.SynonymFile == b.SynonymFile &&
		a.Autocomplete == b.Autocomplete
}

// ConvertValue rewrites a stored value of old for the updated definition next. A list
// collapsing to a single value keeps its first item.
func ConvertValue(old, next *FieldDefinition, v Value) (Value, error) {
	if v.IsNull() {
		return Null, nil
	}
	var items []any
	switch v.Kind() {
	case KindReference, KindReferenceList:
		for _, r := range v.References() {
			if old.CrossReferenceType == next.CrossReferenceType && next.IsCrossReference() {
				items = append(items, r)
			} else {
				items = append(items, r.ID)
			}
		}
	case KindList:
		for _, item := range v.Items() {
			items = append(items, item.Interface())
		}
	default:
		items = []any{v.Interface()}
	}
	if len(items) == 0 {
		return Null, nil
	}
	if !next.Multiple {
		return CoerceField(next, items[0])
	}
	return CoerceField(next, items)
}
