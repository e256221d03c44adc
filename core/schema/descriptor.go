package schema

import (
	"fmt"
	"strings"
)

// System column names present on every content collection.
const (
	ColumnID               = "id"
	ColumnLabel            = "label"
	ColumnURI              = "uri"
	ColumnPath             = "path"
	ColumnFieldIntensities = "field_intensities"
	ColumnProvenance       = "provenance"
	ColumnLastUpdated      = "last_updated"
)

// SystemColumn is a column maintained by the entity store rather than by users.
type SystemColumn struct {
	Name       string
	Storage    StorageType
	PrimaryKey bool
}

var systemColumns = []SystemColumn{
	{Name: ColumnID, Storage: StorageText, PrimaryKey: true},
	{Name: ColumnLabel, Storage: StorageText},
	{Name: ColumnURI, Storage: StorageText},
	{Name: ColumnPath, Storage: StorageText},
	{Name: ColumnFieldIntensities, Storage: StorageJSON},
	{Name: ColumnProvenance, Storage: StorageJSON},
	{Name: ColumnLastUpdated, Storage: StorageDatetime},
}

// FieldDescriptor is the compiled form of one user field.
type FieldDescriptor struct {
	Name       string
	Definition *FieldDefinition
	Storage    StorageType
	Accessor   FieldAccessor
	// Target is the referenced type of a cross reference field. For a self reference it
	// is the definition being compiled.
	Target           *ContentTypeDefinition
	TargetCollection string
	SelfReference    bool
}

// IndexDescriptor is a primary-store index over one or more columns.
type IndexDescriptor struct {
	Name   string
	Fields []string
	Unique bool
}

// Descriptor is the storage contract compiled from a content type definition.
type Descriptor struct {
	CorpusID     string
	TypeName     string
	Collection   string
	Definition   *ContentTypeDefinition
	Fields       []*FieldDescriptor
	SystemFields []SystemColumn
	Indexes      []IndexDescriptor

	byName map[string]*FieldDescriptor
}

// Field returns the compiled field called name.
func (d *Descriptor) Field(name string) (*FieldDescriptor, bool) {
	f, ok := d.byName[name]
	return f, ok
}

// Columns returns every column name: system columns first, then user fields in order.
func (d *Descriptor) Columns() []string {
	out := make([]string, 0, len(d.SystemFields)+len(d.Fields))
	for _, c := range d.SystemFields {
		out = append(out, c.Name)
	}
	for _, f := range d.Fields {
		out = append(out, f.Name)
	}
	return out
}

// IsSystemColumn reports whether name is one of the system columns.
func IsSystemColumn(name string) bool {
	for _, c := range systemColumns {
		if c.Name == name {
			return true
		}
	}
	return false
}

// SystemColumns returns the columns every content collection carries.
func SystemColumns() []SystemColumn {
	return append([]SystemColumn(nil), systemColumns...)
}

// ReferenceFields returns the cross reference fields in definition order.
func (d *Descriptor) ReferenceFields() []*FieldDescriptor {
	var out []*FieldDescriptor
	for _, f := range d.Fields {
		if f.Definition.IsCrossReference() {
			out = append(out, f)
		}
	}
	return out
}

// DefinitionResolver looks up other content types of the same corpus.
type DefinitionResolver func(name string) (*ContentTypeDefinition, bool)

// Compile turns a definition into a storage descriptor. Cross reference targets are
// resolved through resolve; a reference to the type itself resolves to def.
func Compile(def *ContentTypeDefinition, resolve DefinitionResolver) (*Descriptor, error) {
	if def == nil {
		return nil, fmt.Errorf("cannot compile a nil definition")
	}
	if def.CorpusID == "" {
		return nil, fmt.Errorf("content type %q has no corpus", def.Name)
	}

	d := &Descriptor{
		CorpusID:     def.CorpusID,
		TypeName:     def.Name,
		Collection:   CollectionName(def.CorpusID, def.Name),
		Definition:   def.Clone(),
		SystemFields: SystemColumns(),
		byName:       make(map[string]*FieldDescriptor, len(def.Fields)),
	}

	for _, f := range d.Definition.Fields {
		accessor, ok := AccessorFor(f.Type)
		if !ok {
			return nil, fmt.Errorf("field %q: unknown field type %q", f.Name, f.Type)
		}
		fd := &FieldDescriptor{
			Name:       f.Name,
			Definition: f,
			Storage:    FieldStorageType(f),
			Accessor:   accessor,
		}
		if f.IsCrossReference() {
			if f.CrossReferenceType == def.Name {
				fd.Target = d.Definition
				fd.SelfReference = true
			} else {
				if resolve == nil {
					return nil, fmt.Errorf("field %q: cannot resolve cross reference target %q", f.Name, f.CrossReferenceType)
				}
				target, ok := resolve(f.CrossReferenceType)
				if !ok {
					return nil, fmt.Errorf("field %q: cross reference target %q does not exist", f.Name, f.CrossReferenceType)
				}
				fd.Target = target
			}
			fd.TargetCollection = CollectionName(def.CorpusID, f.CrossReferenceType)
		}
		d.Fields = append(d.Fields, fd)
		d.byName[f.Name] = fd
	}

	indexes, err := compileIndexes(d)
	if err != nil {
		return nil, err
	}
	d.Indexes = indexes
	return d, nil
}

func compileIndexes(d *Descriptor) ([]IndexDescriptor, error) {
	var out []IndexDescriptor
	seen := make(map[string]bool)
	add := func(unique bool, fields ...string) {
		idx := IndexDescriptor{Name: indexName(d.Collection, unique, fields), Fields: fields, Unique: unique}
		if seen[idx.Name] {
			return
		}
		seen[idx.Name] = true
		out = append(out, idx)
	}

	for _, f := range d.Definition.Fields {
		if f.Unique {
			add(true, f.Name)
		}
		if f.Indexed {
			add(false, f.Name)
		}
		if len(f.UniqueWith) > 0 {
			fields := append([]string{f.Name}, f.UniqueWith...)
			for _, s := range f.UniqueWith {
				if _, ok := d.byName[s]; !ok {
					return nil, fmt.Errorf("field %q: unique_with names unknown field %q", f.Name, s)
				}
			}
			add(true, fields...)
		}
		if len(f.IndexedWith) > 0 {
			fields := append([]string{f.Name}, f.IndexedWith...)
			for _, s := range f.IndexedWith {
				if _, ok := d.byName[s]; !ok {
					return nil, fmt.Errorf("field %q: indexed_with names unknown field %q", f.Name, s)
				}
			}
			add(false, fields...)
		}
	}
	return out, nil
}

func indexName(collection string, unique bool, fields []string) string {
	prefix := "idx"
	if unique {
		prefix = "uidx"
	}
	return fmt.Sprintf("%s_%s_%s", prefix, collection, strings.Join(fields, "_"))
}

// ColumnStorage returns the storage type of a system or user column.
func (d *Descriptor) ColumnStorage(name string) (StorageType, bool) {
	for _, c := range d.SystemFields {
		if c.Name == name {
			return c.Storage, true
		}
	}
	if f, ok := d.byName[name]; ok {
		return f.Storage, true
	}
	return "", false
}

// HasColumn reports whether name is a column of the collection.
func (d *Descriptor) HasColumn(name string) bool {
	_, ok := d.ColumnStorage(name)
	return ok
}

// NewInternalDescriptor describes a bookkeeping collection that has no content type,
// such as the stored definitions or the deletion records.
func NewInternalDescriptor(collection string, columns []SystemColumn, indexes ...IndexDescriptor) *Descriptor {
	return &Descriptor{
		Collection:   collection,
		SystemFields: append([]SystemColumn(nil), columns...),
		Indexes:      indexes,
		byName:       map[string]*FieldDescriptor{},
	}
}
