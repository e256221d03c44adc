package schema

import "slices"

// TypeBuilder creates a brand new content type in two steps. A field that references
// the type being created cannot be compiled until the type exists, so the first step
// yields the definition without self-referencing fields and the second step restores
// them at their original positions.
type TypeBuilder struct {
	def      *ContentTypeDefinition
	deferred map[string]bool
}

// NewTypeBuilder prepares a two-step build of def.
func NewTypeBuilder(def *ContentTypeDefinition) *TypeBuilder {
	b := &TypeBuilder{def: def.Clone(), deferred: make(map[string]bool)}
	for _, f := range b.def.Fields {
		if f.IsCrossReference() && f.CrossReferenceType == b.def.Name {
			b.deferred[f.Name] = true
		}
	}
	return b
}

// HasSelfReferences reports whether a second step is needed.
func (b *TypeBuilder) HasSelfReferences() bool {
	return len(b.deferred) > 0
}

// Deferred returns the self-referencing fields added by the second step, in order.
func (b *TypeBuilder) Deferred() []*FieldDefinition {
	var out []*FieldDefinition
	for _, f := range b.def.Fields {
		if b.deferred[f.Name] {
			out = append(out, f.Clone())
		}
	}
	return out
}

// Initial returns the first-step definition: self-referencing fields are left out,
// and so is every compound index or proxy setting that mentions them.
func (b *TypeBuilder) Initial() *ContentTypeDefinition {
	out := b.def.Clone()
	if !b.HasSelfReferences() {
		return out
	}
	kept := out.Fields[:0]
	for _, f := range out.Fields {
		if b.deferred[f.Name] {
			continue
		}
		f.IndexedWith = slices.DeleteFunc(f.IndexedWith, func(s string) bool { return b.deferred[s] })
		f.UniqueWith = slices.DeleteFunc(f.UniqueWith, func(s string) bool { return b.deferred[s] })
		kept = append(kept, f)
	}
	out.Fields = kept
	if b.deferred[out.ProxyField] {
		out.ProxyField = ""
	}
	return out
}

// Complete returns the second-step definition, identical in field order to the one
// the builder was created with.
func (b *TypeBuilder) Complete() *ContentTypeDefinition {
	return b.def.Clone()
}
