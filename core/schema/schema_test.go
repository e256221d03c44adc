package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personDef() *ContentTypeDefinition {
	return &ContentTypeDefinition{
		Name:       "Person",
		PluralName: "People",
		CorpusID:   "c1",
		Fields: []*FieldDefinition{
			{Name: "name", Type: FieldTypeText, InLists: true, Unique: true},
			{Name: "born", Type: FieldTypeDate, InLists: true},
		},
	}
}

func bookDef() *ContentTypeDefinition {
	return &ContentTypeDefinition{
		Name:       "Book",
		PluralName: "Books",
		CorpusID:   "c1",
		Fields: []*FieldDefinition{
			{Name: "title", Type: FieldTypeText, InLists: true, Indexed: true},
			{Name: "author", Type: FieldTypeCrossReference, CrossReferenceType: "Person", InLists: true, HasIntensity: true},
			{Name: "sequel", Type: FieldTypeCrossReference, CrossReferenceType: "Book"},
			{Name: "edition", Type: FieldTypeNumber, UniqueWith: []string{"title"}},
			{Name: "year", Type: FieldTypeNumber, IndexedWith: []string{"title", "edition"}},
			{Name: "tags", Type: FieldTypeKeyword, Multiple: true},
		},
		Templates: map[string]Template{LabelTemplate: {Template: "{{.title}}"}},
	}
}

func TestDefinitionValidator(t *testing.T) {
	person := personDef()

	tests := []struct {
		name   string
		mutate func(d *ContentTypeDefinition)
		codes  []string
	}{
		{"valid", func(d *ContentTypeDefinition) {}, nil},
		{"reserved field", func(d *ContentTypeDefinition) { d.Fields[0].Name = "label" }, []string{"RESERVED_FIELD_NAME"}},
		{"internal prefix", func(d *ContentTypeDefinition) { d.Fields[0].Name = "_secret" }, []string{"INTERNAL_PREFIX"}},
		{"bad identifier", func(d *ContentTypeDefinition) { d.Fields[0].Name = "1st" }, []string{"INVALID_NAME"}},
		{"duplicate field", func(d *ContentTypeDefinition) { d.Fields[1].Name = "title" }, []string{"DUPLICATE_FIELD"}},
		{"unknown type", func(d *ContentTypeDefinition) { d.Fields[0].Type = "blob" }, []string{"UNKNOWN_FIELD_TYPE"}},
		{"unresolved reference", func(d *ContentTypeDefinition) { d.Fields[1].CrossReferenceType = "Place" }, []string{"UNRESOLVED_REFERENCE"}},
		{"unknown sibling", func(d *ContentTypeDefinition) { d.Fields[3].UniqueWith = []string{"isbn"} }, []string{"UNKNOWN_SIBLING"}},
		{"intensity on scalar", func(d *ContentTypeDefinition) { d.Fields[0].HasIntensity = true }, []string{"INVALID_OPTION"}},
		{"multi proxy", func(d *ContentTypeDefinition) {
			d.Fields[1].Multiple = true
			d.ProxyField = "author"
		}, []string{"INVALID_PROXY"}},
		{"broken template", func(d *ContentTypeDefinition) {
			d.Templates[LabelTemplate] = Template{Template: "{{.title"}
		}, []string{"INVALID_TEMPLATE"}},
		{"plural collides", func(d *ContentTypeDefinition) { d.PluralName = "People" }, []string{"DUPLICATE_TYPE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := bookDef()
			tt.mutate(def)
			err := NewDefinitionValidator([]*ContentTypeDefinition{person}).Validate(def)
			if len(tt.codes) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSchema))
			var serr *SchemaError
			require.True(t, errors.As(err, &serr))
			for _, code := range tt.codes {
				assert.True(t, serr.HasCode(code), "expected issue %s in %v", code, serr.Issues)
			}
		})
	}
}

func TestCompileIndexesMatchDeclarations(t *testing.T) {
	person := personDef()
	resolve := func(name string) (*ContentTypeDefinition, bool) {
		if name == "Person" {
			return person, true
		}
		return nil, false
	}

	d, err := Compile(bookDef(), resolve)
	require.NoError(t, err)

	assert.Equal(t, "corpus_c1_Book", d.Collection)
	assert.Len(t, d.Fields, 6)
	assert.Equal(t, []string{"id", "label", "uri", "path", "field_intensities", "provenance", "last_updated"}, d.Columns()[:7])

	var compound [][]string
	var uniqueCompound [][]string
	for _, idx := range d.Indexes {
		if len(idx.Fields) < 2 {
			continue
		}
		if idx.Unique {
			uniqueCompound = append(uniqueCompound, idx.Fields)
		} else {
			compound = append(compound, idx.Fields)
		}
	}
	assert.Equal(t, [][]string{{"edition", "title"}}, uniqueCompound)
	assert.Equal(t, [][]string{{"year", "title", "edition"}}, compound)

	sequel, ok := d.Field("sequel")
	require.True(t, ok)
	assert.True(t, sequel.SelfReference)
	assert.Equal(t, "Book", sequel.Target.Name)

	author, _ := d.Field("author")
	assert.Equal(t, "corpus_c1_Person", author.TargetCollection)
	assert.Equal(t, StorageText, author.Storage)

	tags, _ := d.Field("tags")
	assert.Equal(t, StorageJSON, tags.Storage)
}

func TestCompileUnknownTarget(t *testing.T) {
	_, err := Compile(bookDef(), func(string) (*ContentTypeDefinition, bool) { return nil, false })
	assert.Error(t, err)
}

func TestTypeBuilder(t *testing.T) {
	def := bookDef()
	def.Fields[0].IndexedWith = []string{"sequel"}
	b := NewTypeBuilder(def)
	require.True(t, b.HasSelfReferences())

	initial := b.Initial()
	names := func(d *ContentTypeDefinition) []string {
		var out []string
		for _, f := range d.Fields {
			out = append(out, f.Name)
		}
		return out
	}
	assert.Equal(t, []string{"title", "author", "edition", "year", "tags"}, names(initial))
	assert.Empty(t, initial.Fields[0].IndexedWith)

	complete := b.Complete()
	assert.Equal(t, []string{"title", "author", "sequel", "edition", "year", "tags"}, names(complete))
	assert.Equal(t, []string{"sequel"}, complete.Fields[0].IndexedWith)
	require.Len(t, b.Deferred(), 1)
	assert.Equal(t, "sequel", b.Deferred()[0].Name)
}

func TestImportOrder(t *testing.T) {
	place := &ContentTypeDefinition{Name: "Place", PluralName: "Places"}
	person := &ContentTypeDefinition{Name: "Person", PluralName: "People", Fields: []*FieldDefinition{
		{Name: "home", Type: FieldTypeCrossReference, CrossReferenceType: "Place"},
		{Name: "parent", Type: FieldTypeCrossReference, CrossReferenceType: "Person"},
	}}
	book := bookDef()

	ordered, err := ImportOrder([]*ContentTypeDefinition{book, person, place}, nil)
	require.NoError(t, err)
	var names []string
	for _, d := range ordered {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"Place", "Person", "Book"}, names)

	t.Run("existing types satisfy dependencies", func(t *testing.T) {
		ordered, err := ImportOrder([]*ContentTypeDefinition{book}, func(n string) bool { return n == "Person" })
		require.NoError(t, err)
		assert.Len(t, ordered, 1)
	})

	t.Run("cycle rejected", func(t *testing.T) {
		a := &ContentTypeDefinition{Name: "A", Fields: []*FieldDefinition{{Name: "b", Type: FieldTypeCrossReference, CrossReferenceType: "B"}}}
		b := &ContentTypeDefinition{Name: "B", Fields: []*FieldDefinition{{Name: "a", Type: FieldTypeCrossReference, CrossReferenceType: "A"}}}
		_, err := ImportOrder([]*ContentTypeDefinition{a, b}, nil)
		assert.ErrorIs(t, err, ErrUnorderable)
	})

	t.Run("missing target rejected", func(t *testing.T) {
		_, err := ImportOrder([]*ContentTypeDefinition{book}, nil)
		assert.ErrorIs(t, err, ErrUnorderable)
	})
}

func TestMerge(t *testing.T) {
	stored := bookDef()
	stored.Fields[0].Stats = &FieldStats{Count: 4}

	next := bookDef()
	next.Fields = append(next.Fields[:4], next.Fields[5]) // drop "year"
	next.Fields[0].Stats = nil
	next.Fields[4].Multiple = false
	next.Fields = append(next.Fields, &FieldDefinition{Name: "scan", Type: FieldTypeFile})
	next.Fields[3].UniqueWith = []string{"title", "year"}

	diff := Merge(stored, next)

	var names []string
	for _, f := range diff.Merged.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"title", "author", "sequel", "edition", "tags", "scan"}, names)
	require.Len(t, diff.Removed, 1)
	assert.Equal(t, "year", diff.Removed[0].Name)
	require.Len(t, diff.Added, 1)
	assert.Equal(t, "scan", diff.Added[0].Name)

	edition, _ := diff.Merged.Field("edition")
	assert.Equal(t, []string{"title"}, edition.UniqueWith)

	title, _ := diff.Merged.Field("title")
	require.NotNil(t, title.Stats)
	assert.EqualValues(t, 4, title.Stats.Count)

	assert.True(t, diff.Changes.Reindex)
	assert.False(t, diff.Changes.Relabel)
	assert.True(t, diff.Changes.Resave)

	t.Run("label template change", func(t *testing.T) {
		next := bookDef()
		next.Templates[LabelTemplate] = Template{Template: "{{.title}} ({{.edition}})"}
		diff := Merge(bookDef(), next)
		assert.True(t, diff.Changes.Relabel)
		assert.True(t, diff.Changes.Reindex)
		assert.False(t, diff.Changes.Resave)
	})

	t.Run("no change", func(t *testing.T) {
		assert.True(t, Merge(bookDef(), bookDef()).IsEmpty())
	})
}

func TestValidatorCoerce(t *testing.T) {
	v := NewValidator(bookDef())
	values, issues := v.Coerce(map[string]any{
		"title":   "Moby Dick",
		"author":  map[string]any{"id": "p1", "intensity": 0.5},
		"edition": "2",
		"tags":    []any{"sea", "whale"},
		"id":      "ignored",
	}, true)
	require.Empty(t, issues)

	assert.Equal(t, "Moby Dick", values.Get("title").Str())
	ref, ok := values.Get("author").Reference()
	require.True(t, ok)
	assert.Equal(t, "p1", ref.ID)
	require.NotNil(t, ref.Intensity)
	assert.Equal(t, 0.5, *ref.Intensity)
	assert.Equal(t, int64(2), values.Get("edition").Int())
	assert.Len(t, values.Get("tags").Items(), 2)

	_, issues = v.Coerce(map[string]any{"edition": "two", "bogus": 1}, false)
	codes := map[string]bool{}
	for _, i := range issues {
		codes[i.Code] = true
	}
	assert.True(t, codes["TYPE_MISMATCH"])
	assert.True(t, codes["UNEXPECTED_FIELD"])
}

func TestValidatorValidate(t *testing.T) {
	v := NewValidator(bookDef())
	vs := NewValues()
	vs.Set("title", String("x"))
	vs.Set("author", Ref(Reference{ID: "p1"}))
	vs.Set("tags", List(String("a")))
	ok, issues := v.Validate(vs)
	assert.True(t, ok, "%v", issues)

	vs.Set("edition", String("2"))
	vs.Set("sequel", RefList(Reference{ID: "b2"}))
	ok, issues = v.Validate(vs)
	assert.False(t, ok)
	assert.Len(t, issues, 2)
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in          string
		year        int
		granularity string
		wantErr     bool
	}{
		{"1850", 1850, GranularityYear, false},
		{"1850-03", 1850, GranularityMonth, false},
		{"1850-03-04", 1850, GranularityDay, false},
		{"1850-03-04T10:00:00Z", 1850, GranularityTime, false},
		{"not a date", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, g, err := ParseDate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.year, got.Year())
			assert.Equal(t, tt.granularity, g)
		})
	}
}

func TestEncodeDecodeMultipleReference(t *testing.T) {
	f := &FieldDefinition{Name: "authors", Type: FieldTypeCrossReference, CrossReferenceType: "Person", Multiple: true}
	enc, err := EncodeField(f, RefList(Reference{ID: "a"}, Reference{ID: "b"}))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, enc)

	v, err := DecodeField(f, `["a","b"]`)
	require.NoError(t, err)
	require.Equal(t, KindReferenceList, v.Kind())
	assert.Len(t, v.References(), 2)
}

func TestTimespanCoerce(t *testing.T) {
	a, _ := AccessorFor(FieldTypeTimespan)
	v, err := a.Coerce(map[string]any{"start": "1800", "end": "1810-06"})
	require.NoError(t, err)
	ts := v.Timespan()
	assert.Equal(t, 1800, ts.Start.Year())
	require.NotNil(t, ts.End)
	assert.Equal(t, GranularityYear, ts.Granularity)

	_, err = a.Coerce(map[string]any{"start": "1810", "end": "1800"})
	assert.Error(t, err)
}
