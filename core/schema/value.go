package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// ValueKind tags the variant held by a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindInteger
	KindDecimal
	KindBoolean
	KindDate
	KindTimespan
	KindGeoPoint
	KindReference
	KindReferenceList
	KindList
	KindObject
)

var kindNames = map[ValueKind]string{
	KindNull:          "null",
	KindString:        "string",
	KindInteger:       "integer",
	KindDecimal:       "decimal",
	KindBoolean:       "boolean",
	KindDate:          "date",
	KindTimespan:      "timespan",
	KindGeoPoint:      "geo_point",
	KindReference:     "reference",
	KindReferenceList: "reference_list",
	KindList:          "list",
	KindObject:        "object",
}

func (k ValueKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Timespan is an interval with an optional end. An open end means the interval is
// compared by its start only.
type Timespan struct {
	Start       time.Time  `json:"start"`
	End         *time.Time `json:"end,omitempty"`
	Uncertain   bool       `json:"uncertain,omitempty"`
	Granularity string     `json:"granularity,omitempty"`
}

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Reference points at another entity. Label and URI are filled in when the reference
// is resolved against the primary store.
type Reference struct {
	ID        string   `json:"id"`
	Label     string   `json:"label,omitempty"`
	URI       string   `json:"uri,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
}

// Value is a typed field value. Exactly one variant is meaningful, selected by Kind.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	dec  float64
	b    bool
	t    time.Time
	span Timespan
	geo  GeoPoint
	refs []Reference
	list []Value
	obj  map[string]any
}

// Null is the empty value.
var Null = Value{}

func String(s string) Value         { return Value{kind: KindString, str: s} }
func Integer(n int64) Value         { return Value{kind: KindInteger, num: n} }
func Decimal(f float64) Value       { return Value{kind: KindDecimal, dec: f} }
func Boolean(b bool) Value          { return Value{kind: KindBoolean, b: b} }
func Date(t time.Time) Value        { return Value{kind: KindDate, t: t.UTC()} }
func Span(ts Timespan) Value        { return Value{kind: KindTimespan, span: ts} }
func Geo(p GeoPoint) Value          { return Value{kind: KindGeoPoint, geo: p} }
func Ref(r Reference) Value         { return Value{kind: KindReference, refs: []Reference{r}} }
func List(items ...Value) Value     { return Value{kind: KindList, list: items} }
func Object(m map[string]any) Value { return Value{kind: KindObject, obj: m} }

// RefList builds a multi-valued reference.
func RefList(refs ...Reference) Value {
	return Value{kind: KindReferenceList, refs: refs}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

func (v Value) Str() string                 { return v.str }
func (v Value) Int() int64                  { return v.num }
func (v Value) Float() float64              { return v.dec }
func (v Value) Bool() bool                  { return v.b }
func (v Value) Time() time.Time             { return v.t }
func (v Value) Timespan() Timespan          { return v.span }
func (v Value) GeoPoint() GeoPoint          { return v.geo }
func (v Value) Items() []Value              { return v.list }
func (v Value) ObjectValue() map[string]any { return v.obj }

// References returns the referenced entities of a reference or reference list.
func (v Value) References() []Reference {
	if v.kind != KindReference && v.kind != KindReferenceList {
		return nil
	}
	return v.refs
}

// Reference returns the single reference held by a KindReference value.
func (v Value) Reference() (Reference, bool) {
	if v.kind != KindReference || len(v.refs) == 0 {
		return Reference{}, false
	}
	return v.refs[0], true
}

// WithReferences returns a copy of a reference value holding refs instead.
func (v Value) WithReferences(refs []Reference) Value {
	out := v
	out.refs = refs
	return out
}

// Interface returns a plain Go representation suitable for templates and JSON.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInteger:
		return v.num
	case KindDecimal:
		return v.dec
	case KindBoolean:
		return v.b
	case KindDate:
		return v.t
	case KindTimespan:
		return v.span
	case KindGeoPoint:
		return v.geo
	case KindReference:
		if len(v.refs) == 0 {
			return nil
		}
		return v.refs[0]
	case KindReferenceList:
		return v.refs
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		return v.obj
	}
	return nil
}

// MarshalJSON encodes the plain representation of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Equal compares two values by kind and plain representation.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	a, errA := json.Marshal(v)
	b, errB := json.Marshal(o)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Values is an ordered map of field values keyed by field name.
type Values struct {
	order []string
	m     map[string]Value
}

// NewValues creates an empty ordered value map.
func NewValues() *Values {
	return &Values{m: make(map[string]Value)}
}

// Set stores a value, appending the key on first use.
func (vs *Values) Set(name string, v Value) {
	if vs.m == nil {
		vs.m = make(map[string]Value)
	}
	if _, ok := vs.m[name]; !ok {
		vs.order = append(vs.order, name)
	}
	vs.m[name] = v
}

// Get returns the value for name, or Null.
func (vs *Values) Get(name string) Value {
	if vs == nil || vs.m == nil {
		return Null
	}
	return vs.m[name]
}

// Has reports whether name was ever set.
func (vs *Values) Has(name string) bool {
	if vs == nil || vs.m == nil {
		return false
	}
	_, ok := vs.m[name]
	return ok
}

// Delete removes name from the map.
func (vs *Values) Delete(name string) {
	if vs == nil || vs.m == nil {
		return
	}
	if _, ok := vs.m[name]; !ok {
		return
	}
	delete(vs.m, name)
	for i, k := range vs.order {
		if k == name {
			vs.order = append(vs.order[:i], vs.order[i+1:]...)
			break
		}
	}
}

// Keys returns field names in insertion order.
func (vs *Values) Keys() []string {
	if vs == nil {
		return nil
	}
	return append([]string(nil), vs.order...)
}

// Len returns the number of stored values.
func (vs *Values) Len() int {
	if vs == nil {
		return 0
	}
	return len(vs.order)
}

// Clone returns a shallow copy; Value itself is immutable.
func (vs *Values) Clone() *Values {
	out := NewValues()
	for _, k := range vs.Keys() {
		out.Set(k, vs.m[k])
	}
	return out
}
