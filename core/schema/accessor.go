package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// StorageType is the primary-store representation of a field.
type StorageType string

const (
	StorageText     StorageType = "text"
	StorageInteger  StorageType = "integer"
	StorageReal     StorageType = "real"
	StorageBoolean  StorageType = "boolean"
	StorageDatetime StorageType = "datetime"
	StorageJSON     StorageType = "json"
)

// Date granularities recorded on parsed dates and timespans.
const (
	GranularityYear  = "Year"
	GranularityMonth = "Month"
	GranularityDay   = "Day"
	GranularityTime  = "Time"
)

// FieldAccessor knows how one field type is coerced from input, encoded for the primary
// store and projected into a search document. Accessors handle a single item; multiple
// fields are handled by EncodeField and DecodeField.
type FieldAccessor interface {
	Type() FieldType
	StorageType() StorageType
	Coerce(raw any) (Value, error)
	Encode(v Value) (any, error)
	IndexValue(v Value) any
}

var accessors = map[FieldType]FieldAccessor{
	FieldTypeText:           stringAccessor{t: FieldTypeText},
	FieldTypeLargeText:      stringAccessor{t: FieldTypeLargeText},
	FieldTypeKeyword:        stringAccessor{t: FieldTypeKeyword},
	FieldTypeHTML:           stringAccessor{t: FieldTypeHTML},
	FieldTypeLink:           stringAccessor{t: FieldTypeLink},
	FieldTypeNumber:         integerAccessor{},
	FieldTypeDecimal:        decimalAccessor{},
	FieldTypeBoolean:        booleanAccessor{},
	FieldTypeDate:           dateAccessor{},
	FieldTypeTimespan:       timespanAccessor{},
	FieldTypeGeoPoint:       geoAccessor{},
	FieldTypeCrossReference: referenceAccessor{},
	FieldTypeFile:           objectAccessor{t: FieldTypeFile, key: "path"},
	FieldTypeRepo:           objectAccessor{t: FieldTypeRepo, key: "path"},
	FieldTypeEmbedded:       objectAccessor{t: FieldTypeEmbedded},
}

// AccessorFor returns the accessor registered for a field type.
func AccessorFor(t FieldType) (FieldAccessor, bool) {
	a, ok := accessors[t]
	return a, ok
}

// IsKnownFieldType reports whether t is one of the supported field types.
func IsKnownFieldType(t FieldType) bool {
	_, ok := accessors[t]
	return ok
}

// FieldStorageType returns the column representation of a field, accounting for multiplicity.
func FieldStorageType(f *FieldDefinition) StorageType {
	if f.Multiple {
		return StorageJSON
	}
	a, ok := AccessorFor(f.Type)
	if !ok {
		return StorageText
	}
	return a.StorageType()
}

// CoerceField converts raw input for a field into a Value. Multiple fields accept a
// slice or a single item.
func CoerceField(f *FieldDefinition, raw any) (Value, error) {
	if raw == nil {
		return Null, nil
	}
	a, ok := AccessorFor(f.Type)
	if !ok {
		return Null, fmt.Errorf("unknown field type %q", f.Type)
	}
	if !f.Multiple {
		return a.Coerce(raw)
	}

	items, isSlice := raw.([]any)
	if !isSlice {
		if ss, ok := raw.([]string); ok {
			items = make([]any, len(ss))
			for i, s := range ss {
				items[i] = s
			}
		} else {
			items = []any{raw}
		}
	}

	if f.IsCrossReference() {
		refs := make([]Reference, 0, len(items))
		for i, item := range items {
			v, err := a.Coerce(item)
			if err != nil {
				return Null, fmt.Errorf("item %d: %w", i, err)
			}
			if r, ok := v.Reference(); ok {
				refs = append(refs, r)
			}
		}
		return RefList(refs...), nil
	}

	values := make([]Value, 0, len(items))
	for i, item := range items {
		v, err := a.Coerce(item)
		if err != nil {
			return Null, fmt.Errorf("item %d: %w", i, err)
		}
		if !v.IsNull() {
			values = append(values, v)
		}
	}
	return List(values...), nil
}

// EncodeField converts a Value into its primary-store representation.
func EncodeField(f *FieldDefinition, v Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	a, ok := AccessorFor(f.Type)
	if !ok {
		return nil, fmt.Errorf("unknown field type %q", f.Type)
	}
	if !f.Multiple {
		return a.Encode(v)
	}

	var out []any
	switch v.Kind() {
	case KindReferenceList, KindReference:
		for _, r := range v.References() {
			out = append(out, r.ID)
		}
	case KindList:
		for _, item := range v.Items() {
			enc, err := a.Encode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, enc)
		}
	default:
		enc, err := a.Encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

// DecodeField converts a stored representation back into a Value.
func DecodeField(f *FieldDefinition, raw any) (Value, error) {
	if s, ok := raw.(string); ok && f.Multiple && strings.HasPrefix(s, "[") {
		var items []any
		if err := json.Unmarshal([]byte(s), &items); err == nil {
			raw = items
		}
	}
	return CoerceField(f, raw)
}

// IndexField projects a Value into its search-document form. Cross references are
// projected as stubs; the entity store expands them further.
func IndexField(f *FieldDefinition, v Value) any {
	if v.IsNull() {
		return nil
	}
	a, ok := AccessorFor(f.Type)
	if !ok {
		return nil
	}
	switch v.Kind() {
	case KindList:
		out := make([]any, 0, len(v.Items()))
		for _, item := range v.Items() {
			out = append(out, a.IndexValue(item))
		}
		return out
	case KindReferenceList:
		out := make([]any, 0, len(v.References()))
		for _, r := range v.References() {
			out = append(out, a.IndexValue(Ref(r)))
		}
		return out
	}
	return a.IndexValue(v)
}

type stringAccessor struct{ t FieldType }

func (a stringAccessor) Type() FieldType          { return a.t }
func (a stringAccessor) StorageType() StorageType { return StorageText }

func (a stringAccessor) Coerce(raw any) (Value, error) {
	s, err := cast.ToStringE(raw)
	if err != nil {
		return Null, fmt.Errorf("expected string, got %T", raw)
	}
	return String(s), nil
}

func (a stringAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindString {
		return nil, fmt.Errorf("expected string value, got %s", v.Kind())
	}
	return v.Str(), nil
}

func (a stringAccessor) IndexValue(v Value) any { return v.Str() }

type integerAccessor struct{}

func (integerAccessor) Type() FieldType          { return FieldTypeNumber }
func (integerAccessor) StorageType() StorageType { return StorageInteger }

func (integerAccessor) Coerce(raw any) (Value, error) {
	if s, ok := raw.(string); ok {
		s = strings.TrimSpace(s)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Null, fmt.Errorf("expected integer, got %q", s)
		}
		return Integer(n), nil
	}
	if f, ok := raw.(float64); ok && f != float64(int64(f)) {
		return Null, fmt.Errorf("expected integer, got %v", f)
	}
	n, err := cast.ToInt64E(raw)
	if err != nil {
		return Null, fmt.Errorf("expected integer, got %T", raw)
	}
	return Integer(n), nil
}

func (integerAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindInteger {
		return nil, fmt.Errorf("expected integer value, got %s", v.Kind())
	}
	return v.Int(), nil
}

func (integerAccessor) IndexValue(v Value) any { return v.Int() }

type decimalAccessor struct{}

func (decimalAccessor) Type() FieldType          { return FieldTypeDecimal }
func (decimalAccessor) StorageType() StorageType { return StorageReal }

func (decimalAccessor) Coerce(raw any) (Value, error) {
	if s, ok := raw.(string); ok {
		raw = strings.TrimSpace(s)
	}
	f, err := cast.ToFloat64E(raw)
	if err != nil {
		return Null, fmt.Errorf("expected decimal, got %v", raw)
	}
	return Decimal(f), nil
}

func (decimalAccessor) Encode(v Value) (any, error) {
	switch v.Kind() {
	case KindDecimal:
		return v.Float(), nil
	case KindInteger:
		return float64(v.Int()), nil
	}
	return nil, fmt.Errorf("expected decimal value, got %s", v.Kind())
}

func (decimalAccessor) IndexValue(v Value) any {
	if v.Kind() == KindInteger {
		return float64(v.Int())
	}
	return v.Float()
}

type booleanAccessor struct{}

func (booleanAccessor) Type() FieldType          { return FieldTypeBoolean }
func (booleanAccessor) StorageType() StorageType { return StorageBoolean }

func (booleanAccessor) Coerce(raw any) (Value, error) {
	b, err := cast.ToBoolE(raw)
	if err != nil {
		return Null, fmt.Errorf("expected boolean, got %v", raw)
	}
	return Boolean(b), nil
}

func (booleanAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindBoolean {
		return nil, fmt.Errorf("expected boolean value, got %s", v.Kind())
	}
	return v.Bool(), nil
}

func (booleanAccessor) IndexValue(v Value) any { return v.Bool() }

type dateAccessor struct{}

func (dateAccessor) Type() FieldType          { return FieldTypeDate }
func (dateAccessor) StorageType() StorageType { return StorageDatetime }

func (dateAccessor) Coerce(raw any) (Value, error) {
	t, _, err := ParseDate(raw)
	if err != nil {
		return Null, err
	}
	return Date(t), nil
}

func (dateAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindDate {
		return nil, fmt.Errorf("expected date value, got %s", v.Kind())
	}
	return v.Time().Format(time.RFC3339Nano), nil
}

func (dateAccessor) IndexValue(v Value) any { return v.Time().Format(time.RFC3339) }

type timespanAccessor struct{}

func (timespanAccessor) Type() FieldType          { return FieldTypeTimespan }
func (timespanAccessor) StorageType() StorageType { return StorageJSON }

func (timespanAccessor) Coerce(raw any) (Value, error) {
	switch r := raw.(type) {
	case Timespan:
		return Span(r), nil
	case *Timespan:
		return Span(*r), nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return Null, fmt.Errorf("expected timespan object, got %q", r)
		}
		raw = m
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return Null, fmt.Errorf("expected timespan object, got %T", raw)
	}
	startRaw, ok := m["start"]
	if !ok || startRaw == nil {
		return Null, fmt.Errorf("timespan requires a start")
	}
	start, granularity, err := ParseDate(startRaw)
	if err != nil {
		return Null, fmt.Errorf("timespan start: %w", err)
	}
	ts := Timespan{Start: start, Granularity: granularity}
	if endRaw, ok := m["end"]; ok && endRaw != nil && endRaw != "" {
		end, _, err := ParseDate(endRaw)
		if err != nil {
			return Null, fmt.Errorf("timespan end: %w", err)
		}
		if end.Before(start) {
			return Null, fmt.Errorf("timespan end precedes start")
		}
		ts.End = &end
	}
	if u, ok := m["uncertain"]; ok {
		ts.Uncertain = cast.ToBool(u)
	}
	if g, ok := m["granularity"].(string); ok && g != "" {
		ts.Granularity = g
	}
	return Span(ts), nil
}

func (timespanAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindTimespan {
		return nil, fmt.Errorf("expected timespan value, got %s", v.Kind())
	}
	return timespanMap(v.Timespan()), nil
}

func (timespanAccessor) IndexValue(v Value) any { return timespanMap(v.Timespan()) }

func timespanMap(ts Timespan) map[string]any {
	m := map[string]any{
		"start":     ts.Start.UTC().Format(time.RFC3339),
		"uncertain": ts.Uncertain,
	}
	if ts.End != nil {
		m["end"] = ts.End.UTC().Format(time.RFC3339)
	}
	if ts.Granularity != "" {
		m["granularity"] = ts.Granularity
	}
	return m
}

type geoAccessor struct{}

func (geoAccessor) Type() FieldType          { return FieldTypeGeoPoint }
func (geoAccessor) StorageType() StorageType { return StorageJSON }

func (geoAccessor) Coerce(raw any) (Value, error) {
	switch r := raw.(type) {
	case GeoPoint:
		return Geo(r), nil
	case map[string]any:
		lat, errLat := cast.ToFloat64E(r["lat"])
		lon, errLon := cast.ToFloat64E(r["lon"])
		if errLat != nil || errLon != nil {
			return Null, fmt.Errorf("geo point requires numeric lat and lon")
		}
		return checkGeo(GeoPoint{Lat: lat, Lon: lon})
	case []any:
		if len(r) != 2 {
			return Null, fmt.Errorf("geo point array must be [lon, lat]")
		}
		lon, errLon := cast.ToFloat64E(r[0])
		lat, errLat := cast.ToFloat64E(r[1])
		if errLat != nil || errLon != nil {
			return Null, fmt.Errorf("geo point requires numeric lat and lon")
		}
		return checkGeo(GeoPoint{Lat: lat, Lon: lon})
	case string:
		p, err := ParseGeoPoint(r)
		if err != nil {
			return Null, err
		}
		return Geo(p), nil
	}
	return Null, fmt.Errorf("expected geo point, got %T", raw)
}

func checkGeo(p GeoPoint) (Value, error) {
	if p.Lat < -90 || p.Lat > 90 || p.Lon < -180 || p.Lon > 180 {
		return Null, fmt.Errorf("geo point out of range: %v,%v", p.Lat, p.Lon)
	}
	return Geo(p), nil
}

func (geoAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindGeoPoint {
		return nil, fmt.Errorf("expected geo point value, got %s", v.Kind())
	}
	p := v.GeoPoint()
	return map[string]any{"lat": p.Lat, "lon": p.Lon}, nil
}

func (geoAccessor) IndexValue(v Value) any {
	p := v.GeoPoint()
	return map[string]any{"lat": p.Lat, "lon": p.Lon}
}

// ParseGeoPoint parses "lat,lon".
func ParseGeoPoint(s string) (GeoPoint, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return GeoPoint{}, fmt.Errorf("expected \"lat,lon\", got %q", s)
	}
	lat, errLat := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	lon, errLon := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if errLat != nil || errLon != nil {
		return GeoPoint{}, fmt.Errorf("expected \"lat,lon\", got %q", s)
	}
	if _, err := checkGeo(GeoPoint{Lat: lat, Lon: lon}); err != nil {
		return GeoPoint{}, err
	}
	return GeoPoint{Lat: lat, Lon: lon}, nil
}

type referenceAccessor struct{}

func (referenceAccessor) Type() FieldType          { return FieldTypeCrossReference }
func (referenceAccessor) StorageType() StorageType { return StorageText }

func (referenceAccessor) Coerce(raw any) (Value, error) {
	switch r := raw.(type) {
	case Reference:
		return Ref(r), nil
	case *Reference:
		return Ref(*r), nil
	case string:
		if r == "" {
			return Null, nil
		}
		return Ref(Reference{ID: r}), nil
	case map[string]any:
		id, _ := r["id"].(string)
		if id == "" {
			return Null, fmt.Errorf("reference requires an id")
		}
		ref := Reference{ID: id}
		ref.Label, _ = r["label"].(string)
		ref.URI, _ = r["uri"].(string)
		if in, ok := r["intensity"]; ok && in != nil {
			f, err := cast.ToFloat64E(in)
			if err != nil {
				return Null, fmt.Errorf("reference intensity must be numeric")
			}
			ref.Intensity = &f
		}
		return Ref(ref), nil
	}
	return Null, fmt.Errorf("expected reference id, got %T", raw)
}

func (referenceAccessor) Encode(v Value) (any, error) {
	r, ok := v.Reference()
	if !ok {
		return nil, fmt.Errorf("expected reference value, got %s", v.Kind())
	}
	return r.ID, nil
}

func (referenceAccessor) IndexValue(v Value) any {
	r, _ := v.Reference()
	m := map[string]any{"id": r.ID, "label": r.Label, "uri": r.URI}
	if r.Intensity != nil {
		m["intensity"] = *r.Intensity
	}
	return m
}

type objectAccessor struct {
	t   FieldType
	key string
}

func (a objectAccessor) Type() FieldType          { return a.t }
func (a objectAccessor) StorageType() StorageType { return StorageJSON }

func (a objectAccessor) Coerce(raw any) (Value, error) {
	switch r := raw.(type) {
	case map[string]any:
		if a.key != "" {
			if _, ok := r[a.key].(string); !ok {
				return Null, fmt.Errorf("%s value requires a %q", a.t, a.key)
			}
		}
		return Object(r), nil
	case string:
		if strings.HasPrefix(strings.TrimSpace(r), "{") {
			var m map[string]any
			if err := json.Unmarshal([]byte(r), &m); err != nil {
				return Null, fmt.Errorf("invalid %s object: %w", a.t, err)
			}
			return a.Coerce(m)
		}
		if a.key != "" {
			return Object(map[string]any{a.key: r}), nil
		}
	}
	return Null, fmt.Errorf("expected object for %s, got %T", a.t, raw)
}

func (a objectAccessor) Encode(v Value) (any, error) {
	if v.Kind() != KindObject {
		return nil, fmt.Errorf("expected object value, got %s", v.Kind())
	}
	return v.ObjectValue(), nil
}

func (a objectAccessor) IndexValue(v Value) any {
	if a.key != "" {
		return v.ObjectValue()[a.key]
	}
	return v.ObjectValue()
}

var (
	yearPattern  = regexp.MustCompile(`^-?\d{4}$`)
	monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)
	dayPattern   = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
)

// ParseDate parses a date from a string, time or unix timestamp and reports the
// granularity it was expressed in. Bare years and year-months are accepted.
func ParseDate(raw any) (time.Time, string, error) {
	switch r := raw.(type) {
	case time.Time:
		return r.UTC(), GranularityTime, nil
	case *time.Time:
		if r == nil {
			return time.Time{}, "", fmt.Errorf("nil date")
		}
		return r.UTC(), GranularityTime, nil
	case string:
		s := strings.TrimSpace(r)
		switch {
		case yearPattern.MatchString(s):
			y, _ := strconv.Atoi(s)
			return time.Date(y, time.January, 1, 0, 0, 0, 0, time.UTC), GranularityYear, nil
		case monthPattern.MatchString(s):
			t, err := time.Parse("2006-01", s)
			if err != nil {
				return time.Time{}, "", fmt.Errorf("unparseable date %q", s)
			}
			return t, GranularityMonth, nil
		case dayPattern.MatchString(s):
			t, err := time.Parse("2006-01-02", s)
			if err != nil {
				return time.Time{}, "", fmt.Errorf("unparseable date %q", s)
			}
			return t, GranularityDay, nil
		}
		t, err := cast.ToTimeE(s)
		if err != nil {
			return time.Time{}, "", fmt.Errorf("unparseable date %q", s)
		}
		return t.UTC(), GranularityTime, nil
	}
	t, err := cast.ToTimeE(raw)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("unparseable date %v", raw)
	}
	return t.UTC(), GranularityTime, nil
}

// YearRange returns the first and last instant of the year t falls in.
func YearRange(t time.Time) (time.Time, time.Time) {
	start := time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(1, 0, 0).Add(-time.Nanosecond)
}
