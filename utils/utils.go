// Package utils converts between tagged structs and primary-store rows.
package utils

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/bptarpley/corpora/core/schema"
)

// StructToMap returns the row form of a struct (or pointer to struct) following its
// `json` tags. Nested values come back as maps and slices.
func StructToMap[T any](record T) (map[string]any, error) {
	val := reflect.ValueOf(record)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil, fmt.Errorf("cannot convert a nil %T to a row", record)
		}
		val = val.Elem()
	}
	if val.Kind() != reflect.Struct {
		return nil, fmt.Errorf("cannot convert %s to a row, expected a struct", val.Kind())
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", record, err)
	}
	var row map[string]any
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to decode %T as a row: %w", record, err)
	}
	return row, nil
}

// MapToStruct decodes a row read from the primary store into T. Datetime columns
// arrive as RFC 3339 strings or time.Time values; both decode into time.Time fields.
func MapToStruct[T any](row schema.Document) (T, error) {
	var out T
	if row == nil {
		return out, fmt.Errorf("cannot decode a nil row into %T", out)
	}
	if t := reflect.TypeOf(out); t.Kind() != reflect.Struct {
		return out, fmt.Errorf("cannot decode a row into %s, expected a struct", t.Kind())
	}

	data, err := json.Marshal(row)
	if err != nil {
		return out, fmt.Errorf("failed to encode row: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode row into %T: %w", out, err)
	}
	return out, nil
}
