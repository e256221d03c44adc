package utils

import (
	"testing"
	"time"

	"github.com/bptarpley/corpora/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID      string    `json:"id"`
	Path    string    `json:"path,omitempty"`
	Count   int64     `json:"count"`
	Created time.Time `json:"created"`
}

func TestStructToMap(t *testing.T) {
	created := time.Date(1815, 12, 23, 0, 0, 0, 0, time.UTC)
	row, err := StructToMap(&record{ID: "r1", Count: 3, Created: created})
	require.NoError(t, err)
	assert.Equal(t, "r1", row["id"])
	assert.Equal(t, float64(3), row["count"])
	assert.Equal(t, "1815-12-23T00:00:00Z", row["created"])
	assert.NotContains(t, row, "path")

	var nilRecord *record
	_, err = StructToMap(nilRecord)
	assert.Error(t, err)

	_, err = StructToMap(42)
	assert.Error(t, err)
}

func TestMapToStruct(t *testing.T) {
	created := time.Date(1815, 12, 23, 0, 0, 0, 0, time.UTC)
	for name, value := range map[string]any{"string": "1815-12-23T00:00:00Z", "time": created} {
		t.Run(name, func(t *testing.T) {
			r, err := MapToStruct[record](schema.Document{"id": "r1", "count": int64(3), "created": value})
			require.NoError(t, err)
			assert.Equal(t, "r1", r.ID)
			assert.Equal(t, int64(3), r.Count)
			assert.True(t, created.Equal(r.Created))
		})
	}

	_, err := MapToStruct[record](nil)
	assert.Error(t, err)
	_, err = MapToStruct[string](schema.Document{"id": "r1"})
	assert.Error(t, err)
}
