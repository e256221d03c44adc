package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bptarpley/corpora/config"
	"github.com/bptarpley/corpora/core/persistence"
	"github.com/bptarpley/corpora/core/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CORPORA_CORPUS", "")

	var stdout, stderr bytes.Buffer
	rc := NewRootCommand(strings.NewReader(stdin), &stdout, &stderr)
	rc.SetArgs(args)
	err := rc.Execute()
	return stdout.String(), err
}

func TestCommandsRequireCorpus(t *testing.T) {
	for _, args := range [][]string{
		{"schema", "list"},
		{"entity", "get", "Book", "b1"},
		{"view", "list"},
		{"reconcile", "relabel", "Book"},
	} {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := execute(t, "", args...)
			assert.ErrorContains(t, err, "a corpus is required")
		})
	}
}

func TestCommandArguments(t *testing.T) {
	_, err := execute(t, "", "reconcile", "relabel")
	assert.Error(t, err)

	_, err = execute(t, "", "reconcile", "deletions", "Book")
	assert.Error(t, err)

	_, err = execute(t, "", "search", "Book", "s_title=sideways")
	assert.Error(t, err, "malformed queries fail before connecting")

	_, err = execute(t, "{", "--corpus", "c1", "schema", "apply", "-")
	assert.ErrorContains(t, err, "invalid content type definition")
}

func TestDecodeDefinitions(t *testing.T) {
	defs, err := decodeDefinitions([]byte(`{"name": "Person", "plural_name": "People"}`))
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "Person", defs[0].Name)

	defs, err = decodeDefinitions([]byte(`  [{"name": "Person"}, {"name": "Book"}]`))
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	_, err = decodeDefinitions([]byte(`[]`))
	assert.Error(t, err)
}

func TestEntityJSON(t *testing.T) {
	e := persistence.NewEntity("c1", "Book")
	e.ID = "b1"
	e.Label = "Emma (1815)"
	e.Values = schema.NewValues()
	e.Values.Set("title", schema.String("Emma"))

	out := entityJSON(e)
	assert.Equal(t, "b1", out["id"])
	assert.Equal(t, "Emma (1815)", out["label"])
	assert.Equal(t, schema.String("Emma"), out["title"])
	assert.NotContains(t, out, "path")
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "corpora.log")
	var console bytes.Buffer
	logger, err := newLogger(config.LogConfig{Level: "info", Format: "json", File: file, MaxSizeMB: 1}, &console)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("Dispatcher started")
	require.NoError(t, logger.Sync())

	assert.Contains(t, console.String(), `"msg":"Dispatcher started"`)
	assert.NotContains(t, console.String(), "hidden")
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Dispatcher started")

	_, err = newLogger(config.LogConfig{Level: "loud"}, &console)
	assert.Error(t, err)
}

func TestMetricsHandler(t *testing.T) {
	srv := httptest.NewServer(metricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/other")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
