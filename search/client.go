package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ClientConfig configures the search engine REST client.
type ClientConfig struct {
	URL      string
	Username string
	Password string
	// RetryMax bounds the retries of a failed request; retries back off exponentially.
	RetryMax int
	Timeout  time.Duration
}

// Client talks to an Elasticsearch-compatible engine over its REST API.
type Client struct {
	http    *retryablehttp.Client
	baseURL string
	config  ClientConfig
	logger  *zap.Logger
}

// Hit is one document of a search response.
type Hit struct {
	ID        string              `json:"_id"`
	Source    map[string]any      `json:"_source"`
	Sort      []any               `json:"sort"`
	Highlight map[string][]string `json:"highlight"`
}

// Response is the part of a search response the searcher reads.
type Response struct {
	Hits struct {
		Total struct {
			Value    int64  `json:"value"`
			Relation string `json:"relation"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]any `json:"aggregations"`
}

// NewClient creates a client for the engine at config.URL.
func NewClient(config ClientConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryMax
	rc.Logger = leveledLogger{logger.Sugar()}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if config.Timeout > 0 {
		rc.HTTPClient.Timeout = config.Timeout
	}
	return &Client{
		http:    rc,
		baseURL: strings.TrimRight(config.URL, "/"),
		config:  config,
		logger:  logger,
	}
}

// leveledLogger adapts zap to the retryablehttp logging interface.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...any) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.s.Warnw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.s.Debugw(msg, kv...) }

var _ retryablehttp.LeveledLogger = leveledLogger{}

// do sends a request and decodes a JSON response into out when out is not nil. A 404
// is reported as a nil error with found false.
func (c *Client) do(ctx context.Context, method, path string, body any, out any) (found bool, err error) {
	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return false, fmt.Errorf("failed to encode request body: %w", err)
		}
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.Username != "" {
		req.SetBasicAuth(c.config.Username, c.config.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return true, decodeEngineError(resp)
	}
	if out == nil || method == http.MethodHead {
		io.Copy(io.Discard, resp.Body)
		return true, nil
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return true, fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return true, nil
}

func decodeEngineError(resp *http.Response) error {
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	raw, _ := io.ReadAll(resp.Body)
	e := &EngineError{Status: resp.StatusCode}
	if json.Unmarshal(raw, &body) == nil && len(body.Error) > 0 {
		var detail struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body.Error, &detail) == nil && detail.Type != "" {
			e.Type, e.Reason = detail.Type, detail.Reason
			return e
		}
		e.Reason = string(body.Error)
		return e
	}
	e.Reason = strings.TrimSpace(string(raw))
	return e
}

func docPath(index, id string) string {
	return "/" + index + "/_doc/" + url.PathEscape(id)
}

// IndexExists reports whether an index exists.
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	return c.do(ctx, http.MethodHead, "/"+index, nil, nil)
}

// CreateIndex creates an index with the given settings and mappings.
func (c *Client) CreateIndex(ctx context.Context, index string, body map[string]any) error {
	_, err := c.do(ctx, http.MethodPut, "/"+index, body, nil)
	return err
}

// PutMapping adds fields to an existing index mapping.
func (c *Client) PutMapping(ctx context.Context, index string, mappings map[string]any) error {
	_, err := c.do(ctx, http.MethodPut, "/"+index+"/_mapping", mappings, nil)
	return err
}

// DeleteIndex removes an index. A missing index is not an error.
func (c *Client) DeleteIndex(ctx context.Context, index string) error {
	_, err := c.do(ctx, http.MethodDelete, "/"+index, nil, nil)
	return err
}

// PutDocument creates or replaces a document.
func (c *Client) PutDocument(ctx context.Context, index, id string, doc map[string]any) error {
	_, err := c.do(ctx, http.MethodPut, docPath(index, id), doc, nil)
	return err
}

// UpdateDocument merges partial into an existing document.
func (c *Client) UpdateDocument(ctx context.Context, index, id string, partial map[string]any) error {
	found, err := c.do(ctx, http.MethodPost, "/"+index+"/_update/"+url.PathEscape(id), map[string]any{"doc": partial}, nil)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("document %s/%s does not exist", index, id)
	}
	return nil
}

// DeleteDocument removes a document. A missing document is not an error.
func (c *Client) DeleteDocument(ctx context.Context, index, id string) error {
	_, err := c.do(ctx, http.MethodDelete, docPath(index, id), nil, nil)
	return err
}

// GetDocument fetches a document's source into out.
func (c *Client) GetDocument(ctx context.Context, index, id string, out any) (bool, error) {
	var envelope struct {
		Found  bool            `json:"found"`
		Source json.RawMessage `json:"_source"`
	}
	found, err := c.do(ctx, http.MethodGet, docPath(index, id), nil, &envelope)
	if err != nil || !found || !envelope.Found {
		return false, err
	}
	if err := json.Unmarshal(envelope.Source, out); err != nil {
		return true, fmt.Errorf("failed to decode document %s/%s: %w", index, id, err)
	}
	return true, nil
}

// Search runs a search request against an index.
func (c *Client) Search(ctx context.Context, index string, body map[string]any) (*Response, error) {
	var resp Response
	found, err := c.do(ctx, http.MethodPost, "/"+index+"/_search", body, &resp)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, &EngineError{Status: http.StatusNotFound, Type: "index_not_found_exception", Reason: index}
	}
	return &resp, nil
}
