package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultMaxResultWindow is the backend's default cap on results per search.
const DefaultMaxResultWindow = 10_000

// StatusError is a non-2xx response from the backend, carrying the status
// code so the retry logic can classify it.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("opensearch: status %d: %s", e.StatusCode, e.Body)
}

// Client is a thin HTTP wrapper over one index's document and query APIs.
// It is safe for concurrent use.
type Client struct {
	baseURL   string
	indexName string
	username  string
	password  string
	hc        *http.Client
}

// NewClient builds a client for a single index. hc may be nil, in which case
// a client with a 30s timeout is used.
func NewClient(baseURL, indexName, username, password string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		indexName: indexName,
		username:  username,
		password:  password,
		hc:        hc,
	}
}

// IndexName returns the name of the index this client targets.
func (c *Client) IndexName() string { return c.indexName }

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("opensearch: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("opensearch: decode response: %w", err)
		}
	}
	return nil
}

// Ping reports whether the cluster answers at all.
func (c *Client) Ping(ctx context.Context) bool {
	return c.do(ctx, http.MethodGet, "/", nil, nil) == nil
}

// IndexExists checks for the index's existence.
func (c *Client) IndexExists(ctx context.Context) (bool, error) {
	err := c.do(ctx, http.MethodHead, "/"+c.indexName, nil, nil)
	if err == nil {
		return true, nil
	}
	var se *StatusError
	if asStatusError(err, &se) && se.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// CreateIndex creates the index with the given mappings and settings.
func (c *Client) CreateIndex(ctx context.Context, mappings, settings map[string]any) error {
	body := map[string]any{"mappings": mappings, "settings": settings}
	var out struct {
		Acknowledged bool   `json:"acknowledged"`
		Index        string `json:"index"`
	}
	if err := c.do(ctx, http.MethodPut, "/"+c.indexName, body, &out); err != nil {
		return err
	}
	if !out.Acknowledged {
		return fmt.Errorf("opensearch: index %q creation not acknowledged", c.indexName)
	}
	return nil
}

// ValidateIndex checks the live mappings against the expected ones. Only the
// presence and type of each expected property are compared; extra backend
// properties are tolerated.
func (c *Client) ValidateIndex(ctx context.Context, expectedMappings map[string]any) (bool, error) {
	var out map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := c.do(ctx, http.MethodGet, "/"+c.indexName, nil, &out); err != nil {
		return false, err
	}
	info, ok := out[c.indexName]
	if !ok {
		return false, fmt.Errorf("opensearch: no index info returned for %q", c.indexName)
	}

	expectedProps, _ := expectedMappings["properties"].(map[string]any)
	for name, def := range expectedProps {
		live, ok := info.Mappings.Properties[name]
		if !ok {
			return false, nil
		}
		expectedDef, _ := def.(map[string]any)
		expectedType, _ := expectedDef["type"].(string)
		if expectedType != "" && live.Type != expectedType {
			return false, nil
		}
	}
	return true, nil
}

// CreateDocument indexes a chunk document under its deterministic ID. The
// _create endpoint is used so an unexpected pre-existing document surfaces as
// a conflict instead of being silently overwritten.
func (c *Client) CreateDocument(ctx context.Context, doc DocumentChunk) error {
	var out struct {
		ID     string `json:"_id"`
		Result string `json:"result"`
	}
	path := fmt.Sprintf("/%s/_create/%s", c.indexName, url.PathEscape(doc.ID()))
	if err := c.do(ctx, http.MethodPut, path, doc, &out); err != nil {
		return err
	}
	if out.Result != "created" {
		return fmt.Errorf("opensearch: unexpected indexing result %q for chunk %q", out.Result, doc.ID())
	}
	return nil
}

// UpdateDocument applies a partial document update to the chunk with the
// given ID.
func (c *Client) UpdateDocument(ctx context.Context, chunkID string, partial map[string]any) error {
	path := fmt.Sprintf("/%s/_update/%s", c.indexName, url.PathEscape(chunkID))
	return c.do(ctx, http.MethodPost, path, map[string]any{"doc": partial}, nil)
}

// DocumentExists probes for a chunk by its deterministic ID.
func (c *Client) DocumentExists(ctx context.Context, chunkID string) (bool, error) {
	path := fmt.Sprintf("/%s/_doc/%s", c.indexName, url.PathEscape(chunkID))
	err := c.do(ctx, http.MethodHead, path, nil, nil)
	if err == nil {
		return true, nil
	}
	var se *StatusError
	if asStatusError(err, &se) && se.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// GetDocument fetches a chunk by its deterministic ID. found is false when
// the chunk does not exist.
func (c *Client) GetDocument(ctx context.Context, chunkID string) (DocumentChunk, bool, error) {
	var out struct {
		Found  bool          `json:"found"`
		Source DocumentChunk `json:"_source"`
	}
	path := fmt.Sprintf("/%s/_doc/%s", c.indexName, url.PathEscape(chunkID))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		var se *StatusError
		if asStatusError(err, &se) && se.StatusCode == http.StatusNotFound {
			return DocumentChunk{}, false, nil
		}
		return DocumentChunk{}, false, err
	}
	return out.Source, out.Found, nil
}

// DeleteByQuery deletes every document matching the query body and returns
// how many were removed.
func (c *Client) DeleteByQuery(ctx context.Context, body map[string]any) (int, error) {
	var out struct {
		TimedOut bool  `json:"timed_out"`
		Deleted  int   `json:"deleted"`
		Total    int   `json:"total"`
		Failures []any `json:"failures"`
	}
	path := fmt.Sprintf("/%s/_delete_by_query?refresh=true", c.indexName)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return 0, err
	}
	if out.TimedOut {
		return 0, fmt.Errorf("opensearch: delete by query timed out for index %q", c.indexName)
	}
	if len(out.Failures) > 0 || out.Deleted != out.Total {
		return 0, fmt.Errorf("opensearch: deleted %d of %d matching documents for index %q",
			out.Deleted, out.Total, c.indexName)
	}
	return out.Deleted, nil
}

// PutSearchPipeline registers (or replaces) a named search pipeline.
func (c *Client) PutSearchPipeline(ctx context.Context, pipelineID string, body map[string]any) error {
	var out struct {
		Acknowledged bool `json:"acknowledged"`
	}
	if err := c.do(ctx, http.MethodPut, "/_search/pipeline/"+url.PathEscape(pipelineID), body, &out); err != nil {
		return err
	}
	if !out.Acknowledged {
		return fmt.Errorf("opensearch: search pipeline %q not acknowledged", pipelineID)
	}
	return nil
}

// Hit is one search result: the document plus backend-assigned relevance.
type Hit struct {
	ID         string              `json:"_id"`
	Score      *float64            `json:"_score"`
	Source     DocumentChunk       `json:"_source"`
	Highlights map[string][]string `json:"highlight"`
}

// Search runs the query body, optionally through a named search pipeline,
// and returns the raw hits in backend order.
func (c *Client) Search(ctx context.Context, body map[string]any, searchPipelineID string) ([]Hit, error) {
	path := "/" + c.indexName + "/_search"
	if searchPipelineID != "" {
		path += "?search_pipeline=" + url.QueryEscape(searchPipelineID)
	}

	var out struct {
		TimedOut bool `json:"timed_out"`
		Hits     struct {
			Hits []Hit `json:"hits"`
		} `json:"hits"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	if out.TimedOut {
		return nil, fmt.Errorf("opensearch: search timed out for index %q", c.indexName)
	}
	return out.Hits.Hits, nil
}

// Refresh makes recent writes searchable. Used by tests and by callers that
// need read-your-writes behavior.
func (c *Client) Refresh(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/"+c.indexName+"/_refresh", nil, nil)
}

// asStatusError unwraps through errors.As so classification still works when
// an op wraps the client error before returning it.
func asStatusError(err error, target **StatusError) bool {
	return errors.As(err, target)
}
