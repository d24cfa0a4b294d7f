package opensearch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/index/opensearch"
)

// fakeBackend is an in-memory stand-in for the search cluster, covering the
// document APIs the engine exercises.
type fakeBackend struct {
	mu        sync.Mutex
	indexName string
	created   bool
	docs      map[string]opensearch.DocumentChunk
	pipelines map[string]json.RawMessage

	// Forced responses, by method+path prefix. Each entry is consumed per
	// matching request.
	failStatus int
	failPath   string
	failCount  int

	createCalls int
	deleteCalls int
	lastSearch  map[string]any
	searchHits  []map[string]any
}

func newFakeBackend(indexName string) *fakeBackend {
	return &fakeBackend{
		indexName: indexName,
		docs:      make(map[string]opensearch.DocumentChunk),
		pipelines: make(map[string]json.RawMessage),
	}
}

func (f *fakeBackend) failNext(path string, status, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failPath = path
	f.failStatus = status
	f.failCount = times
}

func (f *fakeBackend) docCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCount != 0 && strings.HasPrefix(r.URL.Path, f.failPath) {
		if f.failCount > 0 {
			f.failCount--
		}
		// Failed attempts still count toward per-endpoint call totals.
		switch {
		case strings.HasSuffix(r.URL.Path, "/_delete_by_query"):
			f.deleteCalls++
		case strings.Contains(r.URL.Path, "/_create/"):
			f.createCalls++
		}
		http.Error(w, "forced failure", f.failStatus)
		return
	}

	idx := "/" + f.indexName
	switch {
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		writeJSON(w, map[string]any{"cluster_name": "fake"})

	case r.URL.Path == idx && r.Method == http.MethodHead:
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
		}

	case r.URL.Path == idx && r.Method == http.MethodPut:
		f.created = true
		writeJSON(w, map[string]any{"acknowledged": true, "index": f.indexName})

	case r.URL.Path == idx && r.Method == http.MethodGet:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, map[string]any{
			f.indexName: map[string]any{"mappings": map[string]any{"properties": map[string]any{}}},
		})

	case strings.HasPrefix(r.URL.Path, "/_search/pipeline/"):
		raw, _ := json.Marshal(map[string]any{})
		f.pipelines[strings.TrimPrefix(r.URL.Path, "/_search/pipeline/")] = raw
		writeJSON(w, map[string]any{"acknowledged": true})

	case strings.HasPrefix(r.URL.Path, idx+"/_create/"):
		f.createCalls++
		id := strings.TrimPrefix(r.URL.Path, idx+"/_create/")
		var doc opensearch.DocumentChunk
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, exists := f.docs[id]; exists {
			http.Error(w, "version conflict", http.StatusConflict)
			return
		}
		f.docs[id] = doc
		writeJSON(w, map[string]any{"_id": id, "result": "created"})

	case r.URL.Path == idx+"/_delete_by_query":
		f.deleteCalls++
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		docID := termValue(body, "document_id")
		deleted := 0
		for id, doc := range f.docs {
			if doc.DocumentID == docID {
				delete(f.docs, id)
				deleted++
			}
		}
		writeJSON(w, map[string]any{"deleted": deleted, "total": deleted, "timed_out": false})

	case strings.HasPrefix(r.URL.Path, idx+"/_doc/") && r.Method == http.MethodHead:
		id := strings.TrimPrefix(r.URL.Path, idx+"/_doc/")
		if _, ok := f.docs[id]; !ok {
			w.WriteHeader(http.StatusNotFound)
		}

	case strings.HasPrefix(r.URL.Path, idx+"/_update/"):
		id := strings.TrimPrefix(r.URL.Path, idx+"/_update/")
		if _, ok := f.docs[id]; !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{"result": "updated"})

	case r.URL.Path == idx+"/_search":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastSearch = body
		writeJSON(w, map[string]any{
			"timed_out": false,
			"hits":      map[string]any{"hits": f.searchHits},
		})

	case r.URL.Path == idx+"/_refresh":
		writeJSON(w, map[string]any{})

	default:
		http.Error(w, fmt.Sprintf("unhandled %s %s", r.Method, r.URL.Path), http.StatusNotImplemented)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// termValue digs the term filter value for a field out of a bool query body.
func termValue(body map[string]any, field string) string {
	raw, _ := json.Marshal(body)
	var probe struct {
		Query struct {
			Bool struct {
				Filter []map[string]map[string]any `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
	}
	_ = json.Unmarshal(raw, &probe)
	for _, clause := range probe.Query.Bool.Filter {
		if term, ok := clause["term"]; ok {
			if v, ok := term[field].(string); ok {
				return v
			}
		}
	}
	return ""
}

func newTestIndex(t *testing.T, backend *fakeBackend, tenant index.TenantState) *opensearch.Index {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	client := opensearch.NewClient(srv.URL, backend.indexName, "", "", srv.Client())
	backoff := index.BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Microsecond, MaxDelay: time.Millisecond}
	return opensearch.NewIndex(client, tenant, backoff, 2, nil)
}

func chunk(docID string, chunkIdx int) index.ContentChunk {
	return index.ContentChunk{
		DocumentID: docID,
		ChunkIndex: chunkIdx,
		Content:    fmt.Sprintf("content %s/%d", docID, chunkIdx),
		SourceType: "web",
		Embedding:  []float32{0.1, 0.2},
	}
}

func TestIndex_NewAndReindex(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	ctx := context.Background()

	chunks := []index.ContentChunk{chunk("doc-a", 0), chunk("doc-a", 1), chunk("doc-b", 0)}

	records, err := idx.Index(ctx, chunks, index.IndexingMetadata{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.False(t, rec.AlreadyExisted, rec.DocumentID)
	}
	assert.Equal(t, 3, backend.docCount())

	// Re-indexing the identical batch reports both documents as existing and
	// leaves the same chunk set behind.
	records, err = idx.Index(ctx, chunks, index.IndexingMetadata{})
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.True(t, rec.AlreadyExisted, rec.DocumentID)
	}
	assert.Equal(t, 3, backend.docCount())
}

func TestIndex_ShrinkLeavesNoStaleChunks(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	ctx := context.Background()

	var wide []index.ContentChunk
	for i := 0; i < 5; i++ {
		wide = append(wide, chunk("doc-a", i))
	}
	_, err := idx.Index(ctx, wide, index.IndexingMetadata{})
	require.NoError(t, err)
	assert.Equal(t, 5, backend.docCount())

	narrow := []index.ContentChunk{chunk("doc-a", 0), chunk("doc-a", 1)}
	records, err := idx.Index(ctx, narrow, index.IndexingMetadata{
		ChunkCounts: map[string]index.ChunkCounts{"doc-a": {Previous: 5, New: 2}},
	})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].AlreadyExisted)
	assert.Equal(t, 2, backend.docCount())
}

func TestIndex_RateLimitRetriesUntilExhausted(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	backend.failNext("/chunks/_delete_by_query", http.StatusTooManyRequests, -1)

	_, err := idx.Index(context.Background(), []index.ContentChunk{chunk("doc-a", 0)}, index.IndexingMetadata{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gave up after 5 attempts")
	assert.Equal(t, 5, backend.deleteCalls)
}

func TestIndex_PermanentFailureDoesNotRetry(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	backend.failNext("/chunks/_delete_by_query", http.StatusUnauthorized, -1)

	_, err := idx.Index(context.Background(), []index.ContentChunk{chunk("doc-a", 0)}, index.IndexingMetadata{})
	require.Error(t, err)
	var se *opensearch.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Equal(t, 1, backend.deleteCalls)
}

func TestIndex_TransientFailureRecovers(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	backend.failNext("/chunks/_delete_by_query", http.StatusServiceUnavailable, 2)

	records, err := idx.Index(context.Background(), []index.ContentChunk{chunk("doc-a", 0)}, index.IndexingMetadata{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, backend.deleteCalls)
	assert.Equal(t, 1, backend.docCount())
}

func TestIndex_ExistingDocuments(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	ctx := context.Background()

	_, err := idx.Index(ctx, []index.ContentChunk{chunk("doc-a", 0)}, index.IndexingMetadata{})
	require.NoError(t, err)

	existing, err := idx.ExistingDocuments(ctx, []index.ContentChunk{chunk("doc-a", 3), chunk("doc-b", 0)})
	require.NoError(t, err)
	assert.Contains(t, existing, "doc-a")
	assert.NotContains(t, existing, "doc-b")
}

func TestIndex_Delete(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	ctx := context.Background()

	_, err := idx.Index(ctx, []index.ContentChunk{chunk("doc-a", 0), chunk("doc-a", 1)}, index.IndexingMetadata{})
	require.NoError(t, err)

	deleted, err := idx.Delete(ctx, "doc-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.Equal(t, 0, backend.docCount())

	// Deleting a document that is not there succeeds with a zero count.
	deleted, err = idx.Delete(ctx, "doc-a", -1)
	require.NoError(t, err)
	assert.Equal(t, 0, deleted)
}

func TestIndex_UpdateRejectsUnknownChunkCount(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})

	hidden := true
	err := idx.Update(context.Background(), []index.MetadataUpdateRequest{{
		DocumentIDs: []string{"doc-a"},
		Hidden:      &hidden,
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk count")
}

func TestIndex_VerifyAndCreateSchema(t *testing.T) {
	backend := newFakeBackend("chunks")
	idx := newTestIndex(t, backend, index.TenantState{})
	ctx := context.Background()

	require.NoError(t, idx.VerifyAndCreateSchema(ctx, 2))
	assert.True(t, backend.created)
	assert.Contains(t, backend.pipelines, opensearch.PipelineMinMax)
	assert.Contains(t, backend.pipelines, opensearch.PipelineZScore)
}

func TestIndex_HybridSearchUsesPipelineAndScores(t *testing.T) {
	backend := newFakeBackend("chunks")
	backend.searchHits = []map[string]any{
		{
			"_id":    "doc-a__512__0",
			"_score": 0.92,
			"_source": map[string]any{
				"document_id": "doc-a",
				"chunk_index": 0,
				"content":     "indexing pipeline overview",
				"source_type": "web",
			},
			"highlight": map[string]any{
				"content": []string{"<hi>indexing</hi> pipeline"},
			},
		},
	}
	idx := newTestIndex(t, backend, index.TenantState{TenantID: "t1", Multitenant: true})

	out, err := idx.HybridSearch(context.Background(), index.HybridQuery{
		Query:     "indexing pipeline",
		Embedding: []float32{0.1, 0.2},
	}, index.SearchFilters{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Score)
	assert.InDelta(t, 0.92, *out[0].Score, 1e-9)
	assert.Equal(t, []string{"<hi>indexing</hi> pipeline"}, out[0].MatchHighlights)

	// The tenant filter is forced from the engine's own tenant state.
	raw, _ := json.Marshal(backend.lastSearch)
	assert.Contains(t, string(raw), `"tenant_id":"t1"`)
}

func TestIndex_IDBasedRetrievalOrdersByChunk(t *testing.T) {
	backend := newFakeBackend("chunks")
	backend.searchHits = []map[string]any{
		{"_id": "doc-a__512__2", "_source": map[string]any{"document_id": "doc-a", "chunk_index": 2, "content": "c2", "source_type": "web"}},
		{"_id": "doc-a__512__0", "_source": map[string]any{"document_id": "doc-a", "chunk_index": 0, "content": "c0", "source_type": "web"}},
	}
	idx := newTestIndex(t, backend, index.TenantState{})

	out, err := idx.IDBasedRetrieval(context.Background(),
		[]index.SectionRequest{{DocumentID: "doc-a"}}, index.SearchFilters{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, 0, out[0].ChunkIndex)
	assert.Equal(t, 2, out[1].ChunkIndex)
	assert.Nil(t, out[0].Score)
}
