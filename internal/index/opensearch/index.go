package opensearch

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"lattice/searchindex/internal/index"
)

// DefaultIndexingConcurrency bounds parallel chunk writes per Index call.
const DefaultIndexingConcurrency = 8

// Index is the OpenSearch-backed document index. One instance serves one
// backend index on behalf of one tenant.
type Index struct {
	client      *Client
	tenant      index.TenantState
	backoff     index.BackoffPolicy
	concurrency int
	logger      *slog.Logger
}

var _ index.DocumentIndex = (*Index)(nil)

// NewIndex wires an Index over an existing client. concurrency <= 0 selects
// DefaultIndexingConcurrency.
func NewIndex(client *Client, tenant index.TenantState, backoff index.BackoffPolicy, concurrency int, logger *slog.Logger) *Index {
	if concurrency <= 0 {
		concurrency = DefaultIndexingConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{
		client:      client,
		tenant:      tenant,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
	}
}

// VerifyAndCreateSchema creates the index when absent, validates its mappings
// when present, and registers both score-normalization pipelines.
func (x *Index) VerifyAndCreateSchema(ctx context.Context, embeddingDim int) error {
	mappings := Mappings(embeddingDim, x.tenant.Multitenant)

	exists, err := x.client.IndexExists(ctx)
	if err != nil {
		return fmt.Errorf("check index %q: %w", x.client.IndexName(), err)
	}
	if !exists {
		x.logger.InfoContext(ctx, "creating document index",
			slog.String("index", x.client.IndexName()),
			slog.Int("embedding_dim", embeddingDim))
		if err := x.client.CreateIndex(ctx, mappings, Settings()); err != nil {
			return fmt.Errorf("create index %q: %w", x.client.IndexName(), err)
		}
	} else {
		ok, err := x.client.ValidateIndex(ctx, mappings)
		if err != nil {
			return fmt.Errorf("validate index %q: %w", x.client.IndexName(), err)
		}
		if !ok {
			return fmt.Errorf("index %q exists with incompatible mappings", x.client.IndexName())
		}
	}

	for _, n := range []index.Normalization{index.NormalizationMinMax, index.NormalizationZScore} {
		if err := x.client.PutSearchPipeline(ctx, PipelineFor(n), SearchPipelineBody(n)); err != nil {
			return fmt.Errorf("register search pipeline %q: %w", PipelineFor(n), err)
		}
	}
	return nil
}

// Index writes a batch of chunks. Per document it first deletes every
// previously indexed chunk, then writes the new ones, so shrinking documents
// leave no stale tail. Deletes run sequentially per document; chunk writes
// then fan out across a bounded worker pool.
func (x *Index) Index(ctx context.Context, chunks []index.ContentChunk, metadata index.IndexingMetadata) ([]index.InsertionRecord, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	// Phase 1: clear every document in the batch, in first-seen order.
	seen := make(map[string]bool, len(chunks))
	var records []index.InsertionRecord
	for _, c := range chunks {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true

		deleted, err := x.deleteWithRetry(ctx, c.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("clear document %q before indexing: %w", c.DocumentID, err)
		}
		records = append(records, index.InsertionRecord{
			DocumentID:     c.DocumentID,
			AlreadyExisted: deleted > 0,
		})
		if counts, ok := metadata.ChunkCounts[c.DocumentID]; ok && deleted != counts.Previous {
			x.logger.DebugContext(ctx, "previous chunk count mismatch",
				slog.String("document_id", c.DocumentID),
				slog.Int("expected", counts.Previous),
				slog.Int("deleted", deleted))
		}
	}

	// Phase 2: write all chunks in parallel, bounded.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for _, c := range chunks {
		doc := ChunkFromContent(c, x.tenant)
		g.Go(func() error {
			if err := x.indexWithRetry(gctx, doc); err != nil {
				return fmt.Errorf("index chunk %q: %w", doc.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (x *Index) indexWithRetry(ctx context.Context, doc DocumentChunk) error {
	return x.withRetry(ctx, func() error {
		return x.client.CreateDocument(ctx, doc)
	})
}

func (x *Index) deleteWithRetry(ctx context.Context, documentID string) (int, error) {
	var deleted int
	err := x.withRetry(ctx, func() error {
		var err error
		deleted, err = x.client.DeleteByQuery(ctx, DeleteByDocumentIDBody(documentID, x.tenant))
		return err
	})
	return deleted, err
}

// withRetry runs op under the backoff policy. Permanent and
// storage-exhausted failures abort immediately; rate limits always retry up
// to the attempt cap; everything else retries on the short curve. Context
// cancellation during a backoff sleep propagates as the context error.
func (x *Index) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < x.backoff.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		class := index.FailureRetryable
		var se *StatusError
		if asStatusError(err, &se) {
			class = index.ClassifyStatus(se.StatusCode)
		}
		if !class.Retryable() {
			return err
		}
		if attempt == x.backoff.MaxAttempts-1 {
			break
		}

		delay := x.backoff.Delay(class, attempt)
		x.logger.WarnContext(ctx, "backend request failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if err := index.SleepContext(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", x.backoff.MaxAttempts, lastErr)
}

// ExistingDocuments probes which documents in the batch already have their
// first chunk present. Probes run in parallel, one per distinct document.
func (x *Index) ExistingDocuments(ctx context.Context, chunks []index.ContentChunk) (map[string]struct{}, error) {
	ids := make(map[string]string) // document ID -> first-chunk backend ID
	for _, c := range chunks {
		if _, ok := ids[c.DocumentID]; ok {
			continue
		}
		maxChunkSize := c.MaxChunkSize
		if maxChunkSize <= 0 {
			maxChunkSize = index.DefaultMaxChunkSize
		}
		ids[c.DocumentID] = index.ChunkKey(c.DocumentID, 0, maxChunkSize, nil)
	}

	var mu sync.Mutex
	existing := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.concurrency)
	for docID, chunkID := range ids {
		g.Go(func() error {
			ok, err := x.client.DocumentExists(gctx, chunkID)
			if err != nil {
				return fmt.Errorf("probe document %q: %w", docID, err)
			}
			if ok {
				mu.Lock()
				existing[docID] = struct{}{}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return existing, nil
}

// Delete removes every chunk of the document and returns how many were
// deleted. chunkCount is advisory and unused here; delete-by-query finds the
// chunks regardless.
func (x *Index) Delete(ctx context.Context, documentID string, chunkCount int) (int, error) {
	deleted, err := x.deleteWithRetry(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete document %q: %w", documentID, err)
	}
	return deleted, nil
}

// Update applies metadata-only changes chunk by chunk. The caller must
// supply a positive chunk count for every document; guessing would silently
// skip trailing chunks.
func (x *Index) Update(ctx context.Context, requests []index.MetadataUpdateRequest) error {
	for _, req := range requests {
		partial := updatePartial(req)
		if len(partial) == 0 {
			continue
		}
		for _, docID := range req.DocumentIDs {
			count, ok := req.ChunkCounts[docID]
			if !ok || count <= 0 {
				return fmt.Errorf("metadata update for document %q: missing or non-positive chunk count", docID)
			}
			for chunkIdx := 0; chunkIdx < count; chunkIdx++ {
				chunkID := index.ChunkKey(docID, chunkIdx, index.DefaultMaxChunkSize, nil)
				err := x.withRetry(ctx, func() error {
					return x.client.UpdateDocument(ctx, chunkID, partial)
				})
				if err != nil {
					return fmt.Errorf("update chunk %q: %w", chunkID, err)
				}
			}
		}
	}
	return nil
}

func updatePartial(req index.MetadataUpdateRequest) map[string]any {
	partial := map[string]any{}
	if req.AccessControlList != nil {
		partial[FieldAccessControlList] = req.AccessControlList
	}
	if req.Public != nil {
		partial[FieldPublic] = *req.Public
	}
	if req.DocumentSets != nil {
		partial[FieldDocumentSets] = req.DocumentSets
	}
	if req.Boost != nil {
		partial[FieldGlobalBoost] = *req.Boost
	}
	if req.Hidden != nil {
		partial[FieldHidden] = *req.Hidden
	}
	if req.ProjectIDs != nil {
		partial[FieldProjectIDs] = req.ProjectIDs
	}
	return partial
}

// HybridSearch runs the five-subquery hybrid body through the normalization
// pipeline matching the query and returns hits in backend rank order.
func (x *Index) HybridSearch(ctx context.Context, query index.HybridQuery, filters index.SearchFilters, topN, offset int) ([]index.InferenceChunk, error) {
	filters.Tenant = x.tenant
	body := HybridSearchBody(query, filters, topN, offset)
	hits, err := x.client.Search(ctx, body, PipelineFor(query.Normalization))
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}

	out := make([]index.InferenceChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Source.ToInferenceChunk(h.Score, h.Highlights[FieldContent]))
	}
	return out, nil
}

// IDBasedRetrieval fetches chunk ranges by document ID, sorted by document
// then chunk index. Scores and highlights are never set for direct fetches.
func (x *Index) IDBasedRetrieval(ctx context.Context, requests []index.SectionRequest, filters index.SearchFilters) ([]index.InferenceChunk, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	filters.Tenant = x.tenant
	body := SectionBody(requests, filters, DefaultMaxResultWindow)
	hits, err := x.client.Search(ctx, body, "")
	if err != nil {
		return nil, fmt.Errorf("id based retrieval: %w", err)
	}

	out := make([]index.InferenceChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Source.ToInferenceChunk(nil, nil))
	}
	// Ordering must hold regardless of shard merge behavior.
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

// RandomRetrieval samples n matching chunks without relevance ranking.
func (x *Index) RandomRetrieval(ctx context.Context, filters index.SearchFilters, n int) ([]index.InferenceChunk, error) {
	filters.Tenant = x.tenant
	body := RandomBody(filters, n, rand.Int63())
	hits, err := x.client.Search(ctx, body, "")
	if err != nil {
		return nil, fmt.Errorf("random retrieval: %w", err)
	}

	out := make([]index.InferenceChunk, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.Source.ToInferenceChunk(nil, nil))
	}
	return out, nil
}
