package weaviate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/fault"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"golang.org/x/sync/errgroup"

	"lattice/searchindex/internal/index"
)

// DefaultHybridAlpha balances vector and keyword scores in hybrid queries.
const DefaultHybridAlpha float32 = 0.5

// Documents without a lastUpdated value are treated as this old when a time
// cutoff filter is applied.
const assumedDocumentAge = 90 * 24 * time.Hour

// DefaultIndexingConcurrency bounds parallel chunk writes per Index call.
const DefaultIndexingConcurrency = 8

// Store is the Weaviate-backed document index. It does not support random
// retrieval; that operation returns index.ErrUnsupported.
type Store struct {
	client      *weaviate.Client
	schema      SchemaClient
	tenant      index.TenantState
	backoff     index.BackoffPolicy
	concurrency int
	logger      *slog.Logger
}

var _ index.DocumentIndex = (*Store)(nil)

// NewStore wires a Store over an existing client. concurrency <= 0 selects
// DefaultIndexingConcurrency.
func NewStore(client *weaviate.Client, tenant index.TenantState, backoff index.BackoffPolicy, concurrency int, logger *slog.Logger) *Store {
	if concurrency <= 0 {
		concurrency = DefaultIndexingConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:      client,
		schema:      NewClientAdapter(client),
		tenant:      tenant,
		backoff:     backoff,
		concurrency: concurrency,
		logger:      logger,
	}
}

// VerifyAndCreateSchema ensures the chunk class exists. The embedding
// dimensionality is not part of the class definition here; vectors are
// caller-supplied and the backend accepts whatever length arrives first.
func (s *Store) VerifyAndCreateSchema(ctx context.Context, embeddingDim int) error {
	return EnsureSchema(ctx, s.schema)
}

func chunkProperties(c index.ContentChunk, tenant index.TenantState) map[string]interface{} {
	maxChunkSize := c.MaxChunkSize
	if maxChunkSize <= 0 {
		maxChunkSize = index.DefaultMaxChunkSize
	}

	content := index.CleanText(c.Title + c.DocSummary + c.Content + c.ChunkContext + c.MetadataSuffix)

	var sourceLinks string
	if len(c.SourceLinks) > 0 {
		if raw, err := json.Marshal(c.SourceLinks); err == nil {
			sourceLinks = string(raw)
		}
	}

	props := map[string]interface{}{
		PropDocumentID:         c.DocumentID,
		PropChunkIndex:         c.ChunkIndex,
		PropMaxChunkSize:       maxChunkSize,
		PropTitle:              index.CleanText(c.Title),
		PropContent:            content,
		PropSourceType:         c.SourceType,
		PropMetadata:           index.MetadataList(c.Metadata),
		PropPublic:             c.Public,
		PropAccessControlList:  c.AccessControlList,
		PropHidden:             c.Hidden,
		PropGlobalBoost:        c.Boost,
		PropSemanticIdentifier: index.CleanText(c.SemanticIdentifier),
		PropSourceLinks:        sourceLinks,
		PropDocumentSets:       c.DocumentSets,
		PropProjectIDs:         c.ProjectIDs,
	}
	if c.LastUpdated != nil {
		props[PropLastUpdated] = c.LastUpdated.UTC().Format(time.RFC3339)
	}
	if tenant.Multitenant {
		props[PropTenantID] = tenant.TenantID
	}
	return props
}

// Index clears each document's existing chunks with a batch delete, then
// writes the new chunk objects under deterministic UUIDs across a bounded
// worker pool. The batch delete's match count decides AlreadyExisted.
func (s *Store) Index(ctx context.Context, chunks []index.ContentChunk, metadata index.IndexingMetadata) ([]index.InsertionRecord, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(chunks))
	var records []index.InsertionRecord
	for _, c := range chunks {
		if seen[c.DocumentID] {
			continue
		}
		seen[c.DocumentID] = true

		matches, err := s.deleteWithRetry(ctx, c.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("clear document %q before indexing: %w", c.DocumentID, err)
		}
		records = append(records, index.InsertionRecord{
			DocumentID:     c.DocumentID,
			AlreadyExisted: matches > 0,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, c := range chunks {
		g.Go(func() error {
			err := s.withRetry(gctx, func() error {
				_, err := s.client.Data().Creator().
					WithClassName(ClassName).
					WithID(c.UUID().String()).
					WithProperties(chunkProperties(c, s.tenant)).
					WithVector(c.Embedding).
					Do(gctx)
				return err
			})
			if err != nil {
				return fmt.Errorf("index chunk %q: %w", c.Key(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) deleteWithRetry(ctx context.Context, documentID string) (int64, error) {
	var matches int64
	err := s.withRetry(ctx, func() error {
		resp, err := s.client.Batch().ObjectsBatchDeleter().
			WithClassName(ClassName).
			WithOutput("minimal").
			WithWhere(s.documentWhere(documentID)).
			Do(ctx)
		if err != nil {
			return err
		}
		if resp != nil && resp.Results != nil {
			matches = resp.Results.Matches
			if resp.Results.Failed > 0 {
				return fmt.Errorf("weaviate: %d of %d chunk deletions failed for document %q",
					resp.Results.Failed, resp.Results.Matches, documentID)
			}
		}
		return nil
	})
	return matches, err
}

func (s *Store) documentWhere(documentID string) *filters.WhereBuilder {
	doc := filters.Where().
		WithPath([]string{PropDocumentID}).
		WithOperator(filters.Equal).
		WithValueString(documentID)
	if !s.tenant.Multitenant {
		return doc
	}
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			doc,
			filters.Where().
				WithPath([]string{PropTenantID}).
				WithOperator(filters.Equal).
				WithValueString(s.tenant.TenantID),
		})
}

// withRetry mirrors the indexing retry policy: rate limits always retry with
// full backoff, client errors abort, everything else retries briefly.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.backoff.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		class := index.FailureRetryable
		var ce *fault.WeaviateClientError
		if errors.As(err, &ce) && ce.StatusCode > 0 {
			class = index.ClassifyStatus(ce.StatusCode)
		}
		if !class.Retryable() {
			return err
		}
		if attempt == s.backoff.MaxAttempts-1 {
			break
		}

		delay := s.backoff.Delay(class, attempt)
		s.logger.WarnContext(ctx, "backend request failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()))
		if err := index.SleepContext(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", s.backoff.MaxAttempts, lastErr)
}

// ExistingDocuments probes for each document's first chunk object by its
// deterministic UUID.
func (s *Store) ExistingDocuments(ctx context.Context, chunks []index.ContentChunk) (map[string]struct{}, error) {
	ids := make(map[string]string)
	for _, c := range chunks {
		if _, ok := ids[c.DocumentID]; ok {
			continue
		}
		maxChunkSize := c.MaxChunkSize
		if maxChunkSize <= 0 {
			maxChunkSize = index.DefaultMaxChunkSize
		}
		ids[c.DocumentID] = index.ChunkUUID(c.DocumentID, 0, maxChunkSize, nil).String()
	}

	var mu sync.Mutex
	existing := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for docID, objectID := range ids {
		g.Go(func() error {
			ok, err := s.client.Data().Checker().
				WithClassName(ClassName).
				WithID(objectID).
				Do(gctx)
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

// Delete removes every chunk object of the document and returns the match
// count reported by the batch delete.
func (s *Store) Delete(ctx context.Context, documentID string, chunkCount int) (int, error) {
	matches, err := s.deleteWithRetry(ctx, documentID)
	if err != nil {
		return 0, fmt.Errorf("delete document %q: %w", documentID, err)
	}
	return int(matches), nil
}

// Update merges metadata changes into each chunk object by its deterministic
// UUID. Chunk counts must be known for every document.
func (s *Store) Update(ctx context.Context, requests []index.MetadataUpdateRequest) error {
	for _, req := range requests {
		props := updateProperties(req)
		if len(props) == 0 {
			continue
		}
		for _, docID := range req.DocumentIDs {
			count, ok := req.ChunkCounts[docID]
			if !ok || count <= 0 {
				return fmt.Errorf("metadata update for document %q: missing or non-positive chunk count", docID)
			}
			for chunkIdx := 0; chunkIdx < count; chunkIdx++ {
				objectID := index.ChunkUUID(docID, chunkIdx, index.DefaultMaxChunkSize, nil).String()
				err := s.withRetry(ctx, func() error {
					return s.client.Data().Updater().
						WithClassName(ClassName).
						WithID(objectID).
						WithProperties(props).
						WithMerge().
						Do(ctx)
				})
				if err != nil {
					return fmt.Errorf("update chunk %d of document %q: %w", chunkIdx, docID, err)
				}
			}
		}
	}
	return nil
}

func updateProperties(req index.MetadataUpdateRequest) map[string]interface{} {
	props := map[string]interface{}{}
	if req.AccessControlList != nil {
		props[PropAccessControlList] = req.AccessControlList
	}
	if req.Public != nil {
		props[PropPublic] = *req.Public
	}
	if req.DocumentSets != nil {
		props[PropDocumentSets] = req.DocumentSets
	}
	if req.Boost != nil {
		props[PropGlobalBoost] = *req.Boost
	}
	if req.Hidden != nil {
		props[PropHidden] = *req.Hidden
	}
	if req.ProjectIDs != nil {
		props[PropProjectIDs] = req.ProjectIDs
	}
	return props
}

func (s *Store) filterWhere(f index.SearchFilters) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if !f.IncludeHidden {
		operands = append(operands, filters.Where().
			WithPath([]string{PropHidden}).
			WithOperator(filters.Equal).
			WithValueBoolean(false))
	}

	if s.tenant.Multitenant {
		operands = append(operands, filters.Where().
			WithPath([]string{PropTenantID}).
			WithOperator(filters.Equal).
			WithValueString(s.tenant.TenantID))
	}

	if f.AccessControlList != nil {
		public := filters.Where().
			WithPath([]string{PropPublic}).
			WithOperator(filters.Equal).
			WithValueBoolean(true)
		if len(f.AccessControlList) == 0 {
			operands = append(operands, public)
		} else {
			operands = append(operands, filters.Where().
				WithOperator(filters.Or).
				WithOperands([]*filters.WhereBuilder{
					public,
					filters.Where().
						WithPath([]string{PropAccessControlList}).
						WithOperator(filters.ContainsAny).
						WithValueString(f.AccessControlList...),
				}))
		}
	}

	if len(f.SourceTypes) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{PropSourceType}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.SourceTypes...))
	}

	if len(f.DocumentSets) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{PropDocumentSets}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.DocumentSets...))
	}

	if len(f.DocumentIDs) > 0 {
		operands = append(operands, filters.Where().
			WithPath([]string{PropDocumentID}).
			WithOperator(filters.ContainsAny).
			WithValueString(f.DocumentIDs...))
	}

	if f.ProjectID != nil {
		operands = append(operands, filters.Where().
			WithPath([]string{PropProjectIDs}).
			WithOperator(filters.ContainsAny).
			WithValueInt(*f.ProjectID))
	}

	if f.TimeCutoff != nil {
		cutoff := f.TimeCutoff.UTC()
		recent := filters.Where().
			WithPath([]string{PropLastUpdated}).
			WithOperator(filters.GreaterThanEqual).
			WithValueDate(cutoff)
		// Untimestamped chunks pass only cutoffs looser than the assumed
		// document age.
		if time.Since(cutoff) > assumedDocumentAge {
			operands = append(operands, filters.Where().
				WithOperator(filters.Or).
				WithOperands([]*filters.WhereBuilder{
					recent,
					filters.Where().
						WithPath([]string{PropLastUpdated}).
						WithOperator(filters.IsNull).
						WithValueBoolean(true),
				}))
		} else {
			operands = append(operands, recent)
		}
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().WithOperator(filters.And).WithOperands(operands)
	}
}

func chunkFields(withScore bool) []graphql.Field {
	fields := []graphql.Field{
		{Name: PropDocumentID},
		{Name: PropChunkIndex},
		{Name: PropTitle},
		{Name: PropContent},
		{Name: PropSourceType},
		{Name: PropMetadata},
		{Name: PropLastUpdated},
		{Name: PropHidden},
		{Name: PropGlobalBoost},
		{Name: PropSemanticIdentifier},
		{Name: PropSourceLinks},
	}
	if withScore {
		fields = append(fields, graphql.Field{
			Name:   "_additional",
			Fields: []graphql.Field{{Name: "score"}},
		})
	}
	return fields
}

func fusionFor(n index.Normalization) graphql.FusionType {
	if n == index.NormalizationZScore {
		return graphql.Ranked
	}
	return graphql.RelativeScore
}

// HybridSearch combines keyword and vector matching in one query. Score
// normalization maps onto the backend's fusion modes; weights beyond the
// single alpha are not expressible here.
func (s *Store) HybridSearch(ctx context.Context, query index.HybridQuery, filters index.SearchFilters, topN, offset int) ([]index.InferenceChunk, error) {
	filters.Tenant = s.tenant

	hybrid := s.client.GraphQL().HybridArgumentBuilder().
		WithQuery(query.Text()).
		WithVector(query.Embedding).
		WithAlpha(DefaultHybridAlpha).
		WithFusionType(fusionFor(query.Normalization))

	builder := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithHybrid(hybrid).
		WithLimit(topN).
		WithOffset(offset).
		WithFields(chunkFields(true)...)
	if where := s.filterWhere(filters); where != nil {
		builder = builder.WithWhere(where)
	}

	res, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("hybrid search: %w", err)
	}
	return parseChunks(res, true)
}

// IDBasedRetrieval fetches chunk ranges by document ID, ordered by document
// then chunk index. Scores stay nil for direct fetches.
func (s *Store) IDBasedRetrieval(ctx context.Context, requests []index.SectionRequest, f index.SearchFilters) ([]index.InferenceChunk, error) {
	if len(requests) == 0 {
		return nil, nil
	}
	f.Tenant = s.tenant

	var sections []*filters.WhereBuilder
	for _, req := range requests {
		operands := []*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{PropDocumentID}).
				WithOperator(filters.Equal).
				WithValueString(req.DocumentID),
		}
		if req.MinChunkIndex != nil {
			operands = append(operands, filters.Where().
				WithPath([]string{PropChunkIndex}).
				WithOperator(filters.GreaterThanEqual).
				WithValueInt(int64(*req.MinChunkIndex)))
		}
		if req.MaxChunkIndex != nil {
			operands = append(operands, filters.Where().
				WithPath([]string{PropChunkIndex}).
				WithOperator(filters.LessThanEqual).
				WithValueInt(int64(*req.MaxChunkIndex)))
		}
		if len(operands) == 1 {
			sections = append(sections, operands[0])
		} else {
			sections = append(sections, filters.Where().
				WithOperator(filters.And).
				WithOperands(operands))
		}
	}

	sectionWhere := sections[0]
	if len(sections) > 1 {
		sectionWhere = filters.Where().WithOperator(filters.Or).WithOperands(sections)
	}

	where := sectionWhere
	if filter := s.filterWhere(f); filter != nil {
		where = filters.Where().
			WithOperator(filters.And).
			WithOperands([]*filters.WhereBuilder{sectionWhere, filter})
	}

	res, err := s.client.GraphQL().Get().
		WithClassName(ClassName).
		WithWhere(where).
		WithLimit(10_000).
		WithFields(chunkFields(false)...).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("id based retrieval: %w", err)
	}

	out, err := parseChunks(res, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out, nil
}

// RandomRetrieval is not expressible on this backend.
func (s *Store) RandomRetrieval(ctx context.Context, filters index.SearchFilters, n int) ([]index.InferenceChunk, error) {
	return nil, fmt.Errorf("random retrieval: %w", index.ErrUnsupported)
}

func parseChunks(res *models.GraphQLResponse, withScore bool) ([]index.InferenceChunk, error) {
	if len(res.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %v", res.Errors[0].Message)
	}

	var out []index.InferenceChunk
	data, ok := res.Data["Get"].(map[string]interface{})
	if !ok {
		return out, nil
	}
	rawChunks, ok := data[ClassName].([]interface{})
	if !ok {
		return out, nil
	}

	for _, raw := range rawChunks {
		props, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}

		chunk := index.InferenceChunk{}
		if v, ok := props[PropDocumentID].(string); ok {
			chunk.DocumentID = v
		}
		if v, ok := props[PropChunkIndex].(float64); ok {
			chunk.ChunkIndex = int(v)
		}
		if v, ok := props[PropTitle].(string); ok {
			chunk.Title = v
		}
		if v, ok := props[PropContent].(string); ok {
			chunk.Content = v
		}
		if v, ok := props[PropSourceType].(string); ok {
			chunk.SourceType = v
		}
		if v, ok := props[PropSemanticIdentifier].(string); ok {
			chunk.SemanticIdentifier = v
		}
		if v, ok := props[PropGlobalBoost].(float64); ok {
			chunk.Boost = v
		}
		if v, ok := props[PropHidden].(bool); ok {
			chunk.Hidden = v
		}
		if v, ok := props[PropSourceLinks].(string); ok && v != "" {
			_ = json.Unmarshal([]byte(v), &chunk.SourceLinks)
		}
		if v, ok := props[PropLastUpdated].(string); ok && v != "" {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				utc := t.UTC()
				chunk.LastUpdated = &utc
			}
		}
		if entries, ok := props[PropMetadata].([]interface{}); ok {
			metadata := make(map[string]string, len(entries))
			for _, e := range entries {
				if entry, ok := e.(string); ok {
					if k, v, ok := index.SplitMetadataEntry(entry); ok {
						metadata[k] = v
					}
				}
			}
			if len(metadata) > 0 {
				chunk.Metadata = metadata
			}
		}

		if withScore {
			if additional, ok := props["_additional"].(map[string]interface{}); ok {
				var score float64
				switch v := additional["score"].(type) {
				case string:
					fmt.Sscanf(v, "%f", &score)
					chunk.Score = &score
				case float64:
					score = v
					chunk.Score = &score
				}
			}
		}

		out = append(out, chunk)
	}
	return out, nil
}
