// Package search is the query-side facade: it turns caller search requests
// into document index operations and logs query outcomes.
package search

import (
	"context"
	"time"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/middleware"
)

// DefaultTopN caps hybrid results when the caller does not choose.
const DefaultTopN = 10

// Embedder produces the query vector for hybrid search. The embedding model
// lives in a separate service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Options tune a single search call. Nil pointers select defaults.
type Options struct {
	Filters       index.SearchFilters
	TopN          *int
	Offset        *int
	Keywords      []string
	Normalization index.Normalization
}

type Service struct {
	embedder Embedder
	idx      index.DocumentIndex
	logger   *QueryLogger
}

func NewService(embedder Embedder, idx index.DocumentIndex, logger *QueryLogger) *Service {
	return &Service{embedder: embedder, idx: idx, logger: logger}
}

// Search embeds the query and runs hybrid retrieval. Results keep the
// backend's ranking order; ties are not re-sorted client-side.
func (s *Service) Search(ctx context.Context, query string, opts *Options) ([]index.InferenceChunk, error) {
	start := time.Now()

	topN := DefaultTopN
	offset := 0
	var filters index.SearchFilters
	var keywords []string
	var normalization index.Normalization
	if opts != nil {
		filters = opts.Filters
		keywords = opts.Keywords
		normalization = opts.Normalization
		if opts.TopN != nil {
			topN = *opts.TopN
		}
		if opts.Offset != nil {
			offset = *opts.Offset
		}
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	chunks, err := s.idx.HybridSearch(ctx, index.HybridQuery{
		Query:         query,
		Embedding:     vector,
		Keywords:      keywords,
		Normalization: normalization,
	}, filters, topN, offset)
	if err != nil {
		return nil, err
	}

	if s.logger != nil {
		s.logger.Log(QueryLogEntry{
			Query:         query,
			Tenant:        filters.Tenant.TenantID,
			Normalization: string(normalization),
			NumResults:    len(chunks),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}
	return chunks, nil
}

// Sections fetches chunks directly by document id and chunk range.
func (s *Service) Sections(ctx context.Context, requests []index.SectionRequest, filters index.SearchFilters) ([]index.InferenceChunk, error) {
	return s.idx.IDBasedRetrieval(ctx, requests, filters)
}

// RandomSample returns n chunks matching the filters without relevance
// ranking. Backends without the capability surface index.ErrUnsupported.
func (s *Service) RandomSample(ctx context.Context, filters index.SearchFilters, n int) ([]index.InferenceChunk, error) {
	return s.idx.RandomRetrieval(ctx, filters, n)
}
