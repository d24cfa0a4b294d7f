package search_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/search"
)

type MockEmbedder struct{ mock.Mock }

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

type MockIndex struct{ mock.Mock }

func (m *MockIndex) VerifyAndCreateSchema(ctx context.Context, embeddingDim int) error {
	return m.Called(ctx, embeddingDim).Error(0)
}

func (m *MockIndex) Index(ctx context.Context, chunks []index.ContentChunk, metadata index.IndexingMetadata) ([]index.InsertionRecord, error) {
	args := m.Called(ctx, chunks, metadata)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]index.InsertionRecord), args.Error(1)
}

func (m *MockIndex) ExistingDocuments(ctx context.Context, chunks []index.ContentChunk) (map[string]struct{}, error) {
	args := m.Called(ctx, chunks)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]struct{}), args.Error(1)
}

func (m *MockIndex) Delete(ctx context.Context, documentID string, chunkCount int) (int, error) {
	args := m.Called(ctx, documentID, chunkCount)
	return args.Int(0), args.Error(1)
}

func (m *MockIndex) Update(ctx context.Context, requests []index.MetadataUpdateRequest) error {
	return m.Called(ctx, requests).Error(0)
}

func (m *MockIndex) HybridSearch(ctx context.Context, query index.HybridQuery, filters index.SearchFilters, topN, offset int) ([]index.InferenceChunk, error) {
	args := m.Called(ctx, query, filters, topN, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]index.InferenceChunk), args.Error(1)
}

func (m *MockIndex) IDBasedRetrieval(ctx context.Context, requests []index.SectionRequest, filters index.SearchFilters) ([]index.InferenceChunk, error) {
	args := m.Called(ctx, requests, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]index.InferenceChunk), args.Error(1)
}

func (m *MockIndex) RandomRetrieval(ctx context.Context, filters index.SearchFilters, n int) ([]index.InferenceChunk, error) {
	args := m.Called(ctx, filters, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]index.InferenceChunk), args.Error(1)
}

func TestService_SearchEmbedsAndQueries(t *testing.T) {
	embedder := new(MockEmbedder)
	idx := new(MockIndex)
	var buf bytes.Buffer
	svc := search.NewService(embedder, idx, search.NewQueryLogger(&buf))

	vector := []float32{0.1, 0.2}
	embedder.On("Embed", mock.Anything, "how to reset password").Return(vector, nil)

	score := 0.9
	idx.On("HybridSearch", mock.Anything, index.HybridQuery{
		Query:     "how to reset password",
		Embedding: vector,
	}, index.SearchFilters{}, search.DefaultTopN, 0).
		Return([]index.InferenceChunk{{DocumentID: "doc-a", Score: &score}}, nil)

	out, err := svc.Search(context.Background(), "how to reset password", nil)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "doc-a", out[0].DocumentID)

	var entry search.QueryLogEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "how to reset password", entry.Query)
	assert.Equal(t, 1, entry.NumResults)

	embedder.AssertExpectations(t)
	idx.AssertExpectations(t)
}

func TestService_SearchHonorsOptions(t *testing.T) {
	embedder := new(MockEmbedder)
	idx := new(MockIndex)
	svc := search.NewService(embedder, idx, nil)

	vector := []float32{0.5}
	embedder.On("Embed", mock.Anything, "q").Return(vector, nil)

	topN, offset := 25, 50
	filters := index.SearchFilters{SourceTypes: []string{"web"}}
	idx.On("HybridSearch", mock.Anything, index.HybridQuery{
		Query:         "q",
		Embedding:     vector,
		Keywords:      []string{"reset"},
		Normalization: index.NormalizationZScore,
	}, filters, 25, 50).Return([]index.InferenceChunk{}, nil)

	_, err := svc.Search(context.Background(), "q", &search.Options{
		Filters:       filters,
		TopN:          &topN,
		Offset:        &offset,
		Keywords:      []string{"reset"},
		Normalization: index.NormalizationZScore,
	})
	require.NoError(t, err)
	idx.AssertExpectations(t)
}

func TestService_SearchEmbedFailure(t *testing.T) {
	embedder := new(MockEmbedder)
	idx := new(MockIndex)
	svc := search.NewService(embedder, idx, nil)

	embedder.On("Embed", mock.Anything, "q").Return(nil, errors.New("embedding service down"))

	_, err := svc.Search(context.Background(), "q", nil)
	require.Error(t, err)
	idx.AssertNotCalled(t, "HybridSearch")
}

func TestService_RandomSamplePropagatesUnsupported(t *testing.T) {
	svc := search.NewService(new(MockEmbedder), func() *MockIndex {
		idx := new(MockIndex)
		idx.On("RandomRetrieval", mock.Anything, index.SearchFilters{}, 3).
			Return(nil, index.ErrUnsupported)
		return idx
	}(), nil)

	_, err := svc.RandomSample(context.Background(), index.SearchFilters{}, 3)
	require.ErrorIs(t, err, index.ErrUnsupported)
}
