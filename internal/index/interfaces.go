package index

import (
	"context"
	"errors"
)

// ErrUnsupported marks an operation a given backend cannot perform. Callers
// branch on it with errors.Is rather than mistaking it for a data problem.
var ErrUnsupported = errors.New("operation not supported by this document index")

// SchemaVerifier verifies the backend schema and creates it if missing.
type SchemaVerifier interface {
	// VerifyAndCreateSchema ensures the index exists with the expected
	// mappings for the given embedding dimensionality, creating it when
	// absent and failing when an existing schema is incompatible.
	VerifyAndCreateSchema(ctx context.Context, embeddingDim int) error
}

// Indexer writes content chunks into the backend.
type Indexer interface {
	// Index converts chunks into backend documents and writes them. The
	// chunks of one document are never split across Index calls. For every
	// document seen in the batch, all previously indexed chunks are deleted
	// before any new chunk is written, so re-indexing with fewer chunks
	// leaves no stale tail. One record is returned per distinct document.
	Index(ctx context.Context, chunks []ContentChunk, metadata IndexingMetadata) ([]InsertionRecord, error)

	// ExistingDocuments reports which of the chunks' documents already have
	// at least one chunk present in the backend, without mutating anything.
	ExistingDocuments(ctx context.Context, chunks []ContentChunk) (map[string]struct{}, error)
}

// Deleter removes every chunk of a document.
type Deleter interface {
	// Delete hard-deletes all chunks of the document and returns how many
	// were removed. chunkCount may be negative when unknown.
	Delete(ctx context.Context, documentID string, chunkCount int) (int, error)
}

// Updater applies metadata-only mutations to all chunks of the named
// documents.
type Updater interface {
	Update(ctx context.Context, requests []MetadataUpdateRequest) error
}

// HybridSearcher runs combined vector + keyword retrieval.
type HybridSearcher interface {
	HybridSearch(ctx context.Context, query HybridQuery, filters SearchFilters, topN, offset int) ([]InferenceChunk, error)
}

// IDRetriever fetches chunks directly by document ID and chunk range, in
// chunk-index order.
type IDRetriever interface {
	IDBasedRetrieval(ctx context.Context, requests []SectionRequest, filters SearchFilters) ([]InferenceChunk, error)
}

// RandomRetriever samples chunks matching the filters without relevance
// ranking. Backends without this capability return ErrUnsupported.
type RandomRetriever interface {
	RandomRetrieval(ctx context.Context, filters SearchFilters, n int) ([]InferenceChunk, error)
}

// DocumentIndex is the full contract a search backend must satisfy to plug
// into the platform. Both concrete engines implement it; callers depend only
// on this interface.
type DocumentIndex interface {
	SchemaVerifier
	Indexer
	Deleter
	Updater
	HybridSearcher
	IDRetriever
	RandomRetriever
}
