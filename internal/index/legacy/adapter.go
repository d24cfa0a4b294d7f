// Package legacy bridges the older, narrower retrieval and indexing contract
// to the current document index interface. It performs structural translation
// only; calls with no equivalent on the current contract fail fast.
package legacy

import (
	"context"
	"errors"
	"fmt"

	"lattice/searchindex/internal/index"
)

// ErrNotImplemented marks legacy calls that have no equivalent on the current
// contract. The adapter never approximates behavior for them.
var ErrNotImplemented = errors.New("legacy operation has no equivalent on the current index contract")

// IndexBatchParams is the legacy indexing request shape: chunk counts are
// split into two parallel maps instead of one.
type IndexBatchParams struct {
	Chunks              []index.ContentChunk
	PreviousChunkCounts map[string]int
	NewChunkCounts      map[string]int
}

// UpdateSingleParams is the legacy metadata update shape: one document per
// call, with access and visibility fields grouped into nested structs.
type UpdateSingleParams struct {
	DocumentID string
	ChunkCount int

	Access *AccessUpdate
	Fields *FieldUpdate
}

// AccessUpdate groups the legacy access-control fields.
type AccessUpdate struct {
	AccessControlList []string
	Public            *bool
}

// FieldUpdate groups the legacy non-access fields.
type FieldUpdate struct {
	DocumentSets []string
	Boost        *float64
	Hidden       *bool
	ProjectIDs   []int64
}

// Adapter translates legacy calls onto a DocumentIndex. It holds no state
// beyond the target index and is removable as a single unit.
type Adapter struct {
	target index.DocumentIndex
}

func NewAdapter(target index.DocumentIndex) *Adapter {
	return &Adapter{target: target}
}

// IndexBatch runs the legacy indexing call and returns the legacy set-typed
// result: the IDs of documents that already existed.
func (a *Adapter) IndexBatch(ctx context.Context, params IndexBatchParams) (map[string]struct{}, error) {
	counts := make(map[string]index.ChunkCounts, len(params.NewChunkCounts))
	for docID, n := range params.NewChunkCounts {
		counts[docID] = index.ChunkCounts{
			Previous: params.PreviousChunkCounts[docID],
			New:      n,
		}
	}

	records, err := a.target.Index(ctx, params.Chunks, index.IndexingMetadata{ChunkCounts: counts})
	if err != nil {
		return nil, err
	}

	existed := make(map[string]struct{})
	for _, rec := range records {
		if rec.AlreadyExisted {
			existed[rec.DocumentID] = struct{}{}
		}
	}
	return existed, nil
}

// UpdateSingle translates the legacy one-document update into a single
// current-contract request.
func (a *Adapter) UpdateSingle(ctx context.Context, params UpdateSingleParams) error {
	if params.DocumentID == "" {
		return fmt.Errorf("legacy update: empty document id")
	}

	req := index.MetadataUpdateRequest{
		DocumentIDs: []string{params.DocumentID},
		ChunkCounts: map[string]int{params.DocumentID: params.ChunkCount},
	}
	if params.Access != nil {
		req.AccessControlList = params.Access.AccessControlList
		req.Public = params.Access.Public
	}
	if params.Fields != nil {
		req.DocumentSets = params.Fields.DocumentSets
		req.Boost = params.Fields.Boost
		req.Hidden = params.Fields.Hidden
		req.ProjectIDs = params.Fields.ProjectIDs
	}

	return a.target.Update(ctx, []index.MetadataUpdateRequest{req})
}

// UpdateMany is part of the legacy surface but has no counterpart here: the
// legacy contract allowed arbitrary per-document field combinations in one
// call.
func (a *Adapter) UpdateMany(ctx context.Context, params []UpdateSingleParams) error {
	if len(params) == 1 {
		return a.UpdateSingle(ctx, params[0])
	}
	return fmt.Errorf("legacy multi-document update: %w", ErrNotImplemented)
}

// Delete passes straight through; the shapes already agree.
func (a *Adapter) Delete(ctx context.Context, documentID string, chunkCount int) (int, error) {
	return a.target.Delete(ctx, documentID, chunkCount)
}

// Retrieve maps the legacy section-fetch call onto ID-based retrieval.
func (a *Adapter) Retrieve(ctx context.Context, requests []index.SectionRequest, filters index.SearchFilters) ([]index.InferenceChunk, error) {
	return a.target.IDBasedRetrieval(ctx, requests, filters)
}

// AdminRetrieval existed on the legacy contract for operator tooling. The
// current contract exposes no unfiltered scan, so the call fails fast.
func (a *Adapter) AdminRetrieval(ctx context.Context, documentID string) ([]index.InferenceChunk, error) {
	return nil, fmt.Errorf("legacy admin retrieval: %w", ErrNotImplemented)
}
