package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"

	"lattice/searchindex/internal/index"
	"lattice/searchindex/internal/middleware"
)

const handleTimeout = 5 * time.Minute

// AncestorResolver resolves a raw parent node id to the ancestor chain used
// to annotate indexed chunks. Satisfied by hierarchy.Cache.
type AncestorResolver interface {
	GetAncestors(ctx context.Context, source, rawParentNodeID string) ([]int64, error)
}

// IndexerConsumer consumes chunk batches and drives them through the
// document index.
type IndexerConsumer struct {
	idx       index.Indexer
	ancestors AncestorResolver
}

func NewIndexerConsumer(idx index.Indexer, ancestors AncestorResolver) *IndexerConsumer {
	return &IndexerConsumer{idx: idx, ancestors: ancestors}
}

func (h *IndexerConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload ChunkBatchPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		// Poison Pill: Invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}

	ctx := context.Background()
	if payload.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, payload.CorrelationID)
	}
	ctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	chunks := make([]index.ContentChunk, 0, len(payload.Documents))
	counts := make(map[string]index.ChunkCounts, len(payload.Documents))
	for _, doc := range payload.Documents {
		var ancestorTag string
		if h.ancestors != nil && doc.RawParentNodeID != "" {
			chain, err := h.ancestors.GetAncestors(ctx, payload.Source, doc.RawParentNodeID)
			if err != nil {
				slog.ErrorContext(ctx, "ancestor resolution failed",
					"error", err, "source", payload.Source, "document_id", doc.DocumentID)
				return err // Retry
			}
			ancestorTag = joinNodeIDs(chain)
		}

		counts[doc.DocumentID] = index.ChunkCounts{
			Previous: doc.PreviousChunkCount,
			New:      len(doc.Chunks),
		}
		for _, c := range doc.Chunks {
			if ancestorTag != "" {
				if c.Metadata == nil {
					c.Metadata = make(map[string]string, 1)
				}
				c.Metadata["ancestors"] = ancestorTag
			}
			if c.TenantID == "" {
				c.TenantID = payload.TenantID
			}
			chunks = append(chunks, c)
		}
	}

	records, err := h.idx.Index(ctx, chunks, index.IndexingMetadata{ChunkCounts: counts})
	if err != nil {
		slog.ErrorContext(ctx, "indexing batch failed",
			"error", err, "source", payload.Source, "documents", len(payload.Documents))
		return err // Retry
	}

	slog.InfoContext(ctx, "chunk batch indexed",
		"source", payload.Source, "documents", len(records), "chunks", len(chunks))
	return nil
}

func joinNodeIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}
