package worker

import "lattice/searchindex/internal/index"

// DocumentPayload carries one document's chunks within a batch, plus the raw
// parent node id used to resolve its place in the source hierarchy.
type DocumentPayload struct {
	DocumentID         string               `json:"document_id"`
	RawParentNodeID    string               `json:"raw_parent_node_id,omitempty"`
	PreviousChunkCount int                  `json:"previous_chunk_count"`
	Chunks             []index.ContentChunk `json:"chunks"`
}

// ChunkBatchPayload is the unit of work published by the ingestion service.
type ChunkBatchPayload struct {
	Source    string            `json:"source"`
	TenantID  string            `json:"tenant_id,omitempty"`
	Documents []DocumentPayload `json:"documents"`

	CorrelationID string `json:"correlation_id"`
}

// DeleteDocumentPayload requests removal of every chunk of one document.
type DeleteDocumentPayload struct {
	DocumentID string `json:"document_id"`
	// Chunk count as last known by the publisher; negative when unknown.
	ChunkCount int `json:"chunk_count"`

	CorrelationID string `json:"correlation_id"`
}
