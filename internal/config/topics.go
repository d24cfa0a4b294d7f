package config

const (
	// TopicChunkBatches is the NSQ topic for chunk batches awaiting indexing.
	TopicChunkBatches = "index.chunk.batch"

	// TopicDocumentDeletes is the NSQ topic for document deletion requests.
	TopicDocumentDeletes = "index.document.delete"

	// IndexerChannel is the shared channel name for indexing consumers.
	IndexerChannel = "searchindex"
)
