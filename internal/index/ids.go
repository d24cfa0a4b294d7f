package index

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxChunkSize is the token-capacity category assigned to chunks that
// do not specify one.
const DefaultMaxChunkSize = 512

// chunkNamespace seeds deterministic chunk UUIDs. Changing it orphans every
// previously indexed chunk.
var chunkNamespace = uuid.MustParse("5f2b6c0a-9d41-4c8e-b6aa-3f1d2f6f4b7e")

// ChunkKey returns the deterministic backend document ID for a chunk, so
// re-indexing the same logical chunk overwrites instead of duplicating.
func ChunkKey(documentID string, chunkIndex, maxChunkSize int, largeChunkRefs []int) string {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	key := fmt.Sprintf("%s__%d__%d", documentID, maxChunkSize, chunkIndex)
	if len(largeChunkRefs) > 0 {
		parts := make([]string, len(largeChunkRefs))
		for i, ref := range largeChunkRefs {
			parts[i] = fmt.Sprintf("%d", ref)
		}
		key += "__" + strings.Join(parts, "_")
	}
	return key
}

// ChunkUUID is ChunkKey projected into UUID space for backends whose object
// IDs must be UUIDs. Equal inputs always yield equal UUIDs.
func ChunkUUID(documentID string, chunkIndex, maxChunkSize int, largeChunkRefs []int) uuid.UUID {
	return uuid.NewSHA1(chunkNamespace, []byte(ChunkKey(documentID, chunkIndex, maxChunkSize, largeChunkRefs)))
}

// Key returns the chunk's deterministic backend document ID.
func (c ContentChunk) Key() string {
	return ChunkKey(c.DocumentID, c.ChunkIndex, c.MaxChunkSize, c.LargeChunkReferenceIDs)
}

// UUID returns the chunk's deterministic object UUID.
func (c ContentChunk) UUID() uuid.UUID {
	return ChunkUUID(c.DocumentID, c.ChunkIndex, c.MaxChunkSize, c.LargeChunkReferenceIDs)
}
