package index

import "time"

// TenantState identifies which tenant an index instance operates on. When
// Multitenant is false the tenant filter is omitted from queries entirely.
type TenantState struct {
	TenantID    string `json:"tenant_id"`
	Multitenant bool   `json:"multitenant"`
}

// ContentChunk is the unit handed to the indexing pipeline. It is immutable
// once produced: the embedding is precomputed upstream and the backend
// document derived from it is fully determined by its fields.
type ContentChunk struct {
	DocumentID string `json:"document_id"`
	ChunkIndex int    `json:"chunk_index"`
	// Token-capacity category of the chunk. Zero means DefaultMaxChunkSize.
	MaxChunkSize int `json:"max_chunk_size,omitempty"`

	Title          string `json:"title,omitempty"`
	Content        string `json:"content"`
	Blurb          string `json:"blurb,omitempty"`
	DocSummary     string `json:"doc_summary,omitempty"`
	ChunkContext   string `json:"chunk_context,omitempty"`
	MetadataSuffix string `json:"metadata_suffix,omitempty"`

	SemanticIdentifier string            `json:"semantic_identifier,omitempty"`
	SourceType         string            `json:"source_type"`
	SourceLinks        map[string]string `json:"source_links,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`

	Embedding           []float32   `json:"embedding"`
	TitleEmbedding      []float32   `json:"title_embedding,omitempty"`
	MiniChunkEmbeddings [][]float32 `json:"mini_chunk_embeddings,omitempty"`

	LargeChunkReferenceIDs []int `json:"large_chunk_reference_ids,omitempty"`

	AccessControlList []string `json:"access_control_list,omitempty"`
	DocumentSets      []string `json:"document_sets,omitempty"`
	ProjectIDs        []int64  `json:"project_ids,omitempty"`

	Boost  float64 `json:"boost"`
	Hidden bool    `json:"hidden"`
	Public bool    `json:"public"`

	TenantID    string     `json:"tenant_id,omitempty"`
	LastUpdated *time.Time `json:"last_updated,omitempty"`
}

// ChunkCounts records how many chunks a document had before this indexing
// operation and how many it has now.
type ChunkCounts struct {
	Previous int `json:"previous"`
	New      int `json:"new"`
}

// IndexingMetadata carries per-document chunk counts for one Index call. It
// lets implementations reason about whether stale trailing chunks can exist.
type IndexingMetadata struct {
	ChunkCounts map[string]ChunkCounts `json:"chunk_counts"`
}

// InsertionRecord is the per-document result of an Index call.
type InsertionRecord struct {
	DocumentID     string `json:"document_id"`
	AlreadyExisted bool   `json:"already_existed"`
}

// SectionRequest asks for a contiguous chunk range of one document. Nil
// bounds mean "from the start" / "to the end" respectively.
type SectionRequest struct {
	DocumentID    string
	MinChunkIndex *int
	MaxChunkIndex *int
}

// MetadataUpdateRequest mutates chunk metadata without touching content.
// Nil slice/pointer fields mean "no change to this field"; an empty non-nil
// slice clears the field.
type MetadataUpdateRequest struct {
	DocumentIDs []string
	// Chunk count per document ID. The caller must know these; a missing or
	// non-positive count is a caller bug and fails the whole request.
	ChunkCounts map[string]int

	AccessControlList []string
	Public            *bool
	DocumentSets      []string
	Boost             *float64
	Hidden            *bool
	ProjectIDs        []int64
}

// SearchFilters restricts which chunks a query may return. Tenant and
// visibility restrictions are always applied by implementations; the rest are
// opt-in. A nil AccessControlList means the caller is unrestricted; a non-nil
// list restricts results to public chunks plus chunks carrying at least one
// of the listed ACL tokens.
type SearchFilters struct {
	Tenant            TenantState
	AccessControlList []string
	SourceTypes       []string
	DocumentSets      []string
	DocumentIDs       []string
	ProjectID         *int64
	TimeCutoff        *time.Time
	IncludeHidden     bool
}

// Normalization selects how keyword and vector scores are combined before
// final ranking.
type Normalization string

const (
	NormalizationMinMax Normalization = "min_max"
	NormalizationZScore Normalization = "z_score"
)

// HybridQuery is the input to hybrid (vector + keyword) retrieval.
type HybridQuery struct {
	Query     string
	Embedding []float32
	// Keywords to match instead of the raw query text. Empty means use Query.
	Keywords      []string
	Normalization Normalization
}

// Text returns the keyword-match text for the query.
func (q HybridQuery) Text() string {
	if len(q.Keywords) > 0 {
		out := q.Keywords[0]
		for _, kw := range q.Keywords[1:] {
			out += " " + kw
		}
		return out
	}
	return q.Query
}

// InferenceChunk is the normalized retrieval output shape. Score is set only
// from the backend's ranking; ID-based and random retrieval leave it nil.
type InferenceChunk struct {
	DocumentID         string            `json:"document_id"`
	ChunkIndex         int               `json:"chunk_index"`
	Content            string            `json:"content"`
	Blurb              string            `json:"blurb,omitempty"`
	Title              string            `json:"title,omitempty"`
	SourceType         string            `json:"source_type"`
	SemanticIdentifier string            `json:"semantic_identifier,omitempty"`
	SourceLinks        map[string]string `json:"source_links,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Boost              float64           `json:"boost"`
	Hidden             bool              `json:"hidden"`
	Score              *float64          `json:"score,omitempty"`
	MatchHighlights    []string          `json:"match_highlights,omitempty"`
	LastUpdated        *time.Time        `json:"last_updated,omitempty"`
}
