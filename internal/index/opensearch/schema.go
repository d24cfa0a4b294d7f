package opensearch

import (
	"encoding/json"
	"time"

	"lattice/searchindex/internal/index"
)

// Field names of the chunk document schema. Query builders and the mapping
// definition must stay in sync with these.
const (
	FieldDocumentID         = "document_id"
	FieldChunkIndex         = "chunk_index"
	FieldMaxChunkSize       = "max_chunk_size"
	FieldTitle              = "title"
	FieldTitleVector        = "title_vector"
	FieldContent            = "content"
	FieldContentVector      = "content_vector"
	FieldNumTokens          = "num_tokens"
	FieldSourceType         = "source_type"
	FieldMetadata           = "metadata"
	FieldLastUpdated        = "last_updated"
	FieldPublic             = "public"
	FieldAccessControlList  = "access_control_list"
	FieldHidden             = "hidden"
	FieldGlobalBoost        = "global_boost"
	FieldSemanticIdentifier = "semantic_identifier"
	FieldSourceLinks        = "source_links"
	FieldDocumentSets       = "document_sets"
	FieldProjectIDs         = "project_ids"
	FieldTenantID           = "tenant_id"
)

// DocumentChunk is the wire shape of one chunk document. Field names follow
// the index mappings; changes there require changes here.
type DocumentChunk struct {
	DocumentID   string `json:"document_id"`
	ChunkIndex   int    `json:"chunk_index"`
	MaxChunkSize int    `json:"max_chunk_size"`

	Title         string    `json:"title,omitempty"`
	TitleVector   []float32 `json:"title_vector,omitempty"`
	Content       string    `json:"content"`
	ContentVector []float32 `json:"content_vector"`
	NumTokens     int       `json:"num_tokens"`

	SourceType string `json:"source_type"`
	// Entries of the form key:::value, kept as a flat list for exact-match
	// tag filtering.
	Metadata []string `json:"metadata,omitempty"`
	// Milliseconds since the Unix epoch.
	LastUpdated *int64 `json:"last_updated,omitempty"`

	Public            bool     `json:"public"`
	AccessControlList []string `json:"access_control_list,omitempty"`
	Hidden            bool     `json:"hidden"`
	GlobalBoost       float64  `json:"global_boost"`

	SemanticIdentifier string `json:"semantic_identifier,omitempty"`
	// JSON-encoded map of chunk offsets to source links.
	SourceLinks string `json:"source_links,omitempty"`

	DocumentSets []string `json:"document_sets,omitempty"`
	ProjectIDs   []int64  `json:"project_ids,omitempty"`

	TenantID string `json:"tenant_id,omitempty"`
}

// ID returns the deterministic backend document ID for this chunk.
func (d DocumentChunk) ID() string {
	return index.ChunkKey(d.DocumentID, d.ChunkIndex, d.MaxChunkSize, nil)
}

// ChunkFromContent translates a pipeline chunk into the backend document
// shape: vectors flattened, metadata and source links JSON-encoded, text
// cleaned for the backend's character constraints.
func ChunkFromContent(c index.ContentChunk, tenant index.TenantState) DocumentChunk {
	maxChunkSize := c.MaxChunkSize
	if maxChunkSize <= 0 {
		maxChunkSize = index.DefaultMaxChunkSize
	}

	// The BM25-indexed content carries the title prefix, summaries and
	// metadata suffix; the vector was generated upstream from the same
	// composite text.
	content := index.CleanText(c.Title + c.DocSummary + c.Content + c.ChunkContext + c.MetadataSuffix)

	var sourceLinks string
	if len(c.SourceLinks) > 0 {
		if raw, err := json.Marshal(c.SourceLinks); err == nil {
			sourceLinks = string(raw)
		}
	}

	var lastUpdated *int64
	if c.LastUpdated != nil {
		millis := c.LastUpdated.UTC().UnixMilli()
		lastUpdated = &millis
	}

	doc := DocumentChunk{
		DocumentID:         c.DocumentID,
		ChunkIndex:         c.ChunkIndex,
		MaxChunkSize:       maxChunkSize,
		Title:              index.CleanText(c.Title),
		TitleVector:        c.TitleEmbedding,
		Content:            content,
		ContentVector:      c.Embedding,
		SourceType:         c.SourceType,
		Metadata:           index.MetadataList(c.Metadata),
		LastUpdated:        lastUpdated,
		Public:             c.Public,
		AccessControlList:  c.AccessControlList,
		Hidden:             c.Hidden,
		GlobalBoost:        c.Boost,
		SemanticIdentifier: index.CleanText(c.SemanticIdentifier),
		SourceLinks:        sourceLinks,
		DocumentSets:       c.DocumentSets,
		ProjectIDs:         c.ProjectIDs,
	}
	if tenant.Multitenant {
		doc.TenantID = tenant.TenantID
	}
	return doc
}

// ToInferenceChunk converts a retrieved backend document into the normalized
// retrieval shape. The score is supplied by the caller from the search hit;
// it is never synthesized here.
func (d DocumentChunk) ToInferenceChunk(score *float64, highlights []string) index.InferenceChunk {
	var sourceLinks map[string]string
	if d.SourceLinks != "" {
		// A decode failure leaves the links empty rather than failing the
		// whole query.
		_ = json.Unmarshal([]byte(d.SourceLinks), &sourceLinks)
	}

	metadata := make(map[string]string, len(d.Metadata))
	for _, entry := range d.Metadata {
		if k, v, ok := index.SplitMetadataEntry(entry); ok {
			metadata[k] = v
		}
	}

	var lastUpdated *time.Time
	if d.LastUpdated != nil {
		t := time.UnixMilli(*d.LastUpdated).UTC()
		lastUpdated = &t
	}

	return index.InferenceChunk{
		DocumentID:         d.DocumentID,
		ChunkIndex:         d.ChunkIndex,
		Content:            d.Content,
		Title:              d.Title,
		SourceType:         d.SourceType,
		SemanticIdentifier: d.SemanticIdentifier,
		SourceLinks:        sourceLinks,
		Metadata:           metadata,
		Boost:              d.GlobalBoost,
		Hidden:             d.Hidden,
		Score:              score,
		MatchHighlights:    highlights,
		LastUpdated:        lastUpdated,
	}
}

// Mappings returns the expected index mappings for the given embedding
// dimensionality.
func Mappings(embeddingDim int, multitenant bool) map[string]any {
	knnVector := func() map[string]any {
		return map[string]any{
			"type":      "knn_vector",
			"dimension": embeddingDim,
			"method": map[string]any{
				"name":       "hnsw",
				"space_type": "cosinesimil",
				"engine":     "lucene",
			},
		}
	}

	properties := map[string]any{
		FieldDocumentID:   map[string]any{"type": "keyword"},
		FieldChunkIndex:   map[string]any{"type": "integer"},
		FieldMaxChunkSize: map[string]any{"type": "integer"},
		FieldTitle: map[string]any{
			"type":   "text",
			"fields": map[string]any{"keyword": map[string]any{"type": "keyword"}},
		},
		FieldContent:       map[string]any{"type": "text"},
		FieldTitleVector:   knnVector(),
		FieldContentVector: knnVector(),
		FieldNumTokens:     map[string]any{"type": "integer"},
		FieldSourceType:    map[string]any{"type": "keyword"},
		FieldMetadata:      map[string]any{"type": "keyword"},
		FieldLastUpdated:   map[string]any{"type": "date", "format": "epoch_millis"},
		FieldPublic:        map[string]any{"type": "boolean"},
		FieldAccessControlList: map[string]any{
			"type": "keyword",
		},
		FieldHidden:      map[string]any{"type": "boolean"},
		FieldGlobalBoost: map[string]any{"type": "float"},
		FieldSemanticIdentifier: map[string]any{
			"type":   "text",
			"fields": map[string]any{"keyword": map[string]any{"type": "keyword"}},
		},
		FieldSourceLinks:  map[string]any{"type": "keyword", "index": false},
		FieldDocumentSets: map[string]any{"type": "keyword"},
		FieldProjectIDs:   map[string]any{"type": "long"},
	}
	if multitenant {
		properties[FieldTenantID] = map[string]any{"type": "keyword"}
	}

	return map[string]any{"properties": properties}
}

// Settings returns the index settings used at creation time.
func Settings() map[string]any {
	return map[string]any{
		"index": map[string]any{
			"knn":                true,
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
	}
}
