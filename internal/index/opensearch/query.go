package opensearch

import (
	"time"

	"lattice/searchindex/internal/index"
)

// Search pipeline IDs registered at schema-verification time. Queries select
// one by the requested normalization technique.
const (
	PipelineMinMax = "hybrid-search-pipeline-min-max"
	PipelineZScore = "hybrid-search-pipeline-z-score"
)

// Relative weights of the five hybrid subqueries, in the order they appear in
// the query body. They must sum to 1.
var hybridSubqueryWeights = []float64{0.25, 0.25, 0.2, 0.15, 0.15}

// Documents without a last_updated value are treated as this old when a time
// cutoff filter is applied, so they are excluded by cutoffs stricter than it.
const assumedDocumentAge = 90 * 24 * time.Hour

// HighlightTag wraps matched terms in content highlights.
const HighlightTag = "hi"

// PipelineFor maps a normalization technique to its registered pipeline ID.
func PipelineFor(n index.Normalization) string {
	if n == index.NormalizationZScore {
		return PipelineZScore
	}
	return PipelineMinMax
}

// SearchPipelineBody returns the definition of the score-normalization
// pipeline for one technique.
func SearchPipelineBody(n index.Normalization) map[string]any {
	technique := "min_max"
	if n == index.NormalizationZScore {
		technique = "z_score"
	}
	return map[string]any{
		"description": "Normalizes and combines keyword and vector subquery scores",
		"phase_results_processors": []any{
			map[string]any{
				"normalization-processor": map[string]any{
					"normalization": map[string]any{"technique": technique},
					"combination": map[string]any{
						"technique": "arithmetic_mean",
						"parameters": map[string]any{
							"weights": hybridSubqueryWeights,
						},
					},
				},
			},
		},
	}
}

// filterClauses translates SearchFilters into bool-query filter clauses.
// Visibility and tenant scoping are always present; everything else is
// opt-in.
func filterClauses(filters index.SearchFilters) []map[string]any {
	var clauses []map[string]any

	if !filters.IncludeHidden {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{FieldHidden: false},
		})
	}

	if filters.Tenant.Multitenant {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{FieldTenantID: filters.Tenant.TenantID},
		})
	}

	// nil means the caller is unrestricted. A non-nil list restricts to
	// public chunks or chunks carrying one of the caller's ACL tokens.
	if filters.AccessControlList != nil {
		clauses = append(clauses, map[string]any{
			"bool": map[string]any{
				"should": []any{
					map[string]any{"term": map[string]any{FieldPublic: true}},
					map[string]any{"terms": map[string]any{FieldAccessControlList: filters.AccessControlList}},
				},
				"minimum_should_match": 1,
			},
		})
	}

	if len(filters.SourceTypes) > 0 {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{FieldSourceType: filters.SourceTypes},
		})
	}

	if len(filters.DocumentSets) > 0 {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{FieldDocumentSets: filters.DocumentSets},
		})
	}

	if len(filters.DocumentIDs) > 0 {
		clauses = append(clauses, map[string]any{
			"terms": map[string]any{FieldDocumentID: filters.DocumentIDs},
		})
	}

	if filters.ProjectID != nil {
		clauses = append(clauses, map[string]any{
			"term": map[string]any{FieldProjectIDs: *filters.ProjectID},
		})
	}

	if filters.TimeCutoff != nil {
		cutoff := filters.TimeCutoff.UTC()
		clause := map[string]any{
			"range": map[string]any{
				FieldLastUpdated: map[string]any{"gte": cutoff.UnixMilli()},
			},
		}
		// Chunks without a timestamp pass only cutoffs looser than the
		// assumed document age.
		if time.Since(cutoff) > assumedDocumentAge {
			clause = map[string]any{
				"bool": map[string]any{
					"should": []any{
						clause,
						map[string]any{"bool": map[string]any{
							"must_not": []any{
								map[string]any{"exists": map[string]any{"field": FieldLastUpdated}},
							},
						}},
					},
					"minimum_should_match": 1,
				},
			}
		}
		clauses = append(clauses, clause)
	}

	return clauses
}

// HybridSearchBody builds the five-subquery hybrid body: title and content
// knn, boosted title keyword match, content match and a content phrase
// match. The subquery order matches the pipeline weight order.
func HybridSearchBody(query index.HybridQuery, filters index.SearchFilters, topN, offset int) map[string]any {
	filter := filterClauses(filters)
	text := query.Text()
	k := topN + offset

	knn := func(field string) map[string]any {
		sub := map[string]any{
			"vector": query.Embedding,
			"k":      k,
		}
		if len(filter) > 0 {
			sub["filter"] = map[string]any{"bool": map[string]any{"filter": filter}}
		}
		return map[string]any{"knn": map[string]any{field: sub}}
	}

	withFilter := func(q map[string]any) map[string]any {
		if len(filter) == 0 {
			return q
		}
		return map[string]any{
			"bool": map[string]any{
				"must":   []any{q},
				"filter": filter,
			},
		}
	}

	subqueries := []any{
		knn(FieldTitleVector),
		knn(FieldContentVector),
		withFilter(map[string]any{
			"multi_match": map[string]any{
				"query":  text,
				"fields": []string{FieldTitle + "^2"},
				"type":   "best_fields",
			},
		}),
		withFilter(map[string]any{
			"match": map[string]any{FieldContent: map[string]any{"query": text}},
		}),
		withFilter(map[string]any{
			"match_phrase": map[string]any{
				FieldContent: map[string]any{"query": text, "boost": 1.5},
			},
		}),
	}

	return map[string]any{
		"size": topN,
		"from": offset,
		"query": map[string]any{
			"hybrid": map[string]any{"queries": subqueries},
		},
		"highlight": map[string]any{
			"fields": map[string]any{
				FieldContent: map[string]any{
					"fragment_size":       100,
					"number_of_fragments": 4,
				},
			},
			"pre_tags":  []string{"<" + HighlightTag + ">"},
			"post_tags": []string{"</" + HighlightTag + ">"},
		},
		"_source": map[string]any{
			"excludes": []string{FieldTitleVector, FieldContentVector},
		},
	}
}

// SectionBody builds a query for contiguous chunk ranges of specific
// documents, ordered by document then chunk index.
func SectionBody(requests []index.SectionRequest, filters index.SearchFilters, size int) map[string]any {
	var should []any
	for _, req := range requests {
		must := []any{
			map[string]any{"term": map[string]any{FieldDocumentID: req.DocumentID}},
		}
		if req.MinChunkIndex != nil || req.MaxChunkIndex != nil {
			rng := map[string]any{}
			if req.MinChunkIndex != nil {
				rng["gte"] = *req.MinChunkIndex
			}
			if req.MaxChunkIndex != nil {
				rng["lte"] = *req.MaxChunkIndex
			}
			must = append(must, map[string]any{"range": map[string]any{FieldChunkIndex: rng}})
		}
		should = append(should, map[string]any{"bool": map[string]any{"must": must}})
	}

	boolQuery := map[string]any{
		"should":               should,
		"minimum_should_match": 1,
	}
	if filter := filterClauses(filters); len(filter) > 0 {
		boolQuery["filter"] = filter
	}

	return map[string]any{
		"size":  size,
		"query": map[string]any{"bool": boolQuery},
		"sort": []any{
			map[string]any{FieldDocumentID: map[string]any{"order": "asc"}},
			map[string]any{FieldChunkIndex: map[string]any{"order": "asc"}},
		},
		"_source": map[string]any{
			"excludes": []string{FieldTitleVector, FieldContentVector},
		},
	}
}

// DeleteByDocumentIDBody matches every chunk of one document, hidden ones
// included, scoped to the tenant when multitenant.
func DeleteByDocumentIDBody(documentID string, tenant index.TenantState) map[string]any {
	filter := []any{
		map[string]any{"term": map[string]any{FieldDocumentID: documentID}},
	}
	if tenant.Multitenant {
		filter = append(filter, map[string]any{
			"term": map[string]any{FieldTenantID: tenant.TenantID},
		})
	}
	return map[string]any{
		"query": map[string]any{"bool": map[string]any{"filter": filter}},
	}
}

// RandomBody samples matching chunks uniformly via a random function score.
func RandomBody(filters index.SearchFilters, n int, seed int64) map[string]any {
	inner := map[string]any{"match_all": map[string]any{}}
	if filter := filterClauses(filters); len(filter) > 0 {
		inner = map[string]any{"bool": map[string]any{"filter": filter}}
	}

	return map[string]any{
		"size": n,
		"query": map[string]any{
			"function_score": map[string]any{
				"query": inner,
				"random_score": map[string]any{
					"seed":  seed,
					"field": "_seq_no",
				},
			},
		},
		"_source": map[string]any{
			"excludes": []string{FieldTitleVector, FieldContentVector},
		},
	}
}
