package domain

import (
	"time"

	"github.com/google/uuid"
)

type SearchMode string

const (
	SearchKeyword  SearchMode = "keyword"
	SearchSemantic SearchMode = "semantic"
	SearchHybrid   SearchMode = "hybrid"
	SearchEntity   SearchMode = "entity"
	SearchNLP      SearchMode = "nlp"
)

func ValidSearchMode(m string) bool {
	switch SearchMode(m) {
	case SearchKeyword, SearchSemantic, SearchHybrid, SearchEntity, SearchNLP:
		return true
	}
	return false
}

// Search result type tags beyond the request modes.
const (
	SearchTypeDirect        = "direct_db_query"
	SearchTypeHybridKeyword = "hybrid-keyword"
)

type SearchFilters struct {
	Tags       []string     `json:"tags,omitempty"`
	DateFrom   *time.Time   `json:"date_from,omitempty"`
	DateTo     *time.Time   `json:"date_to,omitempty"`
	Visibility []Visibility `json:"visibility,omitempty"`
}

type SearchRequest struct {
	Query          string        `json:"query"`
	Mode           SearchMode    `json:"mode"`
	Filters        SearchFilters `json:"filters"`
	Limit          int           `json:"limit"`
	Offset         int           `json:"offset"`
	KeywordWeight  float64       `json:"keyword_weight"`
	SemanticWeight float64       `json:"semantic_weight"`
	MinSimilarity  float64       `json:"min_similarity"`
}

// PreviewLength is where result content is cut and flagged as truncated.
const PreviewLength = 200

type SearchResult struct {
	ID               uuid.UUID  `json:"id"`
	Title            string     `json:"title,omitempty"`
	Content          string     `json:"content"`
	ContentTruncated bool       `json:"content_truncated,omitempty"`
	ContentLength    int        `json:"content_length,omitempty"`
	Tags             []string   `json:"tags,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	Visibility       Visibility `json:"visibility"`
	CreatedBy        *uuid.UUID `json:"created_by,omitempty"`
	HasCorrection    bool       `json:"has_correction"`

	// Exactly one of these is meaningful depending on search type.
	Score         float64 `json:"score,omitempty"`
	Similarity    float64 `json:"similarity,omitempty"`
	CombinedScore float64 `json:"combined_score,omitempty"`
}

type Pagination struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

type SearchResponse struct {
	Query      string         `json:"query"`
	SearchType string         `json:"search_type"`
	Count      int            `json:"count"`
	Total      int            `json:"total,omitempty"`
	Results    []SearchResult `json:"results"`
	Pagination Pagination     `json:"pagination"`
}

// ScoredMemory pairs a memory row with a retrieval score.
type ScoredMemory struct {
	Memory
	Score float64 `json:"score"`
}
