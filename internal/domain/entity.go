package domain

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type EntityType string

const (
	EntityPerson       EntityType = "person"
	EntityOrganization EntityType = "organization"
	EntityLocation     EntityType = "location"
	EntityEvent        EntityType = "event"
	EntityProject      EntityType = "project"
	EntityTechnology   EntityType = "technology"
	EntityConcept      EntityType = "concept"
	EntityDocument     EntityType = "document"
	EntityOther        EntityType = "other"
)

// NormalizeEntityType case-folds and coerces unknown types to "other".
func NormalizeEntityType(t string) EntityType {
	switch EntityType(strings.ToLower(strings.TrimSpace(t))) {
	case EntityPerson:
		return EntityPerson
	case EntityOrganization:
		return EntityOrganization
	case EntityLocation:
		return EntityLocation
	case EntityEvent:
		return EntityEvent
	case EntityProject:
		return EntityProject
	case EntityTechnology:
		return EntityTechnology
	case EntityConcept:
		return EntityConcept
	case EntityDocument:
		return EntityDocument
	default:
		return EntityOther
	}
}

// Entity rows are global; tenants reach them only through scoped associations.
type Entity struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	EntityType      EntityType     `json:"entity_type"`
	Aliases         []string       `json:"aliases,omitempty"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	OccurrenceCount int            `json:"occurrence_count"`
	FirstSeen       time.Time      `json:"first_seen"`
	LastSeen        time.Time      `json:"last_seen"`
	Embedding       []float32      `json:"-"`
}

type Relation struct {
	ID             uuid.UUID      `json:"id"`
	FromEntityID   uuid.UUID      `json:"from_entity_id"`
	ToEntityID     uuid.UUID      `json:"to_entity_id"`
	RelationType   string         `json:"relation_type"`
	Attributes     map[string]any `json:"attributes,omitempty"`
	Confidence     float32        `json:"confidence"`
	SourceMemoryID *uuid.UUID     `json:"source_memory_id,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type MemoryEntityAssociation struct {
	MemoryID       uuid.UUID `json:"memory_id"`
	EntityID       uuid.UUID `json:"entity_id"`
	RelevanceScore float32   `json:"relevance_score"`
}

var relationCleaner = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeRelationType lowercases and snake_cases a relation type.
func NormalizeRelationType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = relationCleaner.ReplaceAllString(t, "_")
	return strings.Trim(t, "_")
}

// ClampConfidence bounds a confidence score to [0,1].
func ClampConfidence(c float32) float32 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// ExtractedEntity is what the Extractor returns for one entity mention.
type ExtractedEntity struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Aliases    []string       `json:"aliases,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float32        `json:"confidence"`
}

// ExtractedRelation is what the Extractor returns for one relation mention.
// From and To reference entity names within the same extraction.
type ExtractedRelation struct {
	From       string         `json:"from"`
	To         string         `json:"to"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Confidence float32        `json:"confidence"`
}

type ExtractionResult struct {
	Entities  []ExtractedEntity   `json:"entities"`
	Relations []ExtractedRelation `json:"relations"`
}

// GraphEdge is one edge in a neighborhood traversal result.
type GraphEdge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Type  string `json:"type"`
	Depth int    `json:"depth"`
}

type Neighborhood struct {
	CentralEntity    string      `json:"central_entity"`
	Nodes            []string    `json:"nodes"`
	Edges            []GraphEdge `json:"edges"`
	TotalConnections int         `json:"total_connections"`
}
