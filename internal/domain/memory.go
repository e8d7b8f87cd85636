package domain

import (
	"time"

	"github.com/google/uuid"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityTeam    Visibility = "team"
	VisibilityPublic  Visibility = "public"
)

func ValidVisibility(v string) bool {
	switch Visibility(v) {
	case VisibilityPrivate, VisibilityTeam, VisibilityPublic:
		return true
	}
	return false
}

// Validation limits for memory writes.
const (
	MaxContentLength   = 50000
	MaxTitleLength     = 255
	MaxTags            = 50
	MaxTagLength       = 50
	MaxAttachmentsPer  = 10
	MaxListLimit       = 100
	DefaultDedupWindow = 300 * time.Second
)

type Memory struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          uuid.UUID      `json:"tenant_id"`
	CreatedBy         *uuid.UUID     `json:"created_by,omitempty"`
	Content           string         `json:"content"`
	Title             string         `json:"title,omitempty"`
	Tags              []string       `json:"tags,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	Visibility        Visibility     `json:"visibility"`
	Fingerprint       string         `json:"-"`
	Embedding         []float32      `json:"-"`
	EmbeddingModel    string         `json:"embedding_model,omitempty"`
	HasCorrection     bool           `json:"has_correction"`
	EntitiesExtracted bool           `json:"entities_extracted"`
	CurrentVersion    int            `json:"current_version"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// HasEmbedding is the wire-level flag; the vector itself never leaves the core.
func (m *Memory) HasEmbedding() bool { return len(m.Embedding) > 0 }

type ChangeType string

const (
	ChangeCreate     ChangeType = "create"
	ChangeUpdate     ChangeType = "update"
	ChangeRollback   ChangeType = "rollback"
	ChangeCorrection ChangeType = "correction"
)

// MemoryVersion is an append-only snapshot recorded on every mutation.
type MemoryVersion struct {
	ID            uuid.UUID      `json:"id"`
	MemoryID      uuid.UUID      `json:"memory_id"`
	VersionNumber int            `json:"version_number"`
	Content       string         `json:"content"`
	Title         string         `json:"title,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	ChangedBy     *uuid.UUID     `json:"changed_by,omitempty"`
	ChangeType    ChangeType     `json:"change_type"`
	ChangeReason  string         `json:"change_reason,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

type Correction struct {
	ID                      uuid.UUID  `json:"id"`
	MemoryID                uuid.UUID  `json:"memory_id"`
	CorrectedContent        string     `json:"corrected_content"`
	OriginalContentSnapshot string     `json:"original_content_snapshot"`
	Reason                  string     `json:"reason,omitempty"`
	CorrectedBy             *uuid.UUID `json:"corrected_by,omitempty"`
	CorrectedAt             time.Time  `json:"corrected_at"`
}

// EffectiveContent returns the latest correction's content when one exists,
// the stored content otherwise.
func EffectiveContent(m *Memory, latest *Correction) string {
	if latest != nil {
		return latest.CorrectedContent
	}
	return m.Content
}

// VersionDiff describes one field difference between two versions.
type VersionDiff struct {
	Field   string `json:"field"`
	V1Value any    `json:"v1_value"`
	V2Value any    `json:"v2_value"`
	Changed bool   `json:"changed"`
}

// NormalizeTags deduplicates while preserving first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// UnionTags merges two tag sets preserving the order of a then b.
func UnionTags(a, b []string) []string {
	return NormalizeTags(append(append([]string{}, a...), b...))
}
