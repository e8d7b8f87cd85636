// Package dedup fingerprints incoming content and finds duplicates inside a
// recency window before the write path commits anything.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/store"
)

// NearDuplicateThreshold is the default trigram similarity above which two
// contents count as the same memory.
const NearDuplicateThreshold = 0.9

// Fingerprint returns a stable hash of normalized content: case-folded,
// punctuation-stripped, whitespace-collapsed.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}

// Normalize lowercases, strips punctuation, and collapses whitespace runs.
func Normalize(content string) string {
	var b strings.Builder
	b.Grow(len(content))
	for _, r := range content {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Result reports what the window scan found.
type Result struct {
	Duplicate  bool           `json:"duplicate"`
	Exact      bool           `json:"exact"`
	Existing   *domain.Memory `json:"existing,omitempty"`
	Similarity float64        `json:"similarity"`
}

type Deduper struct {
	memories  domain.MemoryStore
	threshold float64
	logger    *zap.Logger
}

// New builds a Deduper scanning at the given similarity threshold. A value
// outside (0, 1] falls back to NearDuplicateThreshold.
func New(memories domain.MemoryStore, threshold float64, logger *zap.Logger) *Deduper {
	if threshold <= 0 || threshold > 1 {
		threshold = NearDuplicateThreshold
	}
	return &Deduper{memories: memories, threshold: threshold, logger: logger}
}

// Check scans the tenant's recent memories for the same fingerprint, then for
// a trigram near-duplicate. An exact hit reports similarity 1.0.
func (d *Deduper) Check(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID, content string, window time.Duration) (*Result, error) {
	if window <= 0 {
		window = domain.DefaultDedupWindow
	}
	since := time.Now().UTC().Add(-window)

	existing, err := d.memories.FindByFingerprint(ctx, tenantID, createdBy, Fingerprint(content), since)
	if err == nil {
		return &Result{Duplicate: true, Exact: true, Existing: existing, Similarity: 1.0}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	near, sim, err := d.memories.FindNearDuplicate(ctx, tenantID, createdBy, content, since, d.threshold)
	if err == nil {
		d.logger.Debug("near duplicate found",
			zap.String("memory_id", near.ID.String()),
			zap.Float64("similarity", sim))
		return &Result{Duplicate: true, Existing: near, Similarity: sim}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return &Result{}, nil
}

type MergeStrategy string

const (
	MergeSmart   MergeStrategy = "smart"
	MergeAppend  MergeStrategy = "append"
	MergeReplace MergeStrategy = "replace"
)

func ValidMergeStrategy(s MergeStrategy) bool {
	switch s {
	case MergeSmart, MergeAppend, MergeReplace:
		return true
	}
	return false
}

const appendSeparator = "\n\n---\n\n"

// Merge combines existing and incoming content per strategy. Tags are always
// unioned.
func Merge(existing *domain.Memory, newContent string, newTags []string, strategy MergeStrategy) (string, []string) {
	tags := domain.UnionTags(existing.Tags, newTags)

	switch strategy {
	case MergeReplace:
		return newContent, tags
	case MergeAppend:
		return existing.Content + appendSeparator + newContent, tags
	default:
		return smartMerge(existing.Content, newContent), tags
	}
}

// smartMerge keeps the longer content when one normalizes to a superset of
// the other; otherwise the incoming content is appended.
func smartMerge(oldContent, newContent string) string {
	oldNorm := Normalize(oldContent)
	newNorm := Normalize(newContent)

	switch {
	case oldNorm == newNorm:
		return oldContent
	case strings.Contains(oldNorm, newNorm):
		return oldContent
	case strings.Contains(newNorm, oldNorm):
		return newContent
	default:
		return oldContent + appendSeparator + newContent
	}
}

// AutoMerge reports whether a memory opted into silent append-merging via the
// memorylane tags.
func AutoMerge(tags []string) bool {
	for _, t := range tags {
		if t == "memorylane" || t == "memorylane-auto" {
			return true
		}
	}
	return false
}
