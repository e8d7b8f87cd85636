package service

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/dedup"
	"github.com/puo-memo/puomemo/internal/domain"
)

// VersioningService reads and manipulates a memory's append-only history.
type VersioningService struct {
	versions  domain.VersionStore
	memories  domain.MemoryStore
	cache     domain.Cache
	publisher Publisher
	logger    *zap.Logger
}

func NewVersioningService(versions domain.VersionStore, memories domain.MemoryStore, c domain.Cache, publisher Publisher, logger *zap.Logger) *VersioningService {
	if c == nil {
		c = cache.Noop{}
	}
	return &VersioningService{
		versions:  versions,
		memories:  memories,
		cache:     c,
		publisher: publisher,
		logger:    logger,
	}
}

// guard loads the memory through the scoped read path, proving the caller
// may see it before any version row is touched.
func (s *VersioningService) guard(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID) (*domain.Memory, error) {
	m, err := s.memories.GetByID(ctx, rc, memoryID)
	if err != nil {
		return nil, translateNotFound(err, "memory")
	}
	return m, nil
}

// History lists versions newest first.
func (s *VersioningService) History(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, limit int) ([]domain.MemoryVersion, error) {
	if _, err := s.guard(ctx, rc, memoryID); err != nil {
		return nil, err
	}
	return s.versions.ListByMemory(ctx, memoryID, limit)
}

// GetVersion returns one specific version.
func (s *VersioningService) GetVersion(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, versionNumber int) (*domain.MemoryVersion, error) {
	if _, err := s.guard(ctx, rc, memoryID); err != nil {
		return nil, err
	}
	v, err := s.versions.Get(ctx, memoryID, versionNumber)
	if err != nil {
		return nil, translateNotFound(err, "version")
	}
	return v, nil
}

// Compare diffs the tracked fields of two versions.
func (s *VersioningService) Compare(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, v1, v2 int) ([]domain.VersionDiff, error) {
	if _, err := s.guard(ctx, rc, memoryID); err != nil {
		return nil, err
	}
	a, err := s.versions.Get(ctx, memoryID, v1)
	if err != nil {
		return nil, translateNotFound(err, fmt.Sprintf("version %d", v1))
	}
	b, err := s.versions.Get(ctx, memoryID, v2)
	if err != nil {
		return nil, translateNotFound(err, fmt.Sprintf("version %d", v2))
	}

	diffs := []domain.VersionDiff{
		{Field: "content", V1Value: a.Content, V2Value: b.Content, Changed: a.Content != b.Content},
		{Field: "title", V1Value: a.Title, V2Value: b.Title, Changed: a.Title != b.Title},
		{Field: "tags", V1Value: a.Tags, V2Value: b.Tags, Changed: !reflect.DeepEqual(a.Tags, b.Tags)},
		{Field: "metadata", V1Value: a.Metadata, V2Value: b.Metadata, Changed: !reflect.DeepEqual(a.Metadata, b.Metadata)},
	}
	return diffs, nil
}

// Rollback restores a target version by appending a new version with its
// content; history is never rewritten.
func (s *VersioningService) Rollback(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, targetVersion int, reason string) (*domain.Memory, error) {
	m, err := s.guard(ctx, rc, memoryID)
	if err != nil {
		return nil, err
	}
	if !canMutate(rc, m) {
		return nil, domain.Forbidden("not allowed to modify this memory")
	}
	if targetVersion == m.CurrentVersion {
		return nil, domain.Invalidf("memory is already at version %d", targetVersion)
	}

	target, err := s.versions.Get(ctx, memoryID, targetVersion)
	if err != nil {
		return nil, translateNotFound(err, fmt.Sprintf("version %d", targetVersion))
	}

	if reason == "" {
		reason = fmt.Sprintf("rollback to version %d", targetVersion)
	}
	changedBy := rc.UserID
	m.Content = target.Content
	m.Title = target.Title
	m.Tags = target.Tags
	m.Metadata = target.Metadata
	m.Fingerprint = dedup.Fingerprint(m.Content)
	v := &domain.MemoryVersion{
		MemoryID:      memoryID,
		VersionNumber: m.CurrentVersion + 1,
		Content:       target.Content,
		Title:         target.Title,
		Tags:          target.Tags,
		Metadata:      target.Metadata,
		ChangedBy:     &changedBy,
		ChangeType:    domain.ChangeRollback,
		ChangeReason:  reason,
	}
	if err := s.memories.Update(ctx, m, v); err != nil {
		return nil, fmt.Errorf("rollback memory: %w", err)
	}

	invalidateMemory(ctx, s.cache, rc.TenantID, memoryID)
	if s.publisher != nil {
		s.publisher.Publish(ctx, domain.NewEvent(domain.EventMemoryUpdated, rc.TenantID, map[string]any{"memory": m}))
	}
	return m, nil
}

// Prune keeps the most recent keep versions and reports how many were
// removed.
func (s *VersioningService) Prune(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, keep int) (int64, error) {
	m, err := s.guard(ctx, rc, memoryID)
	if err != nil {
		return 0, err
	}
	if !canMutate(rc, m) {
		return 0, domain.Forbidden("not allowed to modify this memory")
	}
	return s.versions.Prune(ctx, memoryID, keep)
}
