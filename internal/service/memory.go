package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/attachments"
	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/dedup"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/graph"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/store"
	"github.com/puo-memo/puomemo/internal/tasks"
)

// Create outcome status tokens.
const (
	StatusCreated        = "created"
	StatusDuplicateFound = "duplicate_found"
	StatusMerged         = "merged"
)

type CreateMemoryRequest struct {
	Content       string                 `json:"content"`
	Title         string                 `json:"title,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
	Metadata      map[string]any         `json:"metadata,omitempty"`
	Visibility    string                 `json:"visibility,omitempty"`
	Attachments   []domain.AttachmentRef `json:"attachments,omitempty"`
	Sync          bool                   `json:"sync,omitempty"`
	Force         bool                   `json:"force,omitempty"`
	DedupWindowS  int                    `json:"dedup_window_s,omitempty"`
	MergeStrategy string                 `json:"merge_strategy,omitempty"`
}

type CreateMemoryResult struct {
	Status     string         `json:"status"`
	Memory     *domain.Memory `json:"memory,omitempty"`
	Existing   *domain.Memory `json:"existing_memory,omitempty"`
	Similarity float64        `json:"similarity,omitempty"`
}

// UpdateMemoryRequest carries optional field changes; nil means unchanged.
type UpdateMemoryRequest struct {
	Content             *string         `json:"content,omitempty"`
	Title               *string         `json:"title,omitempty"`
	Tags                *[]string       `json:"tags,omitempty"`
	Metadata            *map[string]any `json:"metadata,omitempty"`
	Visibility          *string         `json:"visibility,omitempty"`
	RegenerateEmbedding bool            `json:"regenerate_embedding,omitempty"`
}

// MemoryService owns the memory lifecycle.
type MemoryService struct {
	memories    domain.MemoryStore
	corrections domain.CorrectionStore
	tenants     domain.TenantStore
	deduper     *dedup.Deduper
	attachments *attachments.Service
	graph       *graph.Service
	queue       Enqueuer
	embedder    domain.Embedder
	extractor   domain.Extractor
	embedGuard  *resilience.Guard
	cache       domain.Cache
	publisher   Publisher
	dedupWindow time.Duration
	logger      *zap.Logger
}

type MemoryServiceDeps struct {
	Memories    domain.MemoryStore
	Corrections domain.CorrectionStore
	Tenants     domain.TenantStore
	Deduper     *dedup.Deduper
	Attachments *attachments.Service
	Graph       *graph.Service
	Queue       Enqueuer
	Embedder    domain.Embedder
	Extractor   domain.Extractor
	EmbedGuard  *resilience.Guard
	Cache       domain.Cache
	Publisher   Publisher
	DedupWindow time.Duration
}

func NewMemoryService(deps MemoryServiceDeps, logger *zap.Logger) *MemoryService {
	c := deps.Cache
	if c == nil {
		c = cache.Noop{}
	}
	window := deps.DedupWindow
	if window <= 0 {
		window = domain.DefaultDedupWindow
	}
	return &MemoryService{
		memories:    deps.Memories,
		corrections: deps.Corrections,
		tenants:     deps.Tenants,
		deduper:     deps.Deduper,
		attachments: deps.Attachments,
		graph:       deps.Graph,
		queue:       deps.Queue,
		embedder:    deps.Embedder,
		extractor:   deps.Extractor,
		embedGuard:  deps.EmbedGuard,
		cache:       c,
		publisher:   deps.Publisher,
		dedupWindow: window,
		logger:      logger,
	}
}

func validateMemoryFields(content, title string, tags []string, visibility string) error {
	if content == "" {
		return domain.Invalidf("content must not be empty")
	}
	if utf8.RuneCountInString(content) > domain.MaxContentLength {
		return domain.Invalidf("content exceeds %d characters", domain.MaxContentLength)
	}
	if utf8.RuneCountInString(title) > domain.MaxTitleLength {
		return domain.Invalidf("title exceeds %d characters", domain.MaxTitleLength)
	}
	if len(tags) > domain.MaxTags {
		return domain.Invalidf("at most %d tags allowed", domain.MaxTags)
	}
	for _, t := range tags {
		if utf8.RuneCountInString(t) > domain.MaxTagLength {
			return domain.Invalidf("tag %q exceeds %d characters", t, domain.MaxTagLength)
		}
	}
	if visibility != "" && !domain.ValidVisibility(visibility) {
		return domain.Invalidf("visibility %q not recognized", visibility)
	}
	return nil
}

// Create runs the full write path: validate, quota, dedup, insert, enqueue
// async work, invalidate caches, publish.
func (s *MemoryService) Create(ctx context.Context, rc domain.RequestContext, req CreateMemoryRequest) (*CreateMemoryResult, error) {
	if !rc.Valid() {
		return nil, domain.Unauthorized("missing tenant context")
	}
	if err := validateMemoryFields(req.Content, req.Title, req.Tags, req.Visibility); err != nil {
		return nil, err
	}
	if len(req.Attachments) > domain.MaxAttachmentsPer {
		return nil, domain.Invalidf("at most %d attachments allowed", domain.MaxAttachmentsPer)
	}
	strategy := dedup.MergeStrategy(req.MergeStrategy)
	if req.MergeStrategy != "" && !dedup.ValidMergeStrategy(strategy) {
		return nil, domain.Invalidf("merge strategy %q not recognized", req.MergeStrategy)
	}

	if err := s.enforceQuota(ctx, rc.TenantID); err != nil {
		return nil, err
	}

	createdBy := rc.UserID
	if !req.Force {
		window := s.dedupWindow
		if req.DedupWindowS > 0 {
			window = time.Duration(req.DedupWindowS) * time.Second
		}
		dup, err := s.deduper.Check(ctx, rc.TenantID, &createdBy, req.Content, window)
		if err != nil {
			return nil, fmt.Errorf("dedup check: %w", err)
		}
		if dup.Duplicate {
			if dedup.AutoMerge(dup.Existing.Tags) || dedup.AutoMerge(req.Tags) {
				return s.mergeIntoExisting(ctx, rc, dup, req.Content, req.Tags, strategy)
			}
			return &CreateMemoryResult{
				Status:     StatusDuplicateFound,
				Existing:   dup.Existing,
				Similarity: dup.Similarity,
			}, nil
		}
	}

	visibility := domain.Visibility(req.Visibility)
	if visibility == "" {
		visibility = domain.VisibilityPrivate
	}
	m := &domain.Memory{
		TenantID:       rc.TenantID,
		CreatedBy:      &createdBy,
		Content:        req.Content,
		Title:          req.Title,
		Tags:           domain.NormalizeTags(req.Tags),
		Metadata:       req.Metadata,
		Visibility:     visibility,
		Fingerprint:    dedup.Fingerprint(req.Content),
		CurrentVersion: 1,
	}
	v := &domain.MemoryVersion{
		VersionNumber: 1,
		Content:       m.Content,
		Title:         m.Title,
		Tags:          m.Tags,
		Metadata:      m.Metadata,
		ChangedBy:     &createdBy,
		ChangeType:    domain.ChangeCreate,
	}
	if err := s.memories.Create(ctx, m, v); err != nil {
		return nil, fmt.Errorf("create memory: %w", err)
	}

	// Sync embedding runs inline and emits no event, so it may precede the
	// created event. Async work is enqueued only after memory.created is
	// published: a worker must never get embedding_complete out first.
	if req.Sync {
		if err := s.scheduleEmbedding(ctx, rc, m, true); err != nil {
			return nil, err
		}
	}

	invalidateTenantReads(ctx, s.cache, rc.TenantID)
	s.publish(ctx, domain.EventMemoryCreated, rc.TenantID, map[string]any{"memory": m})

	if !req.Sync {
		if err := s.scheduleEmbedding(ctx, rc, m, false); err != nil {
			return nil, err
		}
	}
	s.scheduleExtraction(rc, m.ID)
	s.addAttachments(ctx, rc, m.ID, req.Attachments)

	return &CreateMemoryResult{Status: StatusCreated, Memory: m}, nil
}

func (s *MemoryService) enforceQuota(ctx context.Context, tenantID uuid.UUID) error {
	t, err := s.tenants.GetByID(ctx, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Unauthorized("unknown tenant")
		}
		return fmt.Errorf("load tenant: %w", err)
	}
	count, err := s.memories.CountByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("count memories: %w", err)
	}
	if t.Settings.MaxMemories > 0 && count >= t.Settings.MaxMemories {
		return domain.QuotaExceeded(fmt.Sprintf("tenant memory quota of %d reached", t.Settings.MaxMemories))
	}
	return nil
}

// mergeIntoExisting folds duplicate content into the found memory when its
// tags opted into auto-merging.
func (s *MemoryService) mergeIntoExisting(ctx context.Context, rc domain.RequestContext, dup *dedup.Result, content string, tags []string, strategy dedup.MergeStrategy) (*CreateMemoryResult, error) {
	existing := dup.Existing
	merged, mergedTags := dedup.Merge(existing, content, tags, strategy)

	changedBy := rc.UserID
	existing.Content = merged
	existing.Tags = mergedTags
	existing.Fingerprint = dedup.Fingerprint(merged)
	v := &domain.MemoryVersion{
		MemoryID:      existing.ID,
		VersionNumber: existing.CurrentVersion + 1,
		Content:       merged,
		Title:         existing.Title,
		Tags:          mergedTags,
		Metadata:      existing.Metadata,
		ChangedBy:     &changedBy,
		ChangeType:    domain.ChangeUpdate,
		ChangeReason:  "merged duplicate content",
	}
	if err := s.memories.Update(ctx, existing, v); err != nil {
		return nil, fmt.Errorf("merge duplicate: %w", err)
	}

	// Updated event goes out before the worker can race an
	// embedding_complete for the merged content.
	invalidateMemory(ctx, s.cache, rc.TenantID, existing.ID)
	s.publish(ctx, domain.EventMemoryUpdated, rc.TenantID, map[string]any{"memory": existing})

	if err := s.scheduleEmbedding(ctx, rc, existing, false); err != nil {
		return nil, err
	}

	return &CreateMemoryResult{Status: StatusMerged, Memory: existing, Similarity: dup.Similarity}, nil
}

// scheduleEmbedding enqueues the embedding task, or computes it inline for
// sync requests. A missing embedder is the documented degradation: the
// memory stays without a vector.
func (s *MemoryService) scheduleEmbedding(ctx context.Context, rc domain.RequestContext, m *domain.Memory, sync bool) error {
	if s.embedder == nil {
		return nil
	}
	if !sync {
		if err := s.queue.Enqueue(tasks.Task{
			Type:     tasks.TypeGenerateEmbedding,
			Priority: tasks.PriorityNormal,
			Key:      m.ID.String(),
			TenantID: rc.TenantID,
			Payload:  map[string]any{"memory_id": m.ID.String()},
		}); err != nil {
			s.logger.Warn("enqueue embedding failed", zap.String("memory_id", m.ID.String()), zap.Error(err))
		}
		return nil
	}

	var vec []float32
	embed := func(ctx context.Context) error {
		var err error
		vec, err = s.embedder.Embed(ctx, m.Content)
		return err
	}
	var err error
	if s.embedGuard != nil {
		err = s.embedGuard.Do(ctx, embed)
	} else {
		err = embed(ctx)
	}
	if err != nil {
		return err
	}
	if err := s.memories.SetEmbedding(ctx, m.ID, vec, s.embedder.ModelName()); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}
	m.Embedding = vec
	m.EmbeddingModel = s.embedder.ModelName()
	return nil
}

func (s *MemoryService) scheduleExtraction(rc domain.RequestContext, memoryID uuid.UUID) {
	if s.extractor == nil {
		return
	}
	if err := s.queue.Enqueue(tasks.Task{
		Type:     tasks.TypeExtractEntities,
		Priority: tasks.PriorityLow,
		Key:      memoryID.String(),
		TenantID: rc.TenantID,
		Payload:  map[string]any{"memory_id": memoryID.String()},
	}); err != nil {
		s.logger.Warn("enqueue extraction failed", zap.String("memory_id", memoryID.String()), zap.Error(err))
	}
}

// addAttachments persists each reference and enqueues its processor.
// Failures are logged, never fatal to the memory write.
func (s *MemoryService) addAttachments(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, refs []domain.AttachmentRef) {
	if s.attachments == nil {
		return
	}
	for _, ref := range refs {
		a, duplicate, err := s.attachments.Add(ctx, memoryID, ref)
		if err != nil {
			s.logger.Warn("attachment ingest failed",
				zap.String("memory_id", memoryID.String()),
				zap.Error(err))
			continue
		}
		if duplicate {
			continue
		}
		if err := s.queue.Enqueue(tasks.Task{
			Type:     tasks.TypeProcessAttachment,
			Priority: tasks.PriorityNormal,
			Key:      memoryID.String(),
			TenantID: rc.TenantID,
			Payload:  map[string]any{"memory_id": memoryID.String(), "attachment_id": a.ID.String()},
		}); err != nil {
			s.logger.Warn("enqueue attachment processing failed",
				zap.String("attachment_id", a.ID.String()),
				zap.Error(err))
		}
	}
}

// AddAttachments attaches more files to an existing memory.
func (s *MemoryService) AddAttachments(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, refs []domain.AttachmentRef) ([]domain.Attachment, error) {
	m, err := s.memories.GetByID(ctx, rc, memoryID)
	if err != nil {
		return nil, translateNotFound(err, "memory")
	}
	if !canMutate(rc, m) {
		return nil, domain.Forbidden("not allowed to modify this memory")
	}

	current, err := s.attachments.ListByMemory(ctx, memoryID)
	if err != nil {
		return nil, err
	}
	if len(current)+len(refs) > domain.MaxAttachmentsPer {
		return nil, domain.Invalidf("at most %d attachments allowed", domain.MaxAttachmentsPer)
	}

	s.addAttachments(ctx, rc, memoryID, refs)
	invalidateMemory(ctx, s.cache, rc.TenantID, memoryID)
	return s.attachments.ListByMemory(ctx, memoryID)
}

// Get reads one memory with corrections applied, through the cache.
func (s *MemoryService) Get(ctx context.Context, rc domain.RequestContext, id uuid.UUID) (*domain.Memory, error) {
	if !rc.Valid() {
		return nil, domain.Unauthorized("missing tenant context")
	}

	key := cache.Key(cache.KindMemory, id.String())
	if data, ok := s.cache.Get(ctx, key); ok {
		var m domain.Memory
		if err := json.Unmarshal(data, &m); err == nil {
			// A cached row bypassed the store predicate; re-check it here.
			if !canRead(rc, &m) {
				return nil, domain.NotFound("memory")
			}
			return s.applyCorrection(ctx, &m), nil
		}
	}

	m, err := s.memories.GetByID(ctx, rc, id)
	if err != nil {
		return nil, translateNotFound(err, "memory")
	}
	if data, err := json.Marshal(m); err == nil {
		s.cache.Set(ctx, key, data, cache.TTLFor(cache.KindMemory))
	}
	return s.applyCorrection(ctx, m), nil
}

func (s *MemoryService) applyCorrection(ctx context.Context, m *domain.Memory) *domain.Memory {
	if !m.HasCorrection {
		return m
	}
	latest, err := s.corrections.Latest(ctx, m.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("load latest correction", zap.String("memory_id", m.ID.String()), zap.Error(err))
		}
		return m
	}
	m.Content = domain.EffectiveContent(m, latest)
	return m
}

// List pages through the tenant's visible memories.
func (s *MemoryService) List(ctx context.Context, rc domain.RequestContext, opts domain.ListOpts) ([]domain.Memory, int, error) {
	if !rc.Valid() {
		return nil, 0, domain.Unauthorized("missing tenant context")
	}
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > domain.MaxListLimit {
		return nil, 0, domain.Invalidf("limit exceeds %d", domain.MaxListLimit)
	}
	if opts.Offset < 0 {
		return nil, 0, domain.Invalidf("offset must not be negative")
	}

	raw, _ := json.Marshal(opts)
	key := cache.TenantKey(cache.KindList, rc.TenantID.String(),
		fmt.Sprintf("%s:%s", rc.UserID, cache.TextHash(string(raw))))

	type listPage struct {
		Memories []domain.Memory `json:"memories"`
		Total    int             `json:"total"`
	}
	if data, ok := s.cache.Get(ctx, key); ok {
		var page listPage
		if err := json.Unmarshal(data, &page); err == nil {
			return page.Memories, page.Total, nil
		}
	}

	memories, total, err := s.memories.List(ctx, rc, opts)
	if err != nil {
		return nil, 0, err
	}
	if data, err := json.Marshal(listPage{Memories: memories, Total: total}); err == nil {
		s.cache.Set(ctx, key, data, cache.TTLFor(cache.KindList))
	}
	return memories, total, nil
}

// Update applies field changes, appends a version, and refreshes async state.
func (s *MemoryService) Update(ctx context.Context, rc domain.RequestContext, id uuid.UUID, req UpdateMemoryRequest) (*domain.Memory, error) {
	m, err := s.memories.GetByID(ctx, rc, id)
	if err != nil {
		return nil, translateNotFound(err, "memory")
	}
	if !canMutate(rc, m) {
		return nil, domain.Forbidden("not allowed to modify this memory")
	}

	contentChanged := false
	if req.Content != nil && *req.Content != m.Content {
		m.Content = *req.Content
		m.Fingerprint = dedup.Fingerprint(m.Content)
		contentChanged = true
	}
	if req.Title != nil {
		m.Title = *req.Title
	}
	if req.Tags != nil {
		m.Tags = domain.NormalizeTags(*req.Tags)
	}
	if req.Metadata != nil {
		m.Metadata = *req.Metadata
	}
	if req.Visibility != nil {
		if !domain.ValidVisibility(*req.Visibility) {
			return nil, domain.Invalidf("visibility %q not recognized", *req.Visibility)
		}
		m.Visibility = domain.Visibility(*req.Visibility)
	}
	if err := validateMemoryFields(m.Content, m.Title, m.Tags, string(m.Visibility)); err != nil {
		return nil, err
	}

	changedBy := rc.UserID
	v := &domain.MemoryVersion{
		MemoryID:      m.ID,
		VersionNumber: m.CurrentVersion + 1,
		Content:       m.Content,
		Title:         m.Title,
		Tags:          m.Tags,
		Metadata:      m.Metadata,
		ChangedBy:     &changedBy,
		ChangeType:    domain.ChangeUpdate,
	}
	if err := s.memories.Update(ctx, m, v); err != nil {
		return nil, fmt.Errorf("update memory: %w", err)
	}

	invalidateMemory(ctx, s.cache, rc.TenantID, m.ID)
	s.publish(ctx, domain.EventMemoryUpdated, rc.TenantID, map[string]any{"memory": m})

	if contentChanged || req.RegenerateEmbedding {
		if err := s.scheduleEmbedding(ctx, rc, m, false); err != nil {
			return nil, err
		}
		s.scheduleExtraction(rc, m.ID)
	}
	return m, nil
}

// Delete removes the memory, its associations, and its attachment blobs.
func (s *MemoryService) Delete(ctx context.Context, rc domain.RequestContext, id uuid.UUID) error {
	m, err := s.memories.GetByID(ctx, rc, id)
	if err != nil {
		return translateNotFound(err, "memory")
	}
	if !canMutate(rc, m) {
		return domain.Forbidden("not allowed to delete this memory")
	}

	s.deleteAttachmentBlobs(ctx, id)
	if s.graph != nil {
		if err := s.graph.DeleteMemoryAssociations(ctx, id); err != nil {
			s.logger.Warn("delete entity associations", zap.String("memory_id", id.String()), zap.Error(err))
		}
	}
	if err := s.memories.Delete(ctx, rc, id); err != nil {
		return translateNotFound(err, "memory")
	}

	invalidateMemory(ctx, s.cache, rc.TenantID, id)
	s.publish(ctx, domain.EventMemoryDeleted, rc.TenantID, map[string]any{"memory_id": id.String()})
	return nil
}

// deleteAttachmentBlobs is best-effort; the rows cascade with the memory.
func (s *MemoryService) deleteAttachmentBlobs(ctx context.Context, memoryID uuid.UUID) {
	if s.attachments == nil {
		return
	}
	list, err := s.attachments.ListByMemory(ctx, memoryID)
	if err != nil {
		s.logger.Warn("list attachments for delete", zap.String("memory_id", memoryID.String()), zap.Error(err))
		return
	}
	for _, a := range list {
		if err := s.attachments.DeleteBlob(ctx, a.StoragePath); err != nil {
			s.logger.Warn("delete attachment blob",
				zap.String("attachment_id", a.ID.String()),
				zap.Error(err))
		}
	}
}

// AddCorrection appends a correction without rewriting history.
func (s *MemoryService) AddCorrection(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID, correctedContent, reason string) (*domain.Correction, error) {
	if correctedContent == "" {
		return nil, domain.Invalidf("corrected content must not be empty")
	}
	if utf8.RuneCountInString(correctedContent) > domain.MaxContentLength {
		return nil, domain.Invalidf("corrected content exceeds %d characters", domain.MaxContentLength)
	}

	m, err := s.memories.GetByID(ctx, rc, memoryID)
	if err != nil {
		return nil, translateNotFound(err, "memory")
	}
	if !canMutate(rc, m) {
		return nil, domain.Forbidden("not allowed to correct this memory")
	}

	correctedBy := rc.UserID
	c := &domain.Correction{
		MemoryID:                memoryID,
		CorrectedContent:        correctedContent,
		OriginalContentSnapshot: m.Content,
		Reason:                  reason,
		CorrectedBy:             &correctedBy,
	}
	v := &domain.MemoryVersion{
		MemoryID:      memoryID,
		VersionNumber: m.CurrentVersion + 1,
		Content:       correctedContent,
		Title:         m.Title,
		Tags:          m.Tags,
		Metadata:      m.Metadata,
		ChangedBy:     &correctedBy,
		ChangeType:    domain.ChangeCorrection,
		ChangeReason:  reason,
	}
	if err := s.corrections.Add(ctx, c, v); err != nil {
		return nil, fmt.Errorf("add correction: %w", err)
	}

	invalidateMemory(ctx, s.cache, rc.TenantID, memoryID)
	return c, nil
}

// ListCorrections returns a memory's corrections, newest first.
func (s *MemoryService) ListCorrections(ctx context.Context, rc domain.RequestContext, memoryID uuid.UUID) ([]domain.Correction, error) {
	if _, err := s.memories.GetByID(ctx, rc, memoryID); err != nil {
		return nil, translateNotFound(err, "memory")
	}
	return s.corrections.ListByMemory(ctx, memoryID)
}

func (s *MemoryService) publish(ctx context.Context, t domain.EventType, tenantID uuid.UUID, data map[string]any) {
	if s.publisher != nil {
		s.publisher.Publish(ctx, domain.NewEvent(t, tenantID, data))
	}
}

// translateNotFound turns the store sentinel into the service error taxonomy.
func translateNotFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return domain.NotFound(what)
	}
	return err
}
