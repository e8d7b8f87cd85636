package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/extraction"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/store"
)

func targetGone(err error) bool {
	return errors.Is(err, store.ErrNotFound) || domain.IsKind(err, domain.KindNotFound)
}

const (
	TypeGenerateEmbedding = "generate_embedding"
	TypeExtractEntities   = "extract_entities"
	TypeProcessAttachment = "process_attachment"
)

func memoryIDFromPayload(t Task) (uuid.UUID, error) {
	raw, ok := t.Payload["memory_id"].(string)
	if !ok {
		return uuid.Nil, domain.Invalidf("task %s missing memory_id", t.Type)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, domain.Invalidf("task %s has malformed memory_id %q", t.Type, raw)
	}
	return id, nil
}

// EmbeddingHandler computes and persists the document embedding for a memory.
// The queue serializes it per memory, so the column has a single writer.
type EmbeddingHandler struct {
	memories  domain.MemoryStore
	embedder  domain.Embedder
	guard     *resilience.Guard
	cache     domain.Cache
	publisher Publisher
	logger    *zap.Logger
}

func NewEmbeddingHandler(memories domain.MemoryStore, embedder domain.Embedder, guard *resilience.Guard, c domain.Cache, publisher Publisher, logger *zap.Logger) *EmbeddingHandler {
	return &EmbeddingHandler{memories: memories, embedder: embedder, guard: guard, cache: c, publisher: publisher, logger: logger}
}

func (h *EmbeddingHandler) Handle(ctx context.Context, t Task) error {
	memoryID, err := memoryIDFromPayload(t)
	if err != nil {
		return err
	}

	content, tenantID, err := h.memories.GetContent(ctx, memoryID)
	if err != nil {
		// The memory may have been deleted before the task ran.
		if targetGone(err) {
			h.logger.Debug("embedding target gone", zap.String("memory_id", memoryID.String()))
			return nil
		}
		return fmt.Errorf("fetch content: %w", err)
	}

	var vec []float32
	err = h.guard.Do(ctx, func(ctx context.Context) error {
		var embedErr error
		vec, embedErr = h.embedder.Embed(ctx, content)
		return embedErr
	})
	if err != nil {
		return fmt.Errorf("embed memory %s: %w", memoryID, err)
	}
	if len(vec) != h.embedder.Dimension() {
		return domain.NewError(domain.KindInternal,
			fmt.Sprintf("embedder returned %d dims, want %d", len(vec), h.embedder.Dimension()))
	}

	if err := h.memories.SetEmbedding(ctx, memoryID, vec, h.embedder.ModelName()); err != nil {
		return fmt.Errorf("persist embedding: %w", err)
	}

	if data, err := json.Marshal(vec); err == nil {
		h.cache.Set(ctx, cache.Key(cache.KindEmbedding, cache.TextHash(content)), data, cache.TTLFor(cache.KindEmbedding))
	}

	h.publisher.Publish(ctx, domain.NewEvent(domain.EventEmbeddingComplete, tenantID, map[string]any{
		"memory_id": memoryID.String(),
		"model":     h.embedder.ModelName(),
	}))
	return nil
}

// GraphIngester applies an extraction result to the knowledge graph.
type GraphIngester interface {
	Ingest(ctx context.Context, memoryID uuid.UUID, result *domain.ExtractionResult) (int, int, error)
}

// ExtractionHandler pulls entities and relations out of a memory and feeds
// them to the graph, then runs lexical detection for action items and
// external references.
type ExtractionHandler struct {
	memories  domain.MemoryStore
	extractor domain.Extractor
	guard     *resilience.Guard
	graph     GraphIngester
	extras    domain.ExtrasStore
	cache     domain.Cache
	logger    *zap.Logger
}

func NewExtractionHandler(memories domain.MemoryStore, extractor domain.Extractor, guard *resilience.Guard, graph GraphIngester, extras domain.ExtrasStore, c domain.Cache, logger *zap.Logger) *ExtractionHandler {
	return &ExtractionHandler{memories: memories, extractor: extractor, guard: guard, graph: graph, extras: extras, cache: c, logger: logger}
}

func (h *ExtractionHandler) Handle(ctx context.Context, t Task) error {
	memoryID, err := memoryIDFromPayload(t)
	if err != nil {
		return err
	}

	content, tenantID, err := h.memories.GetContent(ctx, memoryID)
	if err != nil {
		if targetGone(err) {
			return nil
		}
		return fmt.Errorf("fetch content: %w", err)
	}

	var result *domain.ExtractionResult
	err = h.guard.Do(ctx, func(ctx context.Context) error {
		var exErr error
		result, exErr = h.extractor.Extract(ctx, content)
		return exErr
	})
	if err != nil {
		return fmt.Errorf("extract memory %s: %w", memoryID, err)
	}

	entities, relations, err := h.graph.Ingest(ctx, memoryID, result)
	if err != nil {
		return fmt.Errorf("graph ingest: %w", err)
	}

	meta := map[string]any{
		"entity_count":   entities,
		"relation_count": relations,
		"extracted_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.memories.SetEntitiesExtracted(ctx, memoryID, meta); err != nil {
		return fmt.Errorf("stamp extraction: %w", err)
	}

	if err := h.persistExtras(ctx, memoryID, content); err != nil {
		return fmt.Errorf("persist extras: %w", err)
	}

	h.cache.DeletePattern(ctx, cache.Key(cache.KindEntityGraph, "*"))
	h.logger.Debug("entities extracted",
		zap.String("memory_id", memoryID.String()),
		zap.String("tenant_id", tenantID.String()),
		zap.Int("entities", entities),
		zap.Int("relations", relations))
	return nil
}

// persistExtras stores lexically detected action items and external
// references. Existing rows are skipped so retried tasks stay idempotent.
func (h *ExtractionHandler) persistExtras(ctx context.Context, memoryID uuid.UUID, content string) error {
	if h.extras == nil {
		return nil
	}

	existing, err := h.extras.ListActionItems(ctx, memoryID)
	if err != nil {
		return err
	}
	haveItem := make(map[string]bool, len(existing))
	for _, it := range existing {
		haveItem[it.Text] = true
	}
	for _, item := range extraction.DetectActionItems(memoryID, content) {
		if haveItem[item.Text] {
			continue
		}
		if err := h.extras.CreateActionItem(ctx, &item); err != nil {
			return err
		}
	}

	refs, err := h.extras.ListExternalReferences(ctx, memoryID)
	if err != nil {
		return err
	}
	haveRef := make(map[string]bool, len(refs))
	for _, r := range refs {
		haveRef[string(r.ReferenceType)+"\x00"+r.Value] = true
	}
	for _, ref := range extraction.DetectReferences(memoryID, content) {
		if haveRef[string(ref.ReferenceType)+"\x00"+ref.Value] {
			continue
		}
		if err := h.extras.CreateExternalReference(ctx, &ref); err != nil {
			return err
		}
	}
	return nil
}

// AttachmentProcessor runs the MIME-dispatched attachment pipeline.
type AttachmentProcessor interface {
	Process(ctx context.Context, attachmentID uuid.UUID) error
}

type AttachmentHandler struct {
	processor AttachmentProcessor
}

func NewAttachmentHandler(processor AttachmentProcessor) *AttachmentHandler {
	return &AttachmentHandler{processor: processor}
}

func (h *AttachmentHandler) Handle(ctx context.Context, t Task) error {
	raw, ok := t.Payload["attachment_id"].(string)
	if !ok {
		return domain.Invalidf("task %s missing attachment_id", t.Type)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return domain.Invalidf("task %s has malformed attachment_id %q", t.Type, raw)
	}
	return h.processor.Process(ctx, id)
}
