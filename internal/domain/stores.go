package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type TenantStore interface {
	Create(ctx context.Context, t *Tenant, apiKeyHash string) error
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	// GetByAPIKeyHash resolves both the tenant and the acting user for a key.
	GetByAPIKeyHash(ctx context.Context, hash string) (*Tenant, *User, error)
	CreateUser(ctx context.Context, u *User, apiKeyHash string) error
	DeleteUser(ctx context.Context, tenantID, userID uuid.UUID) error
}

// ListOpts paginate list reads. Limit is capped at MaxListLimit.
type ListOpts struct {
	Limit  int
	Offset int
	Tags   []string
}

type MemoryStore interface {
	// Create inserts the memory and its v1 version row in one transaction.
	Create(ctx context.Context, m *Memory, v *MemoryVersion) error
	// Update writes the changed columns and appends a version row in one
	// transaction, bumping current_version.
	Update(ctx context.Context, m *Memory, v *MemoryVersion) error
	// GetByID enforces the tenant + visibility predicate for rc.
	GetByID(ctx context.Context, rc RequestContext, id uuid.UUID) (*Memory, error)
	Delete(ctx context.Context, rc RequestContext, id uuid.UUID) error
	List(ctx context.Context, rc RequestContext, opts ListOpts) ([]Memory, int, error)
	CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error)

	// Dedup support.
	FindByFingerprint(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID, fingerprint string, since time.Time) (*Memory, error)
	FindNearDuplicate(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID, content string, since time.Time, threshold float64) (*Memory, float64, error)

	// Search paths.
	KeywordSearch(ctx context.Context, rc RequestContext, query string, f SearchFilters, limit, offset int) ([]ScoredMemory, error)
	SemanticSearch(ctx context.Context, rc RequestContext, queryVec []float32, minSimilarity float64, f SearchFilters, limit, offset int) ([]ScoredMemory, error)
	ByEntity(ctx context.Context, rc RequestContext, entityID uuid.UUID, limit, offset int) ([]ScoredMemory, error)

	// Async pipeline writes.
	SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, model string) error
	SetEntitiesExtracted(ctx context.Context, id uuid.UUID, meta map[string]any) error
	GetContent(ctx context.Context, id uuid.UUID) (string, uuid.UUID, error)
}

type VersionStore interface {
	ListByMemory(ctx context.Context, memoryID uuid.UUID, limit int) ([]MemoryVersion, error)
	Get(ctx context.Context, memoryID uuid.UUID, versionNumber int) (*MemoryVersion, error)
	CountByMemory(ctx context.Context, memoryID uuid.UUID) (int, error)
	// Prune removes versions older than the most recent keep, never the
	// current one.
	Prune(ctx context.Context, memoryID uuid.UUID, keep int) (int64, error)
}

type CorrectionStore interface {
	// Add inserts the correction, flags the memory, and appends the version
	// row in one transaction.
	Add(ctx context.Context, c *Correction, v *MemoryVersion) error
	Latest(ctx context.Context, memoryID uuid.UUID) (*Correction, error)
	ListByMemory(ctx context.Context, memoryID uuid.UUID) ([]Correction, error)
}

type AttachmentStore interface {
	Create(ctx context.Context, a *Attachment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Attachment, error)
	ListByMemory(ctx context.Context, memoryID uuid.UUID) ([]Attachment, error)
	FindByHash(ctx context.Context, memoryID uuid.UUID, hash string) (*Attachment, error)
	SetProcessingStatus(ctx context.Context, id uuid.UUID, status ProcessingStatus, errMsg string) error
	// SaveResults writes processor output and marks processing completed.
	SaveResults(ctx context.Context, a *Attachment) error
}

type EntityStore interface {
	FindByNameOrAlias(ctx context.Context, name string) (*Entity, error)
	Insert(ctx context.Context, e *Entity) error
	// UpdateObservation unions aliases, merges attributes, bumps
	// occurrence_count and last_seen.
	UpdateObservation(ctx context.Context, e *Entity) error
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]Entity, error)
	Search(ctx context.Context, query string, entityType *EntityType, limit int) ([]Entity, error)

	UpsertRelation(ctx context.Context, r *Relation) error
	// EdgesTouching returns relations where any given entity is an endpoint.
	EdgesTouching(ctx context.Context, ids []uuid.UUID) ([]Relation, error)

	Associate(ctx context.Context, a *MemoryEntityAssociation) error
	DeleteAssociationsByMemory(ctx context.Context, memoryID uuid.UUID) error
}

type ExtrasStore interface {
	CreateActionItem(ctx context.Context, item *ActionItem) error
	ListActionItems(ctx context.Context, memoryID uuid.UUID) ([]ActionItem, error)
	UpdateActionItemStatus(ctx context.Context, id uuid.UUID, status ActionItemStatus) error
	CreateExternalReference(ctx context.Context, ref *ExternalReference) error
	ListExternalReferences(ctx context.Context, memoryID uuid.UUID) ([]ExternalReference, error)
	UpsertConversationLink(ctx context.Context, link *ConversationLink) error
	ListConversationLinks(ctx context.Context, conversationID uuid.UUID) ([]ConversationLink, error)
}
