// Package service implements the memory write and read paths: validation,
// quota, dedup, version bookkeeping, cache invalidation, async hand-off, and
// event publication.
package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/puo-memo/puomemo/internal/cache"
	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/tasks"
)

// Enqueuer is the slice of the task queue the services need.
type Enqueuer interface {
	Enqueue(t tasks.Task) error
}

// Publisher delivers events after store writes commit.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event)
}

// canRead re-applies the store's visibility predicate to a row that may have
// come from the cache rather than a scoped query.
func canRead(rc domain.RequestContext, m *domain.Memory) bool {
	if m.TenantID != rc.TenantID {
		return false
	}
	if rc.CanManageMemories() {
		return true
	}
	switch m.Visibility {
	case domain.VisibilityPublic, domain.VisibilityTeam:
		return true
	case domain.VisibilityPrivate:
		return m.CreatedBy != nil && *m.CreatedBy == rc.UserID
	}
	return false
}

// canMutate gates writes: the creator or a caller holding memories.manage.
func canMutate(rc domain.RequestContext, m *domain.Memory) bool {
	if m.TenantID != rc.TenantID {
		return false
	}
	if rc.CanManageMemories() {
		return true
	}
	return m.CreatedBy != nil && *m.CreatedBy == rc.UserID
}

// invalidateMemory sweeps every cache entry a memory mutation can stale.
func invalidateMemory(ctx context.Context, c domain.Cache, tenantID, memoryID uuid.UUID) {
	c.Delete(ctx, cache.Key(cache.KindMemory, memoryID.String()))
	invalidateTenantReads(ctx, c, tenantID)
}

// invalidateTenantReads drops the tenant's list and search result entries.
func invalidateTenantReads(ctx context.Context, c domain.Cache, tenantID uuid.UUID) {
	c.DeletePattern(ctx, fmt.Sprintf("%s:*", cache.Key(cache.KindList, tenantID.String())))
	c.DeletePattern(ctx, fmt.Sprintf("puo_memo:%s:*:%s:*", cache.KindSearch, tenantID))
}
