package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TenantSettings holds per-tenant resource limits.
type TenantSettings struct {
	MaxMemories int   `json:"max_memories"`
	MaxFileSize int64 `json:"max_file_size"`
}

func DefaultTenantSettings() TenantSettings {
	return TenantSettings{
		MaxMemories: 100000,
		MaxFileSize: 50 * 1024 * 1024,
	}
}

type Tenant struct {
	ID        uuid.UUID      `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	Plan      string         `json:"plan"`
	Settings  TenantSettings `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
}

type UserRole string

const (
	RoleAdmin  UserRole = "admin"
	RoleMember UserRole = "member"
	RoleViewer UserRole = "viewer"
)

// PermMemoriesManage lets a user read and mutate any memory in the tenant
// regardless of visibility.
const PermMemoriesManage = "memories.manage"

type User struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"tenant_id"`
	Email       string    `json:"email"`
	Role        UserRole  `json:"role"`
	Permissions []string  `json:"permissions"`
	CreatedAt   time.Time `json:"created_at"`
}

func (u *User) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	if u.Role == RoleAdmin {
		return true
	}
	for _, p := range u.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RequestContext identifies the caller for every service and store call.
// The store refuses row access when the tenant is missing.
type RequestContext struct {
	TenantID    uuid.UUID
	UserID      uuid.UUID
	Permissions []string
	Role        UserRole
}

func (rc RequestContext) CanManageMemories() bool {
	if rc.Role == RoleAdmin {
		return true
	}
	for _, p := range rc.Permissions {
		if p == PermMemoriesManage {
			return true
		}
	}
	return false
}

// Valid reports whether the context carries a tenant.
func (rc RequestContext) Valid() bool {
	return rc.TenantID != uuid.Nil
}

type requestContextKey struct{}

// WithRequestContext attaches the caller identity to ctx.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom extracts the caller identity, if present.
func RequestContextFrom(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(RequestContext)
	return rc, ok
}
