package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/puo-memo/puomemo/internal/domain"
)

type TenantStore struct {
	pool *Pool
}

func NewTenantStore(pool *Pool) *TenantStore {
	return &TenantStore{pool: pool}
}

func (s *TenantStore) Create(ctx context.Context, t *domain.Tenant, apiKeyHash string) error {
	if t.Plan == "" {
		t.Plan = "free"
	}
	if t.Settings == (domain.TenantSettings{}) {
		t.Settings = domain.DefaultTenantSettings()
	}
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO tenants (slug, name, plan, settings, api_key_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		t.Slug, t.Name, t.Plan, t.Settings, apiKeyHash,
	).Scan(&t.ID, &t.CreatedAt)
}

const tenantColumns = `id, slug, name, plan, settings, created_at`

func scanTenant(row pgx.Row) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Plan, &t.Settings, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}

func (s *TenantStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	return scanTenant(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tenants WHERE id = $1`, tenantColumns), id))
}

func (s *TenantStore) GetBySlug(ctx context.Context, slug string) (*domain.Tenant, error) {
	return scanTenant(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tenants WHERE slug = $1`, tenantColumns), slug))
}

// GetByAPIKeyHash resolves a key to its tenant and acting user. A user key
// identifies that user; the tenant root key acts as an admin with no user row.
func (s *TenantStore) GetByAPIKeyHash(ctx context.Context, hash string) (*domain.Tenant, *domain.User, error) {
	u := &domain.User{}
	t := &domain.Tenant{}
	err := s.pool.DB().QueryRow(ctx,
		`SELECT u.id, u.tenant_id, u.email, u.role, u.permissions, u.created_at,
		        t.id, t.slug, t.name, t.plan, t.settings, t.created_at
		 FROM users u JOIN tenants t ON t.id = u.tenant_id
		 WHERE u.api_key_hash = $1`,
		hash,
	).Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &u.Permissions, &u.CreatedAt,
		&t.ID, &t.Slug, &t.Name, &t.Plan, &t.Settings, &t.CreatedAt)
	if err == nil {
		return t, u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, err
	}

	t, err = scanTenant(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM tenants WHERE api_key_hash = $1`, tenantColumns), hash))
	if err != nil {
		return nil, nil, err
	}
	return t, &domain.User{TenantID: t.ID, Role: domain.RoleAdmin}, nil
}

func (s *TenantStore) CreateUser(ctx context.Context, u *domain.User, apiKeyHash string) error {
	if u.Role == "" {
		u.Role = domain.RoleMember
	}
	if u.Permissions == nil {
		u.Permissions = []string{}
	}
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO users (tenant_id, email, role, permissions, api_key_hash)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		u.TenantID, u.Email, u.Role, u.Permissions, apiKeyHash,
	).Scan(&u.ID, &u.CreatedAt)
}

func (s *TenantStore) DeleteUser(ctx context.Context, tenantID, userID uuid.UUID) error {
	tag, err := s.pool.DB().Exec(ctx,
		`DELETE FROM users WHERE id = $1 AND tenant_id = $2`, userID, tenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
