package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/puo-memo/puomemo/internal/domain"
)

type MemoryStore struct {
	pool *Pool
}

func NewMemoryStore(pool *Pool) *MemoryStore {
	return &MemoryStore{pool: pool}
}

const memoryColumns = `id, tenant_id, created_by, content, title, tags, metadata, visibility,
	fingerprint, embedding_model, has_correction, entities_extracted, current_version,
	created_at, updated_at`

func scanMemory(row pgx.Row) (*domain.Memory, error) {
	m := &domain.Memory{}
	err := row.Scan(&m.ID, &m.TenantID, &m.CreatedBy, &m.Content, &m.Title, &m.Tags,
		&m.Metadata, &m.Visibility, &m.Fingerprint, &m.EmbeddingModel, &m.HasCorrection,
		&m.EntitiesExtracted, &m.CurrentVersion, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// Create inserts the memory and its v1 version row in one transaction.
func (s *MemoryStore) Create(ctx context.Context, m *domain.Memory, v *domain.MemoryVersion) error {
	if m.TenantID == uuid.Nil {
		return domain.NewError(domain.KindInternal, "memory create without tenant")
	}

	var embedding *pgvector.Vector
	if len(m.Embedding) > 0 {
		vec := pgvector.NewVector(m.Embedding)
		embedding = &vec
	}
	if m.Visibility == "" {
		m.Visibility = domain.VisibilityPrivate
	}
	m.CurrentVersion = 1

	tx, err := s.pool.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create memory: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO memories (tenant_id, created_by, content, title, tags, metadata, visibility, fingerprint, embedding, embedding_model, current_version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1)
		 RETURNING id, created_at, updated_at`,
		m.TenantID, m.CreatedBy, m.Content, m.Title, m.Tags, m.Metadata, m.Visibility,
		m.Fingerprint, embedding, m.EmbeddingModel,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	v.MemoryID = m.ID
	v.VersionNumber = 1
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Update writes changed columns and appends the version row, bumping
// current_version, in one transaction.
func (s *MemoryStore) Update(ctx context.Context, m *domain.Memory, v *domain.MemoryVersion) error {
	tx, err := s.pool.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update memory: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`UPDATE memories
		 SET content = $1, title = $2, tags = $3, metadata = $4, visibility = $5,
		     fingerprint = $6, current_version = current_version + 1, updated_at = NOW()
		 WHERE id = $7 AND tenant_id = $8
		 RETURNING current_version, updated_at`,
		m.Content, m.Title, m.Tags, m.Metadata, m.Visibility, m.Fingerprint, m.ID, m.TenantID,
	).Scan(&m.CurrentVersion, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update memory: %w", err)
	}

	v.MemoryID = m.ID
	v.VersionNumber = m.CurrentVersion
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *MemoryStore) GetByID(ctx context.Context, rc domain.RequestContext, id uuid.UUID) (*domain.Memory, error) {
	if !rc.Valid() {
		return nil, domain.NewError(domain.KindInternal, "missing request context")
	}

	var args []any
	pred := visibilityPredicate(rc, &args, "")
	args = append(args, id)

	query := fmt.Sprintf(`SELECT %s FROM memories WHERE %s AND id = $%d`,
		memoryColumns, pred, len(args))
	return scanMemory(s.pool.DB().QueryRow(ctx, query, args...))
}

func (s *MemoryStore) Delete(ctx context.Context, rc domain.RequestContext, id uuid.UUID) error {
	if !rc.Valid() {
		return domain.NewError(domain.KindInternal, "missing request context")
	}

	tag, err := s.pool.DB().Exec(ctx,
		`DELETE FROM memories WHERE id = $1 AND tenant_id = $2`, id, rc.TenantID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, rc domain.RequestContext, opts domain.ListOpts) ([]domain.Memory, int, error) {
	if !rc.Valid() {
		return nil, 0, domain.NewError(domain.KindInternal, "missing request context")
	}
	if opts.Limit <= 0 || opts.Limit > domain.MaxListLimit {
		opts.Limit = domain.MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var args []any
	conditions := []string{visibilityPredicate(rc, &args, "")}
	if len(opts.Tags) > 0 {
		args = append(args, opts.Tags)
		conditions = append(conditions, fmt.Sprintf("tags && $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM memories WHERE %s`, where), args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count memories: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		`SELECT %s FROM memories WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		memoryColumns, where, len(args)-1, len(args))

	rows, err := s.pool.DB().Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var memories []domain.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, 0, err
		}
		memories = append(memories, *m)
	}
	return memories, total, rows.Err()
}

func (s *MemoryStore) CountByTenant(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var count int
	err := s.pool.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE tenant_id = $1`, tenantID).Scan(&count)
	return count, err
}

func (s *MemoryStore) FindByFingerprint(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID, fingerprint string, since time.Time) (*domain.Memory, error) {
	args := []any{tenantID, fingerprint, since}
	creatorCond := ""
	if createdBy != nil {
		args = append(args, *createdBy)
		creatorCond = fmt.Sprintf(" AND created_by = $%d", len(args))
	}

	query := fmt.Sprintf(
		`SELECT %s FROM memories
		 WHERE tenant_id = $1 AND fingerprint = $2 AND created_at > $3%s
		 ORDER BY created_at DESC LIMIT 1`,
		memoryColumns, creatorCond)
	return scanMemory(s.pool.DB().QueryRow(ctx, query, args...))
}

func (s *MemoryStore) FindNearDuplicate(ctx context.Context, tenantID uuid.UUID, createdBy *uuid.UUID, content string, since time.Time, threshold float64) (*domain.Memory, float64, error) {
	args := []any{content, tenantID, since, threshold}
	creatorCond := ""
	if createdBy != nil {
		args = append(args, *createdBy)
		creatorCond = fmt.Sprintf(" AND created_by = $%d", len(args))
	}

	query := fmt.Sprintf(
		`SELECT %s, similarity(content, $1) AS sim FROM memories
		 WHERE tenant_id = $2 AND created_at > $3 AND similarity(content, $1) >= $4%s
		 ORDER BY sim DESC LIMIT 1`,
		memoryColumns, creatorCond)

	m := &domain.Memory{}
	var sim float64
	err := s.pool.DB().QueryRow(ctx, query, args...).Scan(
		&m.ID, &m.TenantID, &m.CreatedBy, &m.Content, &m.Title, &m.Tags, &m.Metadata,
		&m.Visibility, &m.Fingerprint, &m.EmbeddingModel, &m.HasCorrection,
		&m.EntitiesExtracted, &m.CurrentVersion, &m.CreatedAt, &m.UpdatedAt, &sim)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, err
	}
	return m, sim, nil
}

// searchFilters renders the shared tag/date/visibility filter conditions.
func searchFilters(f domain.SearchFilters, args *[]any) []string {
	var conditions []string
	if len(f.Tags) > 0 {
		*args = append(*args, f.Tags)
		conditions = append(conditions, fmt.Sprintf("tags && $%d", len(*args)))
	}
	if f.DateFrom != nil {
		*args = append(*args, *f.DateFrom)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(*args)))
	}
	if f.DateTo != nil {
		*args = append(*args, *f.DateTo)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(*args)))
	}
	if len(f.Visibility) > 0 {
		vis := make([]string, 0, len(f.Visibility))
		for _, v := range f.Visibility {
			vis = append(vis, string(v))
		}
		*args = append(*args, vis)
		conditions = append(conditions, fmt.Sprintf("visibility = ANY($%d)", len(*args)))
	}
	return conditions
}

func (s *MemoryStore) KeywordSearch(ctx context.Context, rc domain.RequestContext, query string, f domain.SearchFilters, limit, offset int) ([]domain.ScoredMemory, error) {
	if !rc.Valid() {
		return nil, domain.NewError(domain.KindInternal, "missing request context")
	}

	args := []any{query}
	conditions := []string{visibilityPredicate(rc, &args, "")}
	conditions = append(conditions, searchFilters(f, &args)...)
	conditions = append(conditions, "GREATEST(similarity(content, $1), similarity(title, $1)) > 0")

	args = append(args, limit, offset)
	sql := fmt.Sprintf(
		`SELECT %s, GREATEST(similarity(content, $1), similarity(title, $1)) AS score
		 FROM memories WHERE %s
		 ORDER BY score DESC, created_at DESC
		 LIMIT $%d OFFSET $%d`,
		memoryColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	return s.queryScored(ctx, sql, args...)
}

func (s *MemoryStore) SemanticSearch(ctx context.Context, rc domain.RequestContext, queryVec []float32, minSimilarity float64, f domain.SearchFilters, limit, offset int) ([]domain.ScoredMemory, error) {
	if !rc.Valid() {
		return nil, domain.NewError(domain.KindInternal, "missing request context")
	}

	args := []any{pgvector.NewVector(queryVec), minSimilarity}
	conditions := []string{visibilityPredicate(rc, &args, "")}
	conditions = append(conditions, searchFilters(f, &args)...)
	conditions = append(conditions, "embedding IS NOT NULL", "1 - (embedding <=> $1) >= $2")

	args = append(args, limit, offset)
	sql := fmt.Sprintf(
		`SELECT %s, 1 - (embedding <=> $1) AS score
		 FROM memories WHERE %s
		 ORDER BY score DESC, created_at DESC
		 LIMIT $%d OFFSET $%d`,
		memoryColumns, strings.Join(conditions, " AND "), len(args)-1, len(args))

	return s.queryScored(ctx, sql, args...)
}

func (s *MemoryStore) ByEntity(ctx context.Context, rc domain.RequestContext, entityID uuid.UUID, limit, offset int) ([]domain.ScoredMemory, error) {
	if !rc.Valid() {
		return nil, domain.NewError(domain.KindInternal, "missing request context")
	}

	var args []any
	pred := visibilityPredicate(rc, &args, "m.")
	args = append(args, entityID, limit, offset)

	cols := make([]string, 0, 16)
	for _, c := range strings.Split(memoryColumns, ",") {
		cols = append(cols, "m."+strings.TrimSpace(c))
	}
	sql := fmt.Sprintf(
		`SELECT %s, a.relevance_score AS score
		 FROM memories m
		 JOIN memory_entity_associations a ON a.memory_id = m.id
		 WHERE %s AND a.entity_id = $%d
		 ORDER BY a.relevance_score DESC, m.created_at DESC
		 LIMIT $%d OFFSET $%d`,
		strings.Join(cols, ", "), pred,
		len(args)-2, len(args)-1, len(args))

	return s.queryScored(ctx, sql, args...)
}

func (s *MemoryStore) queryScored(ctx context.Context, sql string, args ...any) ([]domain.ScoredMemory, error) {
	rows, err := s.pool.DB().Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("scored query: %w", err)
	}
	defer rows.Close()

	var results []domain.ScoredMemory
	for rows.Next() {
		var sm domain.ScoredMemory
		err := rows.Scan(&sm.ID, &sm.TenantID, &sm.CreatedBy, &sm.Content, &sm.Title,
			&sm.Tags, &sm.Metadata, &sm.Visibility, &sm.Fingerprint, &sm.EmbeddingModel,
			&sm.HasCorrection, &sm.EntitiesExtracted, &sm.CurrentVersion,
			&sm.CreatedAt, &sm.UpdatedAt, &sm.Score)
		if err != nil {
			return nil, fmt.Errorf("scan scored row: %w", err)
		}
		results = append(results, sm)
	}
	return results, rows.Err()
}

func (s *MemoryStore) SetEmbedding(ctx context.Context, id uuid.UUID, embedding []float32, model string) error {
	vec := pgvector.NewVector(embedding)
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE memories SET embedding = $1, embedding_model = $2, updated_at = NOW() WHERE id = $3`,
		vec, model, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MemoryStore) SetEntitiesExtracted(ctx context.Context, id uuid.UUID, meta map[string]any) error {
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE memories SET entities_extracted = TRUE, extraction_metadata = $1, updated_at = NOW() WHERE id = $2`,
		meta, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetContent fetches content without visibility scoping; used only by
// background task handlers operating on behalf of the system.
func (s *MemoryStore) GetContent(ctx context.Context, id uuid.UUID) (string, uuid.UUID, error) {
	var content string
	var tenantID uuid.UUID
	err := s.pool.DB().QueryRow(ctx,
		`SELECT content, tenant_id FROM memories WHERE id = $1`, id).Scan(&content, &tenantID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", uuid.Nil, ErrNotFound
		}
		return "", uuid.Nil, err
	}
	return content, tenantID, nil
}
