package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/puo-memo/puomemo/internal/domain"
)

type VersionStore struct {
	pool *Pool
}

func NewVersionStore(pool *Pool) *VersionStore {
	return &VersionStore{pool: pool}
}

// insertVersion appends a version row inside an open transaction. Callers own
// the transaction so the memory mutation and its snapshot commit together.
func insertVersion(ctx context.Context, tx pgx.Tx, v *domain.MemoryVersion) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO memory_versions (memory_id, version_number, content, title, tags, metadata, changed_by, change_type, change_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		v.MemoryID, v.VersionNumber, v.Content, v.Title, v.Tags, v.Metadata,
		v.ChangedBy, v.ChangeType, v.ChangeReason,
	).Scan(&v.ID, &v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

const versionColumns = `id, memory_id, version_number, content, title, tags, metadata,
	changed_by, change_type, change_reason, created_at`

func scanVersion(row pgx.Row) (*domain.MemoryVersion, error) {
	v := &domain.MemoryVersion{}
	err := row.Scan(&v.ID, &v.MemoryID, &v.VersionNumber, &v.Content, &v.Title, &v.Tags,
		&v.Metadata, &v.ChangedBy, &v.ChangeType, &v.ChangeReason, &v.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return v, nil
}

func (s *VersionStore) ListByMemory(ctx context.Context, memoryID uuid.UUID, limit int) ([]domain.MemoryVersion, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.DB().Query(ctx,
		fmt.Sprintf(`SELECT %s FROM memory_versions WHERE memory_id = $1 ORDER BY version_number DESC LIMIT $2`, versionColumns),
		memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.MemoryVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

func (s *VersionStore) Get(ctx context.Context, memoryID uuid.UUID, versionNumber int) (*domain.MemoryVersion, error) {
	return scanVersion(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM memory_versions WHERE memory_id = $1 AND version_number = $2`, versionColumns),
		memoryID, versionNumber))
}

func (s *VersionStore) CountByMemory(ctx context.Context, memoryID uuid.UUID) (int, error) {
	var count int
	err := s.pool.DB().QueryRow(ctx,
		`SELECT COUNT(*) FROM memory_versions WHERE memory_id = $1`, memoryID).Scan(&count)
	return count, err
}

// Prune removes all but the most recent keep versions. The current version is
// always inside the kept window, so it is never removed.
func (s *VersionStore) Prune(ctx context.Context, memoryID uuid.UUID, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	tag, err := s.pool.DB().Exec(ctx,
		`DELETE FROM memory_versions
		 WHERE memory_id = $1 AND version_number NOT IN (
		     SELECT version_number FROM memory_versions
		     WHERE memory_id = $1 ORDER BY version_number DESC LIMIT $2)`,
		memoryID, keep)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
