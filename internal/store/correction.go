package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/puo-memo/puomemo/internal/domain"
)

type CorrectionStore struct {
	pool *Pool
}

func NewCorrectionStore(pool *Pool) *CorrectionStore {
	return &CorrectionStore{pool: pool}
}

// Add inserts the correction, flags the memory, bumps current_version, and
// appends the version row in one transaction.
func (s *CorrectionStore) Add(ctx context.Context, c *domain.Correction, v *domain.MemoryVersion) error {
	tx, err := s.pool.DB().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin add correction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	err = tx.QueryRow(ctx,
		`INSERT INTO corrections (memory_id, corrected_content, original_content_snapshot, reason, corrected_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, corrected_at`,
		c.MemoryID, c.CorrectedContent, c.OriginalContentSnapshot, c.Reason, c.CorrectedBy,
	).Scan(&c.ID, &c.CorrectedAt)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}

	var version int
	err = tx.QueryRow(ctx,
		`UPDATE memories
		 SET has_correction = TRUE, current_version = current_version + 1, updated_at = NOW()
		 WHERE id = $1
		 RETURNING current_version`,
		c.MemoryID,
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("flag correction: %w", err)
	}

	v.MemoryID = c.MemoryID
	v.VersionNumber = version
	if err := insertVersion(ctx, tx, v); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const correctionColumns = `id, memory_id, corrected_content, original_content_snapshot, reason, corrected_by, corrected_at`

func (s *CorrectionStore) Latest(ctx context.Context, memoryID uuid.UUID) (*domain.Correction, error) {
	c := &domain.Correction{}
	err := s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM corrections WHERE memory_id = $1 ORDER BY corrected_at DESC LIMIT 1`, correctionColumns),
		memoryID,
	).Scan(&c.ID, &c.MemoryID, &c.CorrectedContent, &c.OriginalContentSnapshot, &c.Reason, &c.CorrectedBy, &c.CorrectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *CorrectionStore) ListByMemory(ctx context.Context, memoryID uuid.UUID) ([]domain.Correction, error) {
	rows, err := s.pool.DB().Query(ctx,
		fmt.Sprintf(`SELECT %s FROM corrections WHERE memory_id = $1 ORDER BY corrected_at DESC`, correctionColumns),
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var corrections []domain.Correction
	for rows.Next() {
		var c domain.Correction
		if err := rows.Scan(&c.ID, &c.MemoryID, &c.CorrectedContent, &c.OriginalContentSnapshot, &c.Reason, &c.CorrectedBy, &c.CorrectedAt); err != nil {
			return nil, err
		}
		corrections = append(corrections, c)
	}
	return corrections, rows.Err()
}
