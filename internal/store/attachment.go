package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/puo-memo/puomemo/internal/domain"
)

type AttachmentStore struct {
	pool *Pool
}

func NewAttachmentStore(pool *Pool) *AttachmentStore {
	return &AttachmentStore{pool: pool}
}

const attachmentColumns = `id, memory_id, filename, mime_type, file_size, file_hash,
	storage_path, upload_status, processing_status, error_message, extracted_text,
	extracted_metadata, content_description, thumbnail_path, embedding_model,
	created_at, updated_at`

func scanAttachment(row pgx.Row) (*domain.Attachment, error) {
	a := &domain.Attachment{}
	err := row.Scan(&a.ID, &a.MemoryID, &a.Filename, &a.MimeType, &a.FileSize, &a.FileHash,
		&a.StoragePath, &a.UploadStatus, &a.ProcessingStatus, &a.ErrorMessage, &a.ExtractedText,
		&a.ExtractedMetadata, &a.ContentDescription, &a.ThumbnailPath, &a.EmbeddingModel,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

// Create honors a pre-set ID so callers can address storage paths before the
// row exists.
func (s *AttachmentStore) Create(ctx context.Context, a *domain.Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.UploadStatus == "" {
		a.UploadStatus = domain.UploadPending
	}
	if a.ProcessingStatus == "" {
		a.ProcessingStatus = domain.ProcessingPending
	}
	return s.pool.DB().QueryRow(ctx,
		`INSERT INTO attachments (id, memory_id, filename, mime_type, file_size, file_hash, storage_path, upload_status, processing_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		a.ID, a.MemoryID, a.Filename, a.MimeType, a.FileSize, a.FileHash, a.StoragePath,
		a.UploadStatus, a.ProcessingStatus,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
}

func (s *AttachmentStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Attachment, error) {
	return scanAttachment(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM attachments WHERE id = $1`, attachmentColumns), id))
}

func (s *AttachmentStore) ListByMemory(ctx context.Context, memoryID uuid.UUID) ([]domain.Attachment, error) {
	rows, err := s.pool.DB().Query(ctx,
		fmt.Sprintf(`SELECT %s FROM attachments WHERE memory_id = $1 ORDER BY created_at`, attachmentColumns),
		memoryID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	var attachments []domain.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		attachments = append(attachments, *a)
	}
	return attachments, rows.Err()
}

func (s *AttachmentStore) FindByHash(ctx context.Context, memoryID uuid.UUID, hash string) (*domain.Attachment, error) {
	return scanAttachment(s.pool.DB().QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM attachments WHERE memory_id = $1 AND file_hash = $2`, attachmentColumns),
		memoryID, hash))
}

func (s *AttachmentStore) SetProcessingStatus(ctx context.Context, id uuid.UUID, status domain.ProcessingStatus, errMsg string) error {
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE attachments SET processing_status = $1, error_message = $2, updated_at = NOW() WHERE id = $3`,
		status, errMsg, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveResults writes processor output and marks processing completed.
func (s *AttachmentStore) SaveResults(ctx context.Context, a *domain.Attachment) error {
	var embedding *pgvector.Vector
	if len(a.ContentEmbedding) > 0 {
		vec := pgvector.NewVector(a.ContentEmbedding)
		embedding = &vec
	}
	tag, err := s.pool.DB().Exec(ctx,
		`UPDATE attachments
		 SET processing_status = 'completed', extracted_text = $1, extracted_metadata = $2,
		     content_description = $3, thumbnail_path = $4, content_embedding = $5,
		     embedding_model = $6, error_message = '', updated_at = NOW()
		 WHERE id = $7`,
		a.ExtractedText, a.ExtractedMetadata, a.ContentDescription, a.ThumbnailPath,
		embedding, a.EmbeddingModel, a.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
