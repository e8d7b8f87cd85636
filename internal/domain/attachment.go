package domain

import (
	"time"

	"github.com/google/uuid"
)

type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "pending"
	ProcessingInProgress ProcessingStatus = "processing"
	ProcessingCompleted  ProcessingStatus = "completed"
	ProcessingFailed     ProcessingStatus = "failed"
)

type Attachment struct {
	ID                 uuid.UUID        `json:"id"`
	MemoryID           uuid.UUID        `json:"memory_id"`
	Filename           string           `json:"filename"`
	MimeType           string           `json:"mime_type"`
	FileSize           int64            `json:"file_size"`
	FileHash           string           `json:"file_hash"`
	StoragePath        string           `json:"storage_path"`
	UploadStatus       UploadStatus     `json:"upload_status"`
	ProcessingStatus   ProcessingStatus `json:"processing_status"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	ExtractedText      string           `json:"extracted_text,omitempty"`
	ExtractedMetadata  map[string]any   `json:"extracted_metadata,omitempty"`
	ContentDescription string           `json:"content_description,omitempty"`
	ThumbnailPath      string           `json:"thumbnail_path,omitempty"`
	ContentEmbedding   []float32        `json:"-"`
	EmbeddingModel     string           `json:"embedding_model,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

// AttachmentRef is an inbound reference to a file, either a local path or a URL.
type AttachmentRef struct {
	Path     string `json:"path,omitempty"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}
