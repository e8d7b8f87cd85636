package domain

import (
	"context"
	"io"
	"time"
)

// Embedder produces fixed-dimension dense vectors. Implementations must
// return exactly Dimension() floats for every call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	ModelName() string
}

// Extractor returns entities and relations found in a text blob.
type Extractor interface {
	Extract(ctx context.Context, text string) (*ExtractionResult, error)
}

type ImageMetadata struct {
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Format string `json:"format,omitempty"`
}

type ImageAnalysis struct {
	Description      string         `json:"description"`
	ExtractedText    string         `json:"extracted_text,omitempty"`
	ImageType        string         `json:"image_type,omitempty"`
	Entities         []string       `json:"entities,omitempty"`
	TechnicalDetails map[string]any `json:"technical_details,omitempty"`
	Metadata         ImageMetadata  `json:"metadata"`
}

type PDFPageAnalysis struct {
	Page        int    `json:"page"`
	Text        string `json:"text"`
	UsedVision  bool   `json:"used_vision"`
	Description string `json:"description,omitempty"`
}

type PDFAnalysis struct {
	FullText     string            `json:"full_text"`
	PageAnalyses []PDFPageAnalysis `json:"page_analyses,omitempty"`
	Entities     []string          `json:"entities,omitempty"`
}

// VisionAnalyzer handles image and complex-PDF understanding.
type VisionAnalyzer interface {
	AnalyzeImage(ctx context.Context, data []byte) (*ImageAnalysis, error)
	AnalyzePDF(ctx context.Context, data []byte, hints []string) (*PDFAnalysis, error)
}

// StorageBackend persists attachment bytes under opaque paths.
type StorageBackend interface {
	Put(ctx context.Context, path string, r io.Reader, size int64) (string, error)
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// Cache is the key/value cache capability. A nil Cache degrades to
// passthrough in every consumer.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	DeletePattern(ctx context.Context, pattern string)
}

// BridgeMessage is one message received from the cross-process bridge.
type BridgeMessage struct {
	Channel string
	Payload []byte
}

// PubSubBridge mirrors events across processes. Best-effort, no replay.
type PubSubBridge interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (<-chan BridgeMessage, func(), error)
}
