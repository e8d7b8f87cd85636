package attachments

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/store"
)

// embedSlice caps how much extracted text feeds the content embedding.
const embedSlice = 5 * 1024

// Service runs the attachment lifecycle: staging, per-memory dedup by hash,
// blob persistence, and the async per-MIME processors.
type Service struct {
	attachments domain.AttachmentStore
	backend     domain.StorageBackend
	downloader  *Downloader
	embedder    domain.Embedder
	vision      domain.VisionAnalyzer
	embedGuard  *resilience.Guard
	maxSize     int64
	logger      *zap.Logger
}

func NewService(
	attachments domain.AttachmentStore,
	backend domain.StorageBackend,
	downloader *Downloader,
	embedder domain.Embedder,
	vision domain.VisionAnalyzer,
	embedGuard *resilience.Guard,
	maxSize int64,
	logger *zap.Logger,
) *Service {
	return &Service{
		attachments: attachments,
		backend:     backend,
		downloader:  downloader,
		embedder:    embedder,
		vision:      vision,
		embedGuard:  embedGuard,
		maxSize:     maxSize,
		logger:      logger,
	}
}

// Add stages the referenced file, dedups by SHA-256 within the memory, and
// persists the blob plus its row. The returned bool reports a duplicate.
func (s *Service) Add(ctx context.Context, memoryID uuid.UUID, ref domain.AttachmentRef) (*domain.Attachment, bool, error) {
	var staged *stagedFile
	var err error
	switch {
	case ref.URL != "":
		staged, err = s.downloader.Fetch(ctx, ref.URL)
	case ref.Path != "":
		staged, err = stageLocal(ref.Path, s.maxSize)
	default:
		return nil, false, domain.Invalidf("attachment reference needs a path or url")
	}
	if err != nil {
		return nil, false, err
	}
	defer staged.Cleanup()

	if ref.Filename != "" {
		staged.Filename = ref.Filename
	}

	existing, err := s.attachments.FindByHash(ctx, memoryID, staged.Hash)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("attachment dedup lookup: %w", err)
	}

	a := &domain.Attachment{
		ID:               uuid.New(),
		MemoryID:         memoryID,
		Filename:         staged.Filename,
		MimeType:         staged.MimeType,
		FileSize:         staged.Size,
		FileHash:         staged.Hash,
		UploadStatus:     domain.UploadCompleted,
		ProcessingStatus: domain.ProcessingPending,
	}
	a.StoragePath = fmt.Sprintf("attachments/%s/%s/%s", memoryID, a.ID, a.Filename)

	blob, err := os.Open(staged.Path)
	if err != nil {
		return nil, false, fmt.Errorf("open staged attachment: %w", err)
	}
	defer func() { _ = blob.Close() }()

	if _, err := s.backend.Put(ctx, a.StoragePath, blob, a.FileSize); err != nil {
		return nil, false, fmt.Errorf("persist attachment blob: %w", err)
	}
	if err := s.attachments.Create(ctx, a); err != nil {
		return nil, false, fmt.Errorf("create attachment row: %w", err)
	}
	return a, false, nil
}

// ListByMemory returns the attachments of a memory.
func (s *Service) ListByMemory(ctx context.Context, memoryID uuid.UUID) ([]domain.Attachment, error) {
	return s.attachments.ListByMemory(ctx, memoryID)
}

// Get returns one attachment row.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Attachment, error) {
	return s.attachments.GetByID(ctx, id)
}

// Open streams the stored blob.
func (s *Service) Open(ctx context.Context, id uuid.UUID) (*domain.Attachment, io.ReadCloser, error) {
	a, err := s.attachments.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.Get(ctx, a.StoragePath)
	if err != nil {
		return nil, nil, err
	}
	return a, rc, nil
}

// DeleteBlob removes a stored blob; the row is expected to cascade with its
// memory.
func (s *Service) DeleteBlob(ctx context.Context, path string) error {
	return s.backend.Delete(ctx, path)
}

// Process runs the per-MIME processor for one attachment. Implements the
// task handler contract: a returned error means the task should retry, and
// the row is left marked failed until a later attempt succeeds.
func (s *Service) Process(ctx context.Context, attachmentID uuid.UUID) error {
	a, err := s.attachments.GetByID(ctx, attachmentID)
	if err != nil {
		return err
	}
	if a.ProcessingStatus == domain.ProcessingCompleted {
		return nil
	}

	if err := s.attachments.SetProcessingStatus(ctx, a.ID, domain.ProcessingInProgress, ""); err != nil {
		return err
	}

	data, err := s.readBlob(ctx, a.StoragePath)
	if err == nil {
		err = s.dispatch(ctx, a, data)
	}
	if err != nil {
		if serr := s.attachments.SetProcessingStatus(ctx, a.ID, domain.ProcessingFailed, err.Error()); serr != nil {
			s.logger.Error("mark attachment failed", zap.String("attachment_id", a.ID.String()), zap.Error(serr))
		}
		return err
	}

	if err := s.attachments.SaveResults(ctx, a); err != nil {
		return fmt.Errorf("save attachment results: %w", err)
	}
	return nil
}

func (s *Service) readBlob(ctx context.Context, path string) ([]byte, error) {
	rc, err := s.backend.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(io.LimitReader(rc, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment blob: %w", err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, domain.Invalidf("stored blob exceeds %d byte limit", s.maxSize)
	}
	return data, nil
}

func (s *Service) dispatch(ctx context.Context, a *domain.Attachment, data []byte) error {
	switch {
	case strings.HasPrefix(a.MimeType, "image/"):
		return s.processImage(ctx, a, data)
	case a.MimeType == "application/pdf":
		return s.processPDF(ctx, a, data)
	default:
		return s.processText(ctx, a, data)
	}
}

func (s *Service) processImage(ctx context.Context, a *domain.Attachment, data []byte) error {
	meta := map[string]any{}
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta["width"] = cfg.Width
		meta["height"] = cfg.Height
		meta["format"] = format
	}

	if s.vision != nil {
		analysis, err := s.vision.AnalyzeImage(ctx, data)
		if err != nil {
			return err
		}
		a.ContentDescription = analysis.Description
		a.ExtractedText = analysis.ExtractedText
		if analysis.ImageType != "" {
			meta["image_type"] = analysis.ImageType
		}
		if len(analysis.Entities) > 0 {
			meta["entities"] = analysis.Entities
		}
		if len(analysis.TechnicalDetails) > 0 {
			meta["technical_details"] = analysis.TechnicalDetails
		}
	}
	a.ExtractedMetadata = meta

	s.embedContent(ctx, a, strings.TrimSpace(a.ExtractedText+"\n"+a.ContentDescription))
	return nil
}

func (s *Service) processPDF(ctx context.Context, a *domain.Attachment, data []byte) error {
	if s.vision == nil {
		a.ExtractedMetadata = map[string]any{"skipped": "no vision provider"}
		return nil
	}
	analysis, err := s.vision.AnalyzePDF(ctx, data, nil)
	if err != nil {
		return err
	}

	a.ExtractedText = analysis.FullText
	meta := map[string]any{"page_count": len(analysis.PageAnalyses)}
	if len(analysis.Entities) > 0 {
		meta["entities"] = analysis.Entities
	}
	visionPages := 0
	for _, p := range analysis.PageAnalyses {
		if p.UsedVision {
			visionPages++
		}
	}
	if visionPages > 0 {
		meta["vision_pages"] = visionPages
	}
	a.ExtractedMetadata = meta

	s.embedContent(ctx, a, a.ExtractedText)
	return nil
}

func (s *Service) processText(ctx context.Context, a *domain.Attachment, data []byte) error {
	text := decodeText(data)
	a.ExtractedText = text
	a.ExtractedMetadata = map[string]any{
		"line_count": strings.Count(text, "\n") + 1,
		"char_count": utf8.RuneCountInString(text),
	}
	if lang := languageForMime(a.MimeType); lang != "" {
		a.ExtractedMetadata["language"] = lang
	}

	s.embedContent(ctx, a, text)
	return nil
}

// embedContent is best-effort: an unavailable embedder leaves the attachment
// without a content embedding rather than failing processing.
func (s *Service) embedContent(ctx context.Context, a *domain.Attachment, text string) {
	if s.embedder == nil || text == "" {
		return
	}
	if len(text) > embedSlice {
		cut := embedSlice
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}

	var vec []float32
	embed := func(ctx context.Context) error {
		var err error
		vec, err = s.embedder.Embed(ctx, text)
		return err
	}
	var err error
	if s.embedGuard != nil {
		err = s.embedGuard.Do(ctx, embed)
	} else {
		err = embed(ctx)
	}
	if err != nil {
		s.logger.Warn("attachment embedding skipped",
			zap.String("attachment_id", a.ID.String()),
			zap.Error(err))
		return
	}
	a.ContentEmbedding = vec
	a.EmbeddingModel = s.embedder.ModelName()
}

// decodeText takes UTF-8 as-is and falls back to latin-1 for anything else.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

func languageForMime(m string) string {
	switch {
	case strings.Contains(m, "python"):
		return "python"
	case strings.Contains(m, "javascript"):
		return "javascript"
	case strings.Contains(m, "go"):
		return "go"
	case m == "application/json":
		return "json"
	case strings.Contains(m, "html"):
		return "html"
	case strings.Contains(m, "markdown"):
		return "markdown"
	}
	return ""
}
