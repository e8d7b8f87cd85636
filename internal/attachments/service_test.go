package attachments

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/embedding"
	"github.com/puo-memo/puomemo/internal/resilience"
	"github.com/puo-memo/puomemo/internal/storage"
	"github.com/puo-memo/puomemo/internal/store"
	"github.com/puo-memo/puomemo/internal/vision"
)

// fakeAttachmentStore is a map-backed domain.AttachmentStore.
type fakeAttachmentStore struct {
	rows map[uuid.UUID]*domain.Attachment
}

func newFakeAttachmentStore() *fakeAttachmentStore {
	return &fakeAttachmentStore{rows: map[uuid.UUID]*domain.Attachment{}}
}

func (f *fakeAttachmentStore) Create(_ context.Context, a *domain.Attachment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = time.Now()
	stored := *a
	f.rows[a.ID] = &stored
	return nil
}

func (f *fakeAttachmentStore) GetByID(_ context.Context, id uuid.UUID) (*domain.Attachment, error) {
	if a, ok := f.rows[id]; ok {
		copied := *a
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeAttachmentStore) ListByMemory(_ context.Context, memoryID uuid.UUID) ([]domain.Attachment, error) {
	var out []domain.Attachment
	for _, a := range f.rows {
		if a.MemoryID == memoryID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (f *fakeAttachmentStore) FindByHash(_ context.Context, memoryID uuid.UUID, hash string) (*domain.Attachment, error) {
	for _, a := range f.rows {
		if a.MemoryID == memoryID && a.FileHash == hash {
			copied := *a
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeAttachmentStore) SetProcessingStatus(_ context.Context, id uuid.UUID, status domain.ProcessingStatus, errMsg string) error {
	a, ok := f.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	a.ProcessingStatus = status
	a.ErrorMessage = errMsg
	return nil
}

func (f *fakeAttachmentStore) SaveResults(_ context.Context, a *domain.Attachment) error {
	stored, ok := f.rows[a.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored.ProcessingStatus = domain.ProcessingCompleted
	stored.ExtractedText = a.ExtractedText
	stored.ExtractedMetadata = a.ExtractedMetadata
	stored.ContentDescription = a.ContentDescription
	stored.ThumbnailPath = a.ThumbnailPath
	stored.ContentEmbedding = a.ContentEmbedding
	stored.EmbeddingModel = a.EmbeddingModel
	stored.ErrorMessage = ""
	return nil
}

func fastRetrier() *resilience.Retrier {
	return resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		RetryIf:      resilience.RetryableKind,
	})
}

func newTestService(t *testing.T, fs *fakeAttachmentStore, vis domain.VisionAnalyzer, withEmbedder bool) *Service {
	t.Helper()
	backend, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	var emb domain.Embedder
	if withEmbedder {
		emb = embedding.NewMockClient(384)
	}
	dl := NewDownloader(&http.Client{Timeout: 5 * time.Second}, fastRetrier(), 1024*1024)
	return NewService(fs, backend, dl, emb, vis, nil, 1024*1024, zap.NewNop())
}

func serveFile(t *testing.T, body string, contentType string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAddFromURL(t *testing.T) {
	fs := newFakeAttachmentStore()
	s := newTestService(t, fs, nil, false)
	srv := serveFile(t, "release notes", "text/plain")
	memoryID := uuid.New()

	a, dup, err := s.Add(context.Background(), memoryID, domain.AttachmentRef{URL: srv.URL + "/notes.txt"})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, "notes.txt", a.Filename)
	assert.Equal(t, "text/plain", a.MimeType)
	assert.Equal(t, domain.UploadCompleted, a.UploadStatus)
	assert.Equal(t, domain.ProcessingPending, a.ProcessingStatus)
	assert.Contains(t, a.StoragePath, "attachments/"+memoryID.String())

	// The blob round-trips through the backend.
	_, rc, err := s.Open(context.Background(), a.ID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
}

func TestAddDuplicateByHash(t *testing.T) {
	fs := newFakeAttachmentStore()
	s := newTestService(t, fs, nil, false)
	srv := serveFile(t, "same bytes", "text/plain")
	memoryID := uuid.New()

	first, dup, err := s.Add(context.Background(), memoryID, domain.AttachmentRef{URL: srv.URL + "/a.txt"})
	require.NoError(t, err)
	require.False(t, dup)

	second, dup, err := s.Add(context.Background(), memoryID, domain.AttachmentRef{URL: srv.URL + "/b.txt"})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, fs.rows, 1)
}

func TestDownloaderRejectsScheme(t *testing.T) {
	dl := NewDownloader(nil, fastRetrier(), 1024)

	_, err := dl.Fetch(context.Background(), "ftp://example.com/file")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}

func TestDownloaderRejectsDisallowedMime(t *testing.T) {
	srv := serveFile(t, "zipzip", "application/zip")
	dl := NewDownloader(nil, fastRetrier(), 1024)

	_, err := dl.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}

func TestDownloaderEnforcesSizeCap(t *testing.T) {
	srv := serveFile(t, strings.Repeat("x", 2048), "text/plain")
	dl := NewDownloader(nil, fastRetrier(), 1024)

	_, err := dl.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindInvalid))
}

func TestDownloaderRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("eventually"))
	}))
	t.Cleanup(srv.Close)

	dl := NewDownloader(nil, fastRetrier(), 1024)
	staged, err := dl.Fetch(context.Background(), srv.URL+"/f.txt")
	require.NoError(t, err)
	defer staged.Cleanup()

	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, len("eventually"), staged.Size)
}

func addText(t *testing.T, s *Service, body string) *domain.Attachment {
	t.Helper()
	srv := serveFile(t, body, "text/plain")
	a, _, err := s.Add(context.Background(), uuid.New(), domain.AttachmentRef{URL: srv.URL + "/f.txt"})
	require.NoError(t, err)
	return a
}

func TestProcessText(t *testing.T) {
	fs := newFakeAttachmentStore()
	s := newTestService(t, fs, nil, true)
	a := addText(t, s, "line one\nline two")

	require.NoError(t, s.Process(context.Background(), a.ID))

	got := fs.rows[a.ID]
	assert.Equal(t, domain.ProcessingCompleted, got.ProcessingStatus)
	assert.Equal(t, "line one\nline two", got.ExtractedText)
	assert.EqualValues(t, 2, got.ExtractedMetadata["line_count"])
	assert.EqualValues(t, 17, got.ExtractedMetadata["char_count"])
	assert.Len(t, got.ContentEmbedding, 384)
	assert.Equal(t, "mock", got.EmbeddingModel)
}

func TestProcessImageWithVision(t *testing.T) {
	fs := newFakeAttachmentStore()
	vis := vision.NewMockClient()
	vis.ImageResponse = &domain.ImageAnalysis{
		Description:   "a whiteboard diagram",
		ExtractedText: "Q3 roadmap",
		ImageType:     "diagram",
		Entities:      []string{"Roadmap"},
	}
	s := newTestService(t, fs, vis, true)

	// Not a decodable image; dimension metadata is simply absent.
	srv := serveFile(t, "not-really-png", "image/png")
	a, _, err := s.Add(context.Background(), uuid.New(), domain.AttachmentRef{URL: srv.URL + "/pic.png"})
	require.NoError(t, err)

	require.NoError(t, s.Process(context.Background(), a.ID))

	got := fs.rows[a.ID]
	assert.Equal(t, domain.ProcessingCompleted, got.ProcessingStatus)
	assert.Equal(t, "a whiteboard diagram", got.ContentDescription)
	assert.Equal(t, "Q3 roadmap", got.ExtractedText)
	assert.Equal(t, "diagram", got.ExtractedMetadata["image_type"])
	assert.Equal(t, 1, vis.ImageCalls)
	assert.NotEmpty(t, got.ContentEmbedding)
}

func TestProcessPDFWithoutVisionSkips(t *testing.T) {
	fs := newFakeAttachmentStore()
	s := newTestService(t, fs, nil, false)

	srv := serveFile(t, "%PDF-1.4 fake", "application/pdf")
	a, _, err := s.Add(context.Background(), uuid.New(), domain.AttachmentRef{URL: srv.URL + "/doc.pdf"})
	require.NoError(t, err)

	require.NoError(t, s.Process(context.Background(), a.ID))
	assert.Equal(t, domain.ProcessingCompleted, fs.rows[a.ID].ProcessingStatus)
}

func TestProcessFailureMarksFailed(t *testing.T) {
	fs := newFakeAttachmentStore()
	vis := vision.NewMockClient()
	vis.ImageError = errors.New("vision offline")
	s := newTestService(t, fs, vis, false)

	srv := serveFile(t, "imagebytes", "image/png")
	a, _, err := s.Add(context.Background(), uuid.New(), domain.AttachmentRef{URL: srv.URL + "/pic.png"})
	require.NoError(t, err)

	err = s.Process(context.Background(), a.ID)
	require.Error(t, err)
	got := fs.rows[a.ID]
	assert.Equal(t, domain.ProcessingFailed, got.ProcessingStatus)
	assert.Contains(t, got.ErrorMessage, "vision offline")
}

func TestProcessCompletedIsIdempotent(t *testing.T) {
	fs := newFakeAttachmentStore()
	s := newTestService(t, fs, nil, false)
	a := addText(t, s, "once")

	require.NoError(t, s.Process(context.Background(), a.ID))
	require.NoError(t, s.Process(context.Background(), a.ID))
}
