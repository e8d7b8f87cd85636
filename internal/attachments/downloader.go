// Package attachments ingests files referenced by path or URL, persists
// their bytes, and runs the per-MIME processors.
package attachments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/puo-memo/puomemo/internal/domain"
	"github.com/puo-memo/puomemo/internal/resilience"
)

// allowedMIME is the ingestion whitelist. text/* is allowed wholesale.
var allowedMIME = map[string]struct{}{
	"application/pdf":  {},
	"application/json": {},
	"image/jpeg":       {},
	"image/png":        {},
	"image/gif":        {},
	"image/webp":       {},
}

func mimeAllowed(m string) bool {
	m = strings.ToLower(strings.TrimSpace(m))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if strings.HasPrefix(m, "text/") {
		return true
	}
	_, ok := allowedMIME[m]
	return ok
}

// stagedFile is a downloaded or copied file waiting for persistence. The
// caller owns Cleanup.
type stagedFile struct {
	Path     string
	Filename string
	MimeType string
	Size     int64
	Hash     string
}

func (s *stagedFile) Cleanup() {
	if s != nil && s.Path != "" {
		_ = os.Remove(s.Path)
	}
}

// Downloader fetches URL attachments with a size cap and transient-error
// retries. Each retry restarts the download from scratch.
type Downloader struct {
	httpClient *http.Client
	retrier    *resilience.Retrier
	maxSize    int64
}

func NewDownloader(httpClient *http.Client, retrier *resilience.Retrier, maxSize int64) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if retrier == nil {
		retrier = resilience.NewRetrier(resilience.DefaultRetryConfig())
	}
	return &Downloader{httpClient: httpClient, retrier: retrier, maxSize: maxSize}
}

// Fetch streams the URL body to a temp file, enforcing scheme, MIME
// whitelist, and the size cap as bytes arrive.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (*stagedFile, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.Invalidf("malformed attachment url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, domain.Invalidf("attachment url scheme %q not allowed", u.Scheme)
	}

	var staged *stagedFile
	err = d.retrier.Do(ctx, func(ctx context.Context) error {
		var attemptErr error
		staged, attemptErr = d.fetchOnce(ctx, u)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return staged, nil
}

func (d *Downloader) fetchOnce(ctx context.Context, u *url.URL) (*stagedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, domain.UpstreamUnavailable("download", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.UpstreamUnavailable("download",
			fmt.Errorf("download returned status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.Invalidf("download returned status %d", resp.StatusCode)
	}

	mimeType := resp.Header.Get("Content-Type")
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType != "" && mimeType != "application/octet-stream" && !mimeAllowed(mimeType) {
		return nil, domain.Invalidf("mime type %q not allowed", mimeType)
	}
	if resp.ContentLength > d.maxSize {
		return nil, domain.Invalidf("attachment exceeds %d byte limit", d.maxSize)
	}

	staged, err := stageReader(resp.Body, d.maxSize)
	if err != nil {
		return nil, err
	}

	staged.Filename = filenameFromURL(u, resp.Header.Get("Content-Disposition"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = sniffFile(staged.Path)
	}
	if !mimeAllowed(mimeType) {
		staged.Cleanup()
		return nil, domain.Invalidf("mime type %q not allowed", mimeType)
	}
	staged.MimeType = mimeType
	return staged, nil
}

// stageReader copies r to a temp file, hashing as it goes and failing as
// soon as the running size passes the cap.
func stageReader(r io.Reader, maxSize int64) (*stagedFile, error) {
	tmp, err := os.CreateTemp("", "puomemo-attachment-*")
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(r, maxSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return nil, domain.UpstreamUnavailable("download", err)
	}
	if written > maxSize {
		_ = os.Remove(tmp.Name())
		return nil, domain.Invalidf("attachment exceeds %d byte limit", maxSize)
	}

	return &stagedFile{
		Path: tmp.Name(),
		Size: written,
		Hash: hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// stageLocal copies a server-local file into staging under the same checks
// the downloader applies.
func stageLocal(path string, maxSize int64) (*stagedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFound("attachment file")
		}
		return nil, fmt.Errorf("open attachment file: %w", err)
	}
	defer func() { _ = f.Close() }()

	staged, err := stageReader(f, maxSize)
	if err != nil {
		return nil, err
	}
	staged.Filename = filepathBase(path)
	staged.MimeType = mimeForFilename(staged.Filename)
	if staged.MimeType == "" {
		staged.MimeType = sniffFile(staged.Path)
	}
	if !mimeAllowed(staged.MimeType) {
		staged.Cleanup()
		return nil, domain.Invalidf("mime type %q not allowed", staged.MimeType)
	}
	return staged, nil
}

func filepathBase(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}

func mimeForFilename(name string) string {
	m := mime.TypeByExtension(path.Ext(name))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

func sniffFile(p string) string {
	f, err := os.Open(p)
	if err != nil {
		return "application/octet-stream"
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, 512)
	n, _ := io.ReadFull(f, buf)
	m := http.DetectContentType(buf[:n])
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	return m
}

func filenameFromURL(u *url.URL, disposition string) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := params["filename"]; name != "" {
				return filepathBase(name)
			}
		}
	}
	if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
		return name
	}
	return "download"
}
