// Package storage persists attachment bytes behind the StorageBackend
// capability: a local filesystem tree or an S3 bucket.
package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/puo-memo/puomemo/internal/domain"
)

// Local writes blobs under a root directory, mirroring the logical path.
type Local struct {
	root string
}

var _ domain.StorageBackend = (*Local)(nil)

func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Local{root: abs}, nil
}

// resolve maps a logical path onto the root and refuses anything that would
// escape it.
func (l *Local) resolve(path string) (string, error) {
	full := filepath.Join(l.root, filepath.FromSlash(path))
	if full != l.root && !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return "", domain.Invalidf("storage path escapes root: %s", path)
	}
	return full, nil
}

func (l *Local) Put(ctx context.Context, path string, r io.Reader, size int64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full, err := l.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("create attachment dir: %w", err)
	}

	// Write to a sibling temp file and rename so readers never see a
	// partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	written, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if size > 0 && written != size {
		return "", domain.Invalidf("blob size mismatch: expected %d, wrote %d", size, written)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return "", fmt.Errorf("finalize blob: %w", err)
	}
	return path, nil
}

func (l *Local) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NotFound("attachment blob")
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

func (l *Local) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
