package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/steveyegge/backupsync/internal/backup/metrics"
)

// Local stores blobs below a root directory.
type Local struct {
	fs afero.Fs
}

var _ Backend = (*Local)(nil)

// NewLocal creates a backend rooted at root on the OS filesystem.
func NewLocal(root string) (*Local, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return NewLocalFs(afero.NewBasePathFs(afero.NewOsFs(), root)), nil
}

// NewLocalFs creates a backend over an arbitrary filesystem.
func NewLocalFs(fs afero.Fs) *Local {
	return &Local{fs: fs}
}

// Name implements Backend.
func (l *Local) Name() string {
	return "local"
}

// Put implements Backend. Content is written to a temporary file and renamed
// into place, so readers never observe a partial object.
func (l *Local) Put(ctx context.Context, key string, r io.Reader) (n int64, err error) {
	start := time.Now()
	defer func() {
		metrics.RecordBlobOperation(l.Name(), "put", time.Since(start), err == nil)
	}()

	target := filepath.FromSlash(key)
	if err := l.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return 0, fmt.Errorf("failed to create blob directory: %w", err)
	}

	tmp := target + ".part"
	f, err := l.fs.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create blob: %w", err)
	}

	n, err = io.Copy(f, &ctxReader{ctx: ctx, r: r})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = l.fs.Remove(tmp)
		return 0, fmt.Errorf("failed to write blob %s: %w", key, err)
	}

	if err := l.fs.Rename(tmp, target); err != nil {
		_ = l.fs.Remove(tmp)
		return 0, fmt.Errorf("failed to commit blob %s: %w", key, err)
	}
	return n, nil
}

// Get implements Backend.
func (l *Local) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := l.fs.Open(filepath.FromSlash(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", key, err)
	}
	return f, nil
}

// Delete implements Backend.
func (l *Local) Delete(ctx context.Context, key string) error {
	err := l.fs.Remove(filepath.FromSlash(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}

// ctxReader stops a copy once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
