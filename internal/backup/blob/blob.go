// Package blob stores uploaded file content for the backup store.
//
// Every upload is written under a fresh key, so earlier versions stay
// readable through their history entries.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no object exists for a key.
var ErrNotFound = errors.New("blob: not found")

// Backend is a content store addressed by opaque keys.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Put stores the content of r under key and returns the number of bytes written.
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get opens the content stored under key.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the content stored under key. Missing keys are not an error.
	Delete(ctx context.Context, key string) error
}

// NewKey returns a unique key for a new version of the named file.
func NewKey(name string) string {
	name = strings.ReplaceAll(path.Base("/"+name), "/", "_")
	id := uuid.New().String()
	return fmt.Sprintf("%s/%s_%s", id[:2], id, name)
}
