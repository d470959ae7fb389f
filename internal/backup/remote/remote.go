// Package remote defines the remote backup store contract and an HTTP client for it.
//
// The store keeps an append-only history per directory and file. Every
// create, update and delete appends an entry; the effective Modified and
// Deleted values of an entity are those of its most recent entry. Lookup
// responses are already resolved, so clients read Modified and Deleted
// directly and never see raw history.
package remote

import (
	"context"
	"io"
	"time"
)

// Directory is a directory record as returned by the store.
// Files and Directories are only populated when children were requested.
type Directory struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	ParentID    *int64      `json:"parentId,omitempty"`
	Modified    time.Time   `json:"modified"`
	Deleted     bool        `json:"deleted"`
	Files       []File      `json:"files,omitempty"`
	Directories []Directory `json:"directories,omitempty"`
}

// IsRoot reports whether the directory has no parent.
func (d *Directory) IsRoot() bool {
	return d.ParentID == nil
}

// File is a file record as returned by the store.
// A file is identified by (ParentID, Name).
type File struct {
	ID       int64     `json:"id"`
	Name     string    `json:"name"`
	ParentID int64     `json:"parentId"`
	Modified time.Time `json:"modified"`
	Deleted  bool      `json:"deleted"`
}

// UploadRequest describes one file upload.
//
// When File.ParentID is 0 the store resolves the parent from the directory
// part of Path. OldPath is set for renames; the store then relinks the record
// found at OldPath instead of creating a new one.
type UploadRequest struct {
	File    File
	Path    string
	OldPath string
	Content io.Reader
}

// Store is the remote backup store.
//
// Lookups return (nil, nil) when the entity does not exist. Every method that
// talks to the remote side must honor ctx cancellation.
type Store interface {
	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) bool

	// GetDirectoryByPath resolves a directory by its full local path.
	// Children are never populated.
	GetDirectoryByPath(ctx context.Context, path string) (*Directory, error)

	// GetDirectory resolves a directory by name under parentID (nil for roots).
	GetDirectory(ctx context.Context, name string, parentID *int64, includeChildren bool) (*Directory, error)

	// AddDirectory creates a directory record. It is not idempotent.
	AddDirectory(ctx context.Context, name string, parentID *int64) (*Directory, error)

	// UpdateDirectory appends a history entry carrying the new modified time.
	UpdateDirectory(ctx context.Context, id int64, modified time.Time) (*Directory, error)

	// DeleteDirectory soft-deletes a directory together with every
	// descendant directory and file.
	DeleteDirectory(ctx context.Context, id int64) error

	// UploadFile creates or updates a file record and stores its content.
	UploadFile(ctx context.Context, req UploadRequest) (*File, error)

	// DeleteFiles soft-deletes the given files in one call.
	DeleteFiles(ctx context.Context, files []File) error
}
