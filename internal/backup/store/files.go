package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/blob"
	"github.com/steveyegge/backupsync/internal/backup/remote"
)

const fileColumns = `id, name, parent_id, modified, deleted, blob_key, size`

// StoredFile is a file record together with its current content location.
type StoredFile struct {
	remote.File
	BlobKey string `json:"-"`
	Size    int64  `json:"size"`
}

// Version is one entry of a file's history.
type Version struct {
	ID         int64     `json:"id"`
	Modified   time.Time `json:"modified"`
	Deleted    bool      `json:"deleted"`
	Size       int64     `json:"size"`
	RecordedAt time.Time `json:"recordedAt"`
}

func scanFile(row interface{ Scan(...any) error }) (*StoredFile, error) {
	var (
		f        StoredFile
		modified sql.NullInt64
		key      sql.NullString
	)
	if err := row.Scan(&f.ID, &f.Name, &f.ParentID, &modified, &f.Deleted, &key, &f.Size); err != nil {
		return nil, err
	}
	f.Modified = fromNanos(modified)
	f.BlobKey = key.String
	return &f, nil
}

func (s *Store) fileByID(ctx context.Context, q querier, id int64) (*StoredFile, error) {
	f, err := scanFile(q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM file_state WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %d: %w", id, err)
	}
	return f, nil
}

func (s *Store) fileByName(ctx context.Context, q querier, parentID int64, name string) (*StoredFile, error) {
	f, err := scanFile(q.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM file_state WHERE parent_id = ? AND name = ?`, parentID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", name, err)
	}
	return f, nil
}

// GetFile returns the file with the given id, or nil.
func (s *Store) GetFile(ctx context.Context, id int64) (*StoredFile, error) {
	return s.fileByID(ctx, s.db, id)
}

// OpenContent opens the most recently uploaded content of a file. Deleted
// files keep their last content.
func (s *Store) OpenContent(ctx context.Context, id int64) (*StoredFile, io.ReadCloser, error) {
	f, err := s.fileByID(ctx, s.db, id)
	if err != nil {
		return nil, nil, err
	}
	if f == nil || f.BlobKey == "" {
		return nil, nil, fmt.Errorf("file %d: %w", id, remote.ErrNotFound)
	}

	rc, err := s.blobs.Get(ctx, f.BlobKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil, fmt.Errorf("content of file %d: %w", id, remote.ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return f, rc, nil
}

// History returns every history entry of a file, oldest first.
func (s *Store) History(ctx context.Context, id int64) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, modified, deleted, size, recorded_at
		FROM file_history WHERE file_id = ?
		ORDER BY recorded_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %d: %w", id, err)
	}
	defer rows.Close()

	var versions []Version
	for rows.Next() {
		var (
			v        Version
			modified sql.NullInt64
			recorded int64
		)
		if err := rows.Scan(&v.ID, &modified, &v.Deleted, &v.Size, &recorded); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		v.Modified = fromNanos(modified)
		v.RecordedAt = time.Unix(0, recorded).UTC()
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// UploadFile implements remote.Store.
//
// The content is written to the blob backend before the metadata
// transaction and removed again if the transaction fails. The record is
// chosen by id, then by OldPath for renames, then by (parent, name).
func (s *Store) UploadFile(ctx context.Context, req remote.UploadRequest) (*remote.File, error) {
	rec := req.File
	if rec.Name == "" {
		rec.Name = path.Base(normalizePath(req.Path))
	}
	if rec.Name == "" || rec.Name == "." || rec.Name == "/" {
		return nil, fmt.Errorf("file name is required")
	}

	content := req.Content
	if content == nil {
		content = strings.NewReader("")
	}
	key := blob.NewKey(rec.Name)
	size, err := s.blobs.Put(ctx, key, content)
	if err != nil {
		return nil, fmt.Errorf("failed to store content of %s: %w", rec.Name, err)
	}

	var stored *remote.File
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = s.upsertFile(ctx, tx, rec, req, key, size)
		return err
	})
	if err != nil {
		if derr := s.blobs.Delete(context.WithoutCancel(ctx), key); derr != nil {
			s.logger.WithError(derr).WithField("key", key).Warn("failed to remove orphaned content")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"file":   stored.Name,
		"id":     stored.ID,
		"parent": stored.ParentID,
		"size":   size,
	}).Debug("stored file")
	return stored, nil
}

func (s *Store) upsertFile(ctx context.Context, tx *sql.Tx, rec remote.File, req remote.UploadRequest, key string, size int64) (*remote.File, error) {
	if rec.ParentID == 0 {
		if req.Path == "" {
			return nil, fmt.Errorf("file %s: %w", rec.Name, remote.ErrNoParent)
		}
		parent, err := s.resolvePath(ctx, tx, path.Dir(normalizePath(req.Path)), true)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("file %s: %w", rec.Name, remote.ErrNoParent)
		}
		rec.ParentID = parent.ID
	} else {
		parent, err := s.directoryByID(ctx, tx, rec.ParentID)
		if err != nil {
			return nil, err
		}
		if parent == nil {
			return nil, fmt.Errorf("file %s: %w", rec.Name, remote.ErrNoParent)
		}
	}

	var (
		existing *StoredFile
		err      error
	)
	if rec.ID > 0 {
		if existing, err = s.fileByID(ctx, tx, rec.ID); err != nil {
			return nil, err
		}
	}
	if existing == nil && req.OldPath != "" {
		old := normalizePath(req.OldPath)
		oldParent, err := s.resolvePath(ctx, tx, path.Dir(old), false)
		if err != nil {
			return nil, err
		}
		if oldParent != nil {
			if existing, err = s.fileByName(ctx, tx, oldParent.ID, path.Base(old)); err != nil {
				return nil, err
			}
		}
	}

	target, err := s.fileByName(ctx, tx, rec.ParentID, rec.Name)
	if err != nil {
		return nil, err
	}

	var id int64
	switch {
	case existing == nil && target == nil:
		res, err := tx.ExecContext(ctx,
			`INSERT INTO files (name, parent_id, created_at) VALUES (?, ?, ?)`,
			rec.Name, rec.ParentID, s.stamp())
		if err != nil {
			return nil, fmt.Errorf("failed to insert file %s: %w", rec.Name, err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read file id: %w", err)
		}

	case existing == nil:
		id = target.ID

	case target != nil && target.ID != existing.ID:
		// Renamed onto an existing record: keep the target, retire the source.
		if err := s.appendFileHistory(ctx, tx, existing.ID, existing.Modified, true, existing.BlobKey, existing.Size); err != nil {
			return nil, err
		}
		id = target.ID

	default:
		if existing.Name != rec.Name || existing.ParentID != rec.ParentID {
			if _, err := tx.ExecContext(ctx,
				`UPDATE files SET name = ?, parent_id = ? WHERE id = ?`,
				rec.Name, rec.ParentID, existing.ID); err != nil {
				return nil, fmt.Errorf("failed to rename file %d: %w", existing.ID, err)
			}
		}
		id = existing.ID
	}

	if err := s.appendFileHistory(ctx, tx, id, rec.Modified, false, key, size); err != nil {
		return nil, err
	}

	return &remote.File{
		ID:       id,
		Name:     rec.Name,
		ParentID: rec.ParentID,
		Modified: fromNanos(toNanos(rec.Modified)),
	}, nil
}

func (s *Store) appendFileHistory(ctx context.Context, q querier, id int64, modified time.Time, deleted bool, key string, size int64) error {
	blobKey := sql.NullString{String: key, Valid: key != ""}
	if _, err := q.ExecContext(ctx,
		`INSERT INTO file_history (file_id, modified, deleted, blob_key, size, recorded_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, toNanos(modified), deleted, blobKey, size, s.stamp()); err != nil {
		return fmt.Errorf("failed to record file %d: %w", id, err)
	}
	return nil
}

// DeleteFiles implements remote.Store. Unknown ids are skipped.
func (s *Store) DeleteFiles(ctx context.Context, files []remote.File) error {
	if len(files) == 0 {
		return nil
	}

	deleted := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rf := range files {
			f, err := s.fileByID(ctx, tx, rf.ID)
			if err != nil {
				return err
			}
			if f == nil {
				s.logger.WithField("id", rf.ID).Debug("skipping delete of unknown file")
				continue
			}
			if err := s.appendFileHistory(ctx, tx, f.ID, f.Modified, true, f.BlobKey, f.Size); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithField("count", deleted).Debug("deleted files")
	return nil
}
