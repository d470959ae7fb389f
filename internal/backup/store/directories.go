package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/remote"
)

const directoryColumns = `id, name, parent_id, modified, deleted`

func scanDirectory(row interface{ Scan(...any) error }) (*remote.Directory, error) {
	var (
		d        remote.Directory
		parentID sql.NullInt64
		modified sql.NullInt64
	)
	if err := row.Scan(&d.ID, &d.Name, &parentID, &modified, &d.Deleted); err != nil {
		return nil, err
	}
	if parentID.Valid {
		id := parentID.Int64
		d.ParentID = &id
	}
	d.Modified = fromNanos(modified)
	return &d, nil
}

// normalizePath converts separators to '/' and drops a trailing separator.
func normalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// GetDirectoryByPath implements remote.Store.
//
// The path is matched against the longest root that contains it; the
// remaining segments are walked below that root and created when missing.
// Paths outside every root resolve to nil.
func (s *Store) GetDirectoryByPath(ctx context.Context, p string) (*remote.Directory, error) {
	var dir *remote.Directory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		dir, err = s.resolvePath(ctx, tx, p, true)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dir, nil
}

func (s *Store) resolvePath(ctx context.Context, q querier, p string, create bool) (*remote.Directory, error) {
	p = normalizePath(p)
	if p == "" || p == "." {
		return nil, nil
	}

	root, rest, err := s.findRoot(ctx, q, p)
	if err != nil || root == nil {
		return nil, err
	}

	dir := root
	for _, name := range strings.Split(rest, "/") {
		if name == "" {
			continue
		}
		parentID := dir.ID
		child, err := s.lookupDirectory(ctx, q, name, &parentID)
		if err != nil {
			return nil, err
		}
		if child == nil {
			if !create {
				return nil, nil
			}
			if child, err = s.insertDirectory(ctx, q, name, &parentID); err != nil {
				return nil, err
			}
		}
		dir = child
	}
	return dir, nil
}

// findRoot returns the longest root whose normalized name is p or an
// ancestor of p, together with the remainder of p below it.
func (s *Store) findRoot(ctx context.Context, q querier, p string) (*remote.Directory, string, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+directoryColumns+` FROM directory_state WHERE parent_id IS NULL`)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list roots: %w", err)
	}
	defer rows.Close()

	var (
		best     *remote.Directory
		bestName string
	)
	for rows.Next() {
		d, err := scanDirectory(rows)
		if err != nil {
			return nil, "", fmt.Errorf("failed to scan root: %w", err)
		}
		name := normalizePath(d.Name)
		if name != p && !strings.HasPrefix(p, strings.TrimSuffix(name, "/")+"/") {
			continue
		}
		if best == nil || len(name) > len(bestName) {
			best, bestName = d, name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to list roots: %w", err)
	}
	if best == nil {
		return nil, "", nil
	}
	return best, strings.TrimPrefix(strings.TrimPrefix(p, bestName), "/"), nil
}

func (s *Store) lookupDirectory(ctx context.Context, q querier, name string, parentID *int64) (*remote.Directory, error) {
	query := `SELECT ` + directoryColumns + ` FROM directory_state WHERE name = ? AND parent_id IS NULL`
	args := []any{name}
	if parentID != nil {
		query = `SELECT ` + directoryColumns + ` FROM directory_state WHERE name = ? AND parent_id = ?`
		args = append(args, *parentID)
	}

	d, err := scanDirectory(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get directory %s: %w", name, err)
	}
	return d, nil
}

func (s *Store) directoryByID(ctx context.Context, q querier, id int64) (*remote.Directory, error) {
	d, err := scanDirectory(q.QueryRowContext(ctx, `SELECT `+directoryColumns+` FROM directory_state WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get directory %d: %w", id, err)
	}
	return d, nil
}

func (s *Store) insertDirectory(ctx context.Context, q querier, name string, parentID *int64) (*remote.Directory, error) {
	stamp := s.stamp()
	res, err := q.ExecContext(ctx,
		`INSERT INTO directories (name, parent_id, created_at) VALUES (?, ?, ?)`,
		name, nullID(parentID), stamp)
	if err != nil {
		return nil, fmt.Errorf("failed to insert directory %s: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read directory id: %w", err)
	}
	if err := s.appendDirectoryHistory(ctx, q, id, time.Time{}, false); err != nil {
		return nil, err
	}
	return &remote.Directory{ID: id, Name: name, ParentID: parentID}, nil
}

func (s *Store) appendDirectoryHistory(ctx context.Context, q querier, id int64, modified time.Time, deleted bool) error {
	if _, err := q.ExecContext(ctx,
		`INSERT INTO directory_history (directory_id, modified, deleted, recorded_at) VALUES (?, ?, ?, ?)`,
		id, toNanos(modified), deleted, s.stamp()); err != nil {
		return fmt.Errorf("failed to record directory %d: %w", id, err)
	}
	return nil
}

// GetDirectory implements remote.Store. It returns nil when no directory
// named name exists under parentID.
func (s *Store) GetDirectory(ctx context.Context, name string, parentID *int64, includeChildren bool) (*remote.Directory, error) {
	d, err := s.lookupDirectory(ctx, s.db, name, parentID)
	if err != nil || d == nil {
		return nil, err
	}
	if includeChildren {
		if err := s.loadChildren(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// GetDirectoryByID returns the directory with the given id, or nil.
func (s *Store) GetDirectoryByID(ctx context.Context, id int64, includeChildren bool) (*remote.Directory, error) {
	d, err := s.directoryByID(ctx, s.db, id)
	if err != nil || d == nil {
		return nil, err
	}
	if includeChildren {
		if err := s.loadChildren(ctx, d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (s *Store) loadChildren(ctx context.Context, d *remote.Directory) error {
	files, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM file_state WHERE parent_id = ? ORDER BY name`, d.ID)
	if err != nil {
		return fmt.Errorf("failed to list files of %d: %w", d.ID, err)
	}
	defer files.Close()
	for files.Next() {
		f, err := scanFile(files)
		if err != nil {
			return fmt.Errorf("failed to scan file: %w", err)
		}
		d.Files = append(d.Files, f.File)
	}
	if err := files.Err(); err != nil {
		return fmt.Errorf("failed to list files of %d: %w", d.ID, err)
	}

	dirs, err := s.db.QueryContext(ctx,
		`SELECT `+directoryColumns+` FROM directory_state WHERE parent_id = ? ORDER BY name`, d.ID)
	if err != nil {
		return fmt.Errorf("failed to list directories of %d: %w", d.ID, err)
	}
	defer dirs.Close()
	for dirs.Next() {
		child, err := scanDirectory(dirs)
		if err != nil {
			return fmt.Errorf("failed to scan directory: %w", err)
		}
		d.Directories = append(d.Directories, *child)
	}
	return dirs.Err()
}

// AddDirectory implements remote.Store. Adding a directory that already
// exists under the same parent revives it with an empty modified time.
func (s *Store) AddDirectory(ctx context.Context, name string, parentID *int64) (*remote.Directory, error) {
	if name == "" {
		return nil, fmt.Errorf("directory name is required")
	}

	var dir *remote.Directory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if parentID != nil {
			parent, err := s.directoryByID(ctx, tx, *parentID)
			if err != nil {
				return err
			}
			if parent == nil {
				return fmt.Errorf("directory %s: %w", name, remote.ErrNoParent)
			}
		}

		existing, err := s.lookupDirectory(ctx, tx, name, parentID)
		if err != nil {
			return err
		}
		if existing == nil {
			dir, err = s.insertDirectory(ctx, tx, name, parentID)
			return err
		}

		if err := s.appendDirectoryHistory(ctx, tx, existing.ID, time.Time{}, false); err != nil {
			return err
		}
		existing.Modified = time.Time{}
		existing.Deleted = false
		dir = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"directory": name, "id": dir.ID}).Debug("added directory")
	return dir, nil
}

// UpdateDirectory implements remote.Store.
func (s *Store) UpdateDirectory(ctx context.Context, id int64, modified time.Time) (*remote.Directory, error) {
	var dir *remote.Directory
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.directoryByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("directory %d: %w", id, remote.ErrNotFound)
		}
		if err := s.appendDirectoryHistory(ctx, tx, id, modified, false); err != nil {
			return err
		}
		d.Modified = modified.UTC()
		d.Deleted = false
		dir = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dir, nil
}

// DeleteDirectory implements remote.Store. The directory and every live
// descendant directory and file receive a deleted history entry.
func (s *Store) DeleteDirectory(ctx context.Context, id int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := s.directoryByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if d == nil {
			return fmt.Errorf("directory %d: %w", id, remote.ErrNotFound)
		}

		stamp := s.stamp()
		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE tree(id) AS (
				SELECT ?
				UNION ALL
				SELECT d.id FROM directories d JOIN tree t ON d.parent_id = t.id
			)
			INSERT INTO file_history (file_id, modified, deleted, blob_key, size, recorded_at)
			SELECT fs.id, fs.modified, 1, fs.blob_key, fs.size, ?
			FROM file_state fs
			WHERE fs.parent_id IN (SELECT id FROM tree) AND fs.deleted = 0`,
			id, stamp); err != nil {
			return fmt.Errorf("failed to delete files below %d: %w", id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			WITH RECURSIVE tree(id) AS (
				SELECT ?
				UNION ALL
				SELECT d.id FROM directories d JOIN tree t ON d.parent_id = t.id
			)
			INSERT INTO directory_history (directory_id, modified, deleted, recorded_at)
			SELECT ds.id, ds.modified, 1, ?
			FROM directory_state ds
			WHERE ds.id IN (SELECT id FROM tree) AND (ds.deleted = 0 OR ds.id = ?)`,
			id, stamp, id); err != nil {
			return fmt.Errorf("failed to delete directories below %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithField("id", id).Debug("deleted directory")
	return nil
}
