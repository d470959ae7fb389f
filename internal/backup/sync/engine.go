package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/steveyegge/backupsync/internal/backup/metrics"
	"github.com/steveyegge/backupsync/internal/backup/remote"
)

var (
	// ErrNoParent is returned when a file's parent directory cannot be resolved remotely.
	ErrNoParent = remote.ErrNoParent

	// ErrIncomplete is returned by a pass in which at least one item failed.
	// Failed items are retried by the next pass.
	ErrIncomplete = errors.New("reconciliation pass incomplete")
)

// Config holds configuration for the Engine.
type Config struct {
	// Concurrency bounds how many sibling subdirectories are walked at once
	Concurrency int

	// DeleteMissingDirectories soft-deletes remote subdirectories (and their
	// subtree) that no longer exist locally
	DeleteMissingDirectories bool

	// Ignore lists glob patterns that are never backed up
	Ignore []string

	// Logger for engine activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:              4,
		DeleteMissingDirectories: true,
		Ignore:                   DefaultIgnore,
		Logger:                   logrus.StandardLogger(),
	}
}

// PassStats summarizes one reconciliation pass over a root.
type PassStats struct {
	ID                 uuid.UUID
	Root               string
	StartedAt          time.Time
	FinishedAt         time.Time
	Directories        int64
	Uploaded           int64
	Deleted            int64
	DirectoriesDeleted int64
	Failures           int64
}

// Duration returns how long the pass took.
func (s *PassStats) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

type passCounters struct {
	directories        atomic.Int64
	uploaded           atomic.Int64
	deleted            atomic.Int64
	directoriesDeleted atomic.Int64
	failures           atomic.Int64
}

// Engine reconciles local directory trees against a remote.Store.
type Engine struct {
	fs     afero.Fs
	store  remote.Store
	config *Config
	ignore *Ignorer
	logger logrus.FieldLogger

	// dirs collapses concurrent path lookups for the same parent directory.
	dirs singleflight.Group

	deferredDeletes atomic.Int64
}

// New creates an Engine over the local filesystem fs.
//
// Example:
//
//	engine := sync.New(afero.NewOsFs(), remote.NewClient(nil), nil)
//	stats, err := engine.SyncRoot(ctx, "/data")
func New(fs afero.Fs, store remote.Store, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		fs:     fs,
		store:  store,
		config: config,
		ignore: NewIgnorer(config.Ignore),
		logger: logger.WithField("component", "sync"),
	}
}

// Ignored reports whether path is excluded from backup.
func (e *Engine) Ignored(path string) bool {
	return e.ignore.Ignored(path)
}

// SyncRoot runs one full reconciliation pass over root.
//
// Item failures are logged and counted; the pass keeps walking and returns
// ErrIncomplete at the end. Cancellation returns ctx.Err().
func (e *Engine) SyncRoot(ctx context.Context, root string) (*PassStats, error) {
	root = filepath.Clean(root)
	stats := &PassStats{ID: uuid.New(), Root: root, StartedAt: time.Now()}
	logger := e.logger.WithFields(logrus.Fields{"pass": stats.ID.String(), "root": root})
	logger.Info("reconciliation pass started")

	var c passCounters
	err := e.syncRoot(ctx, root, &c, logger)

	stats.FinishedAt = time.Now()
	stats.Directories = c.directories.Load()
	stats.Uploaded = c.uploaded.Load()
	stats.Deleted = c.deleted.Load()
	stats.DirectoriesDeleted = c.directoriesDeleted.Load()
	stats.Failures = c.failures.Load()
	metrics.RecordPass(stats.Duration(), err == nil)

	if err != nil {
		if ctx.Err() != nil {
			logger.Info("reconciliation pass cancelled")
			return stats, ctx.Err()
		}
		logger.WithError(err).WithField("failures", stats.Failures).Warn("reconciliation pass incomplete")
		return stats, err
	}

	logger.WithFields(logrus.Fields{
		"directories": stats.Directories,
		"uploaded":    stats.Uploaded,
		"deleted":     stats.Deleted,
		"duration":    stats.Duration().Round(time.Millisecond),
	}).Info("reconciliation pass complete")
	return stats, nil
}

func (e *Engine) syncRoot(ctx context.Context, root string, c *passCounters, logger logrus.FieldLogger) error {
	info, err := e.fs.Stat(root)
	if err != nil {
		return fmt.Errorf("failed to stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("root %s is not a directory", root)
	}

	dir, err := e.store.GetDirectoryByPath(ctx, root)
	if err != nil {
		return fmt.Errorf("failed to resolve root %s: %w", root, err)
	}
	if dir == nil {
		if dir, err = e.store.AddDirectory(ctx, root, nil); err != nil {
			return fmt.Errorf("failed to create root %s: %w", root, err)
		}
		logger.Debug("created remote root")
	}

	return e.syncDirectory(ctx, root, info.ModTime(), dir, c, logger)
}

// syncDirectory reconciles one directory and then its subtree. The remote
// directory's modified time is only advanced after every child succeeded.
func (e *Engine) syncDirectory(ctx context.Context, path string, localMod time.Time, dir *remote.Directory, c *passCounters, logger logrus.FieldLogger) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.directories.Add(1)

	entries, err := afero.ReadDir(e.fs, path)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	var files, subdirs []os.FileInfo
	for _, entry := range entries {
		if e.ignore.Ignored(filepath.Join(path, entry.Name())) {
			continue
		}
		switch {
		case entry.IsDir():
			subdirs = append(subdirs, entry)
		case entry.Mode().IsRegular():
			files = append(files, entry)
		}
	}

	changed := !localMod.Equal(dir.Modified)
	failed := false

	if changed {
		if err := e.reconcileChildren(ctx, path, dir, files, subdirs, c, logger); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.WithError(err).WithField("path", path).Warn("directory reconciled with failures")
			failed = true
		}
	}

	g := new(errgroup.Group)
	g.SetLimit(e.config.Concurrency)
	for _, sub := range subdirs {
		g.Go(func() error {
			return e.syncChild(ctx, filepath.Join(path, sub.Name()), sub.ModTime(), dir.ID, c, logger)
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failed = true
	}

	if failed {
		if changed {
			logger.WithField("path", path).Debug("directory left uncommitted")
		}
		return fmt.Errorf("%w: %s", ErrIncomplete, path)
	}
	if !changed {
		return nil
	}

	if _, err := e.store.UpdateDirectory(ctx, dir.ID, localMod); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.failures.Add(1)
		return fmt.Errorf("failed to commit directory %s: %w", path, err)
	}
	return nil
}

// syncChild resolves a subdirectory by (name, parentID), creating it when the
// store has no live record, and reconciles it.
func (e *Engine) syncChild(ctx context.Context, path string, localMod time.Time, parentID int64, c *passCounters, logger logrus.FieldLogger) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	name := filepath.Base(path)
	child, err := e.store.GetDirectory(ctx, name, &parentID, false)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.failures.Add(1)
		logger.WithError(err).WithField("path", path).Warn("failed to resolve directory")
		return err
	}
	if child == nil || child.Deleted {
		child, err = e.store.AddDirectory(ctx, name, &parentID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures.Add(1)
			logger.WithError(err).WithField("path", path).Warn("failed to create directory")
			return err
		}
	}

	return e.syncDirectory(ctx, path, localMod, child, c, logger)
}

// reconcileChildren diffs the files of a changed directory: one batch delete
// for files gone locally, then uploads for new files and files whose local
// mtime is strictly newer than the remote record.
func (e *Engine) reconcileChildren(ctx context.Context, path string, dir *remote.Directory, files, subdirs []os.FileInfo, c *passCounters, logger logrus.FieldLogger) error {
	full, err := e.store.GetDirectory(ctx, dir.Name, dir.ParentID, true)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("failed to fetch children of %s: %w", path, err)
	}
	if full == nil {
		c.failures.Add(1)
		return fmt.Errorf("directory %s vanished remotely", path)
	}

	local := make(map[string]struct{}, len(files))
	for _, fi := range files {
		local[fi.Name()] = struct{}{}
	}

	known := make(map[string]remote.File, len(full.Files))
	for _, f := range full.Files {
		if !f.Deleted {
			known[f.Name] = f
		}
	}

	var errs []error

	var missing []remote.File
	for name, f := range known {
		if _, ok := local[name]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		sort.Slice(missing, func(i, j int) bool { return missing[i].Name < missing[j].Name })
		if err := e.store.DeleteFiles(ctx, missing); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures.Add(1)
			errs = append(errs, fmt.Errorf("failed to delete %d files in %s: %w", len(missing), path, err))
		} else {
			c.deleted.Add(int64(len(missing)))
			metrics.RecordDeletes(len(missing))
			for _, f := range missing {
				delete(known, f.Name)
			}
			logger.WithFields(logrus.Fields{"path": path, "count": len(missing)}).Debug("deleted missing files")
		}
	}

	for _, fi := range files {
		existing, ok := known[fi.Name()]
		if ok && !fi.ModTime().After(existing.Modified) {
			continue
		}

		record := remote.File{Name: fi.Name(), ParentID: full.ID, Modified: fi.ModTime()}
		if ok {
			record.ID = existing.ID
		}

		filePath := filepath.Join(path, fi.Name())
		uploaded, err := e.upload(ctx, filePath, record, "")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.failures.Add(1)
			logger.WithError(err).WithField("path", filePath).Warn("upload failed")
			errs = append(errs, err)
			continue
		}
		c.uploaded.Add(1)
		known[fi.Name()] = *uploaded
	}

	if e.config.DeleteMissingDirectories {
		present := make(map[string]struct{}, len(subdirs))
		for _, sub := range subdirs {
			present[sub.Name()] = struct{}{}
		}
		for _, rd := range full.Directories {
			if rd.Deleted {
				continue
			}
			if _, ok := present[rd.Name]; ok {
				continue
			}
			if err := e.store.DeleteDirectory(ctx, rd.ID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.failures.Add(1)
				errs = append(errs, fmt.Errorf("failed to delete directory %s: %w", filepath.Join(path, rd.Name), err))
				continue
			}
			c.directoriesDeleted.Add(1)
		}
	}

	return errors.Join(errs...)
}

// upload streams the local file at path to the store.
func (e *Engine) upload(ctx context.Context, path string, record remote.File, oldPath string) (*remote.File, error) {
	f, err := e.fs.Open(path)
	if err != nil {
		metrics.RecordUpload(false)
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	uploaded, err := e.store.UploadFile(ctx, remote.UploadRequest{
		File:    record,
		Path:    path,
		OldPath: oldPath,
		Content: f,
	})
	metrics.RecordUpload(err == nil)
	if err != nil {
		return nil, err
	}
	return uploaded, nil
}
