package sync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/remote"
)

// Apply applies one live action against the store.
//
// Created and Modified upload the file. Renamed uploads under the new name
// and carries the old path so the store relinks the existing record.
// Deleted is not applied immediately; the next reconciliation pass removes
// the remote record. Directories are left to reconciliation passes.
func (e *Engine) Apply(ctx context.Context, action Action) error {
	switch action.Kind {
	case ActionCreated, ActionModified:
		return e.applyUpload(ctx, action.Path, "")
	case ActionRenamed:
		return e.applyUpload(ctx, action.Path, action.OldPath)
	case ActionDeleted:
		e.deferredDeletes.Add(1)
		e.logger.WithField("path", action.Path).Info("deletion deferred to next reconciliation pass")
		return nil
	default:
		return fmt.Errorf("unknown action kind %d", action.Kind)
	}
}

// DeferredDeletes returns the number of deletions seen since the last call.
func (e *Engine) DeferredDeletes() int64 {
	return e.deferredDeletes.Swap(0)
}

func (e *Engine) applyUpload(ctx context.Context, path, oldPath string) error {
	if e.ignore.Ignored(path) {
		return nil
	}

	info, err := e.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			e.logger.WithField("path", path).Debug("file vanished before upload")
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}

	parent, err := e.resolveDirectory(ctx, filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("failed to resolve parent of %s: %w", path, err)
	}
	if parent == nil || parent.Deleted {
		return fmt.Errorf("%w: %s", ErrNoParent, path)
	}

	record := remote.File{Name: info.Name(), ParentID: parent.ID, Modified: info.ModTime()}
	uploaded, err := e.upload(ctx, path, record, oldPath)
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"path": path,
		"id":   uploaded.ID,
	}).Debug("uploaded")
	return nil
}

// resolveDirectory looks up a directory by path, sharing one remote call
// between concurrent callers asking for the same path.
func (e *Engine) resolveDirectory(ctx context.Context, path string) (*remote.Directory, error) {
	v, err, _ := e.dirs.Do(path, func() (interface{}, error) {
		return e.store.GetDirectoryByPath(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	dir, _ := v.(*remote.Directory)
	return dir, nil
}
