// Package state keeps per-root sync metadata for the backup client in a bbolt file.
//
// The file is opened for the duration of a single transaction so that
// `bsync status` can read it while a daemon is running.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

var bucketRoots = []byte("roots")

// ErrNotFound is returned when a root has never been synced.
var ErrNotFound = errors.New("state: root not found")

// RootState summarizes the sync history of one watched root.
type RootState struct {
	Root string `json:"root"`

	// LastSync is when the last pass without failures finished.
	LastSync time.Time `json:"last_sync,omitempty"`

	LastPass   time.Time     `json:"last_pass"`
	LastPassID string        `json:"last_pass_id"`
	LastError  string        `json:"last_error,omitempty"`
	Duration   time.Duration `json:"duration"`

	Passes   int64 `json:"passes"`
	Uploads  int64 `json:"uploads"`
	Deletes  int64 `json:"deletes"`
	Failures int64 `json:"failures"`
	DirsSeen int64 `json:"directories"`
	DirsGone int64 `json:"directories_deleted"`
}

// Synced reports whether the root has completed at least one clean pass.
func (r *RootState) Synced() bool {
	return !r.LastSync.IsZero()
}

// Store persists RootState records.
type Store struct {
	path    string
	timeout time.Duration
}

// New creates the state file at path if needed.
func New(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s := &Store{path: path, timeout: 5 * time.Second}
	err := s.update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRoots); err != nil {
			return fmt.Errorf("failed to create roots bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) open(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{Timeout: s.timeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open state %s: %w", s.path, err)
	}
	return db, nil
}

func (s *Store) update(fn func(tx *bbolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

// RecordPass folds a finished pass into the state of its root.
func (s *Store) RecordPass(stats *bsync.PassStats, passErr error) error {
	if stats == nil || stats.Root == "" {
		return nil
	}

	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRoots)
		if bucket == nil {
			return fmt.Errorf("roots bucket not found")
		}

		rs := RootState{Root: stats.Root}
		if data := bucket.Get([]byte(stats.Root)); data != nil {
			if err := json.Unmarshal(data, &rs); err != nil {
				return fmt.Errorf("failed to unmarshal root state: %w", err)
			}
		}

		rs.LastPass = stats.FinishedAt
		rs.LastPassID = stats.ID.String()
		rs.Duration = stats.Duration()
		rs.Passes++
		rs.Uploads += stats.Uploaded
		rs.Deletes += stats.Deleted
		rs.Failures += stats.Failures
		rs.DirsSeen = stats.Directories
		rs.DirsGone += stats.DirectoriesDeleted
		rs.LastError = ""
		if passErr != nil {
			rs.LastError = passErr.Error()
		} else {
			rs.LastSync = stats.FinishedAt
		}

		data, err := json.Marshal(rs)
		if err != nil {
			return fmt.Errorf("failed to marshal root state: %w", err)
		}
		if err := bucket.Put([]byte(stats.Root), data); err != nil {
			return fmt.Errorf("failed to save root state: %w", err)
		}
		return nil
	})
}

// Get returns the state of one root.
func (s *Store) Get(ctx context.Context, root string) (*RootState, error) {
	var rs *RootState
	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRoots)
		if bucket == nil {
			return fmt.Errorf("roots bucket not found")
		}
		data := bucket.Get([]byte(root))
		if data == nil {
			return ErrNotFound
		}
		rs = &RootState{}
		if err := json.Unmarshal(data, rs); err != nil {
			return fmt.Errorf("failed to unmarshal root state: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// List returns the state of every root, ordered by root path.
func (s *Store) List(ctx context.Context) ([]RootState, error) {
	var roots []RootState
	err := s.view(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRoots)
		if bucket == nil {
			return fmt.Errorf("roots bucket not found")
		}
		return bucket.ForEach(func(k, v []byte) error {
			var rs RootState
			if err := json.Unmarshal(v, &rs); err != nil {
				return fmt.Errorf("failed to unmarshal root state %s: %w", k, err)
			}
			roots = append(roots, rs)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Root < roots[j].Root })
	return roots, nil
}

// Forget removes a root from the state file.
func (s *Store) Forget(ctx context.Context, root string) error {
	return s.update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketRoots)
		if bucket == nil {
			return fmt.Errorf("roots bucket not found")
		}
		return bucket.Delete([]byte(root))
	})
}
