// Package store implements the backup store on an embedded SQLite database.
//
// Directories and files are plain identity rows; everything that changes over
// time lives in append-only history tables. The directory_state and
// file_state views resolve each entity to its most recent history entry.
//
// Roots are named by their full client path. Nested directories are named by
// their base name and linked to their parent.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/blob"
	"github.com/steveyegge/backupsync/internal/backup/remote"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store is a remote.Store backed by SQLite and a blob backend.
type Store struct {
	db     *sql.DB
	path   string
	blobs  blob.Backend
	logger logrus.FieldLogger

	mu   sync.Mutex
	last int64 // latest recorded_at handed out
	now  func() time.Time
}

var _ remote.Store = (*Store)(nil)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens or creates the database at path and applies pending migrations.
//
// The caller MUST call Close() when done so the WAL is checkpointed.
func Open(ctx context.Context, path string, blobs blob.Backend, logger logrus.FieldLogger) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob backend is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)&_txlock=immediate"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; immediate transactions queue on the busy timeout.
	conn.SetMaxOpenConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{
		db:     conn,
		path:   path,
		blobs:  blobs,
		logger: logger.WithField("component", "store"),
		now:    time.Now,
	}

	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}

	if err := conn.QueryRowContext(ctx, `
		SELECT MAX(v) FROM (
			SELECT COALESCE(MAX(recorded_at), 0) AS v FROM directory_history
			UNION ALL
			SELECT COALESCE(MAX(recorded_at), 0) FROM file_history
		)`).Scan(&s.last); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to read history clock: %w", err)
	}

	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{s.logger})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.WithError(err).Warn("failed to checkpoint WAL")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.db = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Ping implements remote.Store.
func (s *Store) Ping(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// stamp returns a strictly increasing history timestamp.
func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.now().UnixNano()
	if n <= s.last {
		n = s.last + 1
	}
	s.last = n
	return n
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DirectoryCount returns the number of live directories.
func (s *Store) DirectoryCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM directory_state WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count directories: %w", err)
	}
	return n, nil
}

// FileCount returns the number of live files.
func (s *Store) FileCount(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_state WHERE deleted = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count files: %w", err)
	}
	return n, nil
}

// toNanos stores the zero time as NULL.
func toNanos(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(n sql.NullInt64) time.Time {
	if !n.Valid {
		return time.Time{}
	}
	return time.Unix(0, n.Int64).UTC()
}

func nullID(id *int64) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *id, Valid: true}
}

type gooseLogger struct {
	logger logrus.FieldLogger
}

func (l gooseLogger) Fatalf(format string, v ...any) { l.logger.Fatalf(format, v...) }
func (l gooseLogger) Printf(format string, v ...any) { l.logger.Debugf(format, v...) }
