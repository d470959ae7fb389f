// Package remotetest provides an in-memory remote.Store for tests.
package remotetest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/steveyegge/backupsync/internal/backup/remote"
)

// Call records one store invocation.
type Call struct {
	Op       string
	ID       int64
	Name     string
	ParentID int64
	Names    []string
	Modified time.Time
}

// Store is an in-memory remote.Store that records every mutating call.
//
// Roots are keyed by their full path; GetDirectoryByPath never creates
// intermediate segments.
type Store struct {
	mu     sync.Mutex
	nextID int64
	dirs   map[int64]*remote.Directory
	files  map[int64]*remote.File
	data   map[int64][]byte
	calls  []Call

	down bool

	// UploadErr, when set, is consulted before every upload.
	UploadErr func(path string) error

	// LookupErr, when set, is consulted before every GetDirectory by name.
	LookupErr func(name string) error
}

var _ remote.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		dirs:  make(map[int64]*remote.Directory),
		files: make(map[int64]*remote.File),
		data:  make(map[int64][]byte),
	}
}

// Calls returns a copy of the recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf returns the recorded calls with the given Op.
func (s *Store) CallsOf(op string) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls.
func (s *Store) ResetCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Directory returns a copy of the directory record with id.
func (s *Store) Directory(id int64) (remote.Directory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[id]
	if !ok {
		return remote.Directory{}, false
	}
	return *d, true
}

// File returns a copy of the live or deleted file named name under parentID.
func (s *Store) File(parentID int64, name string) (remote.File, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.findFile(parentID, name)
	if f == nil {
		return remote.File{}, false
	}
	return *f, true
}

// Content returns the last uploaded content of file id.
func (s *Store) Content(id int64) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[id]
}

// SeedDirectory inserts a directory record without recording a call.
func (s *Store) SeedDirectory(name string, parentID *int64, modified time.Time) *remote.Directory {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	d := &remote.Directory{ID: s.nextID, Name: name, ParentID: parentID, Modified: modified}
	s.dirs[d.ID] = d
	cp := *d
	return &cp
}

// SeedFile inserts a file record without recording a call.
func (s *Store) SeedFile(name string, parentID int64, modified time.Time) *remote.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	f := &remote.File{ID: s.nextID, Name: name, ParentID: parentID, Modified: modified}
	s.files[f.ID] = f
	cp := *f
	return &cp
}

// Ping implements remote.Store.
func (s *Store) Ping(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.down
}

// SetDown makes Ping report false until called again with false.
func (s *Store) SetDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

// GetDirectoryByPath implements remote.Store.
func (s *Store) GetDirectoryByPath(ctx context.Context, path string) (*remote.Directory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := s.findDir(path, nil); d != nil {
		cp := *d
		return &cp, nil
	}
	return nil, nil
}

// GetDirectory implements remote.Store.
func (s *Store) GetDirectory(ctx context.Context, name string, parentID *int64, includeChildren bool) (*remote.Directory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.LookupErr != nil {
		if err := s.LookupErr(name); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.findDir(name, parentID)
	if d == nil {
		return nil, nil
	}
	cp := *d
	if includeChildren {
		for _, f := range s.files {
			if f.ParentID == d.ID {
				cp.Files = append(cp.Files, *f)
			}
		}
		for _, child := range s.dirs {
			if child.ParentID != nil && *child.ParentID == d.ID {
				cp.Directories = append(cp.Directories, *child)
			}
		}
		sort.Slice(cp.Files, func(i, j int) bool { return cp.Files[i].Name < cp.Files[j].Name })
		sort.Slice(cp.Directories, func(i, j int) bool { return cp.Directories[i].Name < cp.Directories[j].Name })
	}
	return &cp, nil
}

// AddDirectory implements remote.Store.
func (s *Store) AddDirectory(ctx context.Context, name string, parentID *int64) (*remote.Directory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if d := s.findDir(name, parentID); d != nil {
		d.Deleted = false
		d.Modified = time.Time{}
		s.record(Call{Op: "AddDirectory", ID: d.ID, Name: name, ParentID: deref(parentID)})
		cp := *d
		return &cp, nil
	}

	s.nextID++
	d := &remote.Directory{ID: s.nextID, Name: name, ParentID: parentID}
	s.dirs[d.ID] = d
	s.record(Call{Op: "AddDirectory", ID: d.ID, Name: name, ParentID: deref(parentID)})
	cp := *d
	return &cp, nil
}

// UpdateDirectory implements remote.Store.
func (s *Store) UpdateDirectory(ctx context.Context, id int64, modified time.Time) (*remote.Directory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	d.Modified = modified
	s.record(Call{Op: "UpdateDirectory", ID: id, Name: d.Name, Modified: modified})
	cp := *d
	return &cp, nil
}

// DeleteDirectory implements remote.Store.
func (s *Store) DeleteDirectory(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.dirs[id]
	if !ok {
		return remote.ErrNotFound
	}
	s.cascadeDelete(id)
	s.record(Call{Op: "DeleteDirectory", ID: id, Name: d.Name})
	return nil
}

// UploadFile implements remote.Store.
func (s *Store) UploadFile(ctx context.Context, req remote.UploadRequest) (*remote.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.UploadErr != nil {
		if err := s.UploadErr(req.Path); err != nil {
			return nil, err
		}
	}

	var content []byte
	if req.Content != nil {
		b, err := io.ReadAll(req.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to read content: %w", err)
		}
		content = b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := req.File
	if rec.ParentID == 0 {
		parent := s.findDir(filepath.Dir(req.Path), nil)
		if parent == nil {
			return nil, remote.ErrNoParent
		}
		rec.ParentID = parent.ID
	}
	if _, ok := s.dirs[rec.ParentID]; !ok {
		return nil, remote.ErrNoParent
	}

	var f *remote.File
	switch {
	case rec.ID > 0:
		f = s.files[rec.ID]
	case req.OldPath != "":
		f = s.findFile(rec.ParentID, filepath.Base(req.OldPath))
	}
	if f == nil {
		f = s.findFile(rec.ParentID, rec.Name)
	}
	if f == nil {
		s.nextID++
		f = &remote.File{ID: s.nextID}
		s.files[f.ID] = f
	}
	f.Name = rec.Name
	f.ParentID = rec.ParentID
	f.Modified = rec.Modified
	f.Deleted = false
	s.data[f.ID] = content

	s.record(Call{Op: "UploadFile", ID: f.ID, Name: f.Name, ParentID: f.ParentID, Modified: f.Modified})
	cp := *f
	return &cp, nil
}

// DeleteFiles implements remote.Store.
func (s *Store) DeleteFiles(ctx context.Context, files []remote.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(files))
	for _, rf := range files {
		if f, ok := s.files[rf.ID]; ok {
			f.Deleted = true
		}
		names = append(names, rf.Name)
	}
	s.record(Call{Op: "DeleteFiles", Names: names})
	return nil
}

func (s *Store) record(c Call) {
	s.calls = append(s.calls, c)
}

func (s *Store) findDir(name string, parentID *int64) *remote.Directory {
	for _, d := range s.dirs {
		if d.Name != name {
			continue
		}
		if parentID == nil && d.ParentID == nil {
			return d
		}
		if parentID != nil && d.ParentID != nil && *parentID == *d.ParentID {
			return d
		}
	}
	return nil
}

func (s *Store) findFile(parentID int64, name string) *remote.File {
	for _, f := range s.files {
		if f.ParentID == parentID && f.Name == name {
			return f
		}
	}
	return nil
}

func (s *Store) cascadeDelete(id int64) {
	s.dirs[id].Deleted = true
	for _, f := range s.files {
		if f.ParentID == id {
			f.Deleted = true
		}
	}
	for childID, d := range s.dirs {
		if d.ParentID != nil && *d.ParentID == id && !d.Deleted {
			s.cascadeDelete(childID)
		}
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
