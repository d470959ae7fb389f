package store

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/steveyegge/backupsync/internal/backup/blob"
	"github.com/steveyegge/backupsync/internal/backup/remote"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "store.db")
}

func openTestStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := Open(context.Background(), testDBPath(t), blob.NewLocalFs(fs), nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, fs
}

func addRoot(t *testing.T, s *Store, name string) *remote.Directory {
	t.Helper()
	d, err := s.AddDirectory(context.Background(), name, nil)
	if err != nil {
		t.Fatalf("AddDirectory(%s) failed: %v", name, err)
	}
	return d
}

func upload(t *testing.T, s *Store, req remote.UploadRequest) *remote.File {
	t.Helper()
	f, err := s.UploadFile(context.Background(), req)
	if err != nil {
		t.Fatalf("UploadFile(%s) failed: %v", req.Path, err)
	}
	return f
}

func readContent(t *testing.T, s *Store, id int64) string {
	t.Helper()
	_, rc, err := s.OpenContent(context.Background(), id)
	if err != nil {
		t.Fatalf("OpenContent(%d) failed: %v", id, err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("failed to read content: %v", err)
	}
	return string(b)
}

// TestOpen_AppliesMigrations verifies the schema exists after Open and that reopening is harmless.
func TestOpen_AppliesMigrations(t *testing.T) {
	path := testDBPath(t)
	backend := blob.NewLocalFs(afero.NewMemMapFs())

	s, err := Open(context.Background(), path, backend, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}

	for _, name := range []string{"directories", "directory_history", "files", "file_history", "directory_state", "file_state"} {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = ?`, name).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query %s: %v", name, err)
		}
		if count != 1 {
			t.Errorf("%s does not exist", name)
		}
	}
	if !s.Ping(context.Background()) {
		t.Error("Ping() = false on an open store")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close() failed: %v", err)
	}

	s, err = Open(context.Background(), path, backend, nil)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
}

// TestOpen_RequiresBackend verifies Open rejects a nil blob backend.
func TestOpen_RequiresBackend(t *testing.T) {
	if _, err := Open(context.Background(), testDBPath(t), nil, nil); err == nil {
		t.Error("Open() should fail without a blob backend")
	}
}

// TestGetDirectory_Absent verifies lookups of unknown directories return nil without error.
func TestGetDirectory_Absent(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	dir, err := s.GetDirectory(ctx, "nope", nil, true)
	if err != nil || dir != nil {
		t.Errorf("GetDirectory() = %v, %v; want nil, nil", dir, err)
	}

	dir, err = s.GetDirectoryByPath(ctx, "/are/you/not/there")
	if err != nil || dir != nil {
		t.Errorf("GetDirectoryByPath() = %v, %v; want nil, nil", dir, err)
	}
}

// TestAddDirectory_ParentAndChildren verifies children are listed with their parent.
func TestAddDirectory_ParentAndChildren(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	root := addRoot(t, s, "vol:/parent")
	if !root.IsRoot() {
		t.Error("root should have no parent")
	}
	child, err := s.AddDirectory(ctx, "child", &root.ID)
	if err != nil {
		t.Fatalf("AddDirectory(child) failed: %v", err)
	}
	upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "file1", ParentID: root.ID, Modified: time.Now()},
		Content: strings.NewReader("one"),
	})

	dir, err := s.GetDirectory(ctx, "vol:/parent", nil, false)
	if err != nil {
		t.Fatalf("GetDirectory() failed: %v", err)
	}
	if dir.ID != root.ID || dir.Files != nil || dir.Directories != nil {
		t.Errorf("GetDirectory() without children = %+v", dir)
	}

	dir, err = s.GetDirectory(ctx, "vol:/parent", nil, true)
	if err != nil {
		t.Fatalf("GetDirectory() failed: %v", err)
	}
	if len(dir.Files) != 1 || dir.Files[0].Name != "file1" {
		t.Errorf("Files = %+v, want [file1]", dir.Files)
	}
	if len(dir.Directories) != 1 || dir.Directories[0].ID != child.ID {
		t.Errorf("Directories = %+v, want [child]", dir.Directories)
	}

	byID, err := s.GetDirectoryByID(ctx, child.ID, false)
	if err != nil {
		t.Fatalf("GetDirectoryByID() failed: %v", err)
	}
	if byID == nil || byID.ParentID == nil || *byID.ParentID != root.ID {
		t.Errorf("GetDirectoryByID() = %+v", byID)
	}
}

// TestAddDirectory_MissingParent verifies a dangling parent id is rejected.
func TestAddDirectory_MissingParent(t *testing.T) {
	s, _ := openTestStore(t)
	missing := int64(42)

	_, err := s.AddDirectory(context.Background(), "orphan", &missing)
	if !errors.Is(err, remote.ErrNoParent) {
		t.Errorf("AddDirectory() error = %v, want ErrNoParent", err)
	}
}

// TestAddDirectory_Revives verifies adding a deleted directory again clears its deleted flag.
func TestAddDirectory_Revives(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	root := addRoot(t, s, "/data")
	if _, err := s.UpdateDirectory(ctx, root.ID, time.Now()); err != nil {
		t.Fatalf("UpdateDirectory() failed: %v", err)
	}
	if err := s.DeleteDirectory(ctx, root.ID); err != nil {
		t.Fatalf("DeleteDirectory() failed: %v", err)
	}

	again := addRoot(t, s, "/data")
	if again.ID != root.ID {
		t.Errorf("revived id = %d, want %d", again.ID, root.ID)
	}
	if again.Deleted || !again.Modified.IsZero() {
		t.Errorf("revived directory = %+v, want live with zero modified", again)
	}
}

// TestUpdateDirectory_LatestHistoryWins verifies the effective modified time is the latest entry.
func TestUpdateDirectory_LatestHistoryWins(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	root := addRoot(t, s, "/data")

	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	second := first.Add(-time.Hour)
	if _, err := s.UpdateDirectory(ctx, root.ID, first); err != nil {
		t.Fatalf("UpdateDirectory() failed: %v", err)
	}
	updated, err := s.UpdateDirectory(ctx, root.ID, second)
	if err != nil {
		t.Fatalf("UpdateDirectory() failed: %v", err)
	}
	if !updated.Modified.Equal(second) {
		t.Errorf("returned modified = %v, want %v", updated.Modified, second)
	}

	dir, err := s.GetDirectory(ctx, "/data", nil, false)
	if err != nil {
		t.Fatalf("GetDirectory() failed: %v", err)
	}
	if !dir.Modified.Equal(second) {
		t.Errorf("stored modified = %v, want %v (most recent entry, not the largest)", dir.Modified, second)
	}

	if _, err := s.UpdateDirectory(ctx, 999, first); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("UpdateDirectory(unknown) error = %v, want ErrNotFound", err)
	}
}

// TestGetDirectoryByPath_WalksFromRoot verifies nested paths resolve below the longest root.
func TestGetDirectoryByPath_WalksFromRoot(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	root := addRoot(t, s, "/data")
	nested := addRoot(t, s, "/data/photos")

	dir, err := s.GetDirectoryByPath(ctx, "/data/")
	if err != nil {
		t.Fatalf("GetDirectoryByPath() failed: %v", err)
	}
	if dir == nil || dir.ID != root.ID {
		t.Errorf("GetDirectoryByPath(/data/) = %+v, want root %d", dir, root.ID)
	}

	dir, err = s.GetDirectoryByPath(ctx, "/data/photos/2024")
	if err != nil {
		t.Fatalf("GetDirectoryByPath() failed: %v", err)
	}
	if dir == nil || dir.ParentID == nil || *dir.ParentID != nested.ID || dir.Name != "2024" {
		t.Errorf("GetDirectoryByPath(/data/photos/2024) = %+v, want child of %d", dir, nested.ID)
	}

	again, err := s.GetDirectoryByPath(ctx, `\data\photos\2024`)
	if err != nil {
		t.Fatalf("GetDirectoryByPath() failed: %v", err)
	}
	if again == nil || again.ID != dir.ID {
		t.Errorf("backslash path resolved to %+v, want %d", again, dir.ID)
	}

	if dir, _ := s.GetDirectoryByPath(ctx, "/database"); dir != nil {
		t.Errorf("GetDirectoryByPath(/database) = %+v, want nil", dir)
	}
}

// TestUploadFile_CreateUpdateAndVersions verifies uploads by name update one record and keep every version.
func TestUploadFile_CreateUpdateAndVersions(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	root := addRoot(t, s, "/data")

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f1 := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "a.txt", ParentID: root.ID, Modified: t1},
		Path:    "/data/a.txt",
		Content: strings.NewReader("first"),
	})
	f2 := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "a.txt", ParentID: root.ID, Modified: t1.Add(time.Minute)},
		Path:    "/data/a.txt",
		Content: strings.NewReader("second"),
	})
	if f1.ID != f2.ID {
		t.Errorf("second upload created a new record: %d != %d", f2.ID, f1.ID)
	}
	if got := readContent(t, s, f1.ID); got != "second" {
		t.Errorf("content = %q, want %q", got, "second")
	}

	versions, err := s.History(ctx, f1.ID)
	if err != nil {
		t.Fatalf("History() failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(History()) = %d, want 2", len(versions))
	}
	if !versions[0].Modified.Equal(t1) || versions[1].Size != int64(len("second")) {
		t.Errorf("History() = %+v", versions)
	}

	stored, err := s.GetFile(ctx, f1.ID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if !stored.Modified.Equal(t1.Add(time.Minute)) {
		t.Errorf("Modified = %v, want %v", stored.Modified, t1.Add(time.Minute))
	}
}

// TestUploadFile_ResolvesParentFromPath verifies uploads without a parent id use the directory of path.
func TestUploadFile_ResolvesParentFromPath(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	addRoot(t, s, "/data")

	f := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "deep.txt", Modified: time.Now()},
		Path:    "/data/x/y/deep.txt",
		Content: strings.NewReader("deep"),
	})

	y, err := s.GetDirectoryByPath(ctx, "/data/x/y")
	if err != nil {
		t.Fatalf("GetDirectoryByPath() failed: %v", err)
	}
	if y == nil || f.ParentID != y.ID {
		t.Errorf("ParentID = %d, want %+v", f.ParentID, y)
	}
}

// TestUploadFile_NoParent verifies files outside every root are rejected and their content removed.
func TestUploadFile_NoParent(t *testing.T) {
	s, fs := openTestStore(t)

	_, err := s.UploadFile(context.Background(), remote.UploadRequest{
		File:    remote.File{Name: "stray.txt"},
		Path:    "/elsewhere/stray.txt",
		Content: strings.NewReader("x"),
	})
	if !errors.Is(err, remote.ErrNoParent) {
		t.Fatalf("UploadFile() error = %v, want ErrNoParent", err)
	}

	_, err = s.UploadFile(context.Background(), remote.UploadRequest{
		File:    remote.File{Name: "stray.txt", ParentID: 77},
		Content: strings.NewReader("x"),
	})
	if !errors.Is(err, remote.ErrNoParent) {
		t.Fatalf("UploadFile() error = %v, want ErrNoParent", err)
	}

	var leftovers []string
	_ = afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	if len(leftovers) != 0 {
		t.Errorf("orphaned blobs left behind: %v", leftovers)
	}
}

// TestUploadFile_RenameRelinksRecord verifies an upload with OldPath keeps the file id.
func TestUploadFile_RenameRelinksRecord(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	root := addRoot(t, s, "/data")

	orig := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "old.txt", ParentID: root.ID, Modified: time.Now()},
		Path:    "/data/old.txt",
		Content: strings.NewReader("x"),
	})
	renamed := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "new.txt", Modified: time.Now()},
		Path:    "/data/sub/new.txt",
		OldPath: "/data/old.txt",
		Content: strings.NewReader("x"),
	})
	if renamed.ID != orig.ID {
		t.Errorf("rename created record %d, want %d", renamed.ID, orig.ID)
	}

	dir, err := s.GetDirectory(ctx, "/data", nil, true)
	if err != nil {
		t.Fatalf("GetDirectory() failed: %v", err)
	}
	if len(dir.Files) != 0 {
		t.Errorf("old parent still lists %+v", dir.Files)
	}
	f, err := s.GetFile(ctx, orig.ID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if f.Name != "new.txt" || f.ParentID == root.ID {
		t.Errorf("GetFile() = %+v, want new.txt below sub", f)
	}
}

// TestUploadFile_RenameOntoExisting verifies a rename onto a known name retires the source record.
func TestUploadFile_RenameOntoExisting(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	root := addRoot(t, s, "/data")

	src := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "a", ParentID: root.ID, Modified: time.Now()}, Content: strings.NewReader("a"),
	})
	dst := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "b", ParentID: root.ID, Modified: time.Now()}, Content: strings.NewReader("b"),
	})

	got := upload(t, s, remote.UploadRequest{
		File:    remote.File{Name: "b", ParentID: root.ID, Modified: time.Now()},
		Path:    "/data/b",
		OldPath: "/data/a",
		Content: strings.NewReader("a"),
	})
	if got.ID != dst.ID {
		t.Errorf("rename onto existing used %d, want %d", got.ID, dst.ID)
	}
	old, err := s.GetFile(ctx, src.ID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if !old.Deleted {
		t.Error("source record should be deleted")
	}
}

// TestDeleteFiles_SoftDeleteAndReupload verifies deletes append history and uploads revive the record.
func TestDeleteFiles_SoftDeleteAndReupload(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	root := addRoot(t, s, "/data")

	f := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "a", ParentID: root.ID, Modified: time.Now()}, Content: strings.NewReader("a"),
	})

	if err := s.DeleteFiles(ctx, nil); err != nil {
		t.Errorf("DeleteFiles(nil) failed: %v", err)
	}
	if err := s.DeleteFiles(ctx, []remote.File{*f, {ID: 999}}); err != nil {
		t.Fatalf("DeleteFiles() failed: %v", err)
	}

	stored, err := s.GetFile(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if !stored.Deleted {
		t.Error("file should be deleted")
	}
	if got := readContent(t, s, f.ID); got != "a" {
		t.Errorf("deleted file content = %q, want last version", got)
	}
	if n, _ := s.FileCount(ctx); n != 0 {
		t.Errorf("FileCount() = %d, want 0", n)
	}

	again := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "a", ParentID: root.ID, Modified: time.Now()}, Content: strings.NewReader("b"),
	})
	if again.ID != f.ID || again.Deleted {
		t.Errorf("re-upload = %+v, want live record %d", again, f.ID)
	}
	if n, _ := s.FileCount(ctx); n != 1 {
		t.Errorf("FileCount() = %d, want 1", n)
	}
}

// TestDeleteDirectory_Cascades verifies every descendant is soft-deleted.
func TestDeleteDirectory_Cascades(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	root := addRoot(t, s, "/data")
	sub, err := s.AddDirectory(ctx, "sub", &root.ID)
	if err != nil {
		t.Fatalf("AddDirectory() failed: %v", err)
	}
	leaf, err := s.AddDirectory(ctx, "leaf", &sub.ID)
	if err != nil {
		t.Fatalf("AddDirectory() failed: %v", err)
	}
	keep := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "keep", ParentID: root.ID, Modified: time.Now()}, Content: strings.NewReader("k"),
	})
	gone := upload(t, s, remote.UploadRequest{
		File: remote.File{Name: "gone", ParentID: leaf.ID, Modified: time.Now()}, Content: strings.NewReader("g"),
	})

	if err := s.DeleteDirectory(ctx, sub.ID); err != nil {
		t.Fatalf("DeleteDirectory() failed: %v", err)
	}

	for _, id := range []int64{sub.ID, leaf.ID} {
		d, err := s.GetDirectoryByID(ctx, id, false)
		if err != nil {
			t.Fatalf("GetDirectoryByID() failed: %v", err)
		}
		if !d.Deleted {
			t.Errorf("directory %d should be deleted", id)
		}
	}
	if f, _ := s.GetFile(ctx, gone.ID); !f.Deleted {
		t.Error("file below deleted directory should be deleted")
	}
	if f, _ := s.GetFile(ctx, keep.ID); f.Deleted {
		t.Error("file outside deleted directory should survive")
	}
	if d, _ := s.GetDirectoryByID(ctx, root.ID, false); d.Deleted {
		t.Error("parent of deleted directory should survive")
	}
	if n, _ := s.DirectoryCount(ctx); n != 1 {
		t.Errorf("DirectoryCount() = %d, want 1", n)
	}

	if err := s.DeleteDirectory(ctx, 999); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("DeleteDirectory(unknown) error = %v, want ErrNotFound", err)
	}
}

// TestStamp_StrictlyIncreasing verifies history timestamps never repeat even with a frozen clock.
func TestStamp_StrictlyIncreasing(t *testing.T) {
	s, _ := openTestStore(t)
	frozen := time.Now()
	s.now = func() time.Time { return frozen }

	prev := s.stamp()
	for i := 0; i < 10; i++ {
		next := s.stamp()
		if next <= prev {
			t.Fatalf("stamp() = %d after %d", next, prev)
		}
		prev = next
	}
}
