package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file was deleted.
	OpDelete
	// OpRename indicates a file moved; OldPath holds the previous location.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	case OpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ActionKind maps the operation onto the kind of action it settles into.
func (op EventOp) ActionKind() bsync.ActionKind {
	switch op {
	case OpCreate:
		return bsync.ActionCreated
	case OpDelete:
		return bsync.ActionDeleted
	case OpRename:
		return bsync.ActionRenamed
	default:
		return bsync.ActionModified
	}
}

// FileEvent represents a file system event below a watched root.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// OldPath is the previous path for OpRename events.
	OldPath string
	// Op is the operation that occurred.
	Op EventOp
	// ObservedAt is when the watcher saw the event.
	ObservedAt time.Time
}

// renameWindow is how long a rename-from waits for its matching create
// before it is reported as a delete.
const renameWindow = 250 * time.Millisecond

// FileWatcher watches directory trees for changes.
// It uses fsnotify and adds a watch for every directory below each root,
// including directories created after Start.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	roots   []string
	ignorer *bsync.Ignorer
}

// NewFileWatcher creates a new FileWatcher instance.
// The watcher must be started with Start() before it will emit events.
// Paths matched by ignorer are never reported; ignorer may be nil.
func NewFileWatcher(ignorer *bsync.Ignorer) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &FileWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
		ignorer: ignorer,
	}, nil
}

// Start begins watching the given roots recursively.
// Returns an error if any root cannot be watched.
func (fw *FileWatcher) Start(roots ...string) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()

	if fw.running {
		return fmt.Errorf("watcher already running")
	}
	if len(roots) == 0 {
		return fmt.Errorf("no roots to watch")
	}

	for _, root := range roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			return fmt.Errorf("failed to resolve root %s: %w", root, err)
		}
		if err := fw.addTree(abs, nil); err != nil {
			// Clean up watches added so far
			for _, p := range fw.watcher.WatchList() {
				_ = fw.watcher.Remove(p)
			}
			return fmt.Errorf("failed to watch %s: %w", abs, err)
		}
		fw.roots = append(fw.roots, abs)
	}

	fw.running = true
	fw.wg.Add(1)
	go fw.processEvents()

	return nil
}

// Stop stops watching for file system events and cleans up resources.
// It blocks until the event processing goroutine has exited.
func (fw *FileWatcher) Stop() error {
	fw.mu.Lock()
	if !fw.running {
		fw.mu.Unlock()
		return nil
	}
	fw.running = false
	fw.mu.Unlock()

	close(fw.done)

	// Close the underlying watcher (this will unblock the event loop)
	closeErr := fw.watcher.Close()

	fw.wg.Wait()

	close(fw.events)
	close(fw.errors)

	if closeErr != nil {
		return fmt.Errorf("failed to close watcher: %w", closeErr)
	}
	return nil
}

// Events returns the channel that emits FileEvent notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Events() <-chan FileEvent {
	return fw.events
}

// Errors returns the channel that emits error notifications.
// This channel is closed when the watcher is stopped.
func (fw *FileWatcher) Errors() <-chan error {
	return fw.errors
}

// Roots returns the absolute paths of the watched roots.
func (fw *FileWatcher) Roots() []string {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return append([]string(nil), fw.roots...)
}

// IsRunning returns true if the watcher is currently running.
func (fw *FileWatcher) IsRunning() bool {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.running
}

// processEvents is the main event loop. A rename-from is held back until the
// matching create arrives or renameWindow passes.
func (fw *FileWatcher) processEvents() {
	defer fw.wg.Done()

	var (
		pendingRename *FileEvent
		renameTimer   <-chan time.Time
	)

	for {
		select {
		case <-fw.done:
			return

		case <-renameTimer:
			renameTimer = nil
			if pendingRename != nil {
				pendingRename.Op = OpDelete
				if !fw.emit(*pendingRename) {
					return
				}
				pendingRename = nil
			}

		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Rename) && !event.Has(fsnotify.Create) {
				if pendingRename != nil {
					pendingRename.Op = OpDelete
					if !fw.emit(*pendingRename) {
						return
					}
				}
				if fw.ignored(event.Name) {
					pendingRename = nil
					renameTimer = nil
					continue
				}
				pendingRename = &FileEvent{Path: event.Name, ObservedAt: time.Now()}
				renameTimer = time.After(renameWindow)
				continue
			}

			fileEvents, fileCreated := fw.convertEvent(event)
			if pendingRename != nil && event.Has(fsnotify.Create) && !fileCreated && !fw.ignored(event.Name) {
				// A moved directory ends the pending rename; its contents
				// are reported as plain creates.
				pendingRename.Op = OpDelete
				if !fw.emit(*pendingRename) {
					return
				}
				pendingRename = nil
				renameTimer = nil
			}
			for _, fe := range fileEvents {
				if pendingRename != nil {
					if fileCreated && fe.Op == OpCreate {
						fe.Op = OpRename
						fe.OldPath = pendingRename.Path
					} else {
						pendingRename.Op = OpDelete
						if !fw.emit(*pendingRename) {
							return
						}
					}
					pendingRename = nil
					renameTimer = nil
				}
				if !fw.emit(fe) {
					return
				}
			}

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}

			select {
			case fw.errors <- err:
			case <-fw.done:
				return
			}
		}
	}
}

func (fw *FileWatcher) emit(fe FileEvent) bool {
	select {
	case fw.events <- fe:
		return true
	case <-fw.done:
		return false
	}
}

// convertEvent converts an fsnotify event to zero or more FileEvents.
// A created directory is watched and the files already inside it are
// reported as creates, since their own events were missed. fileCreated is
// true only when the event created a regular file.
func (fw *FileWatcher) convertEvent(event fsnotify.Event) (events []FileEvent, fileCreated bool) {
	if fw.ignored(event.Name) {
		return nil, false
	}
	now := time.Now()

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(event.Name)
		if err != nil {
			return nil, false
		}
		if info.IsDir() {
			var found []FileEvent
			if err := fw.addTree(event.Name, &found); err != nil {
				fw.reportError(fmt.Errorf("failed to watch new directory %s: %w", event.Name, err))
			}
			return found, false
		}
		return []FileEvent{{Path: event.Name, Op: OpCreate, ObservedAt: now}}, info.Mode().IsRegular()

	case event.Has(fsnotify.Write):
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return nil, false
		}
		return []FileEvent{{Path: event.Name, Op: OpModify, ObservedAt: now}}, false

	case event.Has(fsnotify.Remove):
		return []FileEvent{{Path: event.Name, Op: OpDelete, ObservedAt: now}}, false

	default:
		// Ignore chmod and other events
		return nil, false
	}
}

// addTree watches dir and every directory below it. When found is non-nil
// the regular files encountered are appended as creates.
func (fw *FileWatcher) addTree(dir string, found *[]FileEvent) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Entries vanishing mid-walk are not fatal
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if fw.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if err := fw.watcher.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
			return nil
		}
		if found != nil && d.Type().IsRegular() {
			*found = append(*found, FileEvent{Path: path, Op: OpCreate, ObservedAt: time.Now()})
		}
		return nil
	})
}

func (fw *FileWatcher) ignored(path string) bool {
	return fw.ignorer.Ignored(path)
}

func (fw *FileWatcher) reportError(err error) {
	select {
	case fw.errors <- err:
	default:
	}
}
