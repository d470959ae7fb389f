package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/backupsync/internal/backup/remote/remotetest"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

type fakeSource struct {
	events   chan FileEvent
	errors   chan error
	mu       sync.Mutex
	roots    []string
	stopOnce sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan FileEvent, 16), errors: make(chan error, 1)}
}

func (f *fakeSource) Start(roots ...string) error {
	f.mu.Lock()
	f.roots = roots
	f.mu.Unlock()
	return nil
}

func (f *fakeSource) Events() <-chan FileEvent { return f.events }
func (f *fakeSource) Errors() <-chan error     { return f.errors }

func (f *fakeSource) Stop() error {
	f.stopOnce.Do(func() {
		close(f.events)
		close(f.errors)
	})
	return nil
}

func (f *fakeSource) started() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roots
}

type recordingObserver struct {
	mu       sync.Mutex
	applied  []bsync.Action
	started  []string
	complete []*bsync.PassStats
}

func (o *recordingObserver) ActionApplied(a bsync.Action, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.applied = append(o.applied, a)
}

func (o *recordingObserver) PassStarted(root string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, root)
}

func (o *recordingObserver) PassComplete(stats *bsync.PassStats, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.complete = append(o.complete, stats)
}

func (o *recordingObserver) counts() (applied, complete int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.applied), len(o.complete)
}

type countingRecorder struct {
	mu    sync.Mutex
	calls int
}

func (r *countingRecorder) RecordPass(*bsync.PassStats, error) error {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	return nil
}

func (r *countingRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func uploadsNamed(store *remotetest.Store, name string) int {
	n := 0
	for _, c := range store.CallsOf("UploadFile") {
		if c.Name == name {
			n++
		}
	}
	return n
}

func newTestPipeline(t *testing.T, fs afero.Fs, store *remotetest.Store, src EventSource, opts ...Option) *Pipeline {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	engine := bsync.New(fs, store, &bsync.Config{Concurrency: 1, Logger: logger})
	p, err := New(engine, store, src, &Config{
		Roots:         []string{"/data"},
		DebounceDelay: 20 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
		PingInterval:  10 * time.Millisecond,
		Logger:        logger,
	}, opts...)
	require.NoError(t, err)
	return p
}

// TestPipeline_StartupAndLiveChanges verifies the ping gate, the baseline pass
// and the application of debounced live events.
func TestPipeline_StartupAndLiveChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0755))
	require.NoError(t, afero.WriteFile(fs, "/data/a", []byte("a"), 0644))

	store := remotetest.New()
	store.SetDown(true)
	src := newFakeSource()
	obs := &recordingObserver{}
	rec := &countingRecorder{}
	p := newTestPipeline(t, fs, store, src, WithObserver(obs), WithRecorder(rec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Nothing happens while the store is unreachable
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, store.Calls())
	assert.Nil(t, src.started())

	store.SetDown(false)

	require.Eventually(t, func() bool {
		_, complete := obs.counts()
		return complete == 1 && !p.Queue().Paused()
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/data"}, src.started())
	assert.Equal(t, 1, uploadsNamed(store, "a"))
	assert.Equal(t, 1, rec.count())

	// A burst of events for one file settles into a single upload
	require.NoError(t, afero.WriteFile(fs, "/data/b", []byte("b"), 0644))
	for i := 0; i < 5; i++ {
		src.events <- FileEvent{Path: "/data/b", Op: OpModify, ObservedAt: time.Now()}
	}

	require.Eventually(t, func() bool {
		return uploadsNamed(store, "b") == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, uploadsNamed(store, "b"))

	applied, _ := obs.counts()
	assert.Equal(t, 1, applied)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

// TestPipeline_CancelWhileWaitingForRemote verifies shutdown before the store ever answers.
func TestPipeline_CancelWhileWaitingForRemote(t *testing.T) {
	store := remotetest.New()
	store.SetDown(true)
	p := newTestPipeline(t, afero.NewMemMapFs(), store, newFakeSource())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.NoError(t, p.Run(ctx))
}

// TestPipeline_DeferredDeleteTriggersPass verifies a live deletion reaches the
// store through a later reconciliation pass.
func TestPipeline_DeferredDeleteTriggersPass(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0755))
	require.NoError(t, afero.WriteFile(fs, "/data/gone", []byte("x"), 0644))

	store := remotetest.New()
	src := newFakeSource()
	obs := &recordingObserver{}
	p := newTestPipeline(t, fs, store, src, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, complete := obs.counts()
		return complete == 1 && !p.Queue().Paused()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fs.Remove("/data/gone"))
	// Directory mtime changes with the removal
	later := time.Now().Add(time.Minute)
	require.NoError(t, fs.Chtimes("/data", later, later))
	src.events <- FileEvent{Path: "/data/gone", Op: OpDelete, ObservedAt: time.Now()}

	require.Eventually(t, func() bool {
		return len(store.CallsOf("DeleteFiles")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

// TestPipeline_ReconcileWaitsForLiveAction verifies a scheduled pass does not
// reach the store while a live upload of the same file is still running.
func TestPipeline_ReconcileWaitsForLiveAction(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/data", 0755))
	require.NoError(t, afero.WriteFile(fs, "/data/live.txt", []byte("live"), 0644))

	store := remotetest.New()
	store.SeedDirectory("/data", nil, time.Time{})

	var (
		inflight atomic.Int32
		overlap  atomic.Bool
		once     sync.Once
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	store.UploadErr = func(path string) error {
		if path != "/data/live.txt" {
			return nil
		}
		if inflight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inflight.Add(-1)
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
		return nil
	}

	p := newTestPipeline(t, fs, store, newFakeSource())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := p.Queue()
	q.SetPaused(false)
	workerDone := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(workerDone)
	}()
	defer func() {
		cancel()
		<-workerDone
	}()

	q.Add(bsync.Action{Kind: bsync.ActionCreated, Path: "/data/live.txt", QueuedAt: time.Now()})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("live upload never started")
	}

	passDone := make(chan error, 1)
	go func() { passDone <- p.Reconcile(ctx) }()

	select {
	case <-passDone:
		t.Fatal("Reconcile() finished while the live upload was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.False(t, overlap.Load(), "pass uploaded concurrently with the live action")

	close(release)
	select {
	case err := <-passDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Reconcile() did not finish after the live upload")
	}
	assert.False(t, overlap.Load())
	assert.False(t, q.Paused(), "queue resumes after the pass")
}

func TestNew_Validation(t *testing.T) {
	store := remotetest.New()
	engine := bsync.New(afero.NewMemMapFs(), store, nil)

	_, err := New(nil, store, newFakeSource(), nil)
	assert.Error(t, err)
	_, err = New(engine, nil, newFakeSource(), nil)
	assert.Error(t, err)
	_, err = New(engine, store, nil, nil)
	assert.Error(t, err)
	_, err = New(engine, store, newFakeSource(), &Config{})
	assert.Error(t, err, "roots are required")
}
