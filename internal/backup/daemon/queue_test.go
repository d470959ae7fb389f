package daemon

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

type recordingHandler struct {
	mu      sync.Mutex
	applied []string
	fail    map[string]error
	panics  map[string]bool
}

func (h *recordingHandler) handle(ctx context.Context, a bsync.Action) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.applied = append(h.applied, a.Path)
	if h.panics[a.Path] {
		panic("boom")
	}
	return h.fail[a.Path]
}

func (h *recordingHandler) paths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.applied...)
}

func startQueue(t *testing.T, q *ActionQueue) (cancel func() time.Duration) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = q.Run(ctx)
		close(done)
	}()
	return func() time.Duration {
		start := time.Now()
		stop()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("worker did not exit")
		}
		return time.Since(start)
	}
}

// TestActionQueue_PausedDoesNotConsume verifies a paused queue never shrinks and
// drains in FIFO order once resumed.
func TestActionQueue_PausedDoesNotConsume(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	h := &recordingHandler{}
	q := NewActionQueue(h.handle, 5*time.Millisecond, logger)
	require.True(t, q.Paused())

	stop := startQueue(t, q)
	defer stop()

	for _, p := range []string{"/1", "/2", "/3"} {
		q.Add(bsync.Action{Kind: bsync.ActionModified, Path: p})
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, q.Len())
	assert.Empty(t, h.paths())

	q.SetPaused(false)
	require.Eventually(t, func() bool { return q.Len() == 0 && len(h.paths()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/1", "/2", "/3"}, h.paths())
}

// TestActionQueue_FailuresDoNotStopWorker verifies errors and panics are contained.
func TestActionQueue_FailuresDoNotStopWorker(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	h := &recordingHandler{
		fail:   map[string]error{"/err": errors.New("remote down")},
		panics: map[string]bool{"/panic": true},
	}
	q := NewActionQueue(h.handle, 5*time.Millisecond, logger)
	q.SetPaused(false)

	stop := startQueue(t, q)
	defer stop()

	q.Add(bsync.Action{Path: "/err"})
	q.Add(bsync.Action{Path: "/panic"})
	q.Add(bsync.Action{Path: "/ok"})

	require.Eventually(t, func() bool { return len(h.paths()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"/err", "/panic", "/ok"}, h.paths())

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "action failed" {
			warnings++
		}
	}
	assert.Equal(t, 2, warnings)
}

// TestActionQueue_CancelExitsPromptly verifies the worker exits within one poll interval.
func TestActionQueue_CancelExitsPromptly(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	q := NewActionQueue(func(context.Context, bsync.Action) error { return nil }, 50*time.Millisecond, logger)

	stop := startQueue(t, q)
	time.Sleep(10 * time.Millisecond)

	elapsed := stop()
	assert.Less(t, elapsed, 100*time.Millisecond)
}

// TestActionQueue_AddNeverBlocks verifies Add works without a running worker.
func TestActionQueue_AddNeverBlocks(t *testing.T) {
	q := NewActionQueue(nil, 0, nil)
	for i := 0; i < 10000; i++ {
		q.Add(bsync.Action{Path: "/x"})
	}
	assert.Equal(t, 10000, q.Len())
}

// TestActionQueue_PauseWaitsForInFlight verifies Pause returns only after the
// action being applied has finished and that no further action starts.
func TestActionQueue_PauseWaitsForInFlight(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	entered := make(chan struct{})
	release := make(chan struct{})
	h := &recordingHandler{}
	q := NewActionQueue(func(ctx context.Context, a bsync.Action) error {
		if a.Path == "/slow" {
			close(entered)
			<-release
		}
		return h.handle(ctx, a)
	}, 5*time.Millisecond, logger)
	q.SetPaused(false)

	stop := startQueue(t, q)
	defer stop()

	q.Add(bsync.Action{Path: "/slow"})
	q.Add(bsync.Action{Path: "/next"})
	<-entered

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Pause(short), context.DeadlineExceeded)
	assert.True(t, q.Paused())

	paused := make(chan error, 1)
	go func() { paused <- q.Pause(context.Background()) }()

	select {
	case <-paused:
		t.Fatal("Pause() returned while an action was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-paused:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Pause() did not return after the action finished")
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"/slow"}, h.paths())
	assert.Equal(t, 1, q.Len())
}

// TestActionQueue_PauseWhenIdle verifies Pause does not block an idle queue.
func TestActionQueue_PauseWhenIdle(t *testing.T) {
	q := NewActionQueue(nil, 0, nil)
	q.SetPaused(false)
	require.NoError(t, q.Pause(context.Background()))
	assert.True(t, q.Paused())
}
