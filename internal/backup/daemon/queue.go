package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/metrics"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

// ActionHandler applies one settled action.
type ActionHandler func(ctx context.Context, action bsync.Action) error

// ActionQueue is an unbounded FIFO of pending actions drained by one worker.
//
// Add never blocks and never drops. While paused the worker keeps polling
// without consuming, so actions captured during the startup pass are applied
// in order once the queue is resumed.
type ActionQueue struct {
	mu     sync.Mutex
	items  []bsync.Action
	paused bool

	// busy is closed when the action being applied finishes; nil when idle.
	busy chan struct{}

	pollInterval time.Duration
	handler      ActionHandler
	logger       logrus.FieldLogger
}

// NewActionQueue creates a paused queue.
func NewActionQueue(handler ActionHandler, pollInterval time.Duration, logger logrus.FieldLogger) *ActionQueue {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ActionQueue{
		paused:       true,
		pollInterval: pollInterval,
		handler:      handler,
		logger:       logger.WithField("component", "queue"),
	}
}

// Add appends an action to the tail of the queue.
func (q *ActionQueue) Add(action bsync.Action) {
	q.mu.Lock()
	q.items = append(q.items, action)
	n := len(q.items)
	q.mu.Unlock()

	metrics.QueueDepth.Set(float64(n))
}

// Len returns the number of queued actions.
func (q *ActionQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// SetPaused pauses or resumes consumption.
func (q *ActionQueue) SetPaused(paused bool) {
	q.mu.Lock()
	q.paused = paused
	q.mu.Unlock()
}

// Pause stops consumption and waits until the action currently being applied,
// if any, has finished. It returns ctx.Err() if ctx ends first; the queue
// stays paused either way.
func (q *ActionQueue) Pause(ctx context.Context) error {
	q.mu.Lock()
	q.paused = true
	busy := q.busy
	q.mu.Unlock()

	if busy == nil {
		return nil
	}
	select {
	case <-busy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused reports whether consumption is paused.
func (q *ActionQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Run is the worker loop. It returns nil once ctx is cancelled, within one
// poll interval. A failing action is logged and the loop moves on.
func (q *ActionQueue) Run(ctx context.Context) error {
	q.logger.Debug("worker started")
	defer q.logger.Debug("worker stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		action, ok := q.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(q.pollInterval):
			}
			continue
		}

		err := q.apply(ctx, action)
		q.done()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.ActionsTotal.WithLabelValues(action.Kind.String(), "failed").Inc()
			q.logger.WithError(err).WithFields(logrus.Fields{
				"kind": action.Kind,
				"path": action.Path,
			}).Warn("action failed")
			continue
		}
		metrics.ActionsTotal.WithLabelValues(action.Kind.String(), "applied").Inc()
	}
}

// next pops the head of the queue unless the queue is paused or empty, and
// marks the queue busy until done is called.
func (q *ActionQueue) next() (bsync.Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || len(q.items) == 0 {
		return bsync.Action{}, false
	}
	action := q.items[0]
	q.items[0] = bsync.Action{}
	q.items = q.items[1:]
	q.busy = make(chan struct{})
	metrics.QueueDepth.Set(float64(len(q.items)))
	return action, true
}

func (q *ActionQueue) done() {
	q.mu.Lock()
	close(q.busy)
	q.busy = nil
	q.mu.Unlock()
}

func (q *ActionQueue) apply(ctx context.Context, action bsync.Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying %s %s: %v", action.Kind, action.Path, r)
		}
	}()
	return q.handler(ctx, action)
}
