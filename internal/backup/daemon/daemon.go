// Package daemon provides the backup pipeline that turns filesystem events into remote updates.
//
// The pipeline:
// 1. Waits until the remote store answers Ping
// 2. Starts watching every root so changes made during the baseline pass are captured
// 3. Runs a full reconciliation pass per root while the action queue is paused
// 4. Unpauses the queue so debounced live actions are applied in order
// 5. Handles graceful shutdown through context cancellation and channel closure
package daemon

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/steveyegge/backupsync/internal/backup/metrics"
	"github.com/steveyegge/backupsync/internal/backup/remote"
	bsync "github.com/steveyegge/backupsync/internal/backup/sync"
)

// Config holds configuration for the pipeline.
type Config struct {
	// Roots are the local directory trees to back up
	Roots []string

	// DebounceDelay is the quiet period before an event settles into an action
	DebounceDelay time.Duration

	// PollInterval is how often the queue worker polls when idle or paused
	PollInterval time.Duration

	// PingInterval is the delay between reachability checks at startup
	PingInterval time.Duration

	// SyncInterval re-runs the full pass periodically (0 disables)
	SyncInterval time.Duration

	// Logger for pipeline activity
	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceDelay: 10 * time.Second,
		PollInterval:  100 * time.Millisecond,
		PingInterval:  5 * time.Second,
		Logger:        logrus.StandardLogger(),
	}
}

// EventSource produces filesystem events. FileWatcher is the production source.
// Stop must close both channels.
type EventSource interface {
	Start(roots ...string) error
	Events() <-chan FileEvent
	Errors() <-chan error
	Stop() error
}

// Observer is notified of pipeline progress. Implementations must not block.
type Observer interface {
	ActionApplied(action bsync.Action, err error)
	PassStarted(root string)
	PassComplete(stats *bsync.PassStats, err error)
}

// PassRecorder persists the outcome of reconciliation passes.
type PassRecorder interface {
	RecordPass(stats *bsync.PassStats, passErr error) error
}

// DebounceKey identifies events that coalesce: same path, same operation.
type DebounceKey struct {
	Path string
	Op   EventOp
}

// Pipeline owns the debouncer, the action queue and the engine for a set of roots.
type Pipeline struct {
	config   *Config
	engine   *bsync.Engine
	store    remote.Store
	source   EventSource
	observer Observer
	recorder PassRecorder
	logger   logrus.FieldLogger

	debouncer *Debouncer[DebounceKey, bsync.Action]
	queue     *ActionQueue

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// Option configures optional pipeline collaborators.
type Option func(*Pipeline)

// WithObserver registers an Observer.
func WithObserver(o Observer) Option {
	return func(p *Pipeline) { p.observer = o }
}

// WithRecorder registers a PassRecorder.
func WithRecorder(r PassRecorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// New creates a pipeline.
//
// The pipeline requires:
//   - engine: applies actions and runs reconciliation passes
//   - store: the remote store, used for the startup reachability gate
//   - source: the event source, normally a FileWatcher
//
// Use Run() to start it.
func New(engine *bsync.Engine, store remote.Store, source EventSource, config *Config, opts ...Option) (*Pipeline, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("event source cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.Roots) == 0 {
		return nil, fmt.Errorf("at least one root is required")
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.PingInterval <= 0 {
		config.PingInterval = DefaultConfig().PingInterval
	}

	p := &Pipeline{
		config:    config,
		engine:    engine,
		store:     store,
		source:    source,
		observer:  nopObserver{},
		logger:    config.Logger.WithField("component", "daemon"),
		debouncer: NewDebouncer[DebounceKey, bsync.Action](100),
	}
	p.queue = NewActionQueue(p.apply, config.PollInterval, config.Logger)
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Queue returns the pipeline's action queue.
func (p *Pipeline) Queue() *ActionQueue {
	return p.queue
}

// Run starts the pipeline and blocks until ctx is cancelled.
// Cancellation is a clean shutdown and returns nil.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	p.running = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.WithField("roots", p.config.Roots).Info("starting backup pipeline")

	if err := p.WaitForRemote(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := p.source.Start(p.config.Roots...); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}

	p.wg.Add(3)
	go p.forwardEvents()
	go p.forwardActions()
	go func() {
		defer p.wg.Done()
		_ = p.queue.Run(ctx)
	}()

	if err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Warn("baseline pass incomplete, live changes will still be applied")
	}

	if ctx.Err() == nil {
		p.queue.SetPaused(false)
		p.logger.Info("baseline pass finished, applying live changes")

		p.wg.Add(1)
		go p.passLoop(ctx)
	}

	<-ctx.Done()
	p.logger.Info("shutdown signal received")
	return p.shutdown()
}

// WaitForRemote blocks until the store answers Ping or ctx is cancelled.
func (p *Pipeline) WaitForRemote(ctx context.Context) error {
	backoff := retry.NewConstant(p.config.PingInterval)
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if p.store.Ping(ctx) {
			if attempt > 1 {
				p.logger.WithField("attempts", attempt).Info("backup store reachable")
			}
			return nil
		}
		p.logger.WithField("attempt", attempt).Warn("backup store unreachable, retrying")
		return retry.RetryableError(errors.New("backup store unreachable"))
	})
}

// Reconcile runs a full pass over every root with the queue paused. A live
// action already being applied finishes before the pass touches the store.
// Per-root failures are logged and the remaining roots still run.
func (p *Pipeline) Reconcile(ctx context.Context) error {
	wasPaused := p.queue.Paused()
	defer p.queue.SetPaused(wasPaused)
	if err := p.queue.Pause(ctx); err != nil {
		return err
	}

	var errs []error
	for _, root := range p.config.Roots {
		p.observer.PassStarted(root)
		stats, err := p.engine.SyncRoot(ctx, root)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.observer.PassComplete(stats, err)
		if p.recorder != nil && stats != nil {
			if rerr := p.recorder.RecordPass(stats, err); rerr != nil {
				p.logger.WithError(rerr).Warn("failed to record pass")
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", root, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) shutdown() error {
	p.logger.Info("stopping backup pipeline")

	// Closing the source's channels drains the debouncer and action forwarders
	if err := p.source.Stop(); err != nil {
		p.logger.WithError(err).Warn("error stopping watcher")
	}
	p.wg.Wait()

	p.logger.WithField("pending", p.queue.Len()).Info("backup pipeline stopped")
	return nil
}

// forwardEvents feeds watcher events into the debouncer until the source closes.
func (p *Pipeline) forwardEvents() {
	defer p.wg.Done()
	defer p.debouncer.Stop()

	events, errs := p.source.Events(), p.source.Errors()
	for events != nil || errs != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			action := bsync.Action{Kind: ev.Op.ActionKind(), Path: ev.Path, OldPath: ev.OldPath}
			armed := p.debouncer.Start(DebounceKey{Path: ev.Path, Op: ev.Op}, action, p.config.DebounceDelay)
			metrics.DebouncedTotal.WithLabelValues(strconv.FormatBool(armed)).Inc()

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			p.logger.WithError(err).Warn("watcher error")
		}
	}
}

// forwardActions moves settled actions into the queue until the debouncer closes.
func (p *Pipeline) forwardActions() {
	defer p.wg.Done()

	for action := range p.debouncer.Debounced() {
		action.QueuedAt = time.Now()
		p.queue.Add(action)
		p.logger.WithField("action", action.String()).Debug("queued")
	}
}

// passLoop re-runs reconciliation on SyncInterval, or, when that is disabled,
// once deferred deletions have accumulated.
func (p *Pipeline) passLoop(ctx context.Context) {
	defer p.wg.Done()

	every := p.config.SyncInterval
	deletesOnly := every <= 0
	if deletesOnly {
		every = p.config.DebounceDelay
	}
	if every <= 0 {
		every = time.Second
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending := p.engine.DeferredDeletes()
			if deletesOnly && pending == 0 {
				continue
			}
			p.logger.WithField("deferred_deletes", pending).Debug("scheduled reconciliation pass")
			if err := p.Reconcile(ctx); err != nil && ctx.Err() == nil {
				p.logger.WithError(err).Warn("scheduled pass incomplete")
			}
		}
	}
}

func (p *Pipeline) apply(ctx context.Context, action bsync.Action) error {
	err := p.engine.Apply(ctx, action)
	if ctx.Err() == nil {
		p.observer.ActionApplied(action, err)
	}
	return err
}

type nopObserver struct{}

func (nopObserver) ActionApplied(bsync.Action, error)   {}
func (nopObserver) PassStarted(string)                  {}
func (nopObserver) PassComplete(*bsync.PassStats, error) {}
