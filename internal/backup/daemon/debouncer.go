package daemon

import (
	"hash/maphash"
	"sync"
	"time"
)

const debounceShards = 32

// Debouncer collapses repeated events for the same key into one delayed emission.
//
// The first Start for a key arms a timer; later Starts for the same key only
// replace the pending payload. When the timer fires the key is removed first
// and the latest payload is then sent on Debounced(), so an event arriving
// after removal opens a fresh window.
//
// Keys are spread over independent shards, so Start calls for unrelated keys
// never contend on a common lock.
type Debouncer[K comparable, T any] struct {
	seed   maphash.Seed
	shards [debounceShards]debounceShard[K, T]

	out  chan T
	done chan struct{}

	// inflight counts armed timers that have not finished firing or been cancelled.
	inflight sync.WaitGroup

	stopOnce sync.Once
}

type debounceShard[K comparable, T any] struct {
	mu      sync.Mutex
	pending map[K]*debounceEntry[T]
}

// debounceEntry keeps the timer next to the payload it will emit.
type debounceEntry[T any] struct {
	payload T
	timer   *time.Timer
}

// NewDebouncer creates a Debouncer whose output channel has the given buffer.
func NewDebouncer[K comparable, T any](buffer int) *Debouncer[K, T] {
	d := &Debouncer[K, T]{
		seed: maphash.MakeSeed(),
		out:  make(chan T, buffer),
		done: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i].pending = make(map[K]*debounceEntry[T])
	}
	return d
}

// Debounced returns the channel of settled payloads.
// It is closed by Stop once every in-flight emission has finished.
func (d *Debouncer[K, T]) Debounced() <-chan T {
	return d.out
}

// Start registers an event for key.
//
// It returns true if a new timer was armed and false if a timer was already
// pending, in which case only the stored payload is replaced. Start after
// Stop is a no-op returning false.
func (d *Debouncer[K, T]) Start(key K, payload T, delay time.Duration) bool {
	shard := d.shard(key)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	select {
	case <-d.done:
		return false
	default:
	}

	if entry, ok := shard.pending[key]; ok {
		entry.payload = payload
		return false
	}

	entry := &debounceEntry[T]{payload: payload}
	shard.pending[key] = entry
	d.inflight.Add(1)
	entry.timer = time.AfterFunc(delay, func() {
		d.fire(shard, key, entry)
	})
	return true
}

// Pending returns the number of armed timers.
func (d *Debouncer[K, T]) Pending() int {
	n := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		n += len(d.shards[i].pending)
		d.shards[i].mu.Unlock()
	}
	return n
}

// Stop cancels every armed timer, waits for emissions already underway and
// closes the Debounced channel. Pending payloads are discarded.
func (d *Debouncer[K, T]) Stop() {
	d.stopOnce.Do(func() {
		for i := range d.shards {
			shard := &d.shards[i]
			shard.mu.Lock()
			if i == 0 {
				close(d.done)
			}
			for key, entry := range shard.pending {
				if entry.timer.Stop() {
					d.inflight.Done()
				}
				delete(shard.pending, key)
			}
			shard.mu.Unlock()
		}

		d.inflight.Wait()
		close(d.out)
	})
}

func (d *Debouncer[K, T]) fire(shard *debounceShard[K, T], key K, entry *debounceEntry[T]) {
	defer d.inflight.Done()

	shard.mu.Lock()
	current, ok := shard.pending[key]
	if !ok || current != entry {
		// Cancelled by Stop.
		shard.mu.Unlock()
		return
	}
	delete(shard.pending, key)
	payload := entry.payload
	shard.mu.Unlock()

	select {
	case d.out <- payload:
	case <-d.done:
	}
}

func (d *Debouncer[K, T]) shard(key K) *debounceShard[K, T] {
	return &d.shards[maphash.Comparable(d.seed, key)%debounceShards]
}
