package daemon

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](ch <-chan T, wait time.Duration) []T {
	var out []T
	deadline := time.After(wait)
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-deadline:
			return out
		}
	}
}

// TestDebouncer_Coalesces verifies repeated starts collapse into one emission
// carrying the last payload.
func TestDebouncer_Coalesces(t *testing.T) {
	d := NewDebouncer[string, int](10)
	defer d.Stop()

	assert.True(t, d.Start("k", 1, 50*time.Millisecond))
	for i := 2; i <= 5; i++ {
		assert.False(t, d.Start("k", i, 50*time.Millisecond))
	}
	assert.Equal(t, 1, d.Pending())

	got := collect(d.Debounced(), 200*time.Millisecond)
	assert.Equal(t, []int{5}, got)
	assert.Zero(t, d.Pending())
}

// TestDebouncer_DoesNotExtendWindow verifies a repeat start leaves the timer untouched.
func TestDebouncer_DoesNotExtendWindow(t *testing.T) {
	d := NewDebouncer[string, string](10)
	defer d.Stop()

	start := time.Now()
	d.Start("k", "first", 80*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	d.Start("k", "second", 80*time.Millisecond)

	select {
	case v := <-d.Debounced():
		assert.Equal(t, "second", v)
		assert.Less(t, time.Since(start), 125*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("no emission")
	}
}

// TestDebouncer_FreshWindowAfterEmission verifies an event after firing arms a new timer.
func TestDebouncer_FreshWindowAfterEmission(t *testing.T) {
	d := NewDebouncer[string, int](10)
	defer d.Stop()

	require.True(t, d.Start("k", 1, 10*time.Millisecond))
	require.Equal(t, []int{1}, collect(d.Debounced(), 100*time.Millisecond))

	assert.True(t, d.Start("k", 2, 10*time.Millisecond))
	assert.Equal(t, []int{2}, collect(d.Debounced(), 100*time.Millisecond))
}

// TestDebouncer_IndependentKeys verifies distinct keys never suppress each other.
func TestDebouncer_IndependentKeys(t *testing.T) {
	d := NewDebouncer[DebounceKey, string](10)
	defer d.Stop()

	assert.True(t, d.Start(DebounceKey{Path: "/a", Op: OpModify}, "a-modify", 20*time.Millisecond))
	assert.True(t, d.Start(DebounceKey{Path: "/a", Op: OpDelete}, "a-delete", 20*time.Millisecond))
	assert.True(t, d.Start(DebounceKey{Path: "/b", Op: OpModify}, "b-modify", 20*time.Millisecond))

	got := collect(d.Debounced(), 150*time.Millisecond)
	assert.ElementsMatch(t, []string{"a-modify", "a-delete", "b-modify"}, got)
}

// TestDebouncer_Concurrent verifies every key emits exactly once under concurrent starts.
func TestDebouncer_Concurrent(t *testing.T) {
	const keys = 200
	d := NewDebouncer[string, string](keys)
	defer d.Stop()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < keys; i++ {
				d.Start(fmt.Sprintf("key-%d", i), fmt.Sprintf("key-%d", i), 30*time.Millisecond)
			}
		}()
	}
	wg.Wait()

	got := collect(d.Debounced(), 300*time.Millisecond)
	assert.Len(t, got, keys)

	seen := make(map[string]bool)
	for _, v := range got {
		assert.False(t, seen[v], "duplicate emission for %s", v)
		seen[v] = true
	}
}

// TestDebouncer_Stop verifies Stop discards pending payloads and closes the channel.
func TestDebouncer_Stop(t *testing.T) {
	d := NewDebouncer[string, int](10)

	d.Start("a", 1, time.Hour)
	d.Start("b", 2, time.Hour)
	d.Stop()

	_, ok := <-d.Debounced()
	assert.False(t, ok, "channel should be closed")
	assert.Zero(t, d.Pending())
	assert.False(t, d.Start("c", 3, time.Millisecond))

	// Stop is idempotent
	d.Stop()
}

// TestDebouncer_StopWithBlockedEmission verifies Stop does not hang when nobody reads.
func TestDebouncer_StopWithBlockedEmission(t *testing.T) {
	d := NewDebouncer[string, int](0)
	d.Start("a", 1, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		d.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked on an unread emission")
	}
}
