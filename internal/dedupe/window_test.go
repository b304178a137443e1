// ABOUTME: Tests for the dedupe window: expiry, refresh on repeat, eviction, sweeping, concurrency.
// ABOUTME: A fake clock drives expiry so no test sleeps.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestWindow(ttl time.Duration, maxSize int) (*Window, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newWindow(ttl, maxSize, clock.Now), clock
}

func TestWindow_FirstSightingIsNew(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)
	assert.False(t, w.Seen("agent-1/0"))
	assert.True(t, w.Seen("agent-1/0"))
	assert.False(t, w.Seen("agent-2/0"))
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)
	w.Seen("k")

	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("k"), "still inside the window")

	// The repeat refreshed the timestamp
	clock.Advance(59 * time.Second)
	assert.True(t, w.Seen("k"))

	clock.Advance(time.Minute)
	assert.False(t, w.Seen("k"), "expired keys count as new")
}

func TestWindow_EvictsOldestWhenFull(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 3)
	w.Seen("a")
	w.Seen("b")
	w.Seen("c")
	w.Seen("a") // a is now the newest
	w.Seen("d") // evicts b

	assert.Equal(t, 3, w.Len())
	assert.True(t, w.Seen("a"))
	assert.True(t, w.Seen("c"))
	assert.False(t, w.Seen("b"))
}

func TestWindow_Forget(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 10)
	w.Seen("k")
	w.Forget("k")
	w.Forget("missing")
	assert.False(t, w.Seen("k"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 10)
	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(45 * time.Second)
	w.Seen("new")
	clock.Advance(30 * time.Second)

	assert.Equal(t, 2, w.sweep())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Seen("new"))
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(time.Minute, 10)
	w.Close()
	w.Close()
}

func TestWindow_ConcurrentSeenReportsOneWinner(t *testing.T) {
	w := NewWindow(time.Minute, 1000)
	defer w.Close()

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Go(func() {
			if !w.Seen("contended") {
				fresh.Add(1)
			}
		})
	}
	wg.Wait()
	assert.Equal(t, int32(1), fresh.Load())

	for i := range 100 {
		wg.Go(func() { w.Seen(fmt.Sprintf("key-%d", i)) })
	}
	wg.Wait()
	assert.Equal(t, 101, w.Len())
}
