// ABOUTME: Size-bounded window of recently seen keys, used to drop retransmitted envelopes.
// ABOUTME: Keys expire after a fixed TTL; the oldest key is evicted when the window is full.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key string
	at  time.Time
}

// Window remembers keys for ttl. Entries are kept in the order they were last
// marked, so the front of the list is always the oldest.
type Window struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWindow creates a window and starts a sweeper that runs once per ttl.
func NewWindow(ttl time.Duration, maxSize int) *Window {
	w := newWindow(ttl, maxSize, time.Now)
	go w.sweepLoop()
	return w
}

func newWindow(ttl time.Duration, maxSize int, now func() time.Time) *Window {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Window{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		stop:    make(chan struct{}),
	}
}

// Seen reports whether key was marked within the last ttl, and marks it
// either way. The check and the mark are atomic.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.entries[key]; ok {
		e := el.Value.(*entry)
		fresh := now.Sub(e.at) < w.ttl
		e.at = now
		w.order.MoveToBack(el)
		return fresh
	}

	if len(w.entries) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.entries[key] = w.order.PushBack(&entry{key: key, at: now})
	return false
}

// Forget removes key so the next Seen reports it as new.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if el, ok := w.entries[key]; ok {
		w.order.Remove(el)
		delete(w.entries, key)
	}
}

// Len returns the number of keys held, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.entries, front.Value.(*entry).key)
}

// sweep drops expired keys from the front of the list.
func (w *Window) sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	removed := 0
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.at) < w.ttl {
			break
		}
		w.order.Remove(front)
		delete(w.entries, e.key)
		removed++
	}
	return removed
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(w.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// Close stops the sweeper. Safe to call multiple times.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
