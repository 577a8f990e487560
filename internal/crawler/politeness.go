package crawler

import (
	"strings"
	"sync"
	"sync/atomic"
)

// visitTracker provides thread-safe visited URL tracking to prevent revisits.
type visitTracker struct {
	seen  sync.Map
	count atomic.Int64
}

func newVisitTracker() *visitTracker {
	return &visitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *visitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	if !loaded {
		t.count.Add(1)
	}
	return !loaded
}

// Len returns how many distinct URLs were marked.
func (t *visitTracker) Len() int64 {
	return t.count.Load()
}

// hostBlocker stops visiting hosts that keep refusing us with 403 or 429.
type hostBlocker struct {
	mu        sync.Mutex
	threshold int
	counts    map[string]int
	blocked   map[string]struct{}
}

func newHostBlocker(threshold int) *hostBlocker {
	if threshold <= 0 {
		threshold = defaultForbiddenLimit
	}
	return &hostBlocker{
		threshold: threshold,
		counts:    make(map[string]int),
		blocked:   make(map[string]struct{}),
	}
}

func (b *hostBlocker) IsBlocked(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.blocked[key]
	return ok
}

// MarkForbidden increments the counter for host and returns true once blocked.
func (b *hostBlocker) MarkForbidden(host string) bool {
	if host == "" {
		return false
	}
	key := strings.ToLower(host)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, blocked := b.blocked[key]; blocked {
		return true
	}
	b.counts[key]++
	if b.counts[key] >= b.threshold {
		b.blocked[key] = struct{}{}
		return true
	}
	return false
}
