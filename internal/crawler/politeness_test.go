package crawler

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVisitTracker(t *testing.T) {
	tracker := newVisitTracker()
	require.True(t, tracker.MarkIfNew("https://example.org/first"))
	require.False(t, tracker.MarkIfNew("https://example.org/first"))
	require.True(t, tracker.MarkIfNew("https://example.org/second"))
	require.False(t, tracker.MarkIfNew(""))
	require.EqualValues(t, 2, tracker.Len())
}

func TestVisitTrackerConcurrent(t *testing.T) {
	tracker := newVisitTracker()
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tracker.MarkIfNew("https://example.org/race") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}

func TestHostBlocker(t *testing.T) {
	blocker := newHostBlocker(2)
	require.False(t, blocker.IsBlocked("example.org"))
	require.False(t, blocker.MarkForbidden("example.org"))
	require.True(t, blocker.MarkForbidden("example.org"))
	require.True(t, blocker.IsBlocked("EXAMPLE.ORG"), "host comparison should be case-insensitive")
	require.False(t, blocker.MarkForbidden(""))
}
