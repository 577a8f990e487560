package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/argus-crawler/internal/crawler"
)

type staticProgress crawler.Progress

func (s staticProgress) Progress() crawler.Progress { return crawler.Progress(s) }

func TestSampleLogsProgress(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	m := New(Config{}, staticProgress{Visited: 7, Succeeded: 5}, zap.New(core),
		WithHeapReader(func() uint64 { return 10 << 20 }))
	m.Sample()

	entries := logs.FilterMessage("crawl progress").All()
	require.Len(t, entries, 1)
	ctx := entries[0].ContextMap()
	assert.EqualValues(t, 7, ctx["visited"])
	assert.EqualValues(t, 10<<20, ctx["heap_bytes"])
	assert.Equal(t, 1, m.Samples())
}

func TestSampleWarnsAboveThreshold(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.InfoLevel)
	m := New(Config{HeapThreshold: 100}, nil, zap.New(core), WithHeapReader(func() uint64 { return 101 }))
	m.Sample()

	assert.Equal(t, 1, logs.FilterMessage("heap usage above threshold").Len())
	assert.Zero(t, logs.FilterMessage("crawl progress").Len())
}

func TestStartSamplesUntilStopped(t *testing.T) {
	t.Parallel()

	m := New(Config{Interval: 5 * time.Millisecond}, nil, zap.NewNop(), WithHeapReader(func() uint64 { return 1 }))
	m.Start(context.Background())
	m.Start(context.Background())

	require.Eventually(t, func() bool { return m.Samples() >= 2 }, 2*time.Second, 5*time.Millisecond)
	m.Stop()
	stopped := m.Samples()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, m.Samples())
	m.Stop()
}

func TestStartStopsWithContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	m := New(Config{Interval: 5 * time.Millisecond}, nil, zap.NewNop(), WithHeapReader(func() uint64 { return 1 }))
	m.Start(ctx)
	require.Eventually(t, func() bool { return m.Samples() >= 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	m.Stop()
}
