// Package monitor periodically logs heap usage and crawl progress for the
// lifetime of a run.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/crawler"
	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// Defaults for Config.
const (
	DefaultInterval      = time.Minute
	DefaultHeapThreshold = 1 << 30
)

// ProgressSource reports the state of a running crawl.
type ProgressSource interface {
	Progress() crawler.Progress
}

// Config tunes the monitor.
type Config struct {
	Interval time.Duration
	// HeapThreshold is the allocated heap size above which a warning is logged.
	HeapThreshold uint64
}

// Monitor samples memory and progress on a ticker.
type Monitor struct {
	cfg      Config
	source   ProgressSource
	logger   *zap.Logger
	readHeap func() uint64

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	samples int
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithHeapReader replaces runtime.ReadMemStats as the heap source.
func WithHeapReader(fn func() uint64) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.readHeap = fn
		}
	}
}

// New builds a Monitor. source may be nil when only memory is of interest.
func New(cfg Config, source ProgressSource, logger *zap.Logger, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.HeapThreshold == 0 {
		cfg.HeapThreshold = DefaultHeapThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{cfg: cfg, source: source, logger: logger, readHeap: heapAlloc}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the sampling loop. It stops when ctx ends or Stop is called.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

// Stop cancels the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Samples reports how many samples have been taken.
func (m *Monitor) Samples() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading immediately.
func (m *Monitor) Sample() {
	heap := m.readHeap()
	metrics.SetHeapBytes(heap)

	fields := []zap.Field{zap.Uint64("heap_bytes", heap), zap.Float64("heap_mb", float64(heap)/(1<<20))}
	if m.source != nil {
		p := m.source.Progress()
		fields = append(fields,
			zap.Int64("visited", p.Visited),
			zap.Int64("succeeded", p.Succeeded),
			zap.Int64("failed", p.Failed),
			zap.Int64("skipped", p.Skipped),
			zap.Int64("resources", p.Resources),
			zap.Int("depth", p.Depth),
		)
	}
	if heap > m.cfg.HeapThreshold {
		m.logger.Warn("heap usage above threshold", append(fields, zap.Uint64("threshold_bytes", m.cfg.HeapThreshold))...)
	} else {
		m.logger.Info("crawl progress", fields...)
	}

	m.mu.Lock()
	m.samples++
	m.mu.Unlock()
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}
