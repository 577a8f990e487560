package proxypool

import (
	"bufio"
	"bytes"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultRotationInterval = 5 * time.Minute
	DefaultRetryLimit       = 3
	DefaultCheckURL         = "https://api.ipify.org?format=json"
	DefaultTestTimeout      = 10 * time.Second
	DefaultBatchSize        = 10
)

// Config tunes the pool.
type Config struct {
	RotationInterval time.Duration
	RetryLimit       int
	CheckURL         string
	TestTimeout      time.Duration
	BatchSize        int
}

func (c Config) withDefaults() Config {
	if c.RotationInterval <= 0 {
		c.RotationInterval = DefaultRotationInterval
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
	if c.CheckURL == "" {
		c.CheckURL = DefaultCheckURL
	}
	if c.TestTimeout <= 0 {
		c.TestTimeout = DefaultTestTimeout
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ClientFactory builds an HTTP client that routes through a proxy.
type ClientFactory func(id Identity, timeout time.Duration) (*http.Client, error)

// Option customizes a Pool.
type Option func(*Pool)

// WithClock injects the time source used for rotation and lastUsed.
func WithClock(c Clock) Option {
	return func(p *Pool) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithShuffle replaces the permutation used on rotation.
func WithShuffle(fn func(n int, swap func(i, j int))) Option {
	return func(p *Pool) {
		if fn != nil {
			p.shuffle = fn
		}
	}
}

// WithStats shares an existing statistics table.
func WithStats(s *Stats) Option {
	return func(p *Pool) {
		if s != nil {
			p.stats = s
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClientFactory overrides how proxied clients are built for health checks.
func WithClientFactory(f ClientFactory) Option {
	return func(p *Pool) {
		if f != nil {
			p.newClient = f
		}
	}
}

// Pool partitions proxies into valid and invalid sets and hands out valid
// ones in round-robin order. Every exported method is safe for concurrent use.
type Pool struct {
	cfg Config

	mu           sync.Mutex
	valid        []Identity
	invalid      []Identity
	cursor       int
	lastRotation time.Time
	failures     map[string]int
	results      map[string]TestResult

	stats     *Stats
	clock     Clock
	shuffle   func(n int, swap func(i, j int))
	newClient ClientFactory
	logger    *zap.Logger
}

// New returns an empty pool.
func New(cfg Config, opts ...Option) *Pool {
	p := &Pool{
		cfg:       cfg.withDefaults(),
		failures:  make(map[string]int),
		results:   make(map[string]TestResult),
		stats:     NewStats(),
		clock:     systemClock{},
		shuffle:   rand.Shuffle,
		newClient: NewHTTPClient,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.lastRotation = p.clock.Now()
	return p
}

// Config returns the effective configuration.
func (p *Pool) Config() Config { return p.cfg }

// StatsTable exposes the shared statistics table.
func (p *Pool) StatsTable() *Stats { return p.stats }

// Load reads a proxy list, one entry per line, and makes every parsed entry
// valid. Blank lines, comments and malformed entries are skipped. A read error
// leaves the pool empty and is logged, never returned.
func (p *Pool) Load(path string) []Identity {
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("proxy list unreadable; continuing without proxies",
			zap.String("path", path), zap.Error(err))
		p.Set(nil)
		return nil
	}
	ids := ParseList(data, p.logger)
	p.Set(ids)
	p.logger.Info("proxies loaded", zap.String("path", path), zap.Int("count", len(ids)))
	return ids
}

// ParseList parses proxy list text. Malformed lines are logged and dropped.
func ParseList(data []byte, logger *zap.Logger) []Identity {
	if logger == nil {
		logger = zap.NewNop()
	}
	var out []Identity
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, ok := Parse(line)
		if !ok {
			logger.Warn("skipping malformed proxy line", zap.String("line", line))
			continue
		}
		if _, dup := seen[id.Key()]; dup {
			logger.Debug("skipping duplicate proxy line", zap.String("proxy", id.Redacted()))
			continue
		}
		seen[id.Key()] = struct{}{}
		out = append(out, id)
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("proxy list truncated", zap.Error(err))
	}
	return out
}

// Set replaces the pool contents, marking every entry valid. Repeated keys
// keep their first position.
func (p *Pool) Set(ids []Identity) {
	ids = unique(ids)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = ids
	p.invalid = nil
	p.cursor = 0
	clear(p.failures)
	for _, id := range ids {
		p.stats.track(id.Key())
	}
	metrics.SetProxyValid(len(p.valid))
}

// All returns every known proxy, valid first.
func (p *Pool) All() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append(slices.Clone(p.valid), p.invalid...)
}

// Valid returns a copy of the valid set in rotation order.
func (p *Pool) Valid() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.valid)
}

// Invalid returns a copy of the invalid set.
func (p *Pool) Invalid() []Identity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.invalid)
}

// Next returns the next valid proxy, or false when the valid set is empty and
// the caller should connect directly.
func (p *Pool) Next() (Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.valid) == 0 {
		return Identity{}, false
	}
	now := p.clock.Now()
	if now.Sub(p.lastRotation) > p.cfg.RotationInterval {
		p.shuffle(len(p.valid), func(i, j int) {
			p.valid[i], p.valid[j] = p.valid[j], p.valid[i]
		})
		p.cursor = 0
		p.lastRotation = now
		p.logger.Debug("proxy order reshuffled", zap.Int("valid", len(p.valid)))
	}
	p.cursor = (p.cursor + 1) % len(p.valid)
	id := p.valid[p.cursor]
	p.stats.used(id.Key(), now)
	return id, true
}

// MarkFailed records a runtime failure. After RetryLimit consecutive failures
// the proxy moves to the invalid set. Proxies outside the valid set are ignored.
func (p *Pool) MarkFailed(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := id.Key()
	idx := p.indexOfValid(key)
	if idx < 0 {
		return
	}
	p.failures[key]++
	p.stats.failure(key, StatusFail, "")
	if p.failures[key] < p.cfg.RetryLimit {
		return
	}
	evicted := p.valid[idx]
	p.valid = slices.Delete(p.valid, idx, idx+1)
	p.invalid = append(p.invalid, evicted)
	delete(p.failures, key)
	switch {
	case len(p.valid) == 0:
		p.cursor = 0
	case idx <= p.cursor:
		// Keep the cursor on the element that would have come next.
		p.cursor = (p.cursor - 1 + len(p.valid)) % len(p.valid)
	}
	metrics.ObserveProxyEviction()
	metrics.SetProxyValid(len(p.valid))
	p.logger.Warn("proxy evicted after repeated failures",
		zap.String("proxy", evicted.Redacted()),
		zap.Int("retry_limit", p.cfg.RetryLimit),
		zap.Int("valid_remaining", len(p.valid)),
	)
}

// MarkSucceeded clears the consecutive-failure counter. It never moves
// proxies between sets.
func (p *Pool) MarkSucceeded(id Identity) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := id.Key()
	delete(p.failures, key)
	if _, ok := p.stats.Get(key); ok {
		p.stats.success(key, 0)
	}
}

// ConsecutiveFailures reports the current failure streak for id.
func (p *Pool) ConsecutiveFailures(id Identity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[id.Key()]
}

// Stats derives success rates and latencies without touching the counters.
func (p *Pool) Stats() Snapshot {
	p.mu.Lock()
	valid, invalid := len(p.valid), len(p.invalid)
	p.mu.Unlock()
	return Snapshot{
		TotalProxies:   valid + invalid,
		ValidProxies:   valid,
		InvalidProxies: invalid,
		Proxies:        p.stats.derive(),
	}
}

// unique returns a fresh slice holding the first occurrence of each key.
func unique(ids []Identity) []Identity {
	out := make([]Identity, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id.Key()]; dup {
			continue
		}
		seen[id.Key()] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (p *Pool) indexOfValid(key string) int {
	return slices.IndexFunc(p.valid, func(id Identity) bool { return id.Key() == key })
}
