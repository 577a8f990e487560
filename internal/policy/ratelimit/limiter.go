// Package ratelimit spaces out requests to the same host: a token bucket per
// host plus a random extra pause.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// DefaultJitter is the upper bound of the random pause added to each wait.
const DefaultJitter = 500 * time.Millisecond

// Limiter manages per-host politeness.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
	jitter   time.Duration
	randN    func(int64) int64
	sleep    func(context.Context, time.Duration) error
}

// Config holds limiter configuration.
type Config struct {
	// Delay is the minimum spacing between requests to one host. Zero
	// disables the bucket.
	Delay time.Duration
	Burst int
	// Jitter bounds the random extra pause. Negative disables it.
	Jitter time.Duration
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithRand replaces the jitter source.
func WithRand(randN func(int64) int64) Option {
	return func(l *Limiter) {
		if randN != nil {
			l.randN = randN
		}
	}
}

// WithSleeper replaces the jitter sleep.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) {
		if sleep != nil {
			l.sleep = sleep
		}
	}
}

// New creates a new Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	every := rate.Inf
	if cfg.Delay > 0 {
		every = rate.Every(cfg.Delay)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	jitter := cfg.Jitter
	if jitter == 0 {
		jitter = DefaultJitter
	}
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		every:    every,
		burst:    burst,
		jitter:   max(jitter, 0),
		randN:    rand.Int64N,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until rawURL's host may be requested again, then pauses for a
// random share of the jitter.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.every, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if l.jitter > 0 {
		if err := l.sleep(ctx, time.Duration(l.randN(int64(l.jitter)))); err != nil {
			return fmt.Errorf("rate limit jitter: %w", err)
		}
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObservePolitenessWait(host, d)
	}
	return nil
}

// Hosts returns how many hosts have a bucket.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
