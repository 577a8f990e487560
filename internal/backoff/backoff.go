// Package backoff retries outbound calls with bounded attempts and exponential delay.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

const (
	// DefaultBaseDelay is the wait before the second attempt.
	DefaultBaseDelay = time.Second
	// minDelayCap keeps the first four delays (1s, 2s, 4s, 8s) uncapped.
	minDelayCap = 8 * time.Second
	maxShift    = 30
)

// ErrRetryExhausted is matched by errors.Is on every RetryExhaustedError.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// RetryExhaustedError reports that every attempt failed with a transient error.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts: %v", e.Attempts, e.Last)
}

// Unwrap exposes the last observed error.
func (e *RetryExhaustedError) Unwrap() error { return e.Last }

// Is reports true for ErrRetryExhausted.
func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// StatusError carries a non-success HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// Transient reports whether the status belongs to the server-error class.
func (e *StatusError) Transient() bool { return e.Code >= http.StatusInternalServerError }

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes an Executor.
type Option func(*Executor)

// WithBaseDelay overrides the initial delay.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// WithMaxDelay caps individual delays. Values below 8s are raised to 8s.
func WithMaxDelay(d time.Duration) Option {
	return func(e *Executor) {
		if d <= 0 {
			e.maxDelay = 0
			return
		}
		e.maxDelay = max(d, minDelayCap)
	}
}

// WithSleeper replaces the wall-clock sleep, mainly for tests.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// Executor runs operations with bounded retries.
type Executor struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	sleep     Sleeper
	logger    *zap.Logger
}

// New builds an Executor with a 1s base delay and no cap.
func New(opts ...Option) *Executor {
	e := &Executor{
		baseDelay: DefaultBaseDelay,
		sleep:     sleepWithContext,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backoff returns the wait after failed attempt n (n >= 1): base * 2^(n-1).
func (e *Executor) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := min(attempt-1, maxShift)
	delay := e.baseDelay << shift
	if e.maxDelay > 0 && delay > e.maxDelay {
		delay = e.maxDelay
	}
	return delay
}

// ShouldRetry classifies err as transient.
func (e *Executor) ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Transient()
	}
	// Timeouts, resets, DNS failures and anything unclassified count as network trouble.
	return true
}

// Execute calls op up to maxAttempts times.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error, maxAttempts int) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				metrics.ObserveRetry("recovered")
			}
			return nil
		}
		last = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("attempt %d: %w", attempt, errors.Join(ctxErr, err))
		}
		if !e.ShouldRetry(err) {
			metrics.ObserveRetry("permanent")
			return err
		}
		if attempt == maxAttempts {
			break
		}
		delay := e.Backoff(attempt)
		e.logger.Debug("transient failure; backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := e.sleep(ctx, delay); err != nil {
			return fmt.Errorf("backoff wait: %w", err)
		}
	}
	metrics.ObserveRetry("exhausted")
	return &RetryExhaustedError{Attempts: maxAttempts, Last: last}
}

// Get issues a GET through Execute. Non-2xx responses become *StatusError
// with the body drained and closed. The caller owns the returned body.
func (e *Executor) Get(ctx context.Context, client *http.Client, rawURL string, maxAttempts int) (*http.Response, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var resp *http.Response
	err := e.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return Permanent(fmt.Errorf("build request: %w", err))
		}
		r, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("get %s: %w", rawURL, err)
		}
		if r.StatusCode < http.StatusOK || r.StatusCode >= http.StatusMultipleChoices {
			_, _ = io.Copy(io.Discard, io.LimitReader(r.Body, 64<<10))
			_ = r.Body.Close()
			return &StatusError{Code: r.StatusCode, URL: rawURL}
		}
		resp = r
		return nil
	}, maxAttempts)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
