package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/disposition"
	"github.com/JakeFAU/argus-crawler/internal/download"
	"github.com/JakeFAU/argus-crawler/internal/metrics"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
	"github.com/JakeFAU/argus-crawler/internal/render"
	"github.com/JakeFAU/argus-crawler/internal/robots"
)

// Page outcomes reported to metrics and Progress.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusSkipped   = "skipped"
)

// ProxySource hands out proxies and takes feedback on how they performed.
type ProxySource interface {
	Next() (proxypool.Identity, bool)
	MarkFailed(id proxypool.Identity)
	MarkSucceeded(id proxypool.Identity)
}

// PageWriter persists a rendered page.
type PageWriter interface {
	Write(ctx context.Context, page disposition.Page) (disposition.Result, error)
}

// ResourceDownloader fetches binary resources.
type ResourceDownloader interface {
	Download(ctx context.Context, rawURL string, kind download.Kind) (string, error)
	DownloadPage(ctx context.Context, html, pageURL string) (download.Summary, error)
	Counters() *download.Counters
}

// Limiter delays requests to the same host.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

type noLimit struct{}

func (noLimit) Wait(context.Context, string) error { return nil }

type noProxies struct{}

func (noProxies) Next() (proxypool.Identity, bool) { return proxypool.Identity{}, false }
func (noProxies) MarkFailed(proxypool.Identity)    {}
func (noProxies) MarkSucceeded(proxypool.Identity) {}

// Progress is a point-in-time view of a run.
type Progress struct {
	StartedAt time.Time `json:"startedAt"`
	Depth     int       `json:"depth"`
	Visited   int64     `json:"visited"`
	Succeeded int64     `json:"succeeded"`
	Failed    int64     `json:"failed"`
	Skipped   int64     `json:"skipped"`
	Resources int64     `json:"resources"`
	Running   bool      `json:"running"`
}

// Stats summarizes a finished run.
type Stats struct {
	StartURL      string
	StartedAt     time.Time
	FinishedAt    time.Time
	TotalURLs     int64
	Succeeded     int64
	Failed        int64
	Skipped       int64
	Duration      time.Duration
	URLsPerMinute float64
	Downloads     download.CounterSnapshot
}

// Engine crawls a site breadth first.
type Engine struct {
	cfg        Config
	renderer   render.Renderer
	writer     PageWriter
	robots     robots.Policy
	proxies    ProxySource
	downloader ResourceDownloader
	limiter    Limiter
	exec       *backoff.Executor
	now        func() time.Time
	logger     *zap.Logger

	visited  *visitTracker
	blocker  *hostBlocker
	requests atomic.Int64

	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	depth     atomic.Int64
	running   atomic.Bool

	mu        sync.Mutex
	startedAt time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRobots gates pages on a robots policy.
func WithRobots(p robots.Policy) Option {
	return func(e *Engine) {
		if p != nil {
			e.robots = p
		}
	}
}

// WithProxies routes renders through proxies from src.
func WithProxies(src ProxySource) Option {
	return func(e *Engine) {
		if src != nil {
			e.proxies = src
		}
	}
}

// WithDownloader enables resource downloads.
func WithDownloader(d ResourceDownloader) Option {
	return func(e *Engine) { e.downloader = d }
}

// WithLimiter sets the politeness limiter.
func WithLimiter(l Limiter) Option {
	return func(e *Engine) {
		if l != nil {
			e.limiter = l
		}
	}
}

// WithExecutor sets the retry executor used around renders.
func WithExecutor(x *backoff.Executor) Option {
	return func(e *Engine) {
		if x != nil {
			e.exec = x
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithNow sets the clock used for run timing.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New validates cfg and assembles an Engine. renderer and writer are required.
func New(cfg Config, renderer render.Renderer, writer PageWriter, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if writer == nil {
		return nil, errors.New("page writer is required")
	}
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		renderer: renderer,
		writer:   writer,
		robots:   robots.AllowAll{},
		proxies:  noProxies{},
		limiter:  noLimit{},
		exec:     backoff.New(),
		now:      time.Now,
		logger:   zap.NewNop(),
		visited:  newVisitTracker(),
		blocker:  newHostBlocker(cfg.ForbiddenThreshold),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// Progress reports the run so far. It is safe to call while Run is active.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	started := e.startedAt
	e.mu.Unlock()
	p := Progress{
		StartedAt: started,
		Depth:     int(e.depth.Load()),
		Visited:   e.visited.Len(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Skipped:   e.skipped.Load(),
		Running:   e.running.Load(),
	}
	if e.downloader != nil {
		p.Resources = e.downloader.Counters().Snapshot().Total()
	}
	return p
}

// Run crawls from the start URL until the frontier is empty, the depth or
// request limit is reached, or ctx is cancelled. Page failures are logged and
// counted; only cancellation is returned as an error.
func (e *Engine) Run(ctx context.Context) (Stats, error) {
	if !e.running.CompareAndSwap(false, true) {
		return Stats{}, errors.New("crawl already running")
	}
	defer e.running.Store(false)

	scope, err := render.NewScope(e.cfg.StartURL)
	if err != nil {
		return Stats{}, err
	}
	start, err := NormalizeURL(e.cfg.StartURL)
	if err != nil {
		return Stats{}, err
	}
	started := e.now()
	e.mu.Lock()
	e.startedAt = started
	e.mu.Unlock()

	e.logger.Info("crawl started",
		zap.String("start_url", start),
		zap.Int("max_depth", e.cfg.MaxDepth),
		zap.Int("max_concurrency", e.cfg.MaxConcurrency),
		zap.Int("max_requests", e.cfg.MaxRequests),
		zap.Bool("advanced", e.cfg.Advanced),
	)

	e.visited.MarkIfNew(start)
	frontier := []string{start}
	for depth := 0; depth <= e.cfg.MaxDepth && len(frontier) > 0; depth++ {
		e.depth.Store(int64(depth))
		frontier = e.crawlLevel(ctx, frontier, depth, scope)
		if ctx.Err() != nil {
			break
		}
	}

	stats := e.stats(started)
	e.logger.Info("crawl finished",
		zap.Int64("total_urls", stats.TotalURLs),
		zap.Int64("succeeded", stats.Succeeded),
		zap.Int64("failed", stats.Failed),
		zap.Int64("skipped", stats.Skipped),
		zap.Duration("duration", stats.Duration),
		zap.Float64("urls_per_minute", stats.URLsPerMinute),
		zap.String("downloads", stats.Downloads.String()),
	)
	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("crawl interrupted: %w", err)
	}
	return stats, nil
}

func (e *Engine) stats(started time.Time) Stats {
	finished := e.now()
	s := Stats{
		StartURL:   e.cfg.StartURL,
		StartedAt:  started,
		FinishedAt: finished,
		TotalURLs:  e.requests.Load(),
		Succeeded:  e.succeeded.Load(),
		Failed:     e.failed.Load(),
		Skipped:    e.skipped.Load(),
		Duration:   finished.Sub(started),
	}
	if minutes := s.Duration.Minutes(); minutes > 0 {
		s.URLsPerMinute = float64(s.TotalURLs) / minutes
	}
	if e.downloader != nil {
		s.Downloads = e.downloader.Counters().Snapshot()
	}
	return s
}

// crawlLevel processes one depth and returns the unvisited links it found.
func (e *Engine) crawlLevel(ctx context.Context, frontier []string, depth int, scope render.Scope) []string {
	var (
		mu   sync.Mutex
		next []string
		g    errgroup.Group
	)
	g.SetLimit(e.cfg.MaxConcurrency)
	for _, target := range frontier {
		if ctx.Err() != nil || !e.reserve() {
			break
		}
		g.Go(func() error {
			links := e.visit(ctx, target, depth, scope)
			if depth >= e.cfg.MaxDepth {
				return nil
			}
			for _, link := range links {
				norm, err := NormalizeURL(link)
				if err != nil || !e.visited.MarkIfNew(norm) {
					continue
				}
				mu.Lock()
				next = append(next, norm)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return next
}

// reserve claims one request slot under MaxRequests.
func (e *Engine) reserve() bool {
	for {
		n := e.requests.Load()
		if n >= int64(e.cfg.MaxRequests) {
			return false
		}
		if e.requests.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// visit handles one URL and returns its in-scope links.
func (e *Engine) visit(ctx context.Context, target string, depth int, scope render.Scope) []string {
	log := e.logger.With(zap.String("url", target), zap.Int("depth", depth))
	host := hostOf(target)

	if e.blocker.IsBlocked(host) {
		e.record(target, statusSkipped)
		log.Debug("host blocked after repeated refusals")
		return nil
	}

	if kind, ok := download.ClassifyURL(target); ok {
		e.visitResource(ctx, log, target, kind)
		return nil
	}

	if e.cfg.RespectRobots && !e.cfg.Advanced && !e.robots.Allowed(ctx, target) {
		e.record(target, statusSkipped)
		log.Info("disallowed by robots.txt")
		return nil
	}

	if err := e.limiter.Wait(ctx, target); err != nil {
		e.record(target, statusSkipped)
		log.Debug("politeness wait aborted", zap.Error(err))
		return nil
	}

	html, err := e.render(ctx, target)
	if err != nil {
		e.record(target, statusFailed)
		var status *backoff.StatusError
		if errors.As(err, &status) && isRefusal(status.Code) && e.blocker.MarkForbidden(host) {
			log.Warn("host blocked", zap.String("host", host), zap.Int("status", status.Code))
		}
		log.Error("page failed", zap.Error(err))
		return nil
	}

	crawledAt := e.now()
	if e.downloader != nil && e.cfg.DownloadResources {
		sum, err := e.downloader.DownloadPage(ctx, html, target)
		if err != nil {
			log.Warn("resource extraction failed", zap.Error(err))
		} else {
			log.Debug("page resources downloaded",
				zap.Int("images", len(sum.Images)),
				zap.Int("documents", len(sum.Documents)),
				zap.Int("videos", len(sum.Videos)),
			)
		}
	}

	res, err := e.writer.Write(ctx, disposition.Page{URL: target, HTML: html, CrawledAt: crawledAt})
	if err != nil {
		// A partial write still produced a sidecar; keep following links.
		log.Warn("page written with errors", zap.Error(err))
	}
	if res.MetaPath == "" {
		e.record(target, statusFailed)
	} else {
		e.record(target, statusSucceeded)
		log.Info("page saved", zap.String("base", res.Base), zap.Int("formats", len(res.Files)))
	}

	if depth >= e.cfg.MaxDepth {
		return nil
	}
	links, err := render.EnumerateLinks(html, target, scope)
	if err != nil {
		log.Warn("link enumeration failed", zap.Error(err))
		return nil
	}
	return links
}

func (e *Engine) visitResource(ctx context.Context, log *zap.Logger, target string, kind download.Kind) {
	if e.downloader == nil || !e.cfg.DownloadResources {
		e.record(target, statusSkipped)
		log.Debug("resource url skipped; downloads disabled")
		return
	}
	path, err := e.downloader.Download(ctx, target, kind)
	if err != nil {
		e.record(target, statusFailed)
		log.Warn("resource download failed", zap.Error(err))
		return
	}
	e.record(target, statusSucceeded)
	log.Info("resource saved", zap.String("path", path), zap.String("kind", string(kind)))
}

// render retries through the executor, drawing a fresh proxy per attempt and
// reporting the outcome back to the source.
func (e *Engine) render(ctx context.Context, target string) (string, error) {
	var html string
	err := e.exec.Execute(ctx, func(ctx context.Context) error {
		proxy, ok := e.proxies.Next()
		out, err := e.renderer.Render(ctx, target, render.NavigationOptions{
			Timeout:  e.cfg.NavigationTimeout,
			Proxy:    proxy,
			Advanced: e.cfg.Advanced,
		})
		if ok {
			e.reportProxy(proxy, err)
		}
		if err != nil {
			if errors.Is(err, render.ErrRendererDisabled) {
				return backoff.Permanent(err)
			}
			return err
		}
		html = out
		return nil
	}, e.cfg.RetryAttempts)
	return html, err
}

// reportProxy feeds a render outcome back to the proxy source. A status the
// target itself answered with means the proxy relayed it and stays healthy.
func (e *Engine) reportProxy(proxy proxypool.Identity, err error) {
	var status *backoff.StatusError
	switch {
	case err == nil:
		e.proxies.MarkSucceeded(proxy)
	case errors.Is(err, context.Canceled), errors.Is(err, render.ErrRendererDisabled):
	case errors.As(err, &status):
		if proxypool.RelayFailure(status.Code) {
			e.proxies.MarkFailed(proxy)
		} else {
			e.proxies.MarkSucceeded(proxy)
		}
	default:
		e.proxies.MarkFailed(proxy)
	}
}

func (e *Engine) record(target, status string) {
	switch status {
	case statusSucceeded:
		e.succeeded.Add(1)
	case statusFailed:
		e.failed.Add(1)
	default:
		e.skipped.Add(1)
	}
	metrics.ObservePage(target, status)
}

func isRefusal(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
