// Package app initializes and holds the long-lived services of an Argus run
// and assembles the crawl pipeline from them.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/api"
	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/clock/system"
	"github.com/JakeFAU/argus-crawler/internal/config"
	"github.com/JakeFAU/argus-crawler/internal/crawler"
	"github.com/JakeFAU/argus-crawler/internal/disposition"
	"github.com/JakeFAU/argus-crawler/internal/download"
	"github.com/JakeFAU/argus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/argus-crawler/internal/headless/detector"
	iduuid "github.com/JakeFAU/argus-crawler/internal/id/uuid"
	"github.com/JakeFAU/argus-crawler/internal/metrics"
	"github.com/JakeFAU/argus-crawler/internal/monitor"
	"github.com/JakeFAU/argus-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
	"github.com/JakeFAU/argus-crawler/internal/render"
	"github.com/JakeFAU/argus-crawler/internal/report"
	"github.com/JakeFAU/argus-crawler/internal/robots"
	"github.com/JakeFAU/argus-crawler/internal/storage/postgres"
)

// RunStore records run lifecycle and page rows. *postgres.Store satisfies it.
type RunStore interface {
	disposition.RecordStore
	StartRun(ctx context.Context, runID uuid.UUID, startURL string, startedAt time.Time) error
	FinishRun(ctx context.Context, runID uuid.UUID, sum postgres.RunSummary) error
	Close()
}

// RendererFactory builds the page renderer for a run.
type RendererFactory func(cfg config.Config, logger *zap.Logger) (render.Renderer, error)

// Option customizes an App.
type Option func(*App)

// WithRendererFactory replaces the renderer chosen by crawl.renderer.
func WithRendererFactory(f RendererFactory) Option {
	return func(a *App) {
		if f != nil {
			a.newRenderer = f
		}
	}
}

// WithRunStore replaces the Postgres store opened from database.dsn.
func WithRunStore(s RunStore) Option {
	return func(a *App) { a.store = s }
}

// WithPool replaces the proxy pool built from proxy config.
func WithPool(p *proxypool.Pool) Option {
	return func(a *App) {
		if p != nil {
			a.pool = p
		}
	}
}

// App holds the shared services for one invocation: logger, proxy pool and
// the optional run store. It is built once at startup and closed on exit.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	pool        *proxypool.Pool
	store       RunStore
	ids         *iduuid.Generator
	clock       *system.Clock
	newRenderer RendererFactory
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetPool exposes the proxy pool.
func (a *App) GetPool() *proxypool.Pool {
	return a.pool
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// NewApp builds the shared services from cfg. It fails fast when the run
// store cannot be reached. Proxies are loaded, and tested when proxy.test
// is set, before it returns.
func NewApp(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	a := &App{
		cfg:         cfg,
		logger:      logger,
		ids:         iduuid.New(),
		clock:       system.New(),
		newRenderer: defaultRenderer,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pool == nil {
		a.pool = proxypool.New(proxyConfig(cfg),
			proxypool.WithClock(a.clock),
			proxypool.WithLogger(logger.Named("proxypool")),
		)
	}

	if a.store == nil && cfg.Database.DSN != "" {
		logger.Info("connecting to postgres")
		store, err := postgres.NewStore(ctx, postgres.Config{
			DSN:        cfg.Database.DSN,
			PagesTable: cfg.Database.PagesTable,
			RunsTable:  cfg.Database.RunsTable,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize run store: %w", err)
		}
		a.store = store
	}

	if cfg.Proxy.File != "" {
		ids := a.pool.Load(cfg.Proxy.File)
		if cfg.Proxy.Test && len(ids) > 0 {
			if _, err := a.testLoaded(ctx, cfg.Proxy.File, ids); err != nil {
				a.Close()
				return nil, err
			}
		}
	}
	metrics.SetProxyValid(len(a.pool.Valid()))
	return a, nil
}

// TestProxies loads path, tests every entry and writes the proxy report into
// the output directory. The pool keeps the proxies that passed.
func (a *App) TestProxies(ctx context.Context, path string) (proxypool.Partition, proxypool.ReportPaths, error) {
	ids := a.pool.Load(path)
	if len(ids) == 0 {
		return proxypool.Partition{}, proxypool.ReportPaths{}, fmt.Errorf("no usable proxies in %s", path)
	}
	part, err := a.testLoaded(ctx, path, ids)
	if err != nil {
		return part, proxypool.ReportPaths{}, err
	}
	paths, err := a.pool.WriteReport(a.cfg.OutputDir, path, part)
	if err != nil {
		return part, paths, fmt.Errorf("write proxy report: %w", err)
	}
	return part, paths, nil
}

func (a *App) testLoaded(ctx context.Context, path string, ids []proxypool.Identity) (proxypool.Partition, error) {
	a.logger.Info("testing proxies", zap.String("path", path), zap.Int("count", len(ids)))
	part := a.pool.TestAll(ctx, ids)
	if err := ctx.Err(); err != nil {
		return part, fmt.Errorf("proxy test interrupted: %w", err)
	}
	metrics.SetProxyValid(len(part.Valid))
	if len(part.Valid) == 0 {
		a.logger.Warn("no proxies passed the test; requests will be made directly")
	}
	return part, nil
}

// RunCrawl assembles a crawl engine for startURL and runs it to completion.
// The Markdown summary and the run row are written even when the crawl
// fails or is cancelled.
func (a *App) RunCrawl(ctx context.Context, startURL string) (crawler.Stats, error) {
	runID, err := a.ids.NewRunID()
	if err != nil {
		return crawler.Stats{}, err
	}
	logger := a.logger.With(zap.String("run_id", runID.String()))

	engine, renderer, err := a.buildEngine(runID, startURL, logger)
	if err != nil {
		return crawler.Stats{}, err
	}
	defer func() {
		if cerr := renderer.Close(); cerr != nil {
			logger.Warn("renderer close failed", zap.Error(cerr))
		}
	}()

	if a.store != nil {
		if err := a.store.StartRun(ctx, runID, startURL, a.clock.Now()); err != nil {
			logger.Warn("run row not recorded", zap.Error(err))
		}
	}

	mon := monitor.New(monitor.Config{}, engine, logger.Named("monitor"))
	mon.Start(ctx)

	stopServer := a.startServer(ctx, engine, logger)

	stats, runErr := engine.Run(ctx)

	mon.Stop()
	stopServer()
	a.finish(runID, stats, runErr, logger)
	return stats, runErr
}

func (a *App) buildEngine(runID uuid.UUID, startURL string, logger *zap.Logger) (*crawler.Engine, render.Renderer, error) {
	cfg := a.cfg
	exec := backoff.New(backoff.WithLogger(logger.Named("backoff")))
	client := a.pool.Client(cfg.DownloadTimeout())

	renderer, err := a.newRenderer(cfg, logger.Named("render"))
	if err != nil {
		return nil, nil, fmt.Errorf("init renderer: %w", err)
	}

	writerOpts := []disposition.Option{disposition.WithHasher(sha256.New()), disposition.WithNow(a.clock.Now)}
	if a.store != nil {
		writerOpts = append(writerOpts, disposition.WithRecordStore(a.store))
	}
	writer, err := disposition.NewWriter(disposition.Config{
		OutputDir: cfg.OutputDir,
		Mode:      cfg.Mode(),
		RunID:     runID.String(),
	}, logger.Named("disposition"), writerOpts...)
	if err != nil {
		_ = renderer.Close()
		return nil, nil, fmt.Errorf("init writer: %w", err)
	}

	engineOpts := []crawler.Option{
		crawler.WithProxies(a.pool),
		crawler.WithLimiter(ratelimit.New(ratelimit.Config{Delay: cfg.Delay()})),
		crawler.WithExecutor(exec),
		crawler.WithLogger(logger.Named("crawler")),
		crawler.WithNow(a.clock.Now),
	}
	if cfg.Crawl.RespectRobots && !cfg.Crawl.Advanced {
		engineOpts = append(engineOpts, crawler.WithRobots(robots.NewEvaluator(robots.Config{
			Attempts: cfg.Crawl.RetryAttempts,
		}, client, exec, logger.Named("robots"))))
	}
	if cfg.Download.Enabled {
		engineOpts = append(engineOpts, crawler.WithDownloader(download.New(download.Config{
			OutputDir:   cfg.OutputDir,
			MaxFileSize: cfg.MaxFileSize(),
			Timeout:     cfg.DownloadTimeout(),
		}, client, download.NewCounters(), logger.Named("download"), download.WithClock(a.clock))))
	}

	engine, err := crawler.New(crawler.Config{
		StartURL:           startURL,
		MaxDepth:           cfg.Crawl.Depth,
		MaxConcurrency:     cfg.Crawl.MaxConcurrency,
		MaxRequests:        cfg.Crawl.MaxRequests,
		NavigationTimeout:  cfg.NavigationTimeout(),
		RetryAttempts:      cfg.Crawl.RetryAttempts,
		RespectRobots:      cfg.Crawl.RespectRobots,
		Advanced:           cfg.Crawl.Advanced,
		DownloadResources:  cfg.Download.Enabled,
		ForbiddenThreshold: cfg.Crawl.ForbiddenThreshold,
	}, renderer, writer, engineOpts...)
	if err != nil {
		_ = renderer.Close()
		return nil, nil, fmt.Errorf("init crawler: %w", err)
	}
	return engine, renderer, nil
}

// startServer runs the status server for the lifetime of the crawl when
// server.metrics_addr is set. The returned func stops it and waits.
func (a *App) startServer(ctx context.Context, engine *crawler.Engine, logger *zap.Logger) func() {
	if a.cfg.Server.MetricsAddr == "" {
		return func() {}
	}
	srv := api.NewServer(api.Config{
		Addr:   a.cfg.Server.MetricsAddr,
		APIKey: a.cfg.Server.APIKey,
	}, engine, a.pool, logger.Named("api"))

	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.ListenAndServe(srvCtx); err != nil {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *App) finish(runID uuid.UUID, stats crawler.Stats, runErr error, logger *zap.Logger) {
	sum := report.Summary{RunID: runID.String(), Stats: stats, Err: runErr}
	if len(a.pool.All()) > 0 {
		snap := a.pool.Stats()
		sum.Proxies = &snap
	}
	if path, err := report.WriteFile(a.cfg.OutputDir, sum); err != nil {
		logger.Warn("run summary not written", zap.Error(err))
	} else {
		logger.Info("run summary written", zap.String("path", path))
	}

	if a.store == nil {
		return
	}
	row := postgres.RunSummary{
		FinishedAt: a.clock.Now(),
		Status:     postgres.RunSucceeded,
		Pages:      stats.Succeeded,
		Downloads:  stats.Downloads.Total(),
	}
	if runErr != nil {
		row.Status = postgres.RunFailed
		row.Error = runErr.Error()
	}
	// The crawl context may already be cancelled; the final row still lands.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.store.FinishRun(ctx, runID, row); err != nil {
		logger.Warn("run row not finalized", zap.Error(err))
	}
}

// Close releases the run store and flushes the logger.
func (a *App) Close() {
	a.logger.Debug("shutting down application services")
	if a.store != nil {
		a.store.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}

func proxyConfig(cfg config.Config) proxypool.Config {
	return proxypool.Config{
		RotationInterval: cfg.RotationInterval(),
		RetryLimit:       cfg.Proxy.RetryLimit,
		CheckURL:         cfg.Proxy.CheckURL,
		TestTimeout:      cfg.ProxyTestTimeout(),
	}
}

func defaultRenderer(cfg config.Config, logger *zap.Logger) (render.Renderer, error) {
	static := render.NewCollyRenderer(render.CollyConfig{UserAgent: cfg.Crawl.UserAgent}, logger)
	if cfg.Crawl.Renderer == config.RendererStatic {
		return static, nil
	}
	headless, err := render.NewChromedpRenderer(render.ChromedpConfig{
		UserAgent:      cfg.Crawl.UserAgent,
		MaxConcurrency: cfg.Crawl.MaxConcurrency,
		NoSandbox:      cfg.Crawl.NoSandbox,
	}, logger)
	switch {
	case errors.Is(err, render.ErrRendererDisabled):
		logger.Warn("headless renderer unavailable; falling back to static fetches")
		return static, nil
	case err != nil:
		return nil, err
	case cfg.Crawl.Renderer == config.RendererAuto:
		return render.NewHybridRenderer(static, headless, detector.NewHeuristic(0), logger), nil
	default:
		return headless, nil
	}
}
