package app_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/app"
	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/config"
	"github.com/JakeFAU/argus-crawler/internal/disposition"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
	"github.com/JakeFAU/argus-crawler/internal/render"
	"github.com/JakeFAU/argus-crawler/internal/report"
	"github.com/JakeFAU/argus-crawler/internal/storage/postgres"
)

// MockRunStore mocks the app.RunStore interface.
type MockRunStore struct {
	mock.Mock
}

// StorePage satisfies disposition.RecordStore.
func (m *MockRunStore) StorePage(ctx context.Context, rec disposition.Record) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// StartRun satisfies app.RunStore.
func (m *MockRunStore) StartRun(ctx context.Context, runID uuid.UUID, startURL string, startedAt time.Time) error {
	args := m.Called(ctx, runID, startURL, startedAt)
	return args.Error(0)
}

// FinishRun satisfies app.RunStore.
func (m *MockRunStore) FinishRun(ctx context.Context, runID uuid.UUID, sum postgres.RunSummary) error {
	args := m.Called(ctx, runID, sum)
	return args.Error(0)
}

// Close satisfies app.RunStore.
func (m *MockRunStore) Close() {
	m.Called()
}

type stubRenderer struct {
	mu     sync.Mutex
	pages  map[string]string
	closed bool
}

func (r *stubRenderer) Render(_ context.Context, rawURL string, _ render.NavigationOptions) (string, error) {
	html, ok := r.pages[rawURL]
	if !ok {
		return "", &backoff.StatusError{Code: http.StatusNotFound, URL: rawURL}
	}
	return html, nil
}

func (r *stubRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *stubRenderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var sitePages = map[string]string{
	"https://site.test/": `<html><head><title>Home</title></head><body><p>` +
		strings.Repeat("Welcome to the site test home page. ", 5) +
		`</p><a href="/about">About</a></body></html>`,
	"https://site.test/about": `<html><head><title>About</title></head><body><p>` +
		strings.Repeat("About this site and its people. ", 5) + `</p></body></html>`,
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputDir = t.TempDir()
	cfg.Crawl.DelayMs = 0
	cfg.Crawl.RespectRobots = false
	cfg.Crawl.Renderer = config.RendererStatic
	return cfg
}

func withStub(r *stubRenderer) app.Option {
	return app.WithRendererFactory(func(config.Config, *zap.Logger) (render.Renderer, error) {
		return r, nil
	})
}

func TestRunCrawlWritesPagesAndSummary(t *testing.T) {
	cfg := testConfig(t)
	renderer := &stubRenderer{pages: sitePages}

	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(), withStub(renderer))
	require.NoError(t, err)
	defer a.Close()

	stats, err := a.RunCrawl(context.Background(), "https://site.test/")
	require.NoError(t, err)

	assert.Equal(t, int64(2), stats.Succeeded)
	assert.Equal(t, int64(0), stats.Failed)
	assert.True(t, renderer.isClosed())

	_, err = os.Stat(filepath.Join(cfg.OutputDir, "site.test", "index.md"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.OutputDir, "site.test", "about", "about.meta.json"))
	require.NoError(t, err)

	summary, err := os.ReadFile(filepath.Join(cfg.OutputDir, report.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(summary), "https://site.test/")
	assert.Contains(t, string(summary), "No proxies configured")
}

func TestRunCrawlRecordsRunInStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Crawl.Depth = 0

	store := new(MockRunStore)
	store.On("StartRun", mock.Anything, mock.Anything, "https://site.test/", mock.Anything).Return(nil).Once()
	store.On("StorePage", mock.Anything, mock.MatchedBy(func(rec disposition.Record) bool {
		return rec.Metadata.URL == "https://site.test/"
	})).Return(nil).Once()
	store.On("FinishRun", mock.Anything, mock.Anything, mock.MatchedBy(func(sum postgres.RunSummary) bool {
		return sum.Status == postgres.RunSucceeded && sum.Pages == 1 && sum.Error == ""
	})).Return(nil).Once()
	store.On("Close").Return().Once()

	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(),
		withStub(&stubRenderer{pages: sitePages}), app.WithRunStore(store))
	require.NoError(t, err)

	_, err = a.RunCrawl(context.Background(), "https://site.test/")
	require.NoError(t, err)
	a.Close()

	store.AssertExpectations(t)
}

func TestRunCrawlMarksCancelledRunFailed(t *testing.T) {
	cfg := testConfig(t)

	store := new(MockRunStore)
	store.On("StartRun", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))
	store.On("StorePage", mock.Anything, mock.Anything).Return(nil).Maybe()
	store.On("FinishRun", mock.Anything, mock.Anything, mock.MatchedBy(func(sum postgres.RunSummary) bool {
		return sum.Status == postgres.RunFailed && sum.Error != ""
	})).Return(nil).Once()

	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(),
		withStub(&stubRenderer{pages: sitePages}), app.WithRunStore(store))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.RunCrawl(ctx, "https://site.test/")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	_, statErr := os.Stat(filepath.Join(cfg.OutputDir, report.FileName))
	require.NoError(t, statErr)
	store.AssertExpectations(t)
}

func TestRunCrawlRejectsBadStartURL(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(), withStub(&stubRenderer{}))
	require.NoError(t, err)

	_, err = a.RunCrawl(context.Background(), "ftp://site.test/")
	require.Error(t, err)
}

func TestRunCrawlRendererFactoryError(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(),
		app.WithRendererFactory(func(config.Config, *zap.Logger) (render.Renderer, error) {
			return nil, errors.New("no browser")
		}))
	require.NoError(t, err)

	_, err = a.RunCrawl(context.Background(), "https://site.test/")
	require.ErrorContains(t, err, "no browser")
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// checkingPool answers the IP check for every proxy except those on bad hosts.
func checkingPool(bad string) *proxypool.Pool {
	factory := func(id proxypool.Identity, timeout time.Duration) (*http.Client, error) {
		rt := roundTripFunc(func(*http.Request) (*http.Response, error) {
			if id.Host == bad {
				return nil, errors.New("connection refused")
			}
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": []string{"application/json"}},
				Body:       io.NopCloser(strings.NewReader(`{"ip":"203.0.113.7"}`)),
			}, nil
		})
		return &http.Client{Transport: rt, Timeout: timeout}, nil
	}
	return proxypool.New(proxypool.Config{CheckURL: "http://ip-check.test/json"},
		proxypool.WithClientFactory(factory))
}

func writeProxyList(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o600))
	return path
}

func TestTestProxiesWritesReport(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(), app.WithPool(checkingPool("10.0.0.2")))
	require.NoError(t, err)

	path := writeProxyList(t, "10.0.0.1:8080", "10.0.0.2:8080", "# comment")
	part, paths, err := a.TestProxies(context.Background(), path)
	require.NoError(t, err)

	assert.Len(t, part.Valid, 1)
	assert.Len(t, part.Invalid, 1)
	assert.Len(t, a.GetPool().Valid(), 1)
	_, err = os.Stat(paths.JSON)
	require.NoError(t, err)
	_, err = os.Stat(paths.ValidList)
	require.NoError(t, err)
}

func TestTestProxiesEmptyList(t *testing.T) {
	cfg := testConfig(t)
	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(), app.WithPool(checkingPool("")))
	require.NoError(t, err)

	_, _, err = a.TestProxies(context.Background(), writeProxyList(t, "", "# nothing"))
	require.Error(t, err)
}

func TestNewAppTestsConfiguredProxies(t *testing.T) {
	cfg := testConfig(t)
	cfg.Proxy.File = writeProxyList(t, "10.0.0.1:8080", "10.0.0.2:8080", "10.0.0.3:8080")
	cfg.Proxy.Test = true

	a, err := app.NewApp(context.Background(), cfg, zap.NewNop(), app.WithPool(checkingPool("10.0.0.3")))
	require.NoError(t, err)

	assert.Len(t, a.GetPool().All(), 3)
	assert.Len(t, a.GetPool().Valid(), 2)
}

func TestNewAppRejectsUnreachableDatabase(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.DSN = "postgres://argus@127.0.0.1:1/argus?connect_timeout=1"
	cfg.Database.PagesTable = "bad-name;"

	_, err := app.NewApp(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
}
