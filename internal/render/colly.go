package render

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

// CollyConfig controls the static collector.
type CollyConfig struct {
	UserAgent   string
	MaxBodySize int
}

// CollyRenderer fetches pages without running JavaScript. It suits static
// sites and hosts without a Chrome install.
type CollyRenderer struct {
	cfg    CollyConfig
	direct http.RoundTripper
	logger *zap.Logger

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewCollyRenderer builds a CollyRenderer.
func NewCollyRenderer(cfg CollyConfig, logger *zap.Logger) *CollyRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollyRenderer{
		cfg:        cfg,
		direct:     newHTTPTransport(),
		logger:     logger,
		transports: make(map[string]http.RoundTripper),
	}
}

type idleCloser interface {
	CloseIdleConnections()
}

// Close drops idle connections held by the direct and per-proxy transports.
func (r *CollyRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, rt := range r.transports {
		if c, ok := rt.(idleCloser); ok {
			c.CloseIdleConnections()
		}
		delete(r.transports, key)
	}
	if c, ok := r.direct.(idleCloser); ok {
		c.CloseIdleConnections()
	}
	return nil
}

// transportFor returns the shared transport for id, building it on first use.
func (r *CollyRenderer) transportFor(id proxypool.Identity) (http.RoundTripper, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.transports[id.Key()]; ok {
		return rt, nil
	}
	client, err := proxypool.NewHTTPClient(id, 0)
	if err != nil {
		return nil, err
	}
	r.transports[id.Key()] = client.Transport
	return client.Transport, nil
}

// Render issues one GET through a fresh collector. Error statuses are
// reported as *backoff.StatusError.
func (r *CollyRenderer) Render(ctx context.Context, rawURL string, opts NavigationOptions) (string, error) {
	collector, err := r.buildCollector(opts)
	if err != nil {
		return "", err
	}
	var (
		body     string
		fetchErr error
	)
	r.configureHooks(collector, &body, &fetchErr)
	if err := runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		return "", err
	}
	return body, nil
}

func (r *CollyRenderer) buildCollector(opts NavigationOptions) (*colly.Collector, error) {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if r.cfg.UserAgent != "" {
		c.UserAgent = r.cfg.UserAgent
	}
	if r.cfg.MaxBodySize > 0 {
		c.MaxBodySize = r.cfg.MaxBodySize
	}
	c.IgnoreRobotsTxt = true
	c.SetRequestTimeout(opts.timeout())

	if opts.Proxy.IsZero() {
		c.WithTransport(r.direct)
		return c, nil
	}
	rt, err := r.transportFor(opts.Proxy)
	if err != nil {
		return nil, err
	}
	c.WithTransport(rt)
	return c, nil
}

func (r *CollyRenderer) configureHooks(hooks collectorHooks, body *string, fetchErr *error) {
	hooks.OnResponse(func(resp *colly.Response) {
		*body = string(resp.Body)
	})
	hooks.OnError(func(resp *colly.Response, err error) {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			*fetchErr = &backoff.StatusError{Code: resp.StatusCode, URL: resp.Request.URL.String()}
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
