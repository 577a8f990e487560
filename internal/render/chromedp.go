package render

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

// ChromedpConfig controls the headless browser.
type ChromedpConfig struct {
	UserAgent      string
	MaxConcurrency int
	NoSandbox      bool
}

type browser struct {
	ctx             context.Context
	cancel          context.CancelFunc
	allocatorCancel context.CancelFunc
}

// ChromedpRenderer renders pages using headless Chrome via chromedp. Chrome
// takes its proxy at launch, so one browser is kept per proxy.
type ChromedpRenderer struct {
	cfg    ChromedpConfig
	logger *zap.Logger
	sem    chan struct{}

	mu       sync.Mutex
	browsers map[string]*browser
	closed   bool
}

// NewChromedpRenderer creates a renderer and warms up the direct browser.
func NewChromedpRenderer(cfg ChromedpConfig, logger *zap.Logger) (*ChromedpRenderer, error) {
	if cfg.MaxConcurrency <= 0 {
		return nil, ErrRendererDisabled
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ChromedpRenderer{
		cfg:      cfg,
		logger:   logger,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
		browsers: map[string]*browser{},
	}
	if _, err := r.browserFor(proxypool.Identity{}); err != nil {
		return nil, err
	}
	return r, nil
}

// Close tears down every browser.
func (r *ChromedpRenderer) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, b := range r.browsers {
		b.cancel()
		b.allocatorCancel()
		delete(r.browsers, key)
	}
	r.closed = true
	return nil
}

func (r *ChromedpRenderer) browserFor(id proxypool.Identity) (*browser, error) {
	key := ""
	if !id.IsZero() {
		key = id.Key()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRendererDisabled
	}
	if b, ok := r.browsers[key]; ok {
		return b, nil
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
	)
	if r.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.cfg.UserAgent))
	}
	if r.cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if !id.IsZero() {
		opts = append(opts, chromedp.ProxyServer(id.Scheme()+"://"+id.Host+":"+id.Port))
	}
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	b := &browser{ctx: browserCtx, cancel: browserCancel, allocatorCancel: allocatorCancel}
	r.browsers[key] = b
	if key != "" {
		r.logger.Debug("browser launched for proxy", zap.String("proxy", id.Redacted()))
	}
	return b, nil
}

// Render executes the page with JavaScript enabled and returns the DOM snapshot.
// A document status of 400 or above is reported as *backoff.StatusError.
func (r *ChromedpRenderer) Render(ctx context.Context, rawURL string, opts NavigationOptions) (string, error) {
	if r == nil {
		return "", ErrRendererDisabled
	}
	release, err := r.acquireSlot(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	b, err := r.browserFor(opts.Proxy)
	if err != nil {
		return "", err
	}
	tabCtx, cancelTab := chromedp.NewContext(b.ctx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, opts.timeout())
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	meta := &responseMeta{}
	r.listen(tabCtx, meta, opts.Proxy)

	html, err := r.run(taskCtx, rawURL, opts)
	if err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	if code := meta.code(); code >= 400 {
		return "", &backoff.StatusError{Code: code, URL: rawURL}
	}
	return html, nil
}

func (r *ChromedpRenderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

type responseMeta struct {
	mu         sync.Mutex
	seen       bool
	statusCode int
}

func (m *responseMeta) record(code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.seen {
		m.seen = true
		m.statusCode = code
	}
}

func (m *responseMeta) code() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCode
}

// listen records the document status and answers proxy auth challenges.
func (r *ChromedpRenderer) listen(tabCtx context.Context, meta *responseMeta, id proxypool.Identity) {
	user, pass, _ := strings.Cut(id.Credentials, ":")
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch ev := ev.(type) {
		case *network.EventResponseReceived:
			if ev.Type == network.ResourceTypeDocument {
				meta.record(int(ev.Response.Status))
			}
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(tabCtx, fetch.ContinueRequest(ev.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: user,
					Password: pass,
				}
				_ = chromedp.Run(tabCtx, fetch.ContinueWithAuth(ev.RequestID, resp))
			}()
		}
	})
}

func (r *ChromedpRenderer) run(ctx context.Context, rawURL string, opts NavigationOptions) (string, error) {
	var html string
	tasks := chromedp.Tasks{network.Enable()}
	if opts.Proxy.Credentials != "" {
		tasks = append(tasks, fetch.Enable().WithHandleAuthRequests(true))
	}
	if r.cfg.UserAgent != "" {
		tasks = append(tasks, emulation.SetUserAgentOverride(r.cfg.UserAgent))
	}
	if opts.Advanced {
		vp := PickViewport(nil)
		tasks = append(tasks, chromedp.EmulateViewport(vp.Width, vp.Height))
	}
	tasks = append(tasks,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err := chromedp.Run(ctx, tasks); err != nil {
		return "", err
	}
	return html, nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
