package render

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
)

// Promoter decides whether statically fetched HTML needs a browser.
type Promoter interface {
	ShouldPromote(html string) bool
}

// HybridRenderer fetches every page statically and re-renders it headless
// only when the promoter flags the static HTML as script-built.
type HybridRenderer struct {
	static   Renderer
	headless Renderer
	promoter Promoter
	logger   *zap.Logger
	promoted atomic.Int64
}

// NewHybridRenderer combines a static and a headless renderer.
func NewHybridRenderer(static, headless Renderer, promoter Promoter, logger *zap.Logger) *HybridRenderer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HybridRenderer{static: static, headless: headless, promoter: promoter, logger: logger}
}

// Render returns the static HTML unless it has to be promoted.
func (r *HybridRenderer) Render(ctx context.Context, rawURL string, opts NavigationOptions) (string, error) {
	html, err := r.static.Render(ctx, rawURL, opts)
	if err != nil {
		return "", err
	}
	if !r.promoter.ShouldPromote(html) {
		return html, nil
	}
	r.promoted.Add(1)
	r.logger.Debug("promoting page to headless render", zap.String("url", rawURL))
	return r.headless.Render(ctx, rawURL, opts)
}

// Promoted counts the pages that needed the browser.
func (r *HybridRenderer) Promoted() int64 {
	return r.promoted.Load()
}

// Close closes both renderers.
func (r *HybridRenderer) Close() error {
	return errors.Join(r.static.Close(), r.headless.Close())
}
