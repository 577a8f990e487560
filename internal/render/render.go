// Package render turns a URL into rendered HTML, either through headless
// Chrome or a plain HTTP collector, and enumerates in-scope links.
package render

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

// DefaultTimeout bounds a navigation when the caller sets none.
const DefaultTimeout = 60 * time.Second

// ErrRendererDisabled indicates rendering has been disabled via configuration.
var ErrRendererDisabled = errors.New("renderer disabled")

// NavigationOptions tune one Render call.
type NavigationOptions struct {
	Timeout time.Duration
	// Proxy routes the navigation; the zero Identity means direct.
	Proxy proxypool.Identity
	// Advanced picks a random desktop viewport per navigation.
	Advanced bool
}

func (o NavigationOptions) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return DefaultTimeout
}

// Renderer loads a page and returns its HTML.
type Renderer interface {
	Render(ctx context.Context, rawURL string, opts NavigationOptions) (string, error)
	Close() error
}

// Viewport is a browser window size.
type Viewport struct {
	Width  int64
	Height int64
}

// Viewports are the common desktop sizes used in advanced mode.
var Viewports = []Viewport{
	{Width: 1366, Height: 768},
	{Width: 1920, Height: 1080},
	{Width: 1440, Height: 900},
	{Width: 1536, Height: 864},
	{Width: 1280, Height: 720},
}

// PickViewport returns one of Viewports using intn.
func PickViewport(intn func(int) int) Viewport {
	if intn == nil {
		intn = rand.IntN
	}
	return Viewports[intn(len(Viewports))]
}
