package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

func TestScope(t *testing.T) {
	t.Parallel()

	scope, err := NewScope("https://www.site.test/start")
	require.NoError(t, err)
	assert.Equal(t, "site.test", scope.Host)

	cases := map[string]bool{
		"https://site.test/a":          true,
		"https://www.site.test/a":      true,
		"https://docs.site.test/a":     true,
		"http://SITE.test:8080/a":      true,
		"https://othersite.test/a":     false,
		"https://site.test.evil.com/a": false,
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		assert.Equal(t, want, scope.Contains(u), raw)
	}

	_, err = NewScope("not a url")
	require.Error(t, err)
}

func TestEnumerateLinks(t *testing.T) {
	t.Parallel()

	html := `<html><body>
<a href="/about">About</a>
<a href="/about#team">Team</a>
<a href="guide/intro">Intro</a>
<a href="https://blog.site.test/post">Blog</a>
<a href="https://elsewhere.test/">Away</a>
<a href="mailto:hi@site.test">Mail</a>
<a href="javascript:void(0)">JS</a>
<a href="#top">Top</a>
<a>No href</a>
</body></html>`

	scope, err := NewScope("https://site.test/")
	require.NoError(t, err)
	links, err := EnumerateLinks(html, "https://site.test/docs/", scope)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"https://site.test/about",
		"https://site.test/docs/guide/intro",
		"https://blog.site.test/post",
	}, links)
}

func TestEnumerateLinksHonorsBaseElement(t *testing.T) {
	t.Parallel()

	html := `<html><head><base href="https://site.test/v2/"></head><body><a href="page">p</a></body></html>`
	links, err := EnumerateLinks(html, "https://site.test/", Scope{Host: "site.test"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://site.test/v2/page"}, links)
}

func TestPickViewport(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Viewports[2], PickViewport(func(int) int { return 2 }))
	got := PickViewport(nil)
	assert.Contains(t, Viewports, got)
}

func TestNavigationTimeoutDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, DefaultTimeout, NavigationOptions{}.timeout())
	assert.Equal(t, time.Second, NavigationOptions{Timeout: time.Second}.timeout())
}

func TestCollyRendererRenders(t *testing.T) {
	t.Parallel()

	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><h1>static</h1></body></html>`))
	}))
	defer srv.Close()

	r := NewCollyRenderer(CollyConfig{UserAgent: "Argus"}, zap.NewNop())
	defer r.Close()

	html, err := r.Render(context.Background(), srv.URL+"/", NavigationOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>static</h1>")
	assert.Equal(t, "Argus", agent.Load())

	again, err := r.Render(context.Background(), srv.URL+"/", NavigationOptions{Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, html, again)
}

func TestCollyRendererReportsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewCollyRenderer(CollyConfig{}, nil)
	_, err := r.Render(context.Background(), srv.URL+"/missing", NavigationOptions{Timeout: 5 * time.Second})
	require.Error(t, err)

	var statusErr *backoff.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.False(t, statusErr.Transient())
}

func TestCollyRendererUsesProxy(t *testing.T) {
	t.Parallel()

	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() {
			proxied.Add(1)
		}
		_, _ = w.Write([]byte(`<html><body>via proxy ` + r.URL.Host + `</body></html>`))
	}))
	defer proxy.Close()

	id, ok := proxypool.Parse(strings.TrimPrefix(proxy.URL, "http://"))
	require.True(t, ok)

	r := NewCollyRenderer(CollyConfig{}, nil)
	html, err := r.Render(context.Background(), "http://origin.test/page", NavigationOptions{Proxy: id, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Contains(t, html, "via proxy origin.test")
	assert.EqualValues(t, 1, proxied.Load())
}

func TestCollyRendererReusesProxyTransport(t *testing.T) {
	t.Parallel()

	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		proxied.Add(1)
		_, _ = w.Write([]byte(`<html><body>ok</body></html>`))
	}))
	defer proxy.Close()

	id, ok := proxypool.Parse(strings.TrimPrefix(proxy.URL, "http://"))
	require.True(t, ok)
	other, ok := proxypool.Parse("http://10.0.0.9:3128")
	require.True(t, ok)

	r := NewCollyRenderer(CollyConfig{}, nil)
	for _, page := range []string{"http://origin.test/a", "http://origin.test/b"} {
		_, err := r.Render(context.Background(), page, NavigationOptions{Proxy: id, Timeout: 5 * time.Second})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, proxied.Load())

	first, err := r.transportFor(id)
	require.NoError(t, err)
	again, err := r.transportFor(id)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Len(t, r.transports, 1)

	separate, err := r.transportFor(other)
	require.NoError(t, err)
	assert.NotSame(t, first, separate)

	require.NoError(t, r.Close())
	assert.Empty(t, r.transports)
}

func TestCollyRendererHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewCollyRenderer(CollyConfig{}, nil)
	_, err := r.Render(ctx, srv.URL, NavigationOptions{Timeout: 10 * time.Second})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChromedpRendererDisabled(t *testing.T) {
	t.Parallel()

	_, err := NewChromedpRenderer(ChromedpConfig{}, zap.NewNop())
	require.ErrorIs(t, err, ErrRendererDisabled)

	var r *ChromedpRenderer
	_, err = r.Render(context.Background(), "https://site.test/", NavigationOptions{})
	require.ErrorIs(t, err, ErrRendererDisabled)
	require.NoError(t, r.Close())
}

func TestChromedpRendererRender(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<!doctype html><html><body><script>document.body.innerHTML = '<div id="late">late content</div>';</script></body></html>`))
	}))
	defer srv.Close()

	renderer, err := NewChromedpRenderer(ChromedpConfig{MaxConcurrency: 1, NoSandbox: true}, zap.NewNop())
	if err != nil {
		t.Skipf("chromedp unavailable: %v", err)
	}
	defer renderer.Close()

	html, err := renderer.Render(context.Background(), srv.URL, NavigationOptions{Timeout: 5 * time.Second, Advanced: true})
	if err != nil {
		t.Skipf("render failed: %v", err)
	}
	assert.Contains(t, html, "late content")
}
