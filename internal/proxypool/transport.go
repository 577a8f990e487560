package proxypool

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RotatingTransport sends each request through the pool's next valid proxy
// and reports the outcome back to the pool. With an empty pool it falls back
// to a direct connection.
type RotatingTransport struct {
	pool    *Pool
	direct  http.RoundTripper
	timeout time.Duration

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// Transport wraps direct (nil means http.DefaultTransport) with proxy rotation.
func (p *Pool) Transport(direct http.RoundTripper) *RotatingTransport {
	if direct == nil {
		direct = http.DefaultTransport
	}
	return &RotatingTransport{
		pool:       p,
		direct:     direct,
		timeout:    p.cfg.TestTimeout,
		transports: make(map[string]http.RoundTripper),
	}
}

// Client returns an http.Client using a rotating transport.
func (p *Pool) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: p.Transport(nil), Timeout: timeout}
}

// RelayFailure reports whether a response status points at the proxy rather
// than the target site: 407 (proxy auth) or 502 (proxy could not reach it).
func RelayFailure(code int) bool {
	return code == http.StatusProxyAuthRequired || code == http.StatusBadGateway
}

// RoundTrip implements http.RoundTripper.
func (t *RotatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id, ok := t.pool.Next()
	if !ok {
		return t.direct.RoundTrip(req)
	}
	rt, err := t.transportFor(id)
	if err != nil {
		t.pool.MarkFailed(id)
		return nil, err
	}
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.pool.MarkFailed(id)
		t.pool.logger.Debug("proxied request failed",
			zap.String("proxy", id.Redacted()),
			zap.String("url", req.URL.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("via proxy %s: %w", id.Redacted(), err)
	}
	if RelayFailure(resp.StatusCode) {
		t.pool.MarkFailed(id)
	} else {
		t.pool.MarkSucceeded(id)
	}
	return resp, nil
}

func (t *RotatingTransport) transportFor(id Identity) (http.RoundTripper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rt, ok := t.transports[id.Key()]; ok {
		return rt, nil
	}
	client, err := t.pool.newClient(id, t.timeout)
	if err != nil {
		return nil, err
	}
	rt := client.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	t.transports[id.Key()] = rt
	return rt, nil
}
