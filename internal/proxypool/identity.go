// Package proxypool owns the set of upstream proxies used for outbound requests:
// loading, health testing, round-robin rotation, eviction and statistics.
package proxypool

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const defaultProtocol = "http:"

// Identity is one proxy parsed from a configuration line.
// Protocol keeps the trailing colon ("socks5:").
type Identity struct {
	Raw         string
	Protocol    string
	Credentials string
	Host        string
	Port        string
}

// IsZero reports whether the identity is the invalid (all-empty) value.
func (id Identity) IsZero() bool {
	return id.Protocol == "" && id.Host == "" && id.Port == ""
}

// Scheme returns the protocol without its colon.
func (id Identity) Scheme() string {
	return strings.TrimSuffix(id.Protocol, ":")
}

// Key identifies the proxy inside the pool.
func (id Identity) Key() string {
	if id.Raw != "" {
		return id.Raw
	}
	return id.URL().String()
}

// URL renders the proxy as a URL including credentials.
func (id Identity) URL() *url.URL {
	u := &url.URL{Scheme: id.Scheme(), Host: net.JoinHostPort(id.Host, id.Port)}
	if id.Credentials != "" {
		user, pass, hasPass := strings.Cut(id.Credentials, ":")
		if hasPass {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u
}

// Redacted renders the proxy with the password masked, for logs.
func (id Identity) Redacted() string {
	return id.URL().Redacted()
}

// Parse accepts "scheme://[user:pass@]host:port" or "host:port".
// Malformed input yields the zero Identity and false.
func Parse(line string) (Identity, bool) {
	raw := strings.TrimSpace(line)
	if raw == "" {
		return Identity{}, false
	}
	id := Identity{Raw: raw, Protocol: defaultProtocol}
	rest := raw
	if scheme, after, ok := strings.Cut(raw, "://"); ok {
		if scheme == "" {
			return Identity{}, false
		}
		id.Protocol = strings.ToLower(scheme) + ":"
		rest = after
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		id.Credentials = rest[:i]
		rest = rest[i+1:]
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, false
	}
	id.Host, id.Port = parts[0], parts[1]
	return id, true
}

// NewHTTPClient builds a client whose traffic goes through id.
// SOCKS5 proxies dial through golang.org/x/net/proxy; everything else uses
// the standard HTTP proxy hook.
func NewHTTPClient(id Identity, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	switch id.Scheme() {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(id.URL(), proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", id.Redacted(), err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", id.Redacted())
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
	case "http", "https":
		transport.Proxy = http.ProxyURL(id.URL())
	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", id.Protocol)
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
