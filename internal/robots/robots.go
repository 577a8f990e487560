// Package robots evaluates robots.txt documents into an allow/deny predicate.
//
// The parser is deliberately lenient: it splits the document on every
// "User-agent:" marker, keeps the sections addressed to "*" or to the
// crawler's own agent name, and treats each Disallow value as a literal,
// case-sensitive path prefix. Any failure to retrieve the document allows
// the URL.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/argus-crawler/internal/backoff"
	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// Defaults used when Config leaves a field empty.
const (
	DefaultAgentName = "Argus"
	DefaultAttempts  = 3
	DefaultTimeout   = 15 * time.Second
	maxRobotsBytes   = 512 << 10
)

var agentMarker = regexp.MustCompile(`(?i)User-agent:`)

// Policy decides whether a URL may be fetched.
type Policy interface {
	Allowed(ctx context.Context, rawURL string) bool
}

// AllowAll is the policy used when robots.txt is not respected.
type AllowAll struct{}

// Allowed always returns true.
func (AllowAll) Allowed(context.Context, string) bool { return true }

// RuleSet maps an agent token to its disallowed path prefixes in document order.
type RuleSet map[string][]string

// Disallows reports whether path starts with any collected prefix.
func (r RuleSet) Disallows(path string) bool {
	for _, rules := range r {
		for _, prefix := range rules {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		}
	}
	return false
}

// Parse extracts the rules that apply to "*" and agentName.
func Parse(body, agentName string) RuleSet {
	rules := RuleSet{}
	for _, section := range agentMarker.Split(body, -1) {
		lines := strings.Split(section, "\n")
		agent := strings.TrimSpace(lines[0])
		if agent != "*" && agent != agentName {
			continue
		}
		for _, line := range lines[1:] {
			line = strings.TrimSpace(line)
			value, ok := strings.CutPrefix(line, "Disallow:")
			if !ok {
				continue
			}
			if value = strings.TrimSpace(value); value != "" {
				rules[agent] = append(rules[agent], value)
			}
		}
	}
	return rules
}

// Config tunes the evaluator.
type Config struct {
	AgentName string
	Attempts  int
	Timeout   time.Duration
}

// Evaluator fetches robots.txt once per origin and caches the parsed rules
// for its own lifetime.
type Evaluator struct {
	client   *http.Client
	exec     *backoff.Executor
	agent    string
	attempts int
	cache    *gocache.Cache
	group    singleflight.Group
	logger   *zap.Logger
}

// NewEvaluator builds an Evaluator. A nil client uses a plain client with
// cfg.Timeout; a nil executor uses backoff defaults.
func NewEvaluator(cfg Config, client *http.Client, exec *backoff.Executor, logger *zap.Logger) *Evaluator {
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if exec == nil {
		exec = backoff.New(backoff.WithLogger(logger))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{
		client:   client,
		exec:     exec,
		agent:    cfg.AgentName,
		attempts: cfg.Attempts,
		cache:    gocache.New(gocache.NoExpiration, 0),
		logger:   logger,
	}
}

// Allowed reports whether rawURL may be fetched. Unparseable URLs and
// unreachable robots documents are allowed.
func (e *Evaluator) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		e.logger.Debug("robots check skipped for unparseable url", zap.String("url", rawURL))
		return true
	}
	rules := e.rulesFor(ctx, u.Scheme+"://"+u.Host)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	allowed := !rules.Disallows(path)
	metrics.ObserveRobots(allowed)
	if !allowed {
		e.logger.Info("robots.txt disallows url", zap.String("url", rawURL))
	}
	return allowed
}

func (e *Evaluator) rulesFor(ctx context.Context, origin string) RuleSet {
	if cached, ok := e.cache.Get(origin); ok {
		return cached.(RuleSet)
	}
	v, _, _ := e.group.Do(origin, func() (any, error) {
		if cached, ok := e.cache.Get(origin); ok {
			return cached, nil
		}
		rules, err := e.fetch(ctx, origin)
		if err != nil {
			if ctx.Err() != nil {
				// An aborted fetch says nothing about the origin; ask again next time.
				return RuleSet{}, nil
			}
			e.logger.Warn("robots fetch failed; allowing access",
				zap.String("origin", origin), zap.Error(err))
			rules = RuleSet{}
		}
		e.cache.Set(origin, rules, gocache.NoExpiration)
		return rules, nil
	})
	return v.(RuleSet)
}

func (e *Evaluator) fetch(ctx context.Context, origin string) (RuleSet, error) {
	resp, err := e.exec.Get(ctx, e.client, origin+"/robots.txt", e.attempts)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	return Parse(string(body), e.agent), nil
}
