package proxypool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// TestResult is the outcome of one health check.
type TestResult struct {
	IsValid    bool      `json:"isValid"`
	LatencyMs  int64     `json:"latencyMs"`
	TestedAt   time.Time `json:"testedAt"`
	ObservedIP string    `json:"ip,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Partition splits tested proxies by outcome.
type Partition struct {
	Valid   []Identity
	Invalid []Identity
}

type ipEcho struct {
	IP string `json:"ip"`
}

// TestOne issues a single GET to the check endpoint through id. Any transport
// failure counts as invalid. The outcome is always recorded in the statistics.
func (p *Pool) TestOne(ctx context.Context, id Identity) TestResult {
	key := id.Key()
	p.stats.track(key)
	start := p.clock.Now()
	res := TestResult{TestedAt: start}

	ip, status, err := p.probe(ctx, id)
	res.LatencyMs = p.clock.Now().Sub(start).Milliseconds()
	switch {
	case err != nil:
		res.Error = err.Error()
		p.stats.failure(key, StatusError, res.Error)
		p.logger.Debug("proxy test errored", zap.String("proxy", id.Redacted()), zap.Error(err))
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		res.IsValid = true
		res.ObservedIP = ip
		p.stats.success(key, time.Duration(res.LatencyMs)*time.Millisecond)
	default:
		res.Error = fmt.Sprintf("status %d", status)
		p.stats.failure(key, StatusFail, res.Error)
	}

	p.mu.Lock()
	p.results[key] = res
	p.mu.Unlock()
	metrics.ObserveProxyTest(res.IsValid)
	return res
}

func (p *Pool) probe(ctx context.Context, id Identity) (string, int, error) {
	client, err := p.newClient(id, p.cfg.TestTimeout)
	if err != nil {
		return "", 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.TestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.CheckURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build check request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("check via %s: %w", id.Redacted(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", resp.StatusCode, fmt.Errorf("read check body: %w", err)
	}
	var echo ipEcho
	if jsoniter.Unmarshal(body, &echo) != nil {
		echo.IP = ""
	}
	return echo.IP, resp.StatusCode, nil
}

// TestAll checks ids in sequential batches of at most BatchSize, each batch
// fully parallel. The result replaces the valid and invalid sets, which also
// re-admits proxies evicted earlier in the run.
func (p *Pool) TestAll(ctx context.Context, ids []Identity) Partition {
	var part Partition
	ids = unique(ids)
	if len(ids) == 0 {
		p.replace(part)
		return part
	}
	batch := min(p.cfg.BatchSize, len(ids))
	outcomes := make([]bool, len(ids))
	for start := 0; start < len(ids); start += batch {
		end := min(start+batch, len(ids))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				outcomes[i] = p.TestOne(ctx, ids[i]).IsValid
				return nil
			})
		}
		_ = g.Wait()
		p.logger.Debug("proxy batch tested", zap.Int("from", start), zap.Int("to", end))
	}
	for i, id := range ids {
		if outcomes[i] {
			part.Valid = append(part.Valid, id)
		} else {
			part.Invalid = append(part.Invalid, id)
		}
	}
	p.replace(part)
	p.logger.Info("proxy test complete",
		zap.Int("total", len(ids)),
		zap.Int("valid", len(part.Valid)),
		zap.Int("invalid", len(part.Invalid)),
	)
	return part
}

// Results returns a copy of the most recent test result per proxy.
func (p *Pool) Results() map[string]TestResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TestResult, len(p.results))
	for k, v := range p.results {
		out[k] = v
	}
	return out
}

func (p *Pool) replace(part Partition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.valid = append([]Identity(nil), part.Valid...)
	p.invalid = append([]Identity(nil), part.Invalid...)
	p.cursor = 0
	clear(p.failures)
	metrics.SetProxyValid(len(p.valid))
}
