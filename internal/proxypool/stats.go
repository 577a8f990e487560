package proxypool

import (
	"math"
	"sync"
	"time"
)

// Status is the outcome of the most recent interaction with a proxy.
type Status string

// Proxy statuses.
const (
	StatusUnknown Status = "unknown"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusError   Status = "error"
)

// Record holds the running counters for one proxy.
type Record struct {
	SuccessCount   int        `json:"successCount"`
	FailCount      int        `json:"failCount"`
	TotalLatencyMs int64      `json:"totalLatencyMs"`
	LastUsed       *time.Time `json:"lastUsed"`
	LastStatus     Status     `json:"lastStatus"`
	LastError      string     `json:"lastError,omitempty"`
}

// ProxyStats is a Record plus derived rates.
type ProxyStats struct {
	Record
	SuccessRate    float64 `json:"successRate"`
	AverageLatency float64 `json:"averageLatency"`
}

// Snapshot is a read-only view of the pool.
type Snapshot struct {
	TotalProxies   int                   `json:"totalProxies"`
	ValidProxies   int                   `json:"validProxies"`
	InvalidProxies int                   `json:"invalidProxies"`
	Proxies        map[string]ProxyStats `json:"proxyStats"`
}

// Stats is the per-proxy statistics table. It is owned by whoever constructs
// the pool so several components (and tests) can share one instance.
type Stats struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewStats returns an empty table.
func NewStats() *Stats {
	return &Stats{records: make(map[string]*Record)}
}

func (s *Stats) track(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordLocked(key)
}

func (s *Stats) recordLocked(key string) *Record {
	r, ok := s.records[key]
	if !ok {
		r = &Record{LastStatus: StatusUnknown}
		s.records[key] = r
	}
	return r
}

func (s *Stats) success(key string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(key)
	r.SuccessCount++
	r.TotalLatencyMs += latency.Milliseconds()
	r.LastStatus = StatusSuccess
	r.LastError = ""
}

func (s *Stats) failure(key string, status Status, errText string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(key)
	r.FailCount++
	r.LastStatus = status
	r.LastError = errText
}

func (s *Stats) used(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.recordLocked(key)
	t := at
	r.LastUsed = &t
}

// Get returns a copy of the record for key.
func (s *Stats) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[key]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

func (s *Stats) derive() map[string]ProxyStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]ProxyStats, len(s.records))
	for key, r := range s.records {
		ps := ProxyStats{Record: *r}
		if attempts := r.SuccessCount + r.FailCount; attempts > 0 {
			ps.SuccessRate = round2(float64(r.SuccessCount) / float64(attempts) * 100)
		}
		if r.SuccessCount > 0 {
			ps.AverageLatency = math.Round(float64(r.TotalLatencyMs) / float64(r.SuccessCount))
		}
		out[key] = ps
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
