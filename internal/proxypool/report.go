package proxypool

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

const reportDir = "proxy_results"

// SystemInfo describes the host that ran a proxy test.
type SystemInfo struct {
	Platform  string `json:"platform"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname"`
	GoVersion string `json:"goVersion"`
}

// CurrentSystem captures the running host.
func CurrentSystem() SystemInfo {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return SystemInfo{
		Platform:  runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  host,
		GoVersion: runtime.Version(),
	}
}

// Report is the JSON document written after a test run.
type Report struct {
	Timestamp       time.Time             `json:"timestamp"`
	System          SystemInfo            `json:"system"`
	ProxyFile       string                `json:"proxyFile"`
	TotalProxies    int                   `json:"totalProxies"`
	ValidProxies    int                   `json:"validProxies"`
	InvalidProxies  int                   `json:"invalidProxies"`
	ValidList       []string              `json:"validList"`
	InvalidList     []string              `json:"invalidList"`
	DetailedResults map[string]TestResult `json:"detailedResults"`
}

// ReportPaths locates the files produced by WriteReport.
type ReportPaths struct {
	JSON       string
	ValidList  string
	ReportedAt time.Time
}

// BuildReport assembles the report for part using the latest test results.
func (p *Pool) BuildReport(proxyFile string, part Partition) Report {
	results := p.Results()
	rep := Report{
		Timestamp:       p.clock.Now(),
		System:          CurrentSystem(),
		ProxyFile:       proxyFile,
		TotalProxies:    len(part.Valid) + len(part.Invalid),
		ValidProxies:    len(part.Valid),
		InvalidProxies:  len(part.Invalid),
		ValidList:       keys(part.Valid),
		InvalidList:     keys(part.Invalid),
		DetailedResults: make(map[string]TestResult, len(results)),
	}
	for _, id := range append(append([]Identity(nil), part.Valid...), part.Invalid...) {
		if r, ok := results[id.Key()]; ok {
			rep.DetailedResults[id.Key()] = r
		}
	}
	return rep
}

// WriteReport persists the report under outputDir/proxy_results together with
// a plain-text list of valid proxies.
func (p *Pool) WriteReport(outputDir, proxyFile string, part Partition) (ReportPaths, error) {
	rep := p.BuildReport(proxyFile, part)
	dir := filepath.Join(outputDir, reportDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return ReportPaths{}, fmt.Errorf("create report dir: %w", err)
	}
	stamp := rep.Timestamp.UTC().Format("20060102T150405.000Z")
	stamp = strings.ReplaceAll(stamp, ".", "-")
	paths := ReportPaths{
		JSON:       filepath.Join(dir, "proxy_test_"+stamp+".json"),
		ValidList:  filepath.Join(dir, "valid_proxies_"+stamp+".txt"),
		ReportedAt: rep.Timestamp,
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(rep, "", "  ")
	if err != nil {
		return ReportPaths{}, fmt.Errorf("marshal proxy report: %w", err)
	}
	if err := os.WriteFile(paths.JSON, data, 0o600); err != nil {
		return ReportPaths{}, fmt.Errorf("write proxy report: %w", err)
	}
	if err := os.WriteFile(paths.ValidList, []byte(strings.Join(rep.ValidList, "\n")), 0o600); err != nil {
		return ReportPaths{}, fmt.Errorf("write valid proxy list: %w", err)
	}
	p.logger.Info("proxy report written",
		zap.String("report", paths.JSON),
		zap.String("valid_list", paths.ValidList),
	)
	return paths, nil
}

func keys(ids []Identity) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.Key())
	}
	return out
}
