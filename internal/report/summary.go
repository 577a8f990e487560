// Package report renders the end-of-run summary as Markdown.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/JakeFAU/argus-crawler/internal/crawler"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

// FileName is the summary written into the output directory.
const FileName = "run_summary.md"

// Summary is everything the run report shows.
type Summary struct {
	RunID   string
	Stats   crawler.Stats
	Proxies *proxypool.Snapshot
	// Err is the run's terminal error, if any.
	Err error
}

// Write renders s as Markdown to w.
func Write(w io.Writer, s Summary) error {
	md := markdown.NewMarkdown(w)

	md.H1("Argus Run Summary")
	md.PlainText("")
	writeRun(md, s)
	writeDownloads(md, s)
	writeProxies(md, s.Proxies)

	if err := md.Build(); err != nil {
		return fmt.Errorf("render run summary: %w", err)
	}
	return nil
}

// WriteProxies renders only the proxy section, as printed by test-proxies.
func WriteProxies(w io.Writer, snap proxypool.Snapshot) error {
	md := markdown.NewMarkdown(w)
	writeProxies(md, &snap)
	if err := md.Build(); err != nil {
		return fmt.Errorf("render proxy table: %w", err)
	}
	return nil
}

// WriteFile writes the summary to outputDir/run_summary.md and returns the path.
func WriteFile(outputDir string, s Summary) (path string, err error) {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path = filepath.Join(outputDir, FileName)
	f, err := os.Create(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("create run summary: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close run summary: %w", cerr)
		}
	}()
	if err := Write(f, s); err != nil {
		return "", err
	}
	return path, nil
}

func writeRun(md *markdown.Markdown, s Summary) {
	st := s.Stats
	status := "Complete"
	if s.Err != nil {
		status = "Interrupted: " + s.Err.Error()
	}
	rows := [][]string{
		{"Start URL", "`" + st.StartURL + "`"},
		{"Started", formatTime(st.StartedAt)},
		{"Finished", formatTime(st.FinishedAt)},
		{"Duration", st.Duration.Round(time.Second).String()},
		{"URLs processed", strconv.FormatInt(st.TotalURLs, 10)},
		{"Succeeded", strconv.FormatInt(st.Succeeded, 10)},
		{"Failed", strconv.FormatInt(st.Failed, 10)},
		{"Skipped", strconv.FormatInt(st.Skipped, 10)},
		{"URLs per minute", strconv.FormatFloat(st.URLsPerMinute, 'f', 2, 64)},
		{"Status", status},
	}
	if s.RunID != "" {
		rows = slices.Insert(rows, 0, []string{"Run ID", "`" + s.RunID + "`"})
	}
	md.H2("Run")
	md.PlainText("")
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: rows})
	md.PlainText("")
	if st.Failed > 0 {
		md.Warningf("%d page(s) failed; see the log for details.", st.Failed)
		md.PlainText("")
	}
}

func writeDownloads(md *markdown.Markdown, s Summary) {
	d := s.Stats.Downloads
	md.H2("Downloaded Resources")
	md.PlainText("")
	if d.Total() == 0 {
		md.PlainText("No resources downloaded.")
		md.PlainText("")
		return
	}
	md.Table(markdown.TableSet{
		Header: []string{"Kind", "Count"},
		Rows: [][]string{
			{"Images", strconv.FormatInt(d.Images, 10)},
			{"Documents", strconv.FormatInt(d.Documents, 10)},
			{"Videos", strconv.FormatInt(d.Videos, 10)},
			{"Others", strconv.FormatInt(d.Others, 10)},
			{"**Total**", "**" + strconv.FormatInt(d.Total(), 10) + "**"},
		},
	})
	md.PlainText("")

	chart := piechart.NewPieChart(io.Discard, piechart.WithTitle("Resources by kind"), piechart.WithShowData(true))
	for _, part := range []struct {
		label string
		n     int64
	}{{"Images", d.Images}, {"Documents", d.Documents}, {"Videos", d.Videos}, {"Others", d.Others}} {
		if part.n > 0 {
			chart.LabelAndIntValue(part.label, uint64(part.n))
		}
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeProxies(md *markdown.Markdown, snap *proxypool.Snapshot) {
	md.H2("Proxies")
	md.PlainText("")
	if snap == nil || snap.TotalProxies == 0 {
		md.PlainText("No proxies configured; requests were made directly.")
		md.PlainText("")
		return
	}
	md.PlainText(fmt.Sprintf("%d total, %d valid, %d invalid.", snap.TotalProxies, snap.ValidProxies, snap.InvalidProxies))
	md.PlainText("")

	keys := make([]string, 0, len(snap.Proxies))
	for k := range snap.Proxies {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		ps := snap.Proxies[k]
		rows = append(rows, []string{
			"`" + redact(k) + "`",
			string(ps.LastStatus),
			strconv.Itoa(ps.SuccessCount),
			strconv.Itoa(ps.FailCount),
			strconv.FormatFloat(ps.SuccessRate, 'f', 2, 64),
			strconv.FormatFloat(ps.AverageLatency, 'f', 2, 64),
		})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Proxy", "Last status", "Successes", "Failures", "Success rate", "Avg latency (ms)"},
		Rows:   rows,
	})
	md.PlainText("")
	if snap.ValidProxies == 0 {
		md.Cautionf("All %d proxies were evicted; later requests went direct.", snap.TotalProxies)
		md.PlainText("")
	}
}

func redact(key string) string {
	if id, ok := proxypool.Parse(key); ok {
		return id.Redacted()
	}
	return key
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
