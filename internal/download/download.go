// Package download fetches binary resources referenced by crawled pages and
// files them under the output directory, skipping anything already on disk.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// Defaults applied when Config leaves a field at zero.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultBatchSize   = 5
	DefaultMaxFileSize = 10 << 20
	resourcesDir       = "resources"
)

var (
	// ErrRejectedURL marks URLs that are never fetched.
	ErrRejectedURL = errors.New("url rejected")
	// ErrTooLarge marks responses above the configured size cap.
	ErrTooLarge = errors.New("resource exceeds max file size")
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config tunes the downloader.
type Config struct {
	OutputDir   string
	MaxFileSize int64
	Timeout     time.Duration
	BatchSize   int
}

// Downloader fetches resources with a single bounded attempt each.
type Downloader struct {
	cfg      Config
	client   *http.Client
	counters *Counters
	clock    Clock
	logger   *zap.Logger
}

// Option customizes a Downloader.
type Option func(*Downloader)

// WithClock injects the time source used for synthesized file names.
func WithClock(c Clock) Option {
	return func(d *Downloader) {
		if c != nil {
			d.clock = c
		}
	}
}

// New builds a Downloader. client may route through a proxy pool; counters is
// the run's shared tally.
func New(cfg Config, client *http.Client, counters *Counters, logger *zap.Logger, opts ...Option) *Downloader {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if client == nil {
		client = &http.Client{}
	}
	if counters == nil {
		counters = NewCounters()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{cfg: cfg, client: client, counters: counters, clock: systemClock{}, logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Counters exposes the shared tally.
func (d *Downloader) Counters() *Counters { return d.counters }

// Download fetches rawURL into outputDir/<host>/resources/<kind>/<name> and
// returns the path. An existing file is returned without any network call.
func (d *Downloader) Download(ctx context.Context, rawURL string, kind Kind) (string, error) {
	u, err := validate(rawURL)
	if err != nil {
		metrics.ObserveDownload(string(kind), "rejected")
		return "", err
	}
	name, synthesized := d.fileName(u, kind)
	target := filepath.Join(d.cfg.OutputDir, hostDir(u), resourcesDir, string(kind), name)
	// A synthesized name says nothing about the URL, so it never counts as cached.
	if !synthesized {
		if _, err := os.Stat(target); err == nil {
			d.logger.Debug("resource already on disk", zap.String("url", rawURL), zap.String("path", target))
			metrics.ObserveDownload(string(kind), "cached")
			return target, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	target, err = d.fetch(ctx, u.String(), target, synthesized)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrTooLarge) {
			outcome = "too_large"
		}
		metrics.ObserveDownload(string(kind), outcome)
		return "", err
	}
	d.counters.Inc(kind)
	metrics.ObserveDownload(string(kind), "success")
	d.logger.Debug("resource downloaded", zap.String("url", rawURL), zap.String("path", target))
	return target, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, target string, exclusive bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("get %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	limit := d.cfg.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return "", fmt.Errorf("%w: %s declares %d bytes (max %d)", ErrTooLarge, rawURL, resp.ContentLength, limit)
	}
	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	return writeAtomic(target, body, limit, exclusive)
}

// writeAtomic streams r into a temp file beside target and renames it into
// place, so an interrupted download never leaves a truncated target. With
// exclusive set, an occupied target gets a numeric suffix instead of being
// replaced. It returns the final path.
func writeAtomic(target string, r io.Reader, limit int64, exclusive bool) (_ string, err error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create resource dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".argus-*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	n, err := io.Copy(tmp, r)
	if err != nil {
		return "", fmt.Errorf("write %s: %w", target, err)
	}
	if limit > 0 && n > limit {
		return "", fmt.Errorf("%w: body exceeds %d bytes", ErrTooLarge, limit)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if exclusive {
		if target, err = claim(target); err != nil {
			return "", err
		}
	}
	if err = os.Rename(tmp.Name(), target); err != nil {
		if exclusive {
			_ = os.Remove(target)
		}
		return "", fmt.Errorf("rename into place: %w", err)
	}
	return target, nil
}

const maxClaimAttempts = 1000

// claim reserves target by creating it exclusively. When the name is taken it
// tries name_1.ext, name_2.ext and so on.
func claim(target string) (string, error) {
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	candidate := target
	for n := 1; n <= maxClaimAttempts; n++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			return candidate, f.Close()
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("claim %s: %w", candidate, err)
		}
		candidate = fmt.Sprintf("%s_%d%s", stem, n, ext)
	}
	return "", fmt.Errorf("claim %s: no free name after %d attempts", target, maxClaimAttempts)
}

// TargetPath computes where u is stored. A synthesized name may gain a
// numeric suffix when it is written.
func (d *Downloader) TargetPath(u *url.URL, kind Kind) string {
	name, _ := d.fileName(u, kind)
	return filepath.Join(d.cfg.OutputDir, hostDir(u), resourcesDir, string(kind), name)
}

// fileName derives the stored name from the URL path, or synthesizes
// resource_<unixMillis>.<ext> when the path has no usable name; the flag
// reports the latter.
func (d *Downloader) fileName(u *url.URL, kind Kind) (string, bool) {
	name := path.Base(u.Path)
	if unescaped, err := url.PathUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == "_" || path.Ext(name) == "" {
		return fmt.Sprintf("resource_%d.%s", d.clock.Now().UnixMilli(), kind.DefaultExt()), true
	}
	return name, false
}

func hostDir(u *url.URL) string {
	host := u.Hostname()
	if host == "" {
		return "unknown"
	}
	return host
}

func validate(rawURL string) (*url.URL, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrRejectedURL)
	}
	if strings.HasPrefix(strings.ToLower(trimmed), "javascript:") {
		return nil, fmt.Errorf("%w: javascript pseudo-url", ErrRejectedURL)
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejectedURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: not http(s): %s", ErrRejectedURL, trimmed)
	}
	return u, nil
}

// DownloadAll fetches urls in sequential batches of BatchSize, each batch
// fully parallel. Failures are logged and skipped; the returned paths keep
// the input order.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string, kind Kind) []string {
	if len(urls) == 0 {
		return nil
	}
	paths := make([]string, len(urls))
	for start := 0; start < len(urls); start += d.cfg.BatchSize {
		end := min(start+d.cfg.BatchSize, len(urls))
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				p, err := d.Download(ctx, urls[i], kind)
				if err != nil {
					level := zap.WarnLevel
					if errors.Is(err, ErrTooLarge) || errors.Is(err, ErrRejectedURL) {
						level = zap.InfoLevel
					}
					d.logger.Log(level, "resource skipped",
						zap.String("url", urls[i]), zap.String("kind", string(kind)), zap.Error(err))
					return nil
				}
				paths[i] = p
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	out := paths[:0]
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Summary lists the paths saved for one page.
type Summary struct {
	Images    []string `json:"images"`
	Documents []string `json:"documents"`
	Videos    []string `json:"videos"`
}

// DownloadPage extracts every resource referenced by html and downloads each
// group in turn.
func (d *Downloader) DownloadPage(ctx context.Context, html, pageURL string) (Summary, error) {
	res, err := Extract(html, pageURL)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Images:    d.DownloadAll(ctx, res.Images, Images),
		Documents: d.DownloadAll(ctx, res.Documents, Documents),
		Videos:    d.DownloadAll(ctx, res.Videos, Videos),
	}, nil
}
