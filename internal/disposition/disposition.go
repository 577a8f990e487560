// Package disposition persists a rendered page in the formats its content
// calls for and records what was written in a JSON sidecar.
package disposition

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/classify"
	"github.com/JakeFAU/argus-crawler/internal/convert"
	"github.com/JakeFAU/argus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/argus-crawler/internal/metrics"
)

// NoTitle is recorded when a page has no title element.
const NoTitle = "no title"

const (
	indexName      = "index"
	metaSuffix     = ".meta.json"
	maxSegmentLen  = 120
	hashedSegLen   = 16
	dirPermissions = 0o750
	filePerms      = 0o600
)

var (
	titlePattern  = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	unsafeSegment = regexp.MustCompile(`[<>:"\\|?*\x00-\x1f]`)
)

// Page is one rendered document handed over by the crawler.
type Page struct {
	URL       string
	HTML      string
	CrawledAt time.Time
}

// Metadata is the sidecar written beside every page.
type Metadata struct {
	URL             string            `json:"url"`
	Title           string            `json:"title"`
	CrawlTime       time.Time         `json:"crawlTime"`
	ContentFeatures classify.Features `json:"contentFeatures"`
	SavedFormats    []classify.Format `json:"savedFormats"`
}

// Result describes the files produced for a page.
type Result struct {
	Base     string
	Files    map[classify.Format]string
	MetaPath string
	Metadata Metadata
}

// Record is forwarded to a RecordStore after the sidecar is written.
type Record struct {
	RunID    string
	Base     string
	MetaPath string
	Metadata Metadata
}

// RecordStore persists page records outside the filesystem.
type RecordStore interface {
	StorePage(ctx context.Context, rec Record) error
}

// Converter produces the bytes of each output format.
type Converter interface {
	Markdown(html string) (string, error)
	Tables(html string) ([]convert.Table, error)
	Spreadsheet(tables []convert.Table) ([]byte, error)
	Clean(html string) (string, error)
}

// Hasher shortens over-long path segments.
type Hasher interface {
	Hash(data []byte) (string, error)
}

type htmlConverter struct{}

func (htmlConverter) Markdown(html string) (string, error) { return convert.ToMarkdown(html) }

func (htmlConverter) Tables(html string) ([]convert.Table, error) {
	return convert.ExtractTables(html)
}

func (htmlConverter) Spreadsheet(tables []convert.Table) ([]byte, error) {
	return convert.TablesToXLSX(tables)
}

func (htmlConverter) Clean(html string) (string, error) { return convert.CleanHTML(html) }

// Config controls where and how pages are written.
type Config struct {
	OutputDir string
	Mode      classify.Mode
	RunID     string
}

// Writer writes pages to disk.
type Writer struct {
	cfg       Config
	converter Converter
	hasher    Hasher
	store     RecordStore
	now       func() time.Time
	logger    *zap.Logger
}

// Option customizes a Writer.
type Option func(*Writer)

// WithConverter replaces the HTML converters.
func WithConverter(c Converter) Option {
	return func(w *Writer) {
		if c != nil {
			w.converter = c
		}
	}
}

// WithRecordStore forwards every written page to store.
func WithRecordStore(store RecordStore) Option {
	return func(w *Writer) { w.store = store }
}

// WithHasher sets the hasher used for long path segments.
func WithHasher(h Hasher) Option {
	return func(w *Writer) {
		if h != nil {
			w.hasher = h
		}
	}
}

// WithNow sets the clock used when a page carries no crawl time.
func WithNow(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter validates cfg and builds a Writer.
func NewWriter(cfg Config, logger *zap.Logger, opts ...Option) (*Writer, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = classify.ModeAuto
	}
	if _, err := classify.ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		cfg:       cfg,
		converter: htmlConverter{},
		hasher:    sha256.New(),
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write classifies page, writes each selected format and then the sidecar.
// Format failures are isolated from each other and returned joined; the
// sidecar is attempted regardless.
func (w *Writer) Write(ctx context.Context, page Page) (Result, error) {
	base, err := w.BasePath(page.URL)
	if err != nil {
		return Result{}, err
	}
	if err := os.MkdirAll(filepath.Dir(base), dirPermissions); err != nil {
		return Result{}, fmt.Errorf("create page dir: %w", err)
	}

	features := classify.Classify(page.HTML)
	formats := classify.ResolveFormats(w.cfg.Mode, features)
	res := Result{Base: base, Files: make(map[classify.Format]string, len(formats))}

	var errs []error
	saved := make([]classify.Format, 0, len(formats))
	for _, format := range formats {
		path, written, err := w.writeFormat(base, format, page.HTML, features)
		metrics.ObserveDispositionWrite(string(format), err == nil)
		switch {
		case err != nil:
			w.logger.Warn("format write failed",
				zap.String("url", page.URL), zap.String("format", string(format)), zap.Error(err))
			errs = append(errs, fmt.Errorf("write %s: %w", format, err))
		case written:
			res.Files[format] = path
			saved = append(saved, format)
			w.logger.Debug("format written", zap.String("url", page.URL), zap.String("path", path))
		default:
			w.logger.Debug("format skipped", zap.String("url", page.URL), zap.String("format", string(format)))
		}
	}

	crawled := page.CrawledAt
	if crawled.IsZero() {
		crawled = w.now()
	}
	res.Metadata = Metadata{
		URL:             page.URL,
		Title:           Title(page.HTML),
		CrawlTime:       crawled.UTC(),
		ContentFeatures: features,
		SavedFormats:    saved,
	}
	res.MetaPath = base + metaSuffix
	if err := w.writeMetadata(res.MetaPath, res.Metadata); err != nil {
		metrics.ObserveDispositionWrite("meta", false)
		w.logger.Warn("metadata write failed", zap.String("url", page.URL), zap.Error(err))
		errs = append(errs, err)
		res.MetaPath = ""
	} else {
		metrics.ObserveDispositionWrite("meta", true)
		w.forward(ctx, res)
	}
	return res, errors.Join(errs...)
}

func (w *Writer) writeFormat(base string, format classify.Format, html string, f classify.Features) (string, bool, error) {
	path := base + "." + format.Ext()
	switch format {
	case classify.Markdown:
		if !f.HasText {
			return "", false, nil
		}
		out, err := w.converter.Markdown(html)
		if err != nil {
			return "", false, err
		}
		return path, true, writeFile(path, []byte(out))
	case classify.XLSX:
		if !f.HasTables {
			return "", false, nil
		}
		cleaned, err := w.converter.Clean(html)
		if err != nil {
			return "", false, err
		}
		tables, err := w.converter.Tables(cleaned)
		if err != nil {
			return "", false, err
		}
		if len(tables) == 0 {
			return "", false, nil
		}
		data, err := w.converter.Spreadsheet(tables)
		if err != nil {
			return "", false, err
		}
		return path, true, writeFile(path, data)
	case classify.HTML:
		cleaned, err := w.converter.Clean(html)
		if err != nil {
			return "", false, err
		}
		return path, true, writeFile(path, []byte(cleaned))
	default:
		return "", false, fmt.Errorf("unsupported format %q", format)
	}
}

func (w *Writer) writeMetadata(path string, meta Metadata) error {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := writeFile(path, data); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (w *Writer) forward(ctx context.Context, res Result) {
	if w.store == nil {
		return
	}
	rec := Record{RunID: w.cfg.RunID, Base: res.Base, MetaPath: res.MetaPath, Metadata: res.Metadata}
	if err := w.store.StorePage(ctx, rec); err != nil {
		w.logger.Warn("page record not stored", zap.String("url", res.Metadata.URL), zap.Error(err))
	}
}

// BasePath maps a page URL to outputDir/<host>/<segments...>/<last or index>,
// the path every format extension and the sidecar suffix are appended to.
func (w *Writer) BasePath(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("page url %q has no host", rawURL)
	}
	parts := []string{w.cfg.OutputDir, host}
	name := indexName
	for _, seg := range strings.Split(u.Path, "/") {
		seg = w.safeSegment(seg)
		if seg == "" {
			continue
		}
		parts = append(parts, seg)
		name = seg
	}
	parts = append(parts, name)
	return filepath.Join(parts...), nil
}

func (w *Writer) safeSegment(seg string) string {
	seg = strings.TrimSpace(unsafeSegment.ReplaceAllString(seg, "_"))
	if seg == "." || seg == ".." {
		return ""
	}
	if len(seg) <= maxSegmentLen {
		return seg
	}
	sum, err := w.hasher.Hash([]byte(seg))
	if err != nil || len(sum) < hashedSegLen {
		return seg[:maxSegmentLen]
	}
	return seg[:maxSegmentLen-hashedSegLen-1] + "_" + sum[:hashedSegLen]
}

// Title returns the text of the first title element, or NoTitle.
func Title(html string) string {
	m := titlePattern.FindStringSubmatch(html)
	if m == nil {
		return NoTitle
	}
	if t := strings.TrimSpace(m[1]); t != "" {
		return t
	}
	return NoTitle
}

func writeFile(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".argus-*.part")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = tmp.Chmod(filePerms); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
