package disposition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/argus-crawler/internal/classify"
)

var (
	prose = "<p>" + strings.Repeat("Argus keeps a careful record of every page. ", 6) + "</p>"

	prosePage = `<html><head><title>Field Notes</title></head><body>` + prose + `</body></html>`
	tablePage = `<html><body><table><tr><th>a</th><th>b</th></tr><tr><td>1</td><td>2</td></tr></table></body></html>`
	mixedPage = `<html><head><title>Prices</title></head><body>` + prose +
		`<table><tr><th>item</th><th>price</th></tr><tr><td>tea</td><td>3</td></tr></table></body></html>`
	imagePage = `<html><body><img src="/cat.png"></body></html>`
)

type fakeStore struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (s *fakeStore) StorePage(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return s.err
}

type brokenMarkdown struct{ htmlConverter }

func (brokenMarkdown) Markdown(string) (string, error) { return "", errors.New("converter exploded") }

func newWriter(t *testing.T, mode classify.Mode, opts ...Option) *Writer {
	t.Helper()
	w, err := NewWriter(Config{OutputDir: t.TempDir(), Mode: mode, RunID: "run-1"}, zap.NewNop(), opts...)
	require.NoError(t, err)
	return w
}

func readMeta(t *testing.T, path string) Metadata {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var meta Metadata
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &meta))
	return meta
}

func TestNewWriterValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWriter(Config{}, nil)
	require.Error(t, err)

	_, err = NewWriter(Config{OutputDir: t.TempDir(), Mode: "pdf"}, nil)
	require.Error(t, err)

	w, err := NewWriter(Config{OutputDir: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.Equal(t, classify.ModeAuto, w.cfg.Mode)
}

func TestBasePath(t *testing.T) {
	t.Parallel()

	w := newWriter(t, classify.ModeAuto)
	root := w.cfg.OutputDir

	cases := []struct {
		name string
		url  string
		want string
	}{
		{"root", "https://site.test/", filepath.Join(root, "site.test", "index")},
		{"no path", "https://site.test", filepath.Join(root, "site.test", "index")},
		{"nested", "https://site.test/docs/guide", filepath.Join(root, "site.test", "docs", "guide", "guide")},
		{"trailing slash", "https://site.test/docs/guide/", filepath.Join(root, "site.test", "docs", "guide", "guide")},
		{"port dropped", "http://site.test:8080/a", filepath.Join(root, "site.test", "a", "a")},
		{"dot segments", "https://site.test/a/../b", filepath.Join(root, "site.test", "a", "b", "b")},
		{"unsafe chars", "https://site.test/a:b", filepath.Join(root, "site.test", "a_b", "a_b")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := w.BasePath(tc.url)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := w.BasePath("/relative/only")
	require.Error(t, err)
}

func TestBasePathShortensLongSegments(t *testing.T) {
	t.Parallel()

	w := newWriter(t, classify.ModeAuto)
	long := strings.Repeat("x", 300)
	a, err := w.BasePath("https://site.test/" + long)
	require.NoError(t, err)
	b, err := w.BasePath("https://site.test/" + long + "y")
	require.NoError(t, err)

	assert.LessOrEqual(t, len(filepath.Base(a)), maxSegmentLen)
	assert.NotEqual(t, a, b)
}

func TestWriteProseAsMarkdown(t *testing.T) {
	t.Parallel()

	crawled := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	w := newWriter(t, classify.ModeAuto)
	res, err := w.Write(context.Background(), Page{URL: "https://site.test/notes", HTML: prosePage, CrawledAt: crawled})
	require.NoError(t, err)

	require.Contains(t, res.Files, classify.Markdown)
	assert.Equal(t, res.Base+".md", res.Files[classify.Markdown])
	md, err := os.ReadFile(res.Files[classify.Markdown])
	require.NoError(t, err)
	assert.Contains(t, string(md), "careful record")

	meta := readMeta(t, res.Base+".meta.json")
	assert.Equal(t, "https://site.test/notes", meta.URL)
	assert.Equal(t, "Field Notes", meta.Title)
	assert.True(t, meta.CrawlTime.Equal(crawled))
	assert.Equal(t, []classify.Format{classify.Markdown}, meta.SavedFormats)
	assert.True(t, meta.ContentFeatures.HasText)
	assert.Equal(t, classify.Markdown, meta.ContentFeatures.SuggestedFormat)
}

func TestWriteChoosesFormatsFromContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		mode classify.Mode
		html string
		want []classify.Format
	}{
		{"table only", classify.ModeAuto, tablePage, []classify.Format{classify.XLSX}},
		{"mixed", classify.ModeAuto, mixedPage, []classify.Format{classify.Markdown, classify.XLSX}},
		{"image fallback", classify.ModeAuto, imagePage, []classify.Format{classify.HTML}},
		{"both without tables", classify.ModeBoth, prosePage, []classify.Format{classify.Markdown}},
		{"explicit html", classify.ModeHTML, mixedPage, []classify.Format{classify.HTML}},
		{"explicit markdown without text", classify.ModeMarkdown, tablePage, []classify.Format{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			w := newWriter(t, tc.mode)
			res, err := w.Write(context.Background(), Page{URL: "https://site.test/page", HTML: tc.html})
			require.NoError(t, err)

			meta := readMeta(t, res.MetaPath)
			assert.Equal(t, tc.want, meta.SavedFormats)
			for _, f := range tc.want {
				_, statErr := os.Stat(res.Base + "." + f.Ext())
				assert.NoError(t, statErr, f)
			}
			assert.Len(t, res.Files, len(tc.want))
		})
	}
}

func TestWriteIsolatesFormatFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	w, err := NewWriter(Config{OutputDir: t.TempDir()}, zap.New(core), WithConverter(brokenMarkdown{}))
	require.NoError(t, err)

	res, err := w.Write(context.Background(), Page{URL: "https://site.test/prices", HTML: mixedPage})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "converter exploded")

	assert.NotContains(t, res.Files, classify.Markdown)
	require.Contains(t, res.Files, classify.XLSX)
	meta := readMeta(t, res.MetaPath)
	assert.Equal(t, []classify.Format{classify.XLSX}, meta.SavedFormats)
	assert.Equal(t, 1, logs.FilterMessage("format write failed").Len())
}

func TestWriteForwardsRecords(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	w := newWriter(t, classify.ModeAuto, WithRecordStore(store))
	res, err := w.Write(context.Background(), Page{URL: "https://site.test/notes", HTML: prosePage})
	require.NoError(t, err)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, res.MetaPath, rec.MetaPath)
	assert.Equal(t, "Field Notes", rec.Metadata.Title)
}

func TestWriteIgnoresStoreFailures(t *testing.T) {
	t.Parallel()

	store := &fakeStore{err: errors.New("db down")}
	w := newWriter(t, classify.ModeAuto, WithRecordStore(store))
	_, err := w.Write(context.Background(), Page{URL: "https://site.test/notes", HTML: prosePage})
	require.NoError(t, err)
	assert.Len(t, store.records, 1)
}

func TestWriteOverwritesIdempotently(t *testing.T) {
	t.Parallel()

	w := newWriter(t, classify.ModeAuto)
	first, err := w.Write(context.Background(), Page{URL: "https://site.test/notes", HTML: prosePage})
	require.NoError(t, err)
	second, err := w.Write(context.Background(), Page{URL: "https://site.test/notes", HTML: prosePage})
	require.NoError(t, err)
	assert.Equal(t, first.Files, second.Files)

	entries, err := os.ReadDir(filepath.Dir(first.Base))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".part"), "temp file left behind: %s", e.Name())
	}
}

func TestWriteUsesClockWhenCrawlTimeMissing(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	w := newWriter(t, classify.ModeAuto, WithNow(func() time.Time { return fixed }))
	res, err := w.Write(context.Background(), Page{URL: "https://site.test/", HTML: imagePage})
	require.NoError(t, err)
	assert.True(t, res.Metadata.CrawlTime.Equal(fixed))
	assert.Equal(t, NoTitle, res.Metadata.Title)
}

func TestTitle(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Hello", Title("<html><head><TITLE>Hello</TITLE></head></html>"))
	assert.Equal(t, "Multi line", Title("<title lang=\"en\">\n Multi line \n</title>"))
	assert.Equal(t, "First", Title("<title>First</title><title>Second</title>"))
	assert.Equal(t, NoTitle, Title("<title>  </title>"))
	assert.Equal(t, NoTitle, Title("<p>none</p>"))
}
