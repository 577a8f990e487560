package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/argus-crawler/internal/classify"
)

func crawlFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("crawl", pflag.ContinueOnError)
	fs.StringP("output-dir", "o", "./argus_data", "")
	fs.IntP("depth", "d", 1, "")
	fs.StringP("format", "f", "auto", "")
	fs.IntP("delay", "w", 1000, "")
	fs.BoolP("advanced", "a", false, "")
	fs.Int("max-concurrency", 10, "")
	fs.Int("max-requests", 1000, "")
	fs.Int("navigation-timeout", 60, "")
	fs.Int("retry-attempts", 3, "")
	fs.String("renderer", "chromedp", "")
	fs.Bool("no-encryption", false, "")
	fs.StringP("key", "k", "argus-default-key", "")
	return fs
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "argus_data", cfg.OutputDir)
	assert.Equal(t, 1, cfg.Crawl.Depth)
	assert.Equal(t, time.Second, cfg.Delay())
	assert.Equal(t, 60*time.Second, cfg.NavigationTimeout())
	assert.EqualValues(t, 10<<20, cfg.MaxFileSize())
	assert.True(t, cfg.Crawl.RespectRobots)
	assert.Equal(t, classify.ModeAuto, cfg.Mode())
	assert.Equal(t, filepath.Join("argus_data", LogFileName), cfg.Logging.File)
	assert.Equal(t, "argus-default-key", cfg.EncryptionKey())
	assert.Equal(t, 5*time.Minute, cfg.RotationInterval())
}

func TestLoadWithFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argus.yaml")
	yaml := `
output_dir: /tmp/argus-out
crawl:
  depth: 3
  format: xlsx
  delay_ms: 250
  renderer: static
proxy:
  file: proxies.txt
  retry_limit: 5
download:
  enabled: true
  max_file_size_mb: 2
logging:
  no_encryption: true
database:
  dsn: postgres://argus@localhost/argus
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/argus-out", cfg.OutputDir)
	assert.Equal(t, 3, cfg.Crawl.Depth)
	assert.Equal(t, classify.ModeXLSX, cfg.Mode())
	assert.Equal(t, 250*time.Millisecond, cfg.Delay())
	assert.Equal(t, RendererStatic, cfg.Crawl.Renderer)
	assert.Equal(t, "proxies.txt", cfg.Proxy.File)
	assert.Equal(t, 5, cfg.Proxy.RetryLimit)
	assert.True(t, cfg.Download.Enabled)
	assert.EqualValues(t, 2<<20, cfg.MaxFileSize())
	assert.Empty(t, cfg.EncryptionKey())
	assert.Equal(t, "/tmp/argus-out/argus.log", cfg.Logging.File)
	assert.Equal(t, "postgres://argus@localhost/argus", cfg.Database.DSN)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("ARGUS_CRAWL_DEPTH", "4")
	t.Setenv("ARGUS_SERVER_METRICS_ADDR", ":9100")

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Crawl.Depth)
	assert.Equal(t, ":9100", cfg.Server.MetricsAddr)
}

func TestLoadFlagsWin(t *testing.T) {
	t.Setenv("ARGUS_CRAWL_DEPTH", "4")

	fs := crawlFlags()
	require.NoError(t, fs.Parse([]string{"-d", "2", "-f", "markdown", "--no-encryption", "-o", "out"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Crawl.Depth)
	assert.Equal(t, classify.ModeMarkdown, cfg.Mode())
	assert.True(t, cfg.Logging.NoEncryption)
	assert.Equal(t, "out", cfg.OutputDir)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.Error(t, err)
}

func TestAdvancedModeRaisesDefaults(t *testing.T) {
	fs := crawlFlags()
	require.NoError(t, fs.Parse([]string{"-a"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.True(t, cfg.Crawl.Advanced)
	assert.Equal(t, 20, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, 5000, cfg.Crawl.MaxRequests)
	assert.Equal(t, 120*time.Second, cfg.NavigationTimeout())
	assert.Equal(t, 5, cfg.Crawl.RetryAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Delay())
	assert.False(t, cfg.Crawl.RespectRobots)
}

func TestAdvancedModeKeepsExplicitValues(t *testing.T) {
	fs := crawlFlags()
	require.NoError(t, fs.Parse([]string{"-a", "--max-concurrency", "4", "-w", "100"}))

	cfg, err := Load("", fs)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Crawl.MaxConcurrency)
	assert.Equal(t, 300*time.Millisecond, cfg.Delay(), "delay is floored in advanced mode")
	assert.Equal(t, 5000, cfg.Crawl.MaxRequests)
}

func TestApplyAdvancedModeWithoutExplicitKeys(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Crawl.MaxConcurrency = 50
	cfg.ApplyAdvancedMode(nil)
	assert.Equal(t, 50, cfg.Crawl.MaxConcurrency, "advanced mode never lowers a limit")
	assert.Equal(t, 500, cfg.Crawl.DelayMs)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"format", func(c *Config) { c.Crawl.Format = "pdf" }, "crawl.format"},
		{"depth", func(c *Config) { c.Crawl.Depth = -1 }, "crawl.depth"},
		{"concurrency", func(c *Config) { c.Crawl.MaxConcurrency = 0 }, "crawl.max_concurrency"},
		{"renderer", func(c *Config) { c.Crawl.Renderer = "webkit" }, "crawl.renderer"},
		{"output", func(c *Config) { c.OutputDir = " " }, "output_dir"},
		{"file size", func(c *Config) { c.Download.MaxFileSizeMB = 0 }, "download.max_file_size_mb"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateAcceptsEveryRenderer(t *testing.T) {
	t.Parallel()

	for _, r := range []string{RendererChromedp, RendererStatic, RendererAuto} {
		cfg := Default()
		cfg.Crawl.Renderer = r
		assert.NoError(t, cfg.Validate(), r)
	}
}
