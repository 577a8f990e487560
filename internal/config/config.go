// Package config loads and validates Argus configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/argus-crawler/internal/classify"
)

// EnvPrefix namespaces environment overrides, e.g. ARGUS_CRAWL_DEPTH=2.
const EnvPrefix = "ARGUS"

// Renderer names accepted by crawl.renderer.
const (
	RendererChromedp = "chromedp"
	RendererStatic   = "static"
	// RendererAuto fetches statically and promotes script-built pages to chromedp.
	RendererAuto = "auto"
)

// LogFileName is created inside the output directory unless logging.file is set.
const LogFileName = "argus.log"

// Advanced mode values.
const (
	advancedConcurrency = 20
	advancedMaxRequests = 5000
	advancedNavTimeout  = 120
	advancedRetries     = 5
	advancedDelayMs     = 500
	minAdvancedDelayMs  = 300
)

// Config captures all knobs loaded via Viper.
type Config struct {
	OutputDir string         `mapstructure:"output_dir"`
	Crawl     CrawlConfig    `mapstructure:"crawl"`
	Proxy     ProxyConfig    `mapstructure:"proxy"`
	Download  DownloadConfig `mapstructure:"download"`
	Logging   LoggingConfig  `mapstructure:"logging"`
	Database  DatabaseConfig `mapstructure:"database"`
	Server    ServerConfig   `mapstructure:"server"`
}

// CrawlConfig governs the crawl engine and renderer.
type CrawlConfig struct {
	Depth                    int    `mapstructure:"depth"`
	Format                   string `mapstructure:"format"`
	DelayMs                  int    `mapstructure:"delay_ms"`
	Advanced                 bool   `mapstructure:"advanced"`
	MaxConcurrency           int    `mapstructure:"max_concurrency"`
	MaxRequests              int    `mapstructure:"max_requests"`
	NavigationTimeoutSeconds int    `mapstructure:"navigation_timeout_seconds"`
	RetryAttempts            int    `mapstructure:"retry_attempts"`
	RespectRobots            bool   `mapstructure:"respect_robots"`
	Renderer                 string `mapstructure:"renderer"`
	UserAgent                string `mapstructure:"user_agent"`
	ForbiddenThreshold       int    `mapstructure:"forbidden_threshold"`
	NoSandbox                bool   `mapstructure:"no_sandbox"`
}

// ProxyConfig configures the proxy pool.
type ProxyConfig struct {
	File                    string `mapstructure:"file"`
	Test                    bool   `mapstructure:"test"`
	RetryLimit              int    `mapstructure:"retry_limit"`
	CheckURL                string `mapstructure:"check_url"`
	TestTimeoutSeconds      int    `mapstructure:"test_timeout_seconds"`
	RotationIntervalSeconds int    `mapstructure:"rotation_interval_seconds"`
}

// DownloadConfig configures resource downloads.
type DownloadConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxFileSizeMB  int  `mapstructure:"max_file_size_mb"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// LoggingConfig configures the console and file sinks.
type LoggingConfig struct {
	Development  bool   `mapstructure:"development"`
	File         string `mapstructure:"file"`
	NoEncryption bool   `mapstructure:"no_encryption"`
	Key          string `mapstructure:"key"`
}

// DatabaseConfig enables Postgres page records when DSN is set.
type DatabaseConfig struct {
	DSN        string `mapstructure:"dsn"`
	PagesTable string `mapstructure:"pages_table"`
	RunsTable  string `mapstructure:"runs_table"`
}

// ServerConfig controls the optional status server.
type ServerConfig struct {
	MetricsAddr string `mapstructure:"metrics_addr"`
	APIKey      string `mapstructure:"api_key"`
}

// flagKeys maps CLI flag names to configuration keys.
var flagKeys = map[string]string{
	"output-dir":         "output_dir",
	"depth":              "crawl.depth",
	"format":             "crawl.format",
	"delay":              "crawl.delay_ms",
	"advanced":           "crawl.advanced",
	"max-concurrency":    "crawl.max_concurrency",
	"max-requests":       "crawl.max_requests",
	"navigation-timeout": "crawl.navigation_timeout_seconds",
	"retry-attempts":     "crawl.retry_attempts",
	"renderer":           "crawl.renderer",
	"user-agent":         "crawl.user_agent",
	"proxies":            "proxy.file",
	"test-proxies":       "proxy.test",
	"download-resources": "download.enabled",
	"max-file-size":      "download.max_file_size_mb",
	"no-encryption":      "logging.no_encryption",
	"key":                "logging.key",
	"dev":                "logging.development",
	"log-file":           "logging.file",
	"metrics-addr":       "server.metrics_addr",
	"database-dsn":       "database.dsn",
}

// Load builds a Config from defaults, an optional file, the environment and
// flags, in increasing priority. Advanced mode is applied before validation.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Crawl.Advanced {
		cfg.ApplyAdvancedMode(func(key string) bool { return explicit(v, flags, key) })
	}
	cfg.Finalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with no file, env or flags.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.Finalize()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("output_dir", "./argus_data")
	v.SetDefault("crawl.depth", 1)
	v.SetDefault("crawl.format", string(classify.ModeAuto))
	v.SetDefault("crawl.delay_ms", 1000)
	v.SetDefault("crawl.advanced", false)
	v.SetDefault("crawl.max_concurrency", 10)
	v.SetDefault("crawl.max_requests", 1000)
	v.SetDefault("crawl.navigation_timeout_seconds", 60)
	v.SetDefault("crawl.retry_attempts", 3)
	v.SetDefault("crawl.respect_robots", true)
	v.SetDefault("crawl.renderer", RendererChromedp)
	v.SetDefault("crawl.user_agent", "")
	v.SetDefault("crawl.forbidden_threshold", 3)
	v.SetDefault("crawl.no_sandbox", false)
	v.SetDefault("proxy.file", "")
	v.SetDefault("proxy.test", false)
	v.SetDefault("proxy.retry_limit", 3)
	v.SetDefault("proxy.check_url", "https://api.ipify.org?format=json")
	v.SetDefault("proxy.test_timeout_seconds", 10)
	v.SetDefault("proxy.rotation_interval_seconds", 300)
	v.SetDefault("download.enabled", false)
	v.SetDefault("download.max_file_size_mb", 10)
	v.SetDefault("download.timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.no_encryption", false)
	v.SetDefault("logging.key", "argus-default-key")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.pages_table", "page_dispositions")
	v.SetDefault("database.runs_table", "crawl_runs")
	v.SetDefault("server.metrics_addr", "")
	v.SetDefault("server.api_key", "")
}

// explicit reports whether key was supplied by a flag, the environment or the
// config file rather than a default.
func explicit(v *viper.Viper, flags *pflag.FlagSet, key string) bool {
	if flags != nil {
		for name, k := range flagKeys {
			if k == key && flags.Changed(name) {
				return true
			}
		}
	}
	env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if _, ok := os.LookupEnv(env); ok {
		return true
	}
	return v.InConfig(key)
}

// ApplyAdvancedMode raises crawl limits for large sites and turns off robots
// gating. Keys for which isExplicit reports true keep their values; a nil
// isExplicit treats every key as defaulted. The delay never drops below 300ms.
func (c *Config) ApplyAdvancedMode(isExplicit func(key string) bool) {
	if isExplicit == nil {
		isExplicit = func(string) bool { return false }
	}
	c.Crawl.Advanced = true
	if !isExplicit("crawl.max_concurrency") {
		c.Crawl.MaxConcurrency = max(c.Crawl.MaxConcurrency, advancedConcurrency)
	}
	if !isExplicit("crawl.max_requests") {
		c.Crawl.MaxRequests = max(c.Crawl.MaxRequests, advancedMaxRequests)
	}
	if !isExplicit("crawl.navigation_timeout_seconds") {
		c.Crawl.NavigationTimeoutSeconds = max(c.Crawl.NavigationTimeoutSeconds, advancedNavTimeout)
	}
	if !isExplicit("crawl.retry_attempts") {
		c.Crawl.RetryAttempts = max(c.Crawl.RetryAttempts, advancedRetries)
	}
	if !isExplicit("crawl.delay_ms") {
		c.Crawl.DelayMs = advancedDelayMs
	}
	c.Crawl.DelayMs = max(c.Crawl.DelayMs, minAdvancedDelayMs)
	c.Crawl.RespectRobots = false
}

// Finalize fills values derived from other fields.
func (c *Config) Finalize() {
	if dir := strings.TrimSpace(c.OutputDir); dir != "" {
		c.OutputDir = filepath.Clean(dir)
	} else {
		c.OutputDir = ""
	}
	c.Crawl.Format = strings.ToLower(strings.TrimSpace(c.Crawl.Format))
	c.Crawl.Renderer = strings.ToLower(strings.TrimSpace(c.Crawl.Renderer))
	if strings.TrimSpace(c.Logging.File) == "" && c.OutputDir != "" {
		c.Logging.File = filepath.Join(c.OutputDir, LogFileName)
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if _, err := classify.ParseMode(c.Crawl.Format); err != nil {
		errs = append(errs, fmt.Errorf("crawl.format: %w", err))
	}
	if c.Crawl.Depth < 0 {
		errs = append(errs, errors.New("crawl.depth must be >= 0"))
	}
	if c.Crawl.DelayMs < 0 {
		errs = append(errs, errors.New("crawl.delay_ms must be >= 0"))
	}
	if c.Crawl.MaxConcurrency <= 0 {
		errs = append(errs, errors.New("crawl.max_concurrency must be > 0"))
	}
	if c.Crawl.MaxRequests <= 0 {
		errs = append(errs, errors.New("crawl.max_requests must be > 0"))
	}
	if c.Crawl.NavigationTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("crawl.navigation_timeout_seconds must be > 0"))
	}
	if c.Crawl.RetryAttempts <= 0 {
		errs = append(errs, errors.New("crawl.retry_attempts must be > 0"))
	}
	switch c.Crawl.Renderer {
	case RendererChromedp, RendererStatic, RendererAuto:
	default:
		errs = append(errs, fmt.Errorf("crawl.renderer must be %q, %q or %q", RendererChromedp, RendererStatic, RendererAuto))
	}
	if c.Proxy.RetryLimit <= 0 {
		errs = append(errs, errors.New("proxy.retry_limit must be > 0"))
	}
	if c.Download.MaxFileSizeMB <= 0 {
		errs = append(errs, errors.New("download.max_file_size_mb must be > 0"))
	}
	if c.Download.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("download.timeout_seconds must be > 0"))
	}
	return errors.Join(errs...)
}

// Delay converts crawl.delay_ms.
func (c Config) Delay() time.Duration {
	return time.Duration(c.Crawl.DelayMs) * time.Millisecond
}

// NavigationTimeout converts crawl.navigation_timeout_seconds.
func (c Config) NavigationTimeout() time.Duration {
	return time.Duration(c.Crawl.NavigationTimeoutSeconds) * time.Second
}

// MaxFileSize converts download.max_file_size_mb to bytes.
func (c Config) MaxFileSize() int64 {
	return int64(c.Download.MaxFileSizeMB) << 20
}

// DownloadTimeout converts download.timeout_seconds.
func (c Config) DownloadTimeout() time.Duration {
	return time.Duration(c.Download.TimeoutSeconds) * time.Second
}

// ProxyTestTimeout converts proxy.test_timeout_seconds.
func (c Config) ProxyTestTimeout() time.Duration {
	return time.Duration(c.Proxy.TestTimeoutSeconds) * time.Second
}

// RotationInterval converts proxy.rotation_interval_seconds.
func (c Config) RotationInterval() time.Duration {
	return time.Duration(c.Proxy.RotationIntervalSeconds) * time.Second
}

// Mode returns the parsed output format mode.
func (c Config) Mode() classify.Mode {
	m, err := classify.ParseMode(c.Crawl.Format)
	if err != nil {
		return classify.ModeAuto
	}
	return m
}

// EncryptionKey returns the log key, or "" when encryption is disabled.
func (c Config) EncryptionKey() string {
	if c.Logging.NoEncryption {
		return ""
	}
	return c.Logging.Key
}
