package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultMaxDepth          = 1
	DefaultMaxConcurrency    = 10
	DefaultMaxRequests       = 1000
	DefaultNavigationTimeout = 60 * time.Second
	DefaultRetryAttempts     = 3
	defaultForbiddenLimit    = 3
)

// Config controls a single crawl run.
type Config struct {
	StartURL          string
	MaxDepth          int
	MaxConcurrency    int
	MaxRequests       int
	NavigationTimeout time.Duration
	RetryAttempts     int
	// RespectRobots gates pages on robots.txt. Advanced mode ignores it.
	RespectRobots     bool
	Advanced          bool
	DownloadResources bool
	// ForbiddenThreshold is how many 403/429 answers block a host for the
	// rest of the run.
	ForbiddenThreshold int
}

// Validate reports configuration errors that would make a run meaningless.
func (c Config) Validate() error {
	var errs []error
	u, err := url.Parse(c.StartURL)
	switch {
	case c.StartURL == "":
		errs = append(errs, errors.New("start url is required"))
	case err != nil:
		errs = append(errs, fmt.Errorf("start url: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("start url %q must be http or https", c.StartURL))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("start url %q has no host", c.StartURL))
	}
	if c.MaxDepth < 0 {
		errs = append(errs, errors.New("max depth must be >= 0"))
	}
	if c.MaxConcurrency < 0 || c.MaxRequests < 0 || c.RetryAttempts < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.MaxRequests <= 0 {
		c.MaxRequests = DefaultMaxRequests
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = DefaultNavigationTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.ForbiddenThreshold <= 0 {
		c.ForbiddenThreshold = defaultForbiddenLimit
	}
	return c
}
