package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/classify"
	"github.com/JakeFAU/argus-crawler/internal/config"
	"github.com/JakeFAU/argus-crawler/internal/crawler"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawls a site from a start URL",
		Long: `Crawls pages reachable from the start URL on the same site, up to the
given depth, and stores each one according to --format. Interrupting the
crawl with Ctrl-C stops it cleanly and still writes the run summary.`,
		Args: cobra.ExactArgs(1),
		RunE: runCrawlCommand,
	}

	f := cmd.Flags()
	f.IntP("depth", "d", crawler.DefaultMaxDepth, "link depth to follow from the start page")
	f.StringP("format", "f", string(classify.ModeAuto), "output format: auto, markdown, xlsx, html or both")
	f.IntP("delay", "w", 1000, "politeness delay between requests to a host, in milliseconds")
	f.StringP("proxies", "p", "", "proxy list file, one proxy per line")
	f.BoolP("advanced", "a", false, "raise limits, skip robots.txt and vary the viewport")
	f.Bool("test-proxies", false, "test the proxy list before crawling and keep only working proxies")
	f.Int("max-concurrency", crawler.DefaultMaxConcurrency, "pages rendered in parallel")
	f.Int("max-requests", crawler.DefaultMaxRequests, "maximum URLs processed in one run")
	f.Int("navigation-timeout", int(crawler.DefaultNavigationTimeout.Seconds()), "page navigation timeout, in seconds")
	f.Int("retry-attempts", crawler.DefaultRetryAttempts, "attempts per page on transient failures")
	f.Bool("download-resources", false, "download linked images, documents and videos")
	f.Int("max-file-size", 10, "largest resource to download, in MB")
	f.String("renderer", config.RendererChromedp, "page renderer: chromedp, static or auto")
	f.String("user-agent", "", "User-Agent header sent with every request")
	f.String("metrics-addr", "", "serve /healthz, /metrics and /v1 status on this address while crawling")
	return cmd
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := appInstance.RunCrawl(ctx, args[0])
	printStats(cmd, stats)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		logger.Warn("crawl interrupted; partial results saved")
	default:
		return fmt.Errorf("run crawler: %w", err)
	}
	logger.Info("crawl command finished", zap.String("start_url", args[0]))
	return nil
}

func printStats(cmd *cobra.Command, s crawler.Stats) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "URLs processed: %d (succeeded %d, failed %d, skipped %d)\n",
		s.TotalURLs, s.Succeeded, s.Failed, s.Skipped)
	_, _ = fmt.Fprintf(out, "Duration: %s (%.2f URLs/min)\n", s.Duration.Round(time.Millisecond), s.URLsPerMinute)
	if s.Downloads.Total() > 0 {
		_, _ = fmt.Fprintf(out, "Downloads: %s\n", s.Downloads)
	}
}
