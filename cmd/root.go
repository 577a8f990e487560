// Package cmd defines and implements the CLI commands for the argus executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/app"
	"github.com/JakeFAU/argus-crawler/internal/config"
	"github.com/JakeFAU/argus-crawler/internal/crawler"
	"github.com/JakeFAU/argus-crawler/internal/logging"
	"github.com/JakeFAU/argus-crawler/internal/proxypool"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// fake through newApp.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetPool() *proxypool.Pool
	RunCrawl(ctx context.Context, startURL string) (crawler.Stats, error)
	TestProxies(ctx context.Context, path string) (proxypool.Partition, proxypool.ReportPaths, error)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.NewApp(ctx, cfg, logger)
}

// newLogger builds the process logger from cfg.
var newLogger = func(cfg config.Config) (*zap.Logger, func(), error) {
	key := cfg.EncryptionKey()
	return logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		Encrypt:     key != "",
		Key:         key,
	})
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var (
		cfgFile  string
		flushLog func()
	)
	cmd := &cobra.Command{
		Use:   "argus",
		Short: "Argus crawls a site and keeps every page in the format that suits it.",
		Long: `Argus renders pages breadth first from a start URL, rotates requests
through a tested proxy pool, honors robots.txt, and stores each page as
Markdown, a spreadsheet or cleaned HTML depending on its content, with a
JSON sidecar describing what was saved.`,
		SilenceUsage: true,

		// Runs after flag parsing and before the subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return err
			}
			logger, flush, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			flushLog = flush

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
			if flushLog != nil {
				flushLog()
			}
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	pf.StringP("output-dir", "o", "./argus_data", "directory for pages, resources, reports and the log")
	pf.Bool("dev", false, "human-readable console logging")
	pf.String("log-file", "", "log file path (default <output-dir>/argus.log)")
	pf.Bool("no-encryption", false, "write the log file in plain JSON")
	pf.StringP("key", "k", logging.DefaultKey, "log encryption passphrase")
	pf.String("database-dsn", "", "Postgres DSN for page and run records")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newTestProxiesCmd())
	cmd.AddCommand(newDecryptLogCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
