package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/argus-crawler/internal/report"
)

// newTestProxiesCmd creates the 'test-proxies' subcommand.
func newTestProxiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test-proxies <file>",
		Short: "Tests a proxy list and writes a report",
		Long: `Loads the proxy list, checks every proxy against the IP echo endpoint in
parallel batches, prints per-proxy results and writes a JSON report and a
list of the working proxies under proxy_results in the output directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			part, paths, err := appInstance.TestProxies(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := report.WriteProxies(out, appInstance.GetPool().Stats()); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "%d valid, %d invalid\n", len(part.Valid), len(part.Invalid))
			_, _ = fmt.Fprintf(out, "Report: %s\nValid proxies: %s\n", paths.JSON, paths.ValidList)
			appInstance.GetLogger().Info("proxy test finished",
				zap.Int("valid", len(part.Valid)),
				zap.Int("invalid", len(part.Invalid)),
			)
			return nil
		},
	}
}
