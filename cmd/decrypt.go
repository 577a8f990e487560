package cmd

import (
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/argus-crawler/internal/logging"
)

// newDecryptLogCmd creates the 'decrypt-log' subcommand. It needs no
// services, so it replaces the root pre-run hook with its own.
func newDecryptLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decrypt-log <file>",
		Short: "Prints the entries of an encrypted run log",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {},
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := cmd.Flags().GetString("key")
			if err != nil {
				return err
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return err
			}
			entries, err := logging.ReadLog(args[0], key)
			if err != nil {
				return err
			}
			return printEntries(cmd.OutOrStdout(), entries, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print one JSON object per entry")
	return cmd
}

func printEntries(w io.Writer, entries []logging.Entry, asJSON bool) error {
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	for _, e := range entries {
		if asJSON {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("encode entry: %w", err)
			}
			continue
		}
		if e.Error != "" {
			_, _ = fmt.Fprintf(w, "!! %s (%s)\n", e.Raw, e.Error)
			continue
		}
		line := fmt.Sprintf("%s [%s] %s", e.Timestamp, e.Level, e.Message)
		if len(e.Fields) > 0 {
			fields, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalToString(e.Fields)
			if err != nil {
				return fmt.Errorf("encode fields: %w", err)
			}
			line += " " + fields
		}
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}
