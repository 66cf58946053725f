// Package cmd defines and implements the CLI commands for the
// hashtag-importer executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hashtag-importer",
		Short: "A long-running hashtag ingestion daemon.",
		Long: `hashtag-importer continuously pulls trending hashtags from an
upstream source, normalizes them into canonical entities, and writes
them to a durable store, resuming exactly where it left off across
restarts.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and environment are used when unset)")

	cmd.AddCommand(newRunCmd())

	return cmd
}

// Execute is the main entry point. A fatal ingestion error exits non-zero.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
