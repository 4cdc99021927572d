// Package cmd defines and implements the CLI commands for the assistsync
// executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assistsync",
		Short: "Incremental sync of assistant analytics into a relational warehouse",
		Long: `assistsync extracts conversation analytics from the assistant's
record-export API and reconciles them into warehouse tables with keyed
upserts, so each run converges on the source instead of appending to it.

Progress is checkpointed per entity; interrupted runs resume where they
stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default %s if present)", defaultConfigFile))

	cmd.AddCommand(
		newSetupCmd(),
		newInitialLoadCmd(),
		newRunCmd(),
		newStartCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return cmd
}

// Execute is the main entry point. SIGINT/SIGTERM cancel the command context
// so in-flight work can finish its current page and checkpoint.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
