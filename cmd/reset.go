package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldworks/assistsync/internal/entity"
)

func newResetCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "reset [entity]...",
		Short: "Clears checkpoint state so entities re-run their initial load",
		Long: `Removes the persisted watermark, cursor, and backfill flag for the named
entities (or every entity with --all). Warehouse tables are untouched; the
next initial-load re-covers history and converges via upserts.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResetCommand(cmd, args, all)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reset every entity")
	return cmd
}

func runResetCommand(cmd *cobra.Command, args []string, all bool) error {
	if !all && len(args) == 0 {
		return fmt.Errorf("name at least one entity or pass --all (known: %v)", entity.Names())
	}
	if all && len(args) > 0 {
		return fmt.Errorf("--all and entity names are mutually exclusive")
	}

	app, err := newApp(resolveConfigPath(cfgFile))
	if err != nil {
		return err
	}
	defer app.close(cmd.Context())

	if all {
		if err := app.checkpoints.ResetAll(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Reset checkpoint state for every entity.")
		return nil
	}

	for _, name := range args {
		if _, err := entity.ByName(name); err != nil {
			return err
		}
	}
	for _, name := range args {
		if err := app.checkpoints.Reset(name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Reset checkpoint state for %s.\n", name)
	}
	return nil
}
