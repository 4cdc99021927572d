package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldworks/assistsync/internal/syncer"
)

func newInitialLoadCmd() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "initial-load",
		Short: "Backfills every entity over a historical date range",
		Long: `Runs one sync cycle with windows covering the full backfill range:
from pipeline.entity_floor (or --from) up to now (or --to). Safe to
rerun: already-loaded records are updated in place, and an interrupted
backfill resumes from its saved cursor.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInitialLoad(cmd, from, to)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "backfill start date, YYYY-MM-DD (default pipeline.entity_floor)")
	cmd.Flags().StringVar(&to, "to", "", "backfill end date, YYYY-MM-DD (default now)")
	return cmd
}

func runInitialLoad(cmd *cobra.Command, from, to string) error {
	app, err := newApp(resolveConfigPath(cfgFile))
	if err != nil {
		return err
	}
	defer app.close(cmd.Context())

	floor := app.cfg.Floor()
	if from != "" {
		if floor, err = time.Parse("2006-01-02", from); err != nil {
			return fmt.Errorf("--from %q is not YYYY-MM-DD: %w", from, err)
		}
	}
	var until time.Time
	if to != "" {
		if until, err = time.Parse("2006-01-02", to); err != nil {
			return fmt.Errorf("--to %q is not YYYY-MM-DD: %w", to, err)
		}
		if !until.After(floor) {
			return fmt.Errorf("--to must be after the backfill start")
		}
	}

	if err := app.connectWarehouse(cmd.Context()); err != nil {
		return err
	}
	if err := app.store.EnsureTables(cmd.Context()); err != nil {
		return err
	}

	summary, err := app.orchestratorWindowed(floor, until).RunCycle(cmd.Context(), true)
	if err != nil {
		return err
	}
	return reportSummary(cmd, summary)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs one incremental sync cycle and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOneCycle(cmd, false)
		},
	}
}

func runOneCycle(cmd *cobra.Command, initialLoad bool) error {
	app, err := newApp(resolveConfigPath(cfgFile))
	if err != nil {
		return err
	}
	defer app.close(cmd.Context())

	if err := app.connectWarehouse(cmd.Context()); err != nil {
		return err
	}
	if err := app.store.EnsureTables(cmd.Context()); err != nil {
		return err
	}

	summary, err := app.orchestrator().RunCycle(cmd.Context(), initialLoad)
	if err != nil {
		return err
	}
	return reportSummary(cmd, summary)
}

func reportSummary(cmd *cobra.Command, summary syncer.RunSummary) error {
	fmt.Fprintf(cmd.OutOrStdout(),
		"Cycle %s finished with status %s: %d inserted, %d updated, %d skipped.\n",
		summary.CycleID, summary.Status, summary.Inserted(), summary.Updated(), summary.Skipped())

	failed := summary.Failed()
	if len(failed) == 0 {
		return nil
	}
	for _, e := range failed {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s: %v\n", e.Entity, e.Err)
	}
	if summary.Status == syncer.StatusFailed {
		return fmt.Errorf("sync cycle failed for every entity")
	}
	return fmt.Errorf("sync cycle failed for %d of %d entities", len(failed), len(summary.Entities))
}
