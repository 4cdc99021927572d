package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/fieldworks/assistsync/internal/checkpoint"
	"github.com/fieldworks/assistsync/internal/entity"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows per-entity checkpoint state",
		RunE:  runStatusCommand,
	}
}

func runStatusCommand(cmd *cobra.Command, _ []string) error {
	app, err := newApp(resolveConfigPath(cfgFile))
	if err != nil {
		return err
	}
	defer app.close(cmd.Context())

	states, err := app.checkpoints.Snapshot()
	if err != nil {
		return err
	}
	byEntity := make(map[string]checkpoint.SyncState, len(states))
	for _, state := range states {
		byEntity[state.Entity] = state
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Entity", "Last Synced", "Initial Load", "Resuming", "Updated"})

	for _, name := range entity.Names() {
		state := byEntity[name]
		lastSynced := "never"
		if !state.LastSyncedAt.IsZero() {
			lastSynced = state.LastSyncedAt.Format("2006-01-02 15:04:05 MST")
		}
		updated := "-"
		if !state.UpdatedAt.IsZero() {
			updated = state.UpdatedAt.Format("2006-01-02 15:04:05 MST")
		}
		t.AppendRow(table.Row{
			name,
			lastSynced,
			yesNo(state.InitialLoadDone),
			yesNo(state.Cursor != ""),
			updated,
		})
	}
	t.Render()
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
