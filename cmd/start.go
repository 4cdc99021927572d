package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/api"
	"github.com/fieldworks/assistsync/internal/syncer"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Runs the sync service with a daily schedule and HTTP status endpoints",
		Long: `Starts the long-running service: one sync cycle fires each day at
pipeline.schedule_time in pipeline.timezone, and an HTTP listener serves
/healthz, /readyz, /status, and /metrics. SIGINT or SIGTERM stops the
scheduler after the in-flight page finishes.`,
		RunE: runStartCommand,
	}
}

// cycleRecorder lets the HTTP status endpoint see each finished cycle.
type cycleRecorder struct {
	runner   syncer.Runner
	recordTo *api.Server
}

func (r *cycleRecorder) RunCycle(ctx context.Context, initialLoad bool) (syncer.RunSummary, error) {
	summary, err := r.runner.RunCycle(ctx, initialLoad)
	if err == nil {
		r.recordTo.RecordCycle(summary)
	}
	return summary, err
}

func runStartCommand(cmd *cobra.Command, _ []string) error {
	app, err := newApp(resolveConfigPath(cfgFile))
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	ctx := cmd.Context()
	if err := app.connectWarehouse(ctx); err != nil {
		return err
	}
	if err := app.store.EnsureTables(ctx); err != nil {
		return err
	}

	server := api.NewServer(app.checkpoints, app.store, app.registry, app.logger.Named("api"))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		app.logger.Info("http listener starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	scheduler, err := syncer.NewScheduler(
		&cycleRecorder{runner: app.orchestrator(), recordTo: server},
		app.cfg.Pipeline.ScheduleTime,
		app.cfg.Location(),
		app.clock,
		app.logger.Named("scheduler"),
	)
	if err != nil {
		return err
	}

	schedErr := scheduler.RunForever(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		app.logger.Warn("http shutdown failed", zap.Error(err))
	}
	if err := <-serveErr; err != nil {
		return fmt.Errorf("http listener: %w", err)
	}
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return schedErr
	}

	app.logger.Info("sync service stopped")
	return nil
}
