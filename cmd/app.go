package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/checkpoint"
	"github.com/fieldworks/assistsync/internal/clock"
	"github.com/fieldworks/assistsync/internal/clock/system"
	"github.com/fieldworks/assistsync/internal/config"
	"github.com/fieldworks/assistsync/internal/exportapi"
	"github.com/fieldworks/assistsync/internal/logging"
	"github.com/fieldworks/assistsync/internal/progress"
	"github.com/fieldworks/assistsync/internal/progress/sinks"
	"github.com/fieldworks/assistsync/internal/syncer"
	"github.com/fieldworks/assistsync/internal/warehouse"
)

const defaultConfigFile = "assistsync.yaml"

// app holds the wired service dependencies shared by the subcommands. The
// warehouse connection is opened on demand because not every command needs
// one.
type app struct {
	cfg         config.Config
	logger      *zap.Logger
	checkpoints *checkpoint.Store
	registry    *prometheus.Registry
	hub         *progress.Hub
	client      *exportapi.Client
	store       *warehouse.Store
	clock       clock.Clock
}

func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	checkpoints, err := checkpoint.NewStore(cfg.Pipeline.StateDir)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(registry)
	if err != nil {
		return nil, fmt.Errorf("register sync metrics: %w", err)
	}
	hub := progress.NewHub(
		progress.Config{Logger: logger.Named("progress")},
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	)

	client := exportapi.New(exportapi.Config{
		BaseURL:        cfg.API.BaseURL,
		Token:          cfg.API.Token,
		Timeout:        cfg.APITimeout(),
		MaxRetries:     cfg.API.MaxRetries,
		BackoffInitial: cfg.BackoffInitial(),
		BackoffMax:     cfg.BackoffMax(),
		PageRPS:        cfg.API.PageRPS,
	}, logger.Named("exportapi"), hub)

	return &app{
		cfg:         cfg,
		logger:      logger,
		checkpoints: checkpoints,
		registry:    registry,
		hub:         hub,
		client:      client,
		clock:       system.New(),
	}, nil
}

func (a *app) connectWarehouse(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	store, err := warehouse.New(ctx, warehouse.Config{
		DSN:            a.cfg.Warehouse.DSN,
		MaxConns:       a.cfg.Warehouse.MaxConns,
		MinConns:       a.cfg.Warehouse.MinConns,
		ConnectRetries: a.cfg.Warehouse.ConnectRetries,
	}, a.logger.Named("warehouse"))
	if err != nil {
		return err
	}
	a.store = store
	return nil
}

func (a *app) orchestrator() *syncer.Orchestrator {
	return a.orchestratorWindowed(a.cfg.Floor(), time.Time{})
}

// orchestratorWindowed overrides the backfill bounds for explicit
// initial-load date ranges.
func (a *app) orchestratorWindowed(floor, until time.Time) *syncer.Orchestrator {
	return syncer.New(
		syncer.NewAPISource(a.client),
		a.store,
		a.checkpoints,
		a.clock,
		a.logger.Named("syncer"),
		a.hub,
		syncer.Config{
			LookbackDays:        a.cfg.Pipeline.DailyLookbackDays,
			OverlapWatermark:    a.cfg.Pipeline.LookbackOverlapWatermark,
			Floor:               floor,
			BackfillUntil:       until,
			MergeRetries:        a.cfg.Warehouse.ConnectRetries,
			MergeBackoffInitial: a.cfg.BackoffInitial(),
			MergeBackoffMax:     a.cfg.BackoffMax(),
		},
	)
}

func (a *app) close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	_ = a.logger.Sync()
}

// resolveConfigPath honors an explicit --config, falling back to the default
// file when one exists in the working directory.
func resolveConfigPath(flag string) string {
	if flag != "" {
		return flag
	}
	if _, err := os.Stat(defaultConfigFile); err == nil {
		return defaultConfigFile
	}
	return ""
}
