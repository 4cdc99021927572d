// Package syncer drives sync cycles: it walks every registered entity,
// computes its fetch window from the checkpoint watermark, streams pages from
// the export API, merges each page into the warehouse, and advances the
// watermark only after the merge has committed.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/backoff"
	"github.com/fieldworks/assistsync/internal/checkpoint"
	"github.com/fieldworks/assistsync/internal/clock"
	"github.com/fieldworks/assistsync/internal/entity"
	"github.com/fieldworks/assistsync/internal/exportapi"
	"github.com/fieldworks/assistsync/internal/progress"
	"github.com/fieldworks/assistsync/internal/warehouse"
)

// PageIter is the iteration surface the orchestrator consumes.
type PageIter interface {
	Next(ctx context.Context) bool
	Page() exportapi.Page
	Cursor() string
	Err() error
}

// PageSource opens a lazy page sequence for one entity and window.
type PageSource interface {
	Pages(entityName string, window exportapi.Window, cursor string) PageIter
}

// Merger persists one normalized batch.
type Merger interface {
	Merge(ctx context.Context, batch entity.Batch) (warehouse.MergeResult, error)
}

// Checkpoints is the durable per-entity progress the orchestrator reads and
// advances.
type Checkpoints interface {
	Get(entity string) (checkpoint.SyncState, error)
	Advance(entity string, watermark time.Time) error
	SetCursor(entity, cursor string) error
	MarkInitialLoadDone(entity string) error
}

// NewAPISource adapts the export API client to the PageSource interface.
func NewAPISource(client *exportapi.Client) PageSource {
	return apiSource{client: client}
}

type apiSource struct {
	client *exportapi.Client
}

func (s apiSource) Pages(entityName string, window exportapi.Window, cursor string) PageIter {
	return s.client.Pages(entityName, window, cursor)
}

// Config tunes window computation.
type Config struct {
	// Entities to sync, in processing order. Empty means every registered
	// entity.
	Entities []string
	// LookbackDays widens a daily window backward from the watermark to
	// re-cover late-arriving updates.
	LookbackDays int
	// OverlapWatermark keeps the lookback overlapping already-synced time.
	// Turning it off starts windows exactly at the watermark.
	OverlapWatermark bool
	// Floor is the earliest time any window may start.
	Floor time.Time
	// BackfillUntil caps an initial-load window's end; zero means now.
	BackfillUntil time.Time
	// MergeRetries bounds reattempts of a batch merge after a warehouse
	// connectivity failure. Zero selects the default of two retries.
	MergeRetries int
	// MergeBackoffInitial and MergeBackoffMax bound the waits between merge
	// reattempts.
	MergeBackoffInitial time.Duration
	MergeBackoffMax     time.Duration
}

// Orchestrator runs sync cycles. It is safe to reuse across cycles but not
// for concurrent cycles.
type Orchestrator struct {
	source       PageSource
	merger       Merger
	checkpoints  Checkpoints
	clock        clock.Clock
	logger       *zap.Logger
	hub          *progress.Hub
	cfg          Config
	mergeBackoff backoff.Policy
}

// New builds an Orchestrator.
func New(source PageSource, merger Merger, checkpoints Checkpoints, clk clock.Clock, logger *zap.Logger, hub *progress.Hub, cfg Config) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Entities) == 0 {
		cfg.Entities = entity.Names()
	}
	if cfg.MergeRetries <= 0 {
		cfg.MergeRetries = 2
	}
	return &Orchestrator{
		source:       source,
		merger:       merger,
		checkpoints:  checkpoints,
		clock:        clk,
		logger:       logger,
		hub:          hub,
		cfg:          cfg,
		mergeBackoff: backoff.New(cfg.MergeBackoffInitial, cfg.MergeBackoffMax),
	}
}

// RunCycle syncs every configured entity once. With initialLoad set, windows
// start at the configured floor and the backfill flag is recorded on success.
// One entity's failure does not stop its siblings; a credentials rejection
// aborts the remaining entities because they share the token.
func (o *Orchestrator) RunCycle(ctx context.Context, initialLoad bool) (RunSummary, error) {
	summary := RunSummary{
		CycleID:   uuid.NewString(),
		StartedAt: o.clock.Now().UTC(),
	}
	logger := o.logger.With(zap.String("cycle_id", summary.CycleID))
	logger.Info("sync cycle starting",
		zap.Bool("initial_load", initialLoad),
		zap.Strings("entities", o.cfg.Entities),
	)
	o.hub.Emit(progress.Event{Stage: progress.StageCycleStart})

	var abort error
	for _, name := range o.cfg.Entities {
		if abort != nil {
			summary.Entities = append(summary.Entities, EntityResult{Entity: name, Err: fmt.Errorf("cycle aborted: %w", abort)})
			continue
		}

		result := o.runEntity(ctx, logger, name, initialLoad)
		summary.Entities = append(summary.Entities, result)

		if result.Err != nil {
			o.hub.Emit(progress.Event{
				Stage:  progress.StageEntityError,
				Entity: name,
				Note:   result.Err.Error(),
			})
			logger.Error("entity sync failed",
				zap.String("entity", name),
				zap.Error(result.Err),
			)
			var authErr *exportapi.AuthError
			if errors.As(result.Err, &authErr) {
				abort = result.Err
			}
			if ctx.Err() != nil {
				abort = ctx.Err()
			}
		}
	}

	summary.FinishedAt = o.clock.Now().UTC()
	summary.Status = summary.computeStatus()

	o.hub.Emit(progress.Event{
		Stage:  progress.StageCycleDone,
		Result: string(summary.Status),
	})
	logger.Info("sync cycle finished",
		zap.String("status", string(summary.Status)),
		zap.Duration("took", summary.FinishedAt.Sub(summary.StartedAt)),
		zap.Int("inserted", summary.Inserted()),
		zap.Int("updated", summary.Updated()),
		zap.Int("skipped", summary.Skipped()),
	)
	return summary, nil
}

func (o *Orchestrator) runEntity(ctx context.Context, logger *zap.Logger, name string, initialLoad bool) EntityResult {
	started := o.clock.Now()
	result := EntityResult{Entity: name}

	schema, err := entity.ByName(name)
	if err != nil {
		result.Err = err
		return result
	}
	state, err := o.checkpoints.Get(name)
	if err != nil {
		result.Err = err
		return result
	}

	window := o.window(state, initialLoad)
	result.Window = window

	logger.Info("entity sync starting",
		zap.String("entity", name),
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
		zap.Bool("resuming", state.Cursor != ""),
	)

	it := o.source.Pages(name, window, state.Cursor)
	for it.Next(ctx) {
		page := it.Page()
		if len(page.Records) == 0 {
			continue
		}
		result.Pages++
		result.Fetched += len(page.Records)

		batch := o.normalizePage(logger, schema, page.Records)

		mergeStart := o.clock.Now()
		merged, err := o.mergeWithRetry(ctx, logger, batch)
		if err != nil {
			result.Err = err
			result.Skipped += batch.Skipped
			result.Dur = o.clock.Now().Sub(started)
			return result
		}
		result.Inserted += merged.Inserted
		result.Updated += merged.Updated
		result.Skipped += merged.Skipped

		o.hub.Emit(progress.Event{
			Stage:    progress.StageBatchMerged,
			Entity:   name,
			Records:  len(page.Records),
			Inserted: int64(merged.Inserted),
			Updated:  int64(merged.Updated),
			Skipped:  int64(merged.Skipped),
			Dur:      o.clock.Now().Sub(mergeStart),
		})

		if err := o.checkpoints.SetCursor(name, it.Cursor()); err != nil {
			result.Err = err
			result.Dur = o.clock.Now().Sub(started)
			return result
		}
	}
	if err := it.Err(); err != nil {
		result.Err = err
		result.Dur = o.clock.Now().Sub(started)
		return result
	}
	if ctx.Err() != nil {
		result.Err = ctx.Err()
		result.Dur = o.clock.Now().Sub(started)
		return result
	}

	// Every page committed: the window end becomes the new watermark and any
	// resume cursor is cleared with it.
	if err := o.checkpoints.Advance(name, window.End); err != nil {
		result.Err = err
		result.Dur = o.clock.Now().Sub(started)
		return result
	}
	if initialLoad {
		if err := o.checkpoints.MarkInitialLoadDone(name); err != nil {
			result.Err = err
			result.Dur = o.clock.Now().Sub(started)
			return result
		}
	}

	result.Dur = o.clock.Now().Sub(started)
	logger.Info("entity sync finished",
		zap.String("entity", name),
		zap.Int("pages", result.Pages),
		zap.Int("fetched", result.Fetched),
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Duration("took", result.Dur),
	)
	return result
}

// mergeWithRetry applies one batch, reattempting after warehouse connectivity
// failures up to the configured bound before the error escalates to the
// caller. Schema mismatches and every other error class fail on the first
// attempt. Each merge runs detached from cancellation so a shutdown signal
// cannot abandon a half-applied page; the waits between attempts stay
// cancellable.
func (o *Orchestrator) mergeWithRetry(ctx context.Context, logger *zap.Logger, batch entity.Batch) (warehouse.MergeResult, error) {
	mctx := context.WithoutCancel(ctx)
	for attempt := 0; ; attempt++ {
		merged, err := o.merger.Merge(mctx, batch)
		if err == nil {
			return merged, nil
		}
		var connErr *warehouse.ConnectivityError
		if !errors.As(err, &connErr) || attempt >= o.cfg.MergeRetries {
			return warehouse.MergeResult{}, err
		}
		wait := o.mergeBackoff.Delay(attempt)
		logger.Warn("warehouse unreachable, retrying merge",
			zap.String("entity", batch.Entity),
			zap.Duration("wait", wait),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if err := backoff.Sleep(ctx, wait); err != nil {
			return warehouse.MergeResult{}, err
		}
	}
}

// window computes the fetch window for one entity. Initial loads and
// never-synced entities start at the floor; incremental windows start behind
// the watermark by the lookback so late-arriving updates are re-covered, and
// the idempotent merge absorbs the overlap.
func (o *Orchestrator) window(state checkpoint.SyncState, initialLoad bool) exportapi.Window {
	end := o.clock.Now().UTC()
	if initialLoad || state.LastSyncedAt.IsZero() {
		if initialLoad && !o.cfg.BackfillUntil.IsZero() {
			end = o.cfg.BackfillUntil
		}
		return exportapi.Window{Start: o.cfg.Floor, End: end}
	}
	start := state.LastSyncedAt
	if o.cfg.OverlapWatermark {
		start = start.AddDate(0, 0, -o.cfg.LookbackDays)
	}
	if start.Before(o.cfg.Floor) {
		start = o.cfg.Floor
	}
	return exportapi.Window{Start: start, End: end}
}

func (o *Orchestrator) normalizePage(logger *zap.Logger, schema entity.Schema, records []entity.RawRecord) entity.Batch {
	batch := entity.Batch{
		Entity: schema.Name,
		Rows:   make([]entity.Row, 0, len(records)),
	}
	loadTS := o.clock.Now().UTC()
	for _, rec := range records {
		row, err := entity.Normalize(rec, schema, loadTS)
		if err != nil {
			batch.Skipped++
			logger.Warn("record skipped", zap.String("entity", schema.Name), zap.Error(err))
			continue
		}
		batch.Rows = append(batch.Rows, row)
	}
	return batch
}
