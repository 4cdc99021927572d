package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/clock"
)

// Runner runs one sync cycle. Satisfied by *Orchestrator.
type Runner interface {
	RunCycle(ctx context.Context, initialLoad bool) (RunSummary, error)
}

// Scheduler fires one cycle per day at a fixed wall-clock time in the
// configured timezone. Waits are cancellable; a cycle in flight finishes its
// current page before stopping.
type Scheduler struct {
	runner   Runner
	schedule string
	loc      *time.Location
	clock    clock.Clock
	logger   *zap.Logger
}

// NewScheduler builds a Scheduler. schedule is HH:MM in loc.
func NewScheduler(runner Runner, schedule string, loc *time.Location, clk clock.Clock, logger *zap.Logger) (*Scheduler, error) {
	if _, err := time.Parse("15:04", schedule); err != nil {
		return nil, fmt.Errorf("schedule %q is not HH:MM: %w", schedule, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		loc:      loc,
		clock:    clk,
		logger:   logger,
	}, nil
}

// RunOnce executes exactly one incremental cycle immediately.
func (s *Scheduler) RunOnce(ctx context.Context) (RunSummary, error) {
	return s.runner.RunCycle(ctx, false)
}

// RunForever loops daily cycles until the context is cancelled. Cycle
// failures are logged and the loop continues; only cancellation stops it.
func (s *Scheduler) RunForever(ctx context.Context) error {
	for {
		next := s.nextRun(s.clock.Now())
		wait := next.Sub(s.clock.Now())
		s.logger.Info("next sync cycle scheduled",
			zap.Time("at", next),
			zap.Duration("in", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}

		summary, err := s.runner.RunCycle(ctx, false)
		if err != nil {
			s.logger.Error("sync cycle errored", zap.Error(err))
		} else if summary.Status != StatusSuccess {
			s.logger.Warn("sync cycle did not fully succeed",
				zap.String("cycle_id", summary.CycleID),
				zap.String("status", string(summary.Status)),
				zap.Int("failed_entities", len(summary.Failed())),
			)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// nextRun returns the next occurrence of the scheduled wall-clock time
// strictly after now, resolved in the scheduler's timezone.
func (s *Scheduler) nextRun(now time.Time) time.Time {
	at, _ := time.Parse("15:04", s.schedule)
	local := now.In(s.loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, s.loc)
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
