// Package sinks provides progress.Sink implementations for logs and metrics.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/progress"
)

// LogSink emits structured logs for sync progress streams. It is useful
// during development or audits where a metrics backend is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.String("entity", evt.Entity),
			zap.Int("records", evt.Records),
			zap.Int("cumulative", evt.Cumulative),
			zap.Int64("inserted", evt.Inserted),
			zap.Int64("updated", evt.Updated),
			zap.Int64("skipped", evt.Skipped),
			zap.Duration("dur", evt.Dur),
			zap.String("result", evt.Result),
			zap.String("note", evt.Note),
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
