package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/fieldworks/assistsync/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms are incremented from events.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	batch := []progress.Event{
		{Stage: progress.StageCycleStart},
		{Stage: progress.StagePageFetched, Entity: "users", Records: 60, Cumulative: 60},
		{Stage: progress.StagePageFetched, Entity: "users", Records: 40, Cumulative: 100},
		{
			Stage:    progress.StageBatchMerged,
			Entity:   "users",
			Inserted: 99,
			Updated:  1,
			Skipped:  2,
			Dur:      750 * time.Millisecond,
		},
		{Stage: progress.StageEntityError, Entity: "plugin-calls"},
		{Stage: progress.StageCycleDone, Result: "partial_failure"},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.pagesFetched.WithLabelValues("users")))
	require.Equal(t, 100.0, testutil.ToFloat64(sink.recordsTotal.WithLabelValues("users")))
	require.Equal(t, 99.0, testutil.ToFloat64(sink.rowsInserted.WithLabelValues("users")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rowsUpdated.WithLabelValues("users")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.rowsSkipped.WithLabelValues("users")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.entityErrors.WithLabelValues("plugin-calls")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.cyclesTotal.WithLabelValues("partial_failure")))
	require.Equal(t, 1, testutil.CollectAndCount(sink.mergeDuration, "sync_merge_duration_seconds"))
}

// TestPrometheusSinkDoubleRegisterFails guards against duplicate collector registration.
func TestPrometheusSinkDoubleRegisterFails(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
