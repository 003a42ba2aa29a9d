package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mani1728/Mani-FAI-Client/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow a run.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSyncStart, Kind: "symbols"},
		{RunID: runID, TS: now, Stage: progress.StageBatchSent, Records: 500},
		{RunID: runID, TS: now, Stage: progress.StageBatchFailed, Records: 500},
		{RunID: runID, TS: now, Stage: progress.StageBatchSent, Records: 200},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageSyncDone, Kind: "symbols", Total: 1200, Dur: 3 * time.Second},
	}))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted.WithLabelValues("symbols")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsFinished.WithLabelValues("symbols", "success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.batches.WithLabelValues("symbols", "delivered")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.batches.WithLabelValues("symbols", "failed")))
	require.InDelta(t, 700.0, testutil.ToFloat64(sink.records.WithLabelValues("symbols")), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "mtagent_sync_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageSyncStart, Kind: "rates", Subject: "EURUSD"},
		{RunID: runID, Stage: progress.StageBatchSent, Records: 5000},
		{RunID: runID, Stage: progress.StageSyncError, Kind: "rates", Note: "terminal unavailable"},
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, "SYNC_START", entries[0].ContextMap()["stage"])
	require.Equal(t, zap.ErrorLevel, entries[1].Level)
	require.Equal(t, "terminal unavailable", entries[1].ContextMap()["note"])
}
