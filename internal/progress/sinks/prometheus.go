package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mani1728/Mani-FAI-Client/internal/progress"
)

// PrometheusSink exports sync run metrics: runs started, finished by result,
// currently running, run wall time, and batch and record counters per kind.
type PrometheusSink struct {
	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runsRunning  prometheus.Gauge
	runDuration  *prometheus.HistogramVec

	batches *prometheus.CounterVec
	records *prometheus.CounterVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtagent_sync_runs_started_total",
			Help: "Sync runs started, by kind.",
		}, []string{"kind"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtagent_sync_runs_finished_total",
			Help: "Sync runs finished, by kind and result.",
		}, []string{"kind", "result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtagent_sync_runs_running",
			Help: "Sync runs currently in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtagent_sync_run_duration_seconds",
			Help:    "Wall time per finished sync run.",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"kind", "result"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtagent_sync_batches_total",
			Help: "Batches handed to the transport, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtagent_sync_records_total",
			Help: "Records in delivered batches, by kind.",
		}, []string{"kind"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsFinished,
		s.runsRunning,
		s.runDuration,
		s.batches,
		s.records,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageSyncStart:
			s.runsStarted.WithLabelValues(evt.Kind).Inc()
			if s.tracker.start(evt.RunID, evt.Kind) {
				s.runsRunning.Inc()
			}
		case progress.StageBatchSent:
			kind := s.tracker.kind(evt.RunID, evt.Kind)
			s.batches.WithLabelValues(kind, "delivered").Inc()
			s.records.WithLabelValues(kind).Add(float64(evt.Records))
		case progress.StageBatchFailed:
			s.batches.WithLabelValues(s.tracker.kind(evt.RunID, evt.Kind), "failed").Inc()
		case progress.StageSyncDone, progress.StageSyncEmpty, progress.StageSyncError:
			s.finish(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finish(evt progress.Event) {
	result := "success"
	switch evt.Stage {
	case progress.StageSyncEmpty:
		result = "empty"
	case progress.StageSyncError:
		result = "error"
	}
	s.runsFinished.WithLabelValues(evt.Kind, result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(evt.Kind, result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.RunID) {
		s.runsRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// runTracker remembers the kind of each running run so batch events, which do
// not always carry it, are labeled correctly.
type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]string
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]string)}
}

func (t *runTracker) start(id [16]byte, kind string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = kind
	return true
}

func (t *runTracker) kind(id [16]byte, fallback string) string {
	if fallback != "" {
		return fallback
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if kind, ok := t.running[id]; ok {
		return kind
	}
	return "unknown"
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
