package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("sync run not found")

// RunStatus mirrors the sync_runs status column.
type RunStatus string

// Run statuses.
const (
	RunRunning  RunStatus = "running"
	RunFinished RunStatus = "finished"
	RunEmpty    RunStatus = "empty"
	RunError    RunStatus = "error"
)

// Valid reports whether s is a known status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunFinished, RunEmpty, RunError:
		return true
	default:
		return false
	}
}

// Run is one finished or in-progress sync operation.
type Run struct {
	ID      uuid.UUID `json:"id"`
	Kind    string    `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Login   int64     `json:"login"`
	// StartedAt is when the orchestrator accepted the run.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is nil while the run is in progress.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	// Total is the number of records fetched from the terminal.
	Total int64 `json:"total"`
	// Records counts records in delivered batches.
	Records   int64 `json:"records"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	// ErrorMessage holds the failure reason of an errored run.
	ErrorMessage *string `json:"error_message,omitempty"`
}

// BatchDelta is an increment to a run's batch counters.
type BatchDelta struct {
	Delivered int64
	Failed    int64
	Records   int64
}

// Zero reports whether the delta changes nothing.
func (d BatchDelta) Zero() bool {
	return d.Delivered == 0 && d.Failed == 0 && d.Records == 0
}

// RunRepository persists sync run history. In-flight batches are never stored;
// only run-level counters are.
type RunRepository interface {
	// StartRun inserts the run in running status. Starting an existing run is a no-op.
	StartRun(ctx context.Context, run Run) error
	// AddBatches applies batch counter deltas.
	AddBatches(ctx context.Context, id uuid.UUID, delta BatchDelta) error
	// CompleteRun marks the run finished with the given status and record total.
	CompleteRun(
		ctx context.Context,
		id uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		total int64,
		errMsg *string,
	) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs, newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
