// Package progress defines the lifecycle events emitted by sync runs.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event represents.
type Stage string

// Supported stages.
const (
	StageSyncStart   Stage = "SYNC_START"
	StageBatchSent   Stage = "BATCH_SENT"
	StageBatchFailed Stage = "BATCH_FAILED"
	StageSyncDone    Stage = "SYNC_DONE"
	StageSyncEmpty   Stage = "SYNC_EMPTY"
	StageSyncError   Stage = "SYNC_ERROR"
)

// Terminal reports whether the stage closes a run.
func (s Stage) Terminal() bool {
	switch s {
	case StageSyncDone, StageSyncEmpty, StageSyncError:
		return true
	default:
		return false
	}
}

// Event captures one milestone of a sync run.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Kind is "symbols" or "rates".
	Kind string
	// Subject is the instrument name for rate runs.
	Subject string
	Login   int64
	// Current and Total carry cumulative progress for batch events and the
	// record total for terminal events.
	Current int
	Total   int
	// Records is the size of the batch for batch events.
	Records int
	// Dur is the run wall time on terminal events.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSyncStart, StageSyncDone, StageSyncEmpty, StageSyncError:
		if e.Kind == "" {
			return fmt.Errorf("%s requires kind", e.Stage)
		}
	case StageBatchSent, StageBatchFailed:
		if e.Records < 0 {
			return errors.New("records must be >= 0")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Current < 0 || e.Total < 0 {
		return errors.New("progress counts must be >= 0")
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	return [16]byte(id)
}
