package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/progress"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
)

// StoreSink persists run history through a store.RunRepository. Batch events
// are collapsed into one counter update per run per flush.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies the batch in order. Pending counters of a run are written
// before the run is completed, so the final row is consistent.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	deltas := make(map[uuid.UUID]*store.BatchDelta)
	order := make([]uuid.UUID, 0)

	for _, evt := range batch {
		id := evt.RunUUID()
		switch evt.Stage {
		case progress.StageSyncStart:
			if err := s.repo.StartRun(ctx, store.Run{
				ID:        id,
				Kind:      evt.Kind,
				Subject:   evt.Subject,
				Login:     evt.Login,
				StartedAt: evt.TS.UTC(),
			}); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageBatchSent, progress.StageBatchFailed:
			d, ok := deltas[id]
			if !ok {
				d = &store.BatchDelta{}
				deltas[id] = d
				order = append(order, id)
			}
			if evt.Stage == progress.StageBatchSent {
				d.Delivered++
				d.Records += int64(evt.Records)
			} else {
				d.Failed++
			}
		case progress.StageSyncDone, progress.StageSyncEmpty, progress.StageSyncError:
			if err := s.flushDelta(ctx, id, deltas); err != nil {
				return err
			}
			if err := s.complete(ctx, id, evt); err != nil {
				return err
			}
		}
	}

	for _, id := range order {
		if err := s.flushDelta(ctx, id, deltas); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) flushDelta(ctx context.Context, id uuid.UUID, deltas map[uuid.UUID]*store.BatchDelta) error {
	d, ok := deltas[id]
	if !ok || d.Zero() {
		return nil
	}
	delete(deltas, id)
	if err := s.repo.AddBatches(ctx, id, *d); err != nil {
		return fmt.Errorf("add batches: %w", err)
	}
	return nil
}

func (s *StoreSink) complete(ctx context.Context, id uuid.UUID, evt progress.Event) error {
	status := store.RunFinished
	var note *string
	switch evt.Stage {
	case progress.StageSyncEmpty:
		status = store.RunEmpty
	case progress.StageSyncError:
		status = store.RunError
		if evt.Note != "" {
			msg := evt.Note
			note = &msg
		}
	}
	if err := s.repo.CompleteRun(ctx, id, evt.TS.UTC(), status, int64(evt.Total), note); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
