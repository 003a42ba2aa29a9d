// Package memory provides an in-memory run-history store for development and tests.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mani1728/Mani-FAI-Client/internal/store"
)

// DefaultLimit caps retained runs when NewRunStore receives a non-positive limit.
const DefaultLimit = 1000

// RunStore keeps the most recent runs in memory.
type RunStore struct {
	mu    sync.RWMutex
	runs  map[uuid.UUID]store.Run
	order []uuid.UUID
	limit int
}

// NewRunStore constructs a RunStore retaining at most limit runs.
func NewRunStore(limit int) *RunStore {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &RunStore{runs: make(map[uuid.UUID]store.Run), limit: limit}
}

// StartRun implements store.RunRepository.
func (s *RunStore) StartRun(_ context.Context, run store.Run) error {
	if run.ID == uuid.Nil {
		return fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return nil
	}
	run.Status = store.RunRunning
	run.FinishedAt = nil
	s.runs[run.ID] = run
	s.order = append(s.order, run.ID)
	if len(s.order) > s.limit {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, evict)
	}
	return nil
}

// AddBatches implements store.RunRepository.
func (s *RunStore) AddBatches(_ context.Context, id uuid.UUID, delta store.BatchDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.Delivered += delta.Delivered
	run.Failed += delta.Failed
	run.Records += delta.Records
	s.runs[id] = run
	return nil
}

// CompleteRun implements store.RunRepository.
func (s *RunStore) CompleteRun(
	_ context.Context,
	id uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	total int64,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	ts := finishedAt.UTC()
	run.FinishedAt = &ts
	run.Status = status
	run.Total = total
	run.ErrorMessage = errMsg
	s.runs[id] = run
	return nil
}

// GetRun implements store.RunRepository.
func (s *RunStore) GetRun(_ context.Context, id uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns implements store.RunRepository.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	out := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b store.Run) int {
		if c := b.StartedAt.Compare(a.StartedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	if offset > len(out) {
		return []store.Run{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
