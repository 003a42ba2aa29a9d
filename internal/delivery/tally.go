package delivery

import (
	"context"
	"fmt"
	"sync"

	"github.com/mani1728/Mani-FAI-Client/internal/message"
)

// Run identifies the sync run a Tally belongs to.
type Run struct {
	ID      [16]byte
	Kind    message.Kind
	Subject string
	Login   int64
}

// Counts is the delivery outcome of a run so far.
type Counts struct {
	Delivered int
	Failed    int
	// Records is the number of records in delivered batches.
	Records int
}

// Tally aggregates delivery outcomes for one sync run. Every delivery added to
// it resolves exactly once: sent, failed, or discarded on stop.
type Tally struct {
	run Run

	mu      sync.Mutex
	counts  Counts
	pending int
	// idle is closed when pending drops back to zero.
	idle chan struct{}
}

// NewTally starts an empty tally for run.
func NewTally(run Run) *Tally {
	idle := make(chan struct{})
	close(idle)
	return &Tally{run: run, idle: idle}
}

// Run returns the run the tally belongs to.
func (t *Tally) Run() Run {
	return t.run
}

func (t *Tally) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == 0 {
		t.idle = make(chan struct{})
	}
	t.pending++
}

func (t *Tally) resolve(ok bool, records int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ok {
		t.counts.Delivered++
		t.counts.Records += records
	} else {
		t.counts.Failed++
	}
	t.pending--
	if t.pending == 0 {
		close(t.idle)
	}
}

// Counts returns a snapshot without waiting.
func (t *Tally) Counts() Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts
}

// Pending returns the number of deliveries not yet resolved.
func (t *Tally) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Wait blocks until every delivery added so far has resolved, then returns the
// final counts. On ctx expiry it returns the partial counts and ctx's error;
// nothing is left waiting behind it.
func (t *Tally) Wait(ctx context.Context) (Counts, error) {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return t.Counts(), nil
	case <-ctx.Done():
		return t.Counts(), fmt.Errorf("wait for deliveries: %w", ctx.Err())
	}
}
