// Package syncer drives sync runs: fetch a dataset through the batch producer,
// hand each batch to the delivery adapter, and report how the run ended.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/batch"
	"github.com/mani1728/Mani-FAI-Client/internal/clock/system"
	"github.com/mani1728/Mani-FAI-Client/internal/delivery"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	idgen "github.com/mani1728/Mani-FAI-Client/internal/id/uuid"
	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/progress"
)

var (
	// ErrNoLogin is returned when no terminal account is known yet.
	ErrNoLogin = errors.New("login number is unknown")
	// ErrInterrupted is returned when the client stopped before every batch
	// was scheduled.
	ErrInterrupted = errors.New("sync interrupted")
)

// Trigger records who started a run.
type Trigger string

// Triggers.
const (
	TriggerManual    Trigger = "Manual"
	TriggerScheduled Trigger = "Scheduled"
)

// Status is the outcome of a run.
type Status string

// Run outcomes.
const (
	StatusFinished Status = "finished"
	StatusEmpty    Status = "empty"
	StatusError    Status = "error"
)

// Session exposes the connection state a run depends on.
type Session interface {
	// Login returns the authenticated account, or 0 when none is known.
	Login() int64
}

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// IDGenerator mints run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Report summarizes one run.
type Report struct {
	RunID   uuid.UUID     `json:"run_id"`
	Kind    message.Kind  `json:"kind"`
	Subject string        `json:"subject,omitempty"`
	Trigger Trigger       `json:"trigger"`
	Status  Status        `json:"status"`
	Total   int           `json:"total"`
	Batches int           `json:"batches"`
	Counts  Counts        `json:"counts"`
	Elapsed time.Duration `json:"elapsed"`
}

// Counts mirrors delivery.Counts for reports.
type Counts struct {
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Records   int `json:"records"`
}

// Orchestrator runs syncs for one connection. Runs are serialized.
type Orchestrator struct {
	mu sync.Mutex

	producer *batch.Producer
	adapter  *delivery.Adapter
	session  Session

	events  events.Publisher
	emitter progress.Emitter
	ids     IDGenerator
	clock   Clock
	logger  *zap.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithEvents sets the UI queue status and progress events go to.
func WithEvents(pub events.Publisher) Option {
	return func(o *Orchestrator) {
		if pub != nil {
			o.events = pub
		}
	}
}

// WithEmitter sets the progress hub.
func WithEmitter(e progress.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *Orchestrator) {
		if ids != nil {
			o.ids = ids
		}
	}
}

// WithClock overrides the run clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the orchestrator logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New builds an Orchestrator.
func New(producer *batch.Producer, adapter *delivery.Adapter, session Session, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		producer: producer,
		adapter:  adapter,
		session:  session,
		events:   events.Discard,
		emitter:  progress.Discard,
		ids:      idgen.NewUUIDGenerator(),
		clock:    system.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.Named("syncer")
	return o
}

// RunSymbols syncs the terminal's full symbol list.
func (o *Orchestrator) RunSymbols(ctx context.Context, trigger Trigger) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan := runPlan{
		kind:    message.KindSymbols,
		trigger: trigger,
		started: fmt.Sprintf("Symbol sync started (Trigger: %s)", trigger),
		noLogin: "Cannot sync symbols: Login number is unknown.",
		empty:   "No data found for symbols.",
		done:    "Symbol sync finished.",
	}
	return run(ctx, o, plan,
		func(progress batch.ProgressFunc) (batch.Stream[message.SymbolRecord], error) {
			return o.producer.Symbols(ctx, progress)
		},
		func(login int64, b []message.SymbolRecord) message.SyncPayload {
			return message.SyncPayload{Kind: message.KindSymbols, OwnerID: login, Symbols: b}
		},
	)
}

// RunRates syncs the configured history depth of one symbol.
func (o *Orchestrator) RunRates(ctx context.Context, symbol string, trigger Trigger) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan := runPlan{
		kind:    message.KindRates,
		subject: symbol,
		trigger: trigger,
		started: fmt.Sprintf("Rates sync started for %s (Trigger: %s)", symbol, trigger),
		noLogin: "Cannot sync rates data: Login number is unknown.",
		empty:   fmt.Sprintf("No rates data found for %s.", symbol),
		done:    fmt.Sprintf("Rates sync finished for %s.", symbol),
	}
	return run(ctx, o, plan,
		func(progress batch.ProgressFunc) (batch.Stream[message.RateRecord], error) {
			return o.producer.Rates(ctx, symbol, progress)
		},
		func(login int64, b []message.RateRecord) message.SyncPayload {
			return message.SyncPayload{Kind: message.KindRates, OwnerID: login, Subject: symbol, Rates: b}
		},
	)
}

// RequestDBSymbols asks the backend for the symbols it already stores. The
// answer arrives asynchronously as a db_symbols_list message.
func (o *Orchestrator) RequestDBSymbols(context.Context) error {
	login := o.session.Login()
	if login <= 0 {
		o.events.Publish(events.Log(events.LevelError, "Cannot fetch symbols: Login number is unknown."))
		return ErrNoLogin
	}
	o.events.Publish(events.Log(events.LevelInfo, "Requesting symbol list from database..."))
	if err := o.adapter.Send(message.GetDBSymbols{Login: login}); err != nil {
		o.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Send error: %v", err)))
		return fmt.Errorf("request db symbols: %w", err)
	}
	return nil
}

type runPlan struct {
	kind    message.Kind
	subject string
	trigger Trigger

	started string
	noLogin string
	empty   string
	done    string
}

func run[T any](
	ctx context.Context,
	o *Orchestrator,
	plan runPlan,
	fetch func(batch.ProgressFunc) (batch.Stream[T], error),
	wrap func(login int64, b []T) message.SyncPayload,
) (Report, error) {
	report := Report{Kind: plan.kind, Subject: plan.subject, Trigger: plan.trigger, Status: StatusError}

	login := o.session.Login()
	if login <= 0 {
		o.events.Publish(events.Log(events.LevelError, plan.noLogin))
		return report, ErrNoLogin
	}

	runID, err := o.ids.NewRunID()
	if err != nil {
		return report, fmt.Errorf("start %s sync: %w", plan.kind, err)
	}
	report.RunID = runID
	logger := o.logger.With(
		zap.Stringer("run_id", runID),
		zap.String("kind", string(plan.kind)),
		zap.String("subject", plan.subject),
		zap.String("trigger", string(plan.trigger)),
	)
	started := o.clock.Now()
	r := runEvents{o: o, id: progress.UUIDToBytes(runID), plan: plan, login: login, started: started}

	o.events.Publish(events.Log(events.LevelInfo, plan.started))
	r.emit(progress.StageSyncStart, 0, "")

	stream, err := fetch(o.progressFunc(plan, logger))
	if err != nil {
		logger.Error("fetch failed", zap.Error(err))
		o.events.Publish(events.Log(events.LevelError, fmt.Sprintf("%s sync failed: %v", label(plan.kind), err)))
		r.emit(progress.StageSyncError, 0, err.Error())
		report.Elapsed = o.clock.Now().Sub(started)
		return report, err
	}
	report.Total = stream.Total
	if stream.Empty() {
		logger.Warn("nothing to sync")
		o.events.Publish(events.Log(events.LevelWarning, plan.empty))
		r.emit(progress.StageSyncEmpty, 0, "")
		report.Status = StatusEmpty
		report.Elapsed = o.clock.Now().Sub(started)
		return report, nil
	}

	tally := delivery.NewTally(delivery.Run{ID: r.id, Kind: plan.kind, Subject: plan.subject, Login: login})
	var stopErr error
	for b := range stream.Batches {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if err := o.adapter.Deliver(wrap(login, b), tally); err != nil {
			if errors.Is(err, delivery.ErrNotRunning) {
				stopErr = err
				break
			}
			logger.Warn("batch not scheduled", zap.Error(err))
		}
		report.Batches++
	}

	counts, waitErr := tally.Wait(ctx)
	report.Counts = Counts(counts)
	report.Elapsed = o.clock.Now().Sub(started)
	if stopErr == nil {
		stopErr = waitErr
	}

	if stopErr != nil {
		logger.Warn("sync interrupted", zap.Int("batches", report.Batches), zap.Error(stopErr))
		o.events.Publish(events.Log(events.LevelError,
			fmt.Sprintf("%s sync interrupted: %v", label(plan.kind), stopErr)))
		r.emit(progress.StageSyncError, report.Total, stopErr.Error())
		return report, fmt.Errorf("%w: %w", ErrInterrupted, stopErr)
	}

	report.Status = StatusFinished
	logger.Info("sync finished",
		zap.Int("total", report.Total),
		zap.Int("delivered", counts.Delivered),
		zap.Int("failed", counts.Failed),
		zap.Duration("elapsed", report.Elapsed),
	)
	level := events.LevelSuccess
	if counts.Failed > 0 {
		level = events.LevelWarning
	}
	o.events.Publish(events.Log(level, fmt.Sprintf("%s %d records, %d batches delivered, %d failed.",
		plan.done, report.Total, counts.Delivered, counts.Failed)))
	r.emit(progress.StageSyncDone, report.Total, "")
	return report, nil
}

// progressFunc relays progress to the UI for manual runs and to the log only
// for scheduled ones.
func (o *Orchestrator) progressFunc(plan runPlan, logger *zap.Logger) batch.ProgressFunc {
	if plan.trigger == TriggerScheduled {
		return func(current, total int) {
			logger.Info("scheduled sync progress", zap.Int("current", current), zap.Int("total", total))
		}
	}
	return func(current, total int) {
		o.events.Publish(events.Progress(current, total, plan.subject))
	}
}

type runEvents struct {
	o       *Orchestrator
	id      [16]byte
	plan    runPlan
	login   int64
	started time.Time
}

func (r runEvents) emit(stage progress.Stage, total int, note string) {
	now := r.o.clock.Now()
	evt := progress.Event{
		RunID:   r.id,
		TS:      now,
		Stage:   stage,
		Kind:    string(r.plan.kind),
		Subject: r.plan.subject,
		Login:   r.login,
		Total:   total,
		Note:    note,
	}
	if stage.Terminal() {
		evt.Dur = max(now.Sub(r.started), 0)
	}
	r.o.emitter.Emit(evt)
}

func label(kind message.Kind) string {
	if kind == message.KindRates {
		return "Rates"
	}
	return "Symbol"
}
