// Package scheduler runs the recurring symbol sync on a cron schedule.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone lookups on hosts without a zoneinfo database

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
)

// Runner performs the scheduled sync.
type Runner interface {
	RunSymbols(ctx context.Context, trigger syncer.Trigger) (syncer.Report, error)
}

// Config holds the standard five-field cron spec and the zone it is read in.
type Config struct {
	Spec     string
	Timezone string
}

// Scheduler triggers Runner.RunSymbols on schedule while ready reports true.
type Scheduler struct {
	cron   *cron.Cron
	entry  cron.EntryID
	runner Runner
	ready  func() bool
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New parses cfg and prepares a stopped Scheduler. ready gates each firing;
// a nil ready always runs.
func New(cfg Config, runner Runner, ready func() bool, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, errors.New("scheduler runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if ready == nil {
		ready = func() bool { return true }
	}
	loc := time.UTC
	if cfg.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(cfg.Timezone); err != nil {
			return nil, fmt.Errorf("load schedule timezone: %w", err)
		}
	}

	logger = logger.Named("scheduler")
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		runner: runner,
		ready:  ready,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	cronLogger := cronLog{logger.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	id, err := s.cron.AddFunc(cfg.Spec, s.fire)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("parse schedule %q: %w", cfg.Spec, err)
	}
	s.entry = id
	return s, nil
}

// Start begins firing in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Time("next", s.Next()))
}

// Stop halts the schedule, cancels a running sync and waits for it to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	s.cancel()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

// Next returns the next firing time, zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) fire() {
	if !s.ready() {
		s.logger.Info("skipping scheduled sync: client not running")
		return
	}
	report, err := s.runner.RunSymbols(s.ctx, syncer.TriggerScheduled)
	if err != nil {
		s.logger.Warn("scheduled sync failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sync done",
		zap.Stringer("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.Int("total", report.Total),
	)
}

// cronLog adapts zap to cron.Logger.
type cronLog struct {
	s *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
