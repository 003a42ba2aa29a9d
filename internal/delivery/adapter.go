// Package delivery hands encoded sync batches and control messages to the
// connection's executor and accounts for their outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/metrics"
	"github.com/mani1728/Mani-FAI-Client/internal/policy/ratelimit"
	"github.com/mani1728/Mani-FAI-Client/internal/progress"
	"github.com/mani1728/Mani-FAI-Client/internal/telemetry"
	"github.com/mani1728/Mani-FAI-Client/internal/transport"
)

// ErrNotRunning is returned by a Channel that has no live connection.
var ErrNotRunning = errors.New("client not running")

// SendFunc performs one send on the connection's transport.
type SendFunc func(ctx context.Context, t transport.Transport) error

// Channel schedules sends on a connection. Schedule must not block on the
// transport. discard is called instead of send when the connection stops
// before the send runs.
type Channel interface {
	Schedule(name string, send SendFunc, discard func(error)) error
}

// Adapter encodes payloads on the caller and schedules their delivery.
type Adapter struct {
	ch      Channel
	events  events.Publisher
	emitter progress.Emitter
	limiter *ratelimit.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithEvents relays send failures to the UI queue.
func WithEvents(pub events.Publisher) Option {
	return func(a *Adapter) {
		if pub != nil {
			a.events = pub
		}
	}
}

// WithEmitter reports batch outcomes to the progress hub.
func WithEmitter(e progress.Emitter) Option {
	return func(a *Adapter) {
		if e != nil {
			a.emitter = e
		}
	}
}

// WithLimiter paces sends. The wait happens on the executor.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(a *Adapter) {
		a.limiter = l
	}
}

// WithLogger sets the adapter logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAdapter builds an Adapter over ch.
func NewAdapter(ch Channel, opts ...Option) *Adapter {
	a := &Adapter{
		ch:      ch,
		events:  events.Discard,
		emitter: progress.Discard,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("delivery")
	return a
}

// Deliver schedules one batch of tally's run. A payload that cannot be encoded
// counts as a failed batch. The only error returned is a scheduling error,
// wrapping ErrNotRunning when the connection is gone.
func (a *Adapter) Deliver(payload message.SyncPayload, tally *Tally) error {
	records := payload.Len()
	tally.add()

	msg, err := payload.Outbound()
	if err != nil {
		a.failed(tally, records, err)
		return nil
	}
	env, err := envelope(msg)
	if err != nil {
		a.failed(tally, records, err)
		return nil
	}

	send := func(ctx context.Context, t transport.Transport) error {
		if err := a.send(ctx, t, env); err != nil {
			a.failed(tally, records, err)
			return nil
		}
		a.emit(tally.Run(), progress.StageBatchSent, records, "")
		tally.resolve(true, records)
		return nil
	}
	discard := func(err error) {
		a.failed(tally, records, err)
	}

	if err := a.ch.Schedule(env.Type, send, discard); err != nil {
		a.failed(tally, records, err)
		return fmt.Errorf("schedule %s: %w", env.Type, err)
	}
	return nil
}

// Send schedules a single control message. Failures are logged and published
// to the UI queue; the returned error covers encoding and scheduling only.
func (a *Adapter) Send(msg message.Outbound) error {
	env, err := envelope(msg)
	if err != nil {
		return err
	}
	send := func(ctx context.Context, t transport.Transport) error {
		if err := a.send(ctx, t, env); err != nil {
			a.report(env.Type, err)
		}
		return nil
	}
	discard := func(err error) {
		a.logger.Debug("control message discarded", zap.String("type", env.Type), zap.Error(err))
	}
	if err := a.ch.Schedule(env.Type, send, discard); err != nil {
		return fmt.Errorf("schedule %s: %w", env.Type, err)
	}
	return nil
}

func (a *Adapter) send(ctx context.Context, t transport.Transport, env transport.Envelope) error {
	if err := a.limiter.Wait(ctx, env.Type); err != nil {
		return err
	}

	ctx, span := telemetry.Tracer().Start(ctx, "send "+env.Type)
	defer span.End()
	span.SetAttributes(
		attribute.String("message.type", env.Type),
		attribute.Int("message.bytes", len(env.Data)),
	)

	start := time.Now()
	err := t.Send(ctx, env)
	metrics.ObserveSend(env.Type, err, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

// failed reports a batch before resolving it, so Tally.Wait never returns
// ahead of the batch's own events.
func (a *Adapter) failed(tally *Tally, records int, err error) {
	run := tally.Run()
	a.emit(run, progress.StageBatchFailed, records, err.Error())
	a.report(string(run.Kind), err)
	tally.resolve(false, 0)
}

func (a *Adapter) report(what string, err error) {
	a.logger.Error("send failed", zap.String("what", what), zap.Error(err))
	a.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Send error: %v", err)))
}

func (a *Adapter) emit(run Run, stage progress.Stage, records int, note string) {
	a.emitter.Emit(progress.Event{
		RunID:   run.ID,
		TS:      a.now(),
		Stage:   stage,
		Kind:    string(run.Kind),
		Subject: run.Subject,
		Login:   run.Login,
		Records: records,
		Note:    note,
	})
}

func envelope(msg message.Outbound) (transport.Envelope, error) {
	data, err := message.Encode(msg)
	if err != nil {
		return transport.Envelope{}, fmt.Errorf("encode: %w", err)
	}
	return transport.Envelope{
		Type: string(msg.MessageType()),
		Key:  strconv.FormatInt(loginOf(msg), 10),
		Data: data,
	}, nil
}

func loginOf(msg message.Outbound) int64 {
	switch m := msg.(type) {
	case message.AccountInfo:
		return m.Login
	case message.SymbolsSync:
		return m.Login
	case message.RatesSync:
		return m.Login
	case message.GetDBSymbols:
		return m.Login
	default:
		return 0
	}
}
