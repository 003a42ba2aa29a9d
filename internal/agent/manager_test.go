package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/delivery"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	termmem "github.com/mani1728/Mani-FAI-Client/internal/terminal/memory"
	"github.com/mani1728/Mani-FAI-Client/internal/transport"
	"github.com/mani1728/Mani-FAI-Client/internal/transport/memory"
)

const (
	testLogin = int64(5551234)
	waitFor   = 2 * time.Second
	tick      = 5 * time.Millisecond
)

type fixture struct {
	source *termmem.Source
	tr     *memory.Transport
	queue  *events.Queue
	dials  atomic.Int32
	mgr    *Manager
}

func newFixture(t *testing.T, dialErr error, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		source: termmem.New(testLogin),
		tr:     memory.New(),
		queue:  events.NewQueue(256),
	}
	dial := func(ctx context.Context, _ string) (transport.Transport, error) {
		f.dials.Add(1)
		return memory.Dialer(f.tr, dialErr)(ctx)
	}
	f.mgr = New(f.source, dial, append([]Option{WithEvents(f.queue)}, opts...)...)
	t.Cleanup(func() {
		f.mgr.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.mgr.Wait(ctx)
	})
	return f
}

func (f *fixture) messages() []string {
	var out []string
	for _, evt := range f.queue.Drain(0) {
		if evt.Type == events.TypeLog {
			out = append(out, evt.Message)
		}
	}
	return out
}

func (f *fixture) waitRunning(t *testing.T) {
	t.Helper()
	require.Eventually(t, f.mgr.Running, waitFor, tick)
}

func TestStartRequiresAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.ErrorIs(t, f.mgr.Start(context.Background()), ErrNoAddress)
	require.Equal(t, StateIdle, f.mgr.State())
	require.Zero(t, f.dials.Load())
}

func TestSetAddress(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.mgr.SetAddress("proxy.example.com", 443))
	require.Equal(t, "wss://proxy.example.com", f.mgr.Address())
	require.NoError(t, f.mgr.SetAddress("10.0.0.5", 8080))
	require.Equal(t, "ws://10.0.0.5:8080", f.mgr.Address())

	require.NoError(t, f.mgr.SetAddress(" proxy.example.com\t", 80))
	require.Equal(t, "ws://proxy.example.com:80", f.mgr.Address())
	require.NoError(t, f.mgr.SetAddress("::1", 443))
	require.Equal(t, "wss://[::1]", f.mgr.Address())
	require.NoError(t, f.mgr.SetAddress("10.0.0.5", 8080))

	require.ErrorIs(t, f.mgr.SetAddress("", 8080), config.ErrInvalid)
	require.ErrorIs(t, f.mgr.SetAddress("   ", 8080), config.ErrInvalid)
	require.ErrorIs(t, f.mgr.SetAddress("proxy", 0), config.ErrInvalid)
	require.Equal(t, "ws://10.0.0.5:8080", f.mgr.Address())
}

// TestLifecycle walks Idle → Running → Idle and checks the handshake.
func TestLifecycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)

	require.Equal(t, testLogin, f.mgr.Login())
	require.True(t, f.source.Connected())
	require.Eventually(t, func() bool { return len(f.tr.Sent()) == 1 }, waitFor, tick)

	env := f.tr.Sent()[0]
	require.Equal(t, "account_info", env.Type)
	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Equal(t, "account_info", body["type"])
	require.InDelta(t, float64(testLogin), body["login"], 0)

	evts := f.queue.Drain(0)
	var ready bool
	for _, evt := range evts {
		if evt.Type == events.TypeClientReady {
			ready = true
			require.Equal(t, testLogin, evt.Login)
		}
	}
	require.True(t, ready)

	require.ErrorIs(t, f.mgr.SetAddress("other", 8080), ErrBusy)

	f.mgr.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx))

	require.Equal(t, StateIdle, f.mgr.State())
	require.Zero(t, f.mgr.Login())
	require.True(t, f.tr.Closed())
	require.False(t, f.source.Connected())
	require.Contains(t, f.messages(), "Client stopped")
}

func TestStartAndStopAreIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.mgr.Stop()
	require.Equal(t, StateIdle, f.mgr.State())

	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)
	require.NoError(t, f.mgr.Start(context.Background()))
	require.Equal(t, int32(1), f.dials.Load())

	f.mgr.Stop()
	f.mgr.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx))

	stopped := 0
	for _, msg := range f.messages() {
		if msg == "Client stopped" {
			stopped++
		}
	}
	require.Equal(t, 1, stopped)
}

func TestDialFailureReturnsToIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, errors.New("connection refused"))
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx))
	require.Equal(t, StateIdle, f.mgr.State())

	msgs := f.messages()
	require.Contains(t, msgs, "Connection error: connection refused")
	require.Contains(t, msgs, "Client stopped")

	// A failed attempt does not prevent the next one.
	require.NoError(t, f.mgr.Start(context.Background()))
	require.NoError(t, f.mgr.Wait(ctx))
	require.Equal(t, int32(2), f.dials.Load())
}

func TestInboundMessages(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t, nil, WithLogger(zap.New(core)))
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)
	f.queue.Drain(0)

	f.tr.Inject([]byte(`not json`))
	f.tr.Inject([]byte(`{"type":"price_alert"}`))
	f.tr.Inject([]byte(`{"type":"db_symbols_list","data":[{"name":"EURUSD"},{"name":"XAUUSD","digits":2}]}`))

	var got events.Event
	require.Eventually(t, func() bool {
		for _, evt := range f.queue.Drain(0) {
			if evt.Type == events.TypeDBSymbolsList {
				got = evt
				return true
			}
		}
		return false
	}, waitFor, tick)
	require.Equal(t, []string{"EURUSD", "XAUUSD"}, got.Symbols)
	require.True(t, f.mgr.Running())
	require.Equal(t, 2, logs.FilterMessageSnippet("discarding").Len())
}

func TestReadFailureStopsClient(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)

	require.NoError(t, f.tr.Close())

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx))
	require.Equal(t, StateIdle, f.mgr.State())
	require.Contains(t, f.messages(), "Client stopped")
}

func TestScheduleRequiresConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	noop := func(context.Context, transport.Transport) error { return nil }
	require.ErrorIs(t, f.mgr.Schedule("x", noop, nil), delivery.ErrNotRunning)

	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)

	ran := make(chan transport.Transport, 1)
	require.NoError(t, f.mgr.Schedule("x", func(_ context.Context, tr transport.Transport) error {
		ran <- tr
		return nil
	}, nil))
	select {
	case tr := <-ran:
		require.Same(t, f.tr, tr)
	case <-time.After(waitFor):
		t.Fatal("scheduled send never ran")
	}
}

// TestStopDiscardsPendingSends resolves queued sends when the client stops.
func TestStopDiscardsPendingSends(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, f.mgr.Schedule("slow", func(ctx context.Context, _ transport.Transport) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, nil))

	var discarded atomic.Int32
	for range 3 {
		require.NoError(t, f.mgr.Schedule("queued", func(context.Context, transport.Transport) error {
			return nil
		}, func(error) { discarded.Add(1) }))
	}

	f.mgr.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.mgr.Wait(ctx))
	require.Equal(t, int32(3), discarded.Load())

	noop := func(context.Context, transport.Transport) error { return nil }
	require.ErrorIs(t, f.mgr.Schedule("late", noop, nil), delivery.ErrNotRunning)
}

func TestBrokerTransportWithoutAddress(t *testing.T) {
	t.Parallel()

	source := termmem.New(testLogin)
	tr := memory.New()
	mgr := New(source, FixedDialer(func(context.Context) (transport.Transport, error) {
		return struct{ transport.Transport }{tr}, nil
	}), WithoutAddress())

	require.NoError(t, mgr.Start(context.Background()))
	require.Eventually(t, mgr.Running, waitFor, tick)
	require.Eventually(t, func() bool { return len(tr.Sent()) == 1 }, waitFor, tick)

	mgr.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, mgr.Wait(ctx))
	require.True(t, tr.Closed())
}

func TestTerminalUnavailableKeepsConnection(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.source.Fail(errors.New("terminal not running"))
	require.NoError(t, f.mgr.SetAddress("proxy", 8080))
	require.NoError(t, f.mgr.Start(context.Background()))
	f.waitRunning(t)

	require.Zero(t, f.mgr.Login())
	require.Empty(t, f.tr.Sent())
}
