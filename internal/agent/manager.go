// Package agent owns the proxy connection lifecycle: dial, account handshake,
// inbound message handling, and an orderly stop that drains the send executor.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/delivery"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/executor"
	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/metrics"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
	"github.com/mani1728/Mani-FAI-Client/internal/transport"
	"github.com/mani1728/Mani-FAI-Client/internal/transport/websocket"
)

var (
	// ErrNoAddress is returned by Start before SetAddress was called.
	ErrNoAddress = errors.New("proxy address is not set")
	// ErrBusy is returned by SetAddress while a connection is active.
	ErrBusy = errors.New("client is running")
)

// State is the connection lifecycle state.
type State string

// Lifecycle states.
const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRunning    State = "running"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// DialFunc opens the outbound transport. url is the proxy address set with
// SetAddress; broker transports ignore it.
type DialFunc func(ctx context.Context, url string) (transport.Transport, error)

// FixedDialer adapts a transport.Dialer that needs no proxy address.
func FixedDialer(d transport.Dialer) DialFunc {
	return func(ctx context.Context, _ string) (transport.Transport, error) {
		return d(ctx)
	}
}

// Manager drives one connection at a time. All methods are safe for
// concurrent use.
type Manager struct {
	source      terminal.Source
	dial        DialFunc
	needAddress bool
	events      events.Publisher
	logger      *zap.Logger
	handshake   *delivery.Adapter

	mu     sync.Mutex
	state  State
	url    string
	login  int64
	cancel context.CancelFunc
	exec   *executor.Executor
	tr     transport.Transport
	done   chan struct{}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEvents sets the UI queue.
func WithEvents(pub events.Publisher) Option {
	return func(m *Manager) {
		if pub != nil {
			m.events = pub
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithoutAddress lets Start dial without a proxy address.
func WithoutAddress() Option {
	return func(m *Manager) {
		m.needAddress = false
	}
}

// New builds an idle Manager.
func New(source terminal.Source, dial DialFunc, opts ...Option) *Manager {
	done := make(chan struct{})
	close(done)
	m := &Manager{
		source:      source,
		dial:        dial,
		needAddress: true,
		events:      events.Discard,
		logger:      zap.NewNop(),
		state:       StateIdle,
		done:        done,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("agent")
	m.handshake = delivery.NewAdapter(m, delivery.WithEvents(m.events), delivery.WithLogger(m.logger))
	return m
}

// SetAddress validates and stores the proxy address. Port 443 selects wss.
func (m *Manager) SetAddress(host string, port int) error {
	host = strings.TrimSpace(host)
	if err := config.ValidateAddress(host, port); err != nil {
		m.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Invalid proxy address: %v", err)))
		return err
	}
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.url = websocket.URLFor(host, port)
	url := m.url
	m.mu.Unlock()

	m.logger.Info("proxy address set", zap.String("url", url))
	m.events.Publish(events.Log(events.LevelInfo, "Proxy address set to "+url))
	return nil
}

// Address returns the proxy URL, empty when unset.
func (m *Manager) Address() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Running reports whether the handshake completed and the connection is up.
func (m *Manager) Running() bool {
	return m.State() == StateRunning
}

// Login returns the authenticated account, 0 when unknown.
func (m *Manager) Login() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.login
}

// Start begins connecting and returns immediately. It is a no-op unless the
// manager is idle. ctx scopes values only; use Stop to end the connection.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return nil
	}
	if m.needAddress && m.url == "" {
		return ErrNoAddress
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	exec := executor.New("connection", m.logger)
	done := make(chan struct{})
	m.state = StateConnecting
	m.cancel = cancel
	m.exec = exec
	m.done = done

	go m.run(runCtx, m.url, exec, done)
	return nil
}

// Stop signals the connection to end and returns without waiting. Use Done or
// Wait to observe teardown.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateIdle || m.state == StateStopping {
		return
	}
	m.state = StateStopping
	m.cancel()
	m.exec.Stop()
}

// Done is closed once the current connection is fully torn down. While idle
// it returns a closed channel.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Wait blocks until teardown completes or ctx ends.
func (m *Manager) Wait(ctx context.Context) error {
	select {
	case <-m.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for client stop: %w", ctx.Err())
	}
}

// Schedule implements delivery.Channel. Sends run on the connection's
// executor in submission order.
func (m *Manager) Schedule(name string, send delivery.SendFunc, discard func(error)) error {
	m.mu.Lock()
	state, exec, tr := m.state, m.exec, m.tr
	m.mu.Unlock()
	if state != StateConnected && state != StateRunning {
		return fmt.Errorf("%w: %s", delivery.ErrNotRunning, state)
	}
	err := exec.Submit(executor.Task{
		Name:    name,
		Run:     func(ctx context.Context) error { return send(ctx, tr) },
		Discard: discard,
	})
	if errors.Is(err, executor.ErrStopped) {
		return fmt.Errorf("%w: %w", delivery.ErrNotRunning, err)
	}
	return err
}

func (m *Manager) run(ctx context.Context, url string, exec *executor.Executor, done chan struct{}) {
	var tr transport.Transport
	defer func() {
		m.teardown(exec, tr, done)
	}()

	tr, err := m.dial(ctx, url)
	if err != nil {
		if ctx.Err() != nil {
			m.logger.Info("dial abandoned", zap.String("url", url))
			return
		}
		m.logger.Error("dial failed", zap.String("url", url), zap.Error(err))
		m.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Connection error: %v", err)))
		m.setState(StateError)
		return
	}
	if !m.transition(StateConnecting, StateConnected, tr) {
		return
	}
	m.logger.Info("proxy connected", zap.String("url", url))
	m.events.Publish(events.Log(events.LevelSuccess, "Proxy Status: Connected"))

	m.accountHandshake(ctx)
	if !m.transition(StateConnected, StateRunning, nil) {
		return
	}
	metrics.SetClientRunning(true)

	recv, ok := tr.(transport.Receiver)
	if !ok {
		<-ctx.Done()
		return
	}
	m.readLoop(ctx, recv)
}

func (m *Manager) accountHandshake(ctx context.Context) {
	if err := m.source.Connect(ctx); err != nil {
		m.logger.Warn("terminal connect failed", zap.Error(err))
		m.events.Publish(events.Log(events.LevelWarning, fmt.Sprintf("Terminal connection failed: %v", err)))
		return
	}
	acct, err := m.source.AccountInfo(ctx)
	if err != nil || acct.Login <= 0 {
		m.logger.Warn("account info unavailable", zap.Error(err))
		m.events.Publish(events.Log(events.LevelWarning, "Account info unavailable; syncs are disabled until reconnect."))
		return
	}

	m.mu.Lock()
	m.login = acct.Login
	m.mu.Unlock()
	m.logger.Info("terminal account ready", zap.Int64("login", acct.Login))

	if err := m.handshake.Send(message.AccountInfo{Login: acct.Login, Data: acct.Fields}); err != nil {
		m.logger.Warn("account info not sent", zap.Error(err))
	}
	m.events.Publish(events.ClientReady(acct.Login))
}

func (m *Manager) readLoop(ctx context.Context, recv transport.Receiver) {
	for {
		raw, err := recv.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("proxy connection lost", zap.Error(err))
				m.events.Publish(events.Log(events.LevelError, fmt.Sprintf("Connection error: %v", err)))
			}
			return
		}
		m.handleInbound(raw)
	}
}

func (m *Manager) handleInbound(raw []byte) {
	msg, err := message.Decode(raw)
	switch {
	case errors.Is(err, message.ErrUnknownType):
		metrics.ObserveInbound("", "unknown")
		m.logger.Warn("discarding message of unknown type", zap.Error(err))
		return
	case err != nil:
		metrics.ObserveInbound("", "malformed")
		m.logger.Warn("discarding malformed message", zap.Error(err), zap.Int("bytes", len(raw)))
		return
	}
	metrics.ObserveInbound(string(msg.MessageType()), "ok")

	switch v := msg.(type) {
	case message.DBSymbolsList:
		names := v.Names()
		m.logger.Info("received symbols from db", zap.Int("count", len(names)))
		m.events.Publish(events.DBSymbols(names))
	case message.Log:
		m.logger.Info("proxy log", zap.String("level", v.Level), zap.String("message", v.Message))
	case message.Status:
		m.logger.Info("proxy status", zap.String("message", v.Message), zap.Any("data", v.Data))
	}
}

// transition moves from one state to the next unless Stop intervened. tr, if
// non-nil, is recorded as the live transport.
func (m *Manager) transition(from, to State, tr transport.Transport) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	if tr != nil {
		m.tr = tr
	}
	return true
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state != StateStopping {
		m.state = s
	}
	m.mu.Unlock()
}

// teardown runs on the connection goroutine: drain the executor, release the
// transport and terminal, then return to idle.
func (m *Manager) teardown(exec *executor.Executor, tr transport.Transport, done chan struct{}) {
	m.mu.Lock()
	if m.state != StateError {
		m.state = StateStopping
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	exec.Stop()
	<-exec.Done()

	if tr != nil {
		if err := tr.Close(); err != nil {
			m.logger.Warn("transport close failed", zap.Error(err))
		}
	}
	if err := m.source.Disconnect(context.Background()); err != nil {
		m.logger.Warn("terminal disconnect failed", zap.Error(err))
	}
	metrics.SetClientRunning(false)

	m.mu.Lock()
	m.state = StateIdle
	m.login = 0
	m.tr = nil
	m.exec = nil
	m.cancel = nil
	m.mu.Unlock()

	m.logger.Info("client stopped")
	m.events.Publish(events.Log(events.LevelInfo, "Client stopped"))
	close(done)
}
