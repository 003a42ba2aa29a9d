package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/agent"
	"github.com/mani1728/Mani-FAI-Client/internal/batch"
	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/delivery"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/message"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
	termmem "github.com/mani1728/Mani-FAI-Client/internal/terminal/memory"
)

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	client := &fakeClient{state: agent.StateConnecting}
	server := newTestServer(t, client, &mockSyncer{}, nil)

	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "connecting")

	client.setState(agent.StateRunning)
	rec = serve(server, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	client := &fakeClient{state: agent.StateRunning, login: 5551234, address: "wss://proxy.example.com"}
	next := time.Date(2025, 1, 4, 16, 30, 0, 0, time.UTC)
	queue := events.NewQueue(1)
	queue.Publish(events.Log(events.LevelInfo, "a"))
	queue.Publish(events.Log(events.LevelInfo, "b"))
	server := NewServer(client, &mockSyncer{}, queue, nil, Config{NextSync: func() time.Time { return next }}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, agent.StateRunning, body.State)
	require.Equal(t, int64(5551234), body.Login)
	require.Equal(t, "wss://proxy.example.com", body.Address)
	require.Equal(t, uint64(1), body.EventsDropped)
	require.NotNil(t, body.NextSync)
	require.True(t, next.Equal(*body.NextSync))
}

func TestSetAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		err    error
		status int
	}{
		{name: "ok", body: `{"host":"proxy.example.com","port":443}`, status: http.StatusOK},
		{name: "bad json", body: `{`, status: http.StatusBadRequest},
		{name: "invalid", body: `{"host":"","port":443}`, err: fmt.Errorf("%w: host is empty", config.ErrInvalid), status: http.StatusBadRequest},
		{name: "busy", body: `{"host":"proxy","port":8080}`, err: agent.ErrBusy, status: http.StatusConflict},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			client := &fakeClient{setErr: tc.err}
			server := newTestServer(t, client, &mockSyncer{}, nil)
			rec := serve(server, http.MethodPut, "/v1/address", []byte(tc.body))
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()

	client := &fakeClient{startErr: agent.ErrNoAddress}
	server := newTestServer(t, client, &mockSyncer{}, nil)

	rec := serve(server, http.MethodPost, "/v1/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	client.mu.Lock()
	client.startErr = nil
	client.mu.Unlock()
	rec = serve(server, http.MethodPost, "/v1/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(server, http.MethodPost, "/v1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, 1, client.starts)
	require.Equal(t, 1, client.stops)
}

func TestSyncRequiresLogin(t *testing.T) {
	t.Parallel()

	syncs := &mockSyncer{}
	syncs.On("RunSymbols", mock.Anything, syncer.TriggerManual).Return(syncer.Report{}, syncer.ErrNoLogin).Once()
	syncs.On("RunRates", mock.Anything, "EURUSD", syncer.TriggerManual).Return(syncer.Report{}, syncer.ErrNoLogin).Once()
	syncs.On("RequestDBSymbols", mock.Anything).Return(syncer.ErrNoLogin).Once()
	server := newTestServer(t, &fakeClient{state: agent.StateRunning}, syncs, nil)

	for _, path := range []string{"/v1/sync/symbols", "/v1/sync/rates/EURUSD", "/v1/db-symbols"} {
		rec := serve(server, http.MethodPost, path, nil)
		require.Equal(t, http.StatusConflict, rec.Code, path)
	}
	syncs.AssertExpectations(t)
}

// TestSyncWithoutLoginIsReportedOnQueue runs the real orchestrator so its
// refusal reaches the events queue as well as the HTTP caller.
func TestSyncWithoutLoginIsReportedOnQueue(t *testing.T) {
	t.Parallel()

	client := &fakeClient{state: agent.StateRunning}
	queue := events.NewQueue(16)
	orch := syncer.New(
		batch.NewProducer(termmem.New(0), batch.Config{}, nil),
		delivery.NewAdapter(refusingChannel{}),
		client,
		syncer.WithEvents(queue),
	)
	server := NewServer(client, orch, queue, nil, Config{}, zap.NewNop())

	for _, path := range []string{"/v1/sync/symbols", "/v1/sync/rates/EURUSD?wait=true", "/v1/db-symbols"} {
		rec := serve(server, http.MethodPost, path, nil)
		require.Equal(t, http.StatusConflict, rec.Code, path)
	}

	var msgs []string
	for _, evt := range queue.Drain(0) {
		msgs = append(msgs, evt.Message)
	}
	require.Equal(t, []string{
		"Cannot sync symbols: Login number is unknown.",
		"Cannot sync rates data: Login number is unknown.",
		"Cannot fetch symbols: Login number is unknown.",
	}, msgs)
}

type refusingChannel struct{}

func (refusingChannel) Schedule(string, delivery.SendFunc, func(error)) error {
	return delivery.ErrNotRunning
}

func TestSyncWaitReturnsReport(t *testing.T) {
	t.Parallel()

	report := syncer.Report{
		RunID:   uuid.New(),
		Kind:    message.KindRates,
		Subject: "EURUSD",
		Trigger: syncer.TriggerManual,
		Status:  syncer.StatusFinished,
		Total:   12000,
		Batches: 3,
		Counts:  syncer.Counts{Delivered: 3, Records: 12000},
	}
	syncs := &mockSyncer{}
	syncs.On("RunRates", mock.Anything, "EURUSD", syncer.TriggerManual).Return(report, nil).Once()
	server := newTestServer(t, &fakeClient{state: agent.StateRunning, login: 42}, syncs, nil)

	rec := serve(server, http.MethodPost, "/v1/sync/rates/EURUSD?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Report syncer.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, report.RunID, body.Report.RunID)
	require.Equal(t, 12000, body.Report.Total)
	require.Equal(t, syncer.StatusFinished, body.Report.Status)
	syncs.AssertExpectations(t)
}

func TestSyncWaitMapsErrors(t *testing.T) {
	t.Parallel()

	syncs := &mockSyncer{}
	syncs.On("RunSymbols", mock.Anything, syncer.TriggerManual).
		Return(syncer.Report{}, fmt.Errorf("%w: client stopped", syncer.ErrInterrupted)).Once()
	syncs.On("RunSymbols", mock.Anything, syncer.TriggerManual).
		Return(syncer.Report{}, fmt.Errorf("terminal unavailable")).Once()
	server := newTestServer(t, &fakeClient{state: agent.StateRunning, login: 42}, syncs, nil)

	rec := serve(server, http.MethodPost, "/v1/sync/symbols?wait=true", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = serve(server, http.MethodPost, "/v1/sync/symbols?wait=true", nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	syncs.AssertExpectations(t)
}

func TestSyncRunsInBackground(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{})
	syncs := &mockSyncer{}
	syncs.On("RunSymbols", mock.Anything, syncer.TriggerManual).
		Run(func(mock.Arguments) { close(ran) }).
		Return(syncer.Report{Status: syncer.StatusFinished}, nil).Once()
	server := newTestServer(t, &fakeClient{state: agent.StateRunning, login: 42}, syncs, nil)

	rec := serve(server, http.MethodPost, "/v1/sync/symbols", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("background sync never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, server.Close(ctx))
	syncs.AssertExpectations(t)
}

func TestRequestDBSymbols(t *testing.T) {
	t.Parallel()

	syncs := &mockSyncer{}
	syncs.On("RequestDBSymbols", mock.Anything).Return(nil).Once()
	server := newTestServer(t, &fakeClient{state: agent.StateRunning, login: 42}, syncs, nil)

	rec := serve(server, http.MethodPost, "/v1/db-symbols", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	syncs.AssertExpectations(t)
}

func TestDrainEvents(t *testing.T) {
	t.Parallel()

	queue := events.NewQueue(8)
	queue.Publish(events.Log(events.LevelInfo, "Symbol sync started (Trigger: Manual)"))
	queue.Publish(events.Progress(500, 1200, ""))
	queue.Publish(events.ClientReady(42))
	server := NewServer(&fakeClient{}, &mockSyncer{}, queue, nil, Config{}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/events?max=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events  []events.Event `json:"events"`
		Dropped uint64         `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	require.Equal(t, events.TypeLog, body.Events[0].Type)
	require.Equal(t, 500, body.Events[1].Current)
	require.Equal(t, 1, queue.Len())

	rec = serve(server, http.MethodGet, "/v1/events?max=zero", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(&fakeClient{}, &mockSyncer{}, events.NewQueue(1), nil,
		Config{AuthEnabled: true, APIKey: "secret"}, zap.NewNop())

	rec := serve(server, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/v1/status?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, &fakeClient{}, &mockSyncer{}, nil)
	handler := server.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestResponseWriterHijack(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

// --- helpers/fakes ---

func serve(server *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func newTestServer(t *testing.T, client Client, syncs Syncer, repo store.RunRepository) *Server {
	t.Helper()
	server := NewServer(client, syncs, events.NewQueue(16), repo, Config{}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Close(ctx)
	})
	return server
}

type fakeClient struct {
	mu       sync.Mutex
	state    agent.State
	login    int64
	address  string
	setErr   error
	startErr error
	starts   int
	stops    int
}

func (c *fakeClient) setState(s agent.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *fakeClient) Start(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.state = agent.StateConnecting
	return nil
}

func (c *fakeClient) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.state = agent.StateStopping
}

func (c *fakeClient) State() agent.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == "" {
		return agent.StateIdle
	}
	return c.state
}

func (c *fakeClient) Login() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login
}

func (c *fakeClient) Address() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

func (c *fakeClient) SetAddress(host string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.address = fmt.Sprintf("ws://%s:%d", host, port)
	return nil
}

type mockSyncer struct {
	mock.Mock
}

func (m *mockSyncer) RunSymbols(ctx context.Context, trigger syncer.Trigger) (syncer.Report, error) {
	args := m.Called(ctx, trigger)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockSyncer) RunRates(ctx context.Context, symbol string, trigger syncer.Trigger) (syncer.Report, error) {
	args := m.Called(ctx, symbol, trigger)
	return args.Get(0).(syncer.Report), args.Error(1)
}

func (m *mockSyncer) RequestDBSymbols(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
