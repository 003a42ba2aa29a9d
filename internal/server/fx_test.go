package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/agent"
	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
	"github.com/mani1728/Mani-FAI-Client/internal/terminal"
	termmemory "github.com/mani1728/Mani-FAI-Client/internal/terminal/memory"
	"github.com/mani1728/Mani-FAI-Client/internal/transport"
	"github.com/mani1728/Mani-FAI-Client/internal/transport/memory"
)

const testLogin = int64(5551234)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Terminal.Kind = config.TerminalMemory
	cfg.Terminal.Login = testLogin
	cfg.Schedule.Enabled = false
	cfg.Progress.MaxBatchWaitMs = 10
	cfg.Progress.LogEnabled = false
	return &cfg
}

func buildTestApp(t *testing.T, cfg *config.Config) (*App, *termmemory.Source, *memory.Transport) {
	t.Helper()
	source := termmemory.New(testLogin)
	tr := memory.New()
	dial := func(ctx context.Context, _ string) (transport.Transport, error) {
		return memory.Dialer(tr, nil)(ctx)
	}
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
		WithSource(source),
		WithDialer(dial),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Close(ctx)
	})
	return app, source, tr
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Sync.SymbolBatchSize = 0
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestBuildRejectsMissingFixture(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Terminal.FixturePath = t.TempDir() + "/missing.json"
	_, err := Build(context.Background(), cfg, WithLogger(zap.NewNop()), WithRegisterer(prometheus.NewRegistry()))
	require.Error(t, err)
}

// TestAppEndToEnd drives the agent through its control API.
func TestAppEndToEnd(t *testing.T) {
	t.Parallel()

	app, source, tr := buildTestApp(t, testConfig(t))
	symbols := make([]terminal.Symbol, 1200)
	for i := range symbols {
		symbols[i] = terminal.Symbol{"name": fmt.Sprintf("SYM%04d", i), "digits": int32(5)}
	}
	source.SetSymbols(symbols)
	handler := app.Handler()

	rec := do(handler, http.MethodPost, "/v1/start", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(handler, http.MethodPut, "/v1/address", []byte(`{"host":"10.0.0.5","port":8080}`))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ws://10.0.0.5:8080")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.StartClient(ctx))
	require.Equal(t, testLogin, app.Manager().Login())

	rec = do(handler, http.MethodPost, "/v1/sync/symbols?wait=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Report syncer.Report `json:"report"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, syncer.StatusFinished, body.Report.Status)
	require.Equal(t, 1200, body.Report.Total)
	require.Equal(t, 3, body.Report.Counts.Delivered)

	// account_info plus three symbol batches.
	require.Len(t, tr.Sent(), 4)

	require.Eventually(t, func() bool {
		rec := do(handler, http.MethodGet, "/v1/runs/"+body.Report.RunID.String(), nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got struct {
			Run store.Run `json:"run"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
			return false
		}
		return got.Run.Status == store.RunFinished && got.Run.Delivered == 3
	}, 2*time.Second, 10*time.Millisecond)

	rec = do(handler, http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Symbol sync started (Trigger: Manual)")

	rec = do(handler, http.MethodPost, "/v1/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, app.Manager().Wait(ctx))
	require.Equal(t, agent.StateIdle, app.Manager().State())
	require.True(t, tr.Closed())
}

func TestStartClientFailsWhenDialFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	app, err := Build(context.Background(), cfg,
		WithLogger(zap.NewNop()),
		WithRegisterer(prometheus.NewRegistry()),
		WithSource(termmemory.New(testLogin)),
		WithDialer(func(context.Context, string) (transport.Transport, error) {
			return nil, fmt.Errorf("connection refused")
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	require.NoError(t, app.Manager().SetAddress("proxy", 8080))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, app.StartClient(ctx))
}

func do(h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}
