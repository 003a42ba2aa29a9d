package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/agent"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/metrics"
	"github.com/mani1728/Mani-FAI-Client/internal/store"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
)

// Client is the connection lifecycle the API drives.
type Client interface {
	Start(ctx context.Context) error
	Stop()
	State() agent.State
	Login() int64
	Address() string
	SetAddress(host string, port int) error
}

// Syncer runs syncs and control requests.
type Syncer interface {
	RunSymbols(ctx context.Context, trigger syncer.Trigger) (syncer.Report, error)
	RunRates(ctx context.Context, symbol string, trigger syncer.Trigger) (syncer.Report, error)
	RequestDBSymbols(ctx context.Context) error
}

// EventSource is the consumer side of the UI event queue.
type EventSource interface {
	Drain(max int) []events.Event
	Dropped() uint64
}

// Config holds the server toggles.
type Config struct {
	AuthEnabled bool
	APIKey      string
	// NextSync reports the next scheduled sync; nil when scheduling is off.
	NextSync func() time.Time
}

// Server wires HTTP handlers to the connection manager, orchestrator and stores.
type Server struct {
	router chi.Router
	client Client
	syncer Syncer
	events EventSource
	runs   *RunsHandler
	cfg    Config
	logger *zap.Logger

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. repo may be nil,
// in which case the run history routes answer 503.
func NewServer(
	client Client,
	syncs Syncer,
	evts EventSource,
	repo store.RunRepository,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	bgCtx, bgCancel := context.WithCancel(context.Background())
	s := &Server{
		client:   client,
		syncer:   syncs,
		events:   evts,
		runs:     NewRunsHandler(repo, logger),
		cfg:      cfg,
		logger:   logger,
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Put("/address", s.setAddress)
		r.Post("/start", s.start)
		r.Post("/stop", s.stop)
		r.Post("/sync/symbols", s.syncSymbols)
		r.Post("/sync/rates/{symbol}", s.syncRates)
		r.Post("/db-symbols", s.requestDBSymbols)
		r.Get("/events", s.drainEvents)
		r.Get("/runs", s.runs.ListRuns)
		r.Get("/runs/{run_id}", s.runs.GetRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels background syncs started by the API and waits for them.
func (s *Server) Close(ctx context.Context) error {
	s.bgCancel()
	done := make(chan struct{})
	go func() {
		s.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background syncs: %w", ctx.Err())
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.client.State()
	if state != agent.StateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(state)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
