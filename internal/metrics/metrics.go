// Package metrics exposes Prometheus collectors for the sync agent.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesSentTotal          *prometheus.CounterVec
	sendDurationSeconds        *prometheus.HistogramVec
	inboundMessagesTotal       *prometheus.CounterVec
	clientRunning              prometheus.Gauge
	pacingDelaySeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		messagesSentTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtagent_messages_sent_total",
				Help: "Outbound messages handed to the transport, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		sendDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtagent_send_duration_seconds",
				Help:    "Histogram of transport send latencies, labeled by message type.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"type"},
		)

		inboundMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mtagent_inbound_messages_total",
				Help: "Inbound proxy messages, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		clientRunning = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "mtagent_client_running",
				Help: "1 while the proxy connection is up and the account handshake completed.",
			},
		)

		pacingDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mtagent_send_pacing_delay_seconds",
				Help:    "Histogram of send pacing waits, labeled by message type.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
			[]string{"type"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSend records one transport send.
func ObserveSend(msgType string, err error, duration time.Duration) {
	Init()
	result := "ok"
	if err != nil {
		result = "error"
	}
	messagesSentTotal.WithLabelValues(msgType, result).Inc()
	sendDurationSeconds.WithLabelValues(msgType).Observe(duration.Seconds())
}

// ObserveInbound records one inbound message. result is "ok", "malformed" or "unknown".
func ObserveInbound(msgType, result string) {
	Init()
	if msgType == "" {
		msgType = "unknown"
	}
	inboundMessagesTotal.WithLabelValues(msgType, result).Inc()
}

// SetClientRunning flips the running gauge.
func SetClientRunning(running bool) {
	Init()
	if running {
		clientRunning.Set(1)
		return
	}
	clientRunning.Set(0)
}

// ObservePacingDelay records the duration of a send pacing wait.
func ObservePacingDelay(msgType string, duration time.Duration) {
	Init()
	pacingDelaySeconds.WithLabelValues(msgType).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}

		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush lets streaming handlers push partial responses through the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
