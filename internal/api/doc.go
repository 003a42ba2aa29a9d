// Package api hosts the local HTTP control surface for operators. Notable
// routes:
//   - GET /healthz and /readyz for probes; readyz reports 503 until the proxy
//     handshake completed.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status, PUT /v1/address, POST /v1/start and /v1/stop for the
//     connection lifecycle.
//   - POST /v1/sync/symbols, /v1/sync/rates/{symbol} and /v1/db-symbols to
//     trigger work; add ?wait=true to block until a sync returns its report.
//   - GET /v1/events to drain the UI event queue.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
