package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mani1728/Mani-FAI-Client/internal/agent"
	"github.com/mani1728/Mani-FAI-Client/internal/config"
	"github.com/mani1728/Mani-FAI-Client/internal/events"
	"github.com/mani1728/Mani-FAI-Client/internal/syncer"
)

const maxEventDrain = 1000

type statusResponse struct {
	State         agent.State `json:"state"`
	Login         int64       `json:"login,omitempty"`
	Address       string      `json:"address,omitempty"`
	EventsDropped uint64      `json:"events_dropped"`
	NextSync      *time.Time  `json:"next_sync,omitempty"`
}

type addressRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		State:         s.client.State(),
		Login:         s.client.Login(),
		Address:       s.client.Address(),
		EventsDropped: s.events.Dropped(),
	}
	if s.cfg.NextSync != nil {
		if next := s.cfg.NextSync(); !next.IsZero() {
			resp.NextSync = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// setAddress handles PUT /v1/address. 400 for an invalid address, 409 while
// the client is connected.
func (s *Server) setAddress(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := s.client.SetAddress(strings.TrimSpace(req.Host), req.Port)
	switch {
	case errors.Is(err, config.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agent.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.Error("set address failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to set address")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"address": s.client.Address()})
	}
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	err := s.client.Start(r.Context())
	switch {
	case errors.Is(err, agent.ErrNoAddress):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("start failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start client")
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.client.State())})
	}
}

func (s *Server) stop(w http.ResponseWriter, _ *http.Request) {
	s.client.Stop()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": string(s.client.State())})
}

func (s *Server) syncSymbols(w http.ResponseWriter, r *http.Request) {
	s.runSync(w, r, "symbols", func(ctx context.Context) (syncer.Report, error) {
		return s.syncer.RunSymbols(ctx, syncer.TriggerManual)
	})
}

func (s *Server) syncRates(w http.ResponseWriter, r *http.Request) {
	symbol := strings.TrimSpace(chi.URLParam(r, "symbol"))
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return
	}
	s.runSync(w, r, "rates", func(ctx context.Context) (syncer.Report, error) {
		return s.syncer.RunRates(ctx, symbol, syncer.TriggerManual)
	})
}

func (s *Server) requestDBSymbols(w http.ResponseWriter, r *http.Request) {
	if err := s.syncer.RequestDBSymbols(r.Context()); err != nil {
		writeSyncError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

// drainEvents handles GET /v1/events?max=. The endpoint is the only consumer
// of the UI queue; drained events are gone.
func (s *Server) drainEvents(w http.ResponseWriter, r *http.Request) {
	limit := maxEventDrain
	if raw := r.URL.Query().Get("max"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "invalid max")
			return
		}
		limit = min(val, maxEventDrain)
	}
	drained := s.events.Drain(limit)
	if drained == nil {
		drained = []events.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events":  drained,
		"dropped": s.events.Dropped(),
	})
}

// runSync starts a manual sync. With ?wait=true the handler blocks and returns
// the report; otherwise the run continues in the background and the handler
// answers 202. Without a login the run is attempted inline so the syncer
// reports the refusal on the UI queue and the caller gets 409.
func (s *Server) runSync(w http.ResponseWriter, r *http.Request, name string, fn func(context.Context) (syncer.Report, error)) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait || s.client.Login() <= 0 {
		report, err := fn(r.Context())
		if err != nil {
			writeSyncError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := fn(s.bgCtx); err != nil {
			s.logger.Warn("background sync failed", zap.String("sync", name), zap.Error(err))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "sync": name})
}

func writeSyncError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, syncer.ErrNoLogin):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, syncer.ErrInterrupted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
