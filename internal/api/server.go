// Package api serves run status, run history and the feature summary over
// HTTP, plus a websocket stream of run events and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prologueii14/pqctls/internal/features"
	"github.com/prologueii14/pqctls/internal/results"
	"github.com/prologueii14/pqctls/internal/stats"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Options wire the server to its data. Any field may be nil; the routes
// that need a missing one answer 503.
type Options struct {
	Tracker  *stats.Tracker
	Store    *results.Store
	Summary  *features.Summary
	Hub      *Hub
	Gatherer prometheus.Gatherer
}

type Server struct {
	opts   Options
	logger zerolog.Logger
	router *mux.Router
	http   *http.Server
}

func New(opts Options, logger zerolog.Logger) *Server {
	s := &Server{opts: opts, logger: logger, router: mux.NewRouter()}

	s.router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/run", s.runHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs", s.listRunsHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/runs/{id}", s.getRunHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/api/v1/features/summary", s.summaryHandler).Methods(http.MethodGet)
	if opts.Hub != nil {
		s.router.Handle("/api/v1/run/stream", opts.Hub).Methods(http.MethodGet)
	}
	if opts.Gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr in the background.
func (s *Server) Start(addr string) {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.Info().Str("addr", addr).Msg("API server starting")
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Str("addr", addr).Msg("API server failed")
		}
	}()
}

// Shutdown stops the server and disconnects stream clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// RunStatus is the current run with its derived rates.
type RunStatus struct {
	stats.RunStatistics
	Running         bool    `json:"running"`
	SuccessRate     float64 `json:"success_rate"`
	DurationSeconds float64 `json:"duration_seconds"`
	ThroughputMBps  float64 `json:"throughput_mbps"`
	ConnectionRate  float64 `json:"connection_rate"`
}

func NewRunStatus(st stats.RunStatistics) RunStatus {
	return RunStatus{
		RunStatistics:   st,
		Running:         !st.StartTime.IsZero() && st.EndTime.IsZero(),
		SuccessRate:     st.SuccessRate(),
		DurationSeconds: st.Duration().Seconds(),
		ThroughputMBps:  st.ThroughputMBps(),
		ConnectionRate:  st.ConnectionRate(),
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) runHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "no run tracker attached")
		return
	}
	writeJSON(w, http.StatusOK, NewRunStatus(s.opts.Tracker.Snapshot()))
}

func (s *Server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	records, err := s.opts.Store.List(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list runs")
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.opts.Store.Get(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("run_id", id).Msg("failed to get run")
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Summary == nil {
		writeError(w, http.StatusServiceUnavailable, "no feature source loaded")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Summary)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
