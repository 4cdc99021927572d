// Package api exposes the HTTP interface of the long-running sync service:
// health, readiness, checkpoint status, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fieldworks/assistsync/internal/checkpoint"
	"github.com/fieldworks/assistsync/internal/syncer"
)

// Snapshotter reads the persisted per-entity sync state.
type Snapshotter interface {
	Snapshot() ([]checkpoint.SyncState, error)
}

// Pinger reports warehouse reachability for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers to the checkpoint store and warehouse.
type Server struct {
	router      chi.Router
	checkpoints Snapshotter
	warehouse   Pinger
	logger      *zap.Logger

	mu      sync.RWMutex
	lastRun *syncer.RunSummary
}

// NewServer constructs a Server with middleware and routes. registry may be
// nil to disable the metrics endpoint.
func NewServer(checkpoints Snapshotter, warehouse Pinger, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		checkpoints: checkpoints,
		warehouse:   warehouse,
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/status", s.status)
	if registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// RecordCycle publishes the latest cycle summary to the status endpoint.
func (s *Server) RecordCycle(summary syncer.RunSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun = &summary
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.warehouse == nil {
		s.writeError(w, http.StatusServiceUnavailable, "warehouse unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := s.warehouse.Ping(ctx); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "warehouse unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	if s.checkpoints == nil {
		s.writeError(w, http.StatusServiceUnavailable, "checkpoint store unavailable")
		return
	}
	states, err := s.checkpoints.Snapshot()
	if err != nil {
		s.logger.Error("checkpoint snapshot failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to read sync state")
		return
	}

	payload := statusDTO{Entities: toEntityDTOs(states)}
	s.mu.RLock()
	if s.lastRun != nil {
		dto := toCycleDTO(*s.lastRun)
		payload.LastCycle = &dto
	}
	s.mu.RUnlock()

	s.writeJSON(w, http.StatusOK, payload)
}

type statusDTO struct {
	Entities  []entityStateDTO `json:"entities"`
	LastCycle *cycleDTO        `json:"last_cycle,omitempty"`
}

type entityStateDTO struct {
	Entity          string     `json:"entity"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
	Resuming        bool       `json:"resuming"`
	InitialLoadDone bool       `json:"initial_load_done"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
}

type cycleDTO struct {
	CycleID    string    `json:"cycle_id"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Inserted   int       `json:"inserted"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Failed     []string  `json:"failed_entities,omitempty"`
}

func toEntityDTOs(states []checkpoint.SyncState) []entityStateDTO {
	out := make([]entityStateDTO, 0, len(states))
	for _, state := range states {
		dto := entityStateDTO{
			Entity:          state.Entity,
			Resuming:        state.Cursor != "",
			InitialLoadDone: state.InitialLoadDone,
		}
		if !state.LastSyncedAt.IsZero() {
			t := state.LastSyncedAt
			dto.LastSyncedAt = &t
		}
		if !state.UpdatedAt.IsZero() {
			t := state.UpdatedAt
			dto.UpdatedAt = &t
		}
		out = append(out, dto)
	}
	return out
}

func toCycleDTO(summary syncer.RunSummary) cycleDTO {
	dto := cycleDTO{
		CycleID:    summary.CycleID,
		Status:     string(summary.Status),
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Inserted:   summary.Inserted(),
		Updated:    summary.Updated(),
		Skipped:    summary.Skipped(),
	}
	for _, e := range summary.Failed() {
		dto.Failed = append(dto.Failed, e.Entity)
	}
	return dto
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
