// Package server exposes cube likelihood fits over HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/skyfold/skyfold/internal/config"
	"github.com/skyfold/skyfold/internal/fit"
	"github.com/skyfold/skyfold/internal/logging"
	"github.com/skyfold/skyfold/internal/store"
)

// Logger defines the logging interface used by the server, so the
// concrete logging implementation stays swappable.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

var (
	fitsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "skyfold_fits_started_total",
		Help: "Number of fit jobs accepted.",
	})
	fitsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "skyfold_fits_finished_total",
		Help: "Number of fit jobs reaching a terminal state.",
	}, []string{"status"})
	fitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "skyfold_fit_duration_seconds",
		Help:    "Wall-clock duration of fit runs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

// FitJob tracks one submitted fit through its lifecycle. States are
// "pending", "running", "completed", "failed" and "cancelled".
type FitJob struct {
	ID          string      `json:"id"`
	Status      string      `json:"status"`
	StartTime   time.Time   `json:"start_time"`
	EndTime     *time.Time  `json:"end_time,omitempty"`
	Result      *FitSummary `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	LastUpdated time.Time   `json:"last_updated"`
}

// FitSummary is the reportable outcome of a fit.
type FitSummary struct {
	Success    bool               `json:"success"`
	TotalStat  float64            `json:"total_stat"`
	Backend    string             `json:"backend"`
	Parameters []ParameterSummary `json:"parameters"`
}

// ParameterSummary reports one model parameter after the fit.
type ParameterSummary struct {
	Name   string  `json:"name"`
	Value  float64 `json:"value"`
	Error  float64 `json:"error,omitempty"`
	Unit   string  `json:"unit,omitempty"`
	Frozen bool    `json:"frozen,omitempty"`
}

// Server manages fit jobs and serves the HTTP API.
type Server struct {
	cfg    *config.Config
	logger Logger
	zlog   *zap.Logger  // bridged handle for the fit engine
	repo   *store.Store // optional, nil disables persistence

	jobs   map[string]*FitJob
	jobsMu sync.RWMutex
}

// NewServer creates a server. repo may be nil, in which case results
// are kept only in memory.
func NewServer(cfg *config.Config, logger Logger, repo *store.Store) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		repo:   repo,
		jobs:   make(map[string]*FitJob),
	}
	// The fit engine logs through zap; bridge it onto the same stream.
	if l, ok := logger.(*logging.Logger); ok {
		s.zlog = logging.NewZapLogger(l)
	}
	return s
}

// RegisterRoutes mounts the fit API on the router.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fit", s.handleSubmit)
		r.Get("/fit/{id}", s.handleStatus)
		r.Delete("/fit/{id}", s.handleCancel)
		r.Get("/fits", s.handleList)
	})
}

// handleSubmit accepts a fit request, validates it eagerly and runs
// the fit in a background goroutine.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req FitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	// Shape and model errors surface now, not in the goroutine.
	mapFit, err := req.Build(s.minimizer(), s.zlog)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := fmt.Sprintf("fit_%d", time.Now().UnixNano())
	now := time.Now()
	job := &FitJob{ID: id, Status: "pending", StartTime: now, LastUpdated: now}

	s.jobsMu.Lock()
	s.jobs[id] = job
	s.jobsMu.Unlock()

	if s.repo != nil {
		raw, _ := json.Marshal(req)
		if err := s.repo.Create(r.Context(), id, "pending", raw); err != nil {
			s.logger.Error("failed to persist fit job", map[string]interface{}{
				"fit_id": id, "error": err.Error(),
			})
		}
	}

	fitsStarted.Inc()
	go s.runFit(id, mapFit)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"fit_id": id, "status": "pending"})
}

// handleStatus reports the current state of one fit job.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.jobsMu.RLock()
	job, ok := s.jobs[id]
	s.jobsMu.RUnlock()
	if !ok {
		s.respondError(w, http.StatusNotFound, "fit not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(job)
}

// handleCancel cancels a pending fit. A running fit cannot be
// interrupted: the core fit loop is blocking by design.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, "fit not found")
		return
	}
	if job.Status != "pending" {
		s.respondError(w, http.StatusConflict,
			fmt.Sprintf("cannot cancel fit with status %q", job.Status))
		return
	}

	now := time.Now()
	job.Status = "cancelled"
	job.EndTime = &now
	job.LastUpdated = now
	fitsFinished.WithLabelValues("cancelled").Inc()
	s.persistStatus(id, "cancelled")

	s.logger.Info("fit cancelled", map[string]interface{}{"fit_id": id})
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

// handleList reports recent persisted fits.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.repo == nil {
		s.respondError(w, http.StatusNotImplemented, "persistence disabled")
		return
	}
	records, err := s.repo.List(r.Context(), 50)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

// runFit executes one fit job to completion.
func (s *Server) runFit(id string, mapFit *fit.MapFit) {
	start := time.Now()

	s.jobsMu.Lock()
	job := s.jobs[id]
	if job.Status != "pending" {
		// Cancelled between submission and scheduling.
		s.jobsMu.Unlock()
		return
	}
	job.Status = "running"
	job.LastUpdated = time.Now()
	s.jobsMu.Unlock()
	s.persistStatus(id, "running")

	result, err := mapFit.Run()
	elapsed := time.Since(start)
	fitDuration.Observe(elapsed.Seconds())

	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	now := time.Now()
	job.EndTime = &now
	job.LastUpdated = now

	if err != nil {
		job.Status = "failed"
		job.Error = err.Error()
		fitsFinished.WithLabelValues("failed").Inc()
		s.persistStatus(id, "failed")
		s.logger.Error("fit failed", map[string]interface{}{
			"fit_id": id, "error": err.Error(),
		})
		return
	}

	summary := summarize(result)
	job.Status = "completed"
	job.Result = summary
	fitsFinished.WithLabelValues("completed").Inc()
	s.logger.Info("fit completed", map[string]interface{}{
		"fit_id":     id,
		"success":    summary.Success,
		"total_stat": summary.TotalStat,
		"duration":   elapsed.String(),
	})

	if s.repo != nil {
		modelJSON, _ := json.Marshal(summary.Parameters)
		if err := s.repo.SaveResult(context.Background(), id, "completed", summary.Success,
			summary.TotalStat, summary.Backend, modelJSON); err != nil {
			s.logger.Error("failed to persist fit result", map[string]interface{}{
				"fit_id": id, "error": err.Error(),
			})
		}
	}
}

// minimizer builds the configured optimization backend. Unknown
// backend names fall back to the default with a warning.
func (s *Server) minimizer() fit.Minimizer {
	switch s.cfg.Fit.Backend {
	case "", "nelder-mead":
	default:
		s.logger.Warn("unknown fit backend, using nelder-mead", map[string]interface{}{
			"backend": s.cfg.Fit.Backend,
		})
	}
	nm := fit.NewNelderMead()
	if s.cfg.Fit.MaxIterations > 0 {
		nm.MaxIterations = s.cfg.Fit.MaxIterations
	}
	return nm
}

// summarize flattens a fit result into its reportable form.
func summarize(result *fit.FitResult) *FitSummary {
	params := result.Model().Parameters()
	names := params.Names()
	all := params.All()

	summary := &FitSummary{
		Success:    result.Success(),
		TotalStat:  result.TotalStat(),
		Backend:    result.Backend(),
		Parameters: make([]ParameterSummary, len(all)),
	}
	for i, p := range all {
		summary.Parameters[i] = ParameterSummary{
			Name:   names[i],
			Value:  p.Value,
			Error:  p.Error,
			Unit:   p.Unit,
			Frozen: p.Frozen,
		}
	}
	return summary
}

func (s *Server) persistStatus(id, status string) {
	if s.repo == nil {
		return
	}
	if err := s.repo.UpdateStatus(context.Background(), id, status); err != nil {
		s.logger.Error("failed to persist fit status", map[string]interface{}{
			"fit_id": id, "status": status, "error": err.Error(),
		})
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Error("request error", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Close marks still-pending jobs cancelled. Running fits block until
// they finish; the process exit bounds them.
func (s *Server) Close() error {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	for id, job := range s.jobs {
		if job.Status == "pending" {
			job.Status = "cancelled"
			s.persistStatus(id, "cancelled")
		}
	}
	return nil
}
