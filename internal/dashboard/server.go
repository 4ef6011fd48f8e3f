// Package dashboard serves the read-only web UI and JSON API over the
// job store.
package dashboard

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queuectl/queuectl/internal/domain"
	"github.com/queuectl/queuectl/internal/jobs"
	"github.com/queuectl/queuectl/internal/observability"
)

//go:embed assets/index.html
var assets embed.FS

const defaultJobsLimit = 50

// Server is the dashboard HTTP server. All endpoints are read-only.
type Server struct {
	manager *jobs.Manager
	logger  *slog.Logger
	page    *template.Template
	http    *http.Server
}

// New builds a dashboard server bound to addr. agg feeds the prometheus
// queue collector; pass the store.
func New(addr string, manager *jobs.Manager, agg observability.Aggregator, logger *slog.Logger) (*Server, error) {
	page, err := template.ParseFS(assets, "assets/index.html")
	if err != nil {
		return nil, fmt.Errorf("parse dashboard template: %w", err)
	}

	s := &Server{manager: manager, logger: logger, page: page}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		observability.NewQueueCollector(agg),
	)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/", s.handleIndex)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{id}", s.handleJobDetail)
		r.Get("/metrics", s.handleMetrics)
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.InfoContext(ctx, "dashboard listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("dashboard server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("dashboard shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Execute(w, nil); err != nil {
		s.logger.Warn("render dashboard page", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agg, workers, err := s.manager.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pending":    agg.Pending,
		"processing": agg.Processing,
		"completed":  agg.Completed,
		"failed":     agg.Failed,
		"dead":       agg.Dead,
		"workers":    workers,
	})
}

type jobSummary struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	Priority   int    `json:"priority"`
	Timeout    int    `json:"timeout"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	Error      string `json:"error"`
}

func summarize(j *domain.Job) jobSummary {
	return jobSummary{
		ID:         j.ID,
		Command:    j.Command,
		State:      string(j.State),
		Attempts:   j.Attempts,
		MaxRetries: j.MaxRetries,
		Priority:   j.Priority,
		Timeout:    j.TimeoutSec,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  j.UpdatedAt.Format(time.RFC3339),
		Error:      j.Error,
	}
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	limit := defaultJobsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: bad limit %q", domain.ErrInvalidPayload, raw))
			return
		}
		limit = n
	}

	list, err := s.manager.List(r.Context(), state, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]jobSummary, 0, len(list))
	for _, j := range list {
		out = append(out, summarize(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, err := s.manager.Logs(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	j := logs.Job

	detail := map[string]any{
		"id":              j.ID,
		"command":         j.Command,
		"state":           string(j.State),
		"attempts":        j.Attempts,
		"max_retries":     j.MaxRetries,
		"priority":        j.Priority,
		"timeout":         j.TimeoutSec,
		"run_at":          j.RunAt.Format(time.RFC3339),
		"next_attempt_at": j.NextAttemptAt.Format(time.RFC3339),
		"created_at":      j.CreatedAt.Format(time.RFC3339),
		"updated_at":      j.UpdatedAt.Format(time.RFC3339),
		"error":           j.Error,
		"stdout":          j.Stdout,
		"stderr":          j.Stderr,
		"log_content":     logs.LogData,
	}
	if j.ExitCode != nil {
		detail["exit_code"] = *j.ExitCode
	}
	if j.StartedAt != nil {
		detail["started_at"] = j.StartedAt.Format(time.RFC3339)
	}
	if j.FinishedAt != nil {
		detail["finished_at"] = j.FinishedAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	agg, workers, err := s.manager.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total_jobs":          agg.Total,
		"completed_jobs":      agg.Completed,
		"failed_jobs":         agg.Failed,
		"dead_jobs":           agg.Dead,
		"avg_runtime_seconds": agg.AvgRuntimeSeconds,
		"active_workers":      workers,
	})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPayload):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Warn("dashboard request failed",
			"path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
