// Package api exposes the HTTP interface: health probes, Prometheus
// metrics, the anomaly review surface for the admin UI, score reads,
// ad-hoc job triggers, and the email provider webhook.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openparl/commons-tracker/internal/anomaly"
	"github.com/openparl/commons-tracker/internal/digest"
	"github.com/openparl/commons-tracker/internal/jobs"
	"github.com/openparl/commons-tracker/internal/metrics"
	"github.com/openparl/commons-tracker/internal/parliament"
)

// Config controls server behavior.
type Config struct {
	AuthEnabled bool
	APIKey      string
	Timeout     time.Duration
}

// Server wires HTTP handlers to the stores and queue.
type Server struct {
	router    chi.Router
	anomalies anomaly.Store
	scores    parliament.ScoreStore
	members   parliament.MemberStore
	queue     jobs.Queue
	registry  *jobs.Registry
	webhooks  *digest.Processor
	ready     func(ctx context.Context) error
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready is
// consulted by the readiness probe; nil means always ready.
func NewServer(
	anomalies anomaly.Store,
	scores parliament.ScoreStore,
	members parliament.MemberStore,
	queue jobs.Queue,
	registry *jobs.Registry,
	webhooks *digest.Processor,
	ready func(ctx context.Context) error,
	cfg Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		anomalies: anomalies,
		scores:    scores,
		members:   members,
		queue:     queue,
		registry:  registry,
		webhooks:  webhooks,
		ready:     ready,
		logger:    logger,
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/anomalies", func(r chi.Router) {
			r.Get("/", s.listAnomalies)
			r.Route("/{anomaly_id}", func(r chi.Router) {
				r.Get("/", s.getAnomaly)
				r.Post("/status", s.transitionAnomaly)
			})
		})
		r.Get("/members/{member_id}/score", s.getMemberScore)
		r.Post("/jobs/run", s.runJob)
		r.Post("/webhooks/email", s.emailWebhook)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listAnomalies(w http.ResponseWriter, r *http.Request) {
	filter := anomaly.Filter{Limit: 100}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := anomaly.Status(v)
		filter.Status = &status
	}
	if v := q.Get("severity"); v != "" {
		severity := anomaly.Severity(v)
		filter.Severity = &severity
	}
	filter.ScraperName = q.Get("scraper")
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	anomalies, err := s.anomalies.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list anomalies failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomalies": anomalies})
}

func (s *Server) getAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "anomaly_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid anomaly id")
		return
	}
	a, err := s.anomalies.Get(r.Context(), id)
	if errors.Is(err, parliament.ErrNotFound) {
		writeError(w, http.StatusNotFound, "anomaly not found")
		return
	}
	if err != nil {
		s.logger.Error("get anomaly failed", zap.Int64("anomaly_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load anomaly")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"anomaly": a})
}

type transitionRequest struct {
	Status   string `json:"status"`
	Reviewer string `json:"reviewer"`
}

func (s *Server) transitionAnomaly(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "anomaly_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid anomaly id")
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		writeError(w, http.StatusBadRequest, "missing status")
		return
	}

	err = s.anomalies.Transition(r.Context(), id, anomaly.Status(req.Status), req.Reviewer)
	var invalid anomaly.ErrInvalidTransition
	switch {
	case errors.Is(err, parliament.ErrNotFound):
		writeError(w, http.StatusNotFound, "anomaly not found")
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, invalid.Error())
	case err != nil:
		s.logger.Error("transition anomaly failed", zap.Int64("anomaly_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update anomaly")
	default:
		writeJSON(w, http.StatusOK, map[string]any{"anomaly_id": id, "status": req.Status})
	}
}

func (s *Server) getMemberScore(w http.ResponseWriter, r *http.Request) {
	memberID, err := strconv.ParseInt(chi.URLParam(r, "member_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	member, err := s.members.GetMemberByID(r.Context(), memberID)
	if errors.Is(err, parliament.ErrNotFound) {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	if err != nil {
		s.logger.Error("load member failed", zap.Int64("member_id", memberID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load member")
		return
	}

	score, err := s.scores.LatestScore(r.Context(), memberID)
	if errors.Is(err, parliament.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no score calculated yet")
		return
	}
	if err != nil {
		s.logger.Error("load score failed", zap.Int64("member_id", memberID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load score")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"member": member,
		"score":  score,
	})
}

type runJobRequest struct {
	Task string `json:"task"`
}

// runJob enqueues an immediate ad-hoc run of a registered task.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	var req runJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Task == "" {
		writeError(w, http.StatusBadRequest, "missing task")
		return
	}
	if _, ok := s.registry.Lookup(req.Task); !ok {
		writeError(w, http.StatusNotFound, "unknown task")
		return
	}
	if err := s.queue.Enqueue(r.Context(), req.Task, nil, time.Now().UTC()); err != nil {
		s.logger.Error("enqueue job failed", zap.String("task", req.Task), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": req.Task, "status": "queued"})
}

func (s *Server) emailWebhook(w http.ResponseWriter, r *http.Request) {
	var ev digest.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil || ev.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid event")
		return
	}
	if err := s.webhooks.Process(r.Context(), ev); err != nil {
		if errors.Is(err, parliament.ErrNotFound) {
			// Unknown message ids are acknowledged so the provider
			// stops redelivering events for mail we never recorded.
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
			return
		}
		s.logger.Error("process email event failed", zap.String("event_id", ev.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to process event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

type requestIDKey struct{}

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
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
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

func apiKeyMiddleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != key {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The client is gone if this fails; nothing useful to do.
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
