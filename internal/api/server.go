package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/market-price-crawler/internal/metrics"
	"github.com/JakeFAU/market-price-crawler/internal/task"
)

const (
	defaultMaxKeywords    = 50
	defaultListLimit      = 20
	maxListLimit          = 100
	defaultRequestTimeout = 60 * time.Second
	cancelLogLine         = "cancelled by user"
)

// Tasks is the slice of task.Manager the HTTP layer depends on.
type Tasks interface {
	CreateJob(keywords []string, forceRestart bool) (string, error)
	Job(id string) (task.Job, error)
	List(limit int) []task.Job
	Logs(id string) ([]string, error)
	Cancel(id string) error
	AppendLog(id, line string) error
}

// ReadinessFunc reports whether downstream dependencies can serve traffic.
type ReadinessFunc func(ctx context.Context) error

// Config controls the API surface.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	MaxKeywords    int
	RequestTimeout time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithReadiness installs a check behind /readyz.
func WithReadiness(fn ReadinessFunc) Option {
	return func(s *Server) {
		s.ready = fn
	}
}

// Server wires HTTP handlers to the task manager.
type Server struct {
	router chi.Router
	tasks  Tasks
	cfg    Config
	ready  ReadinessFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks Tasks, cfg Config, logger *zap.Logger, opts ...Option) *Server {
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = defaultMaxKeywords
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:  tasks,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/logs", s.getTaskLogs)
				r.Post("/cancel", s.cancelTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createTaskRequest struct {
	Keywords     string `json:"keywords"`
	ForceRestart bool   `json:"force_restart"`
}

type createTaskResponse struct {
	TaskID        string      `json:"task_id"`
	Status        task.Status `json:"status"`
	TotalKeywords int         `json:"total_keywords"`
	ForceRestart  bool        `json:"force_restart"`
}

// taskSummary is the list view of a job; logs and results are left out.
type taskSummary struct {
	TaskID         string      `json:"task_id"`
	Keywords       []string    `json:"keywords"`
	Status         task.Status `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	CurrentKeyword string      `json:"current_keyword,omitempty"`
	KeywordIndex   int         `json:"keyword_index"`
	TotalKeywords  int         `json:"total_keywords"`
	Error          string      `json:"error,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	keywords := ParseKeywords(req.Keywords)
	if len(keywords) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one keyword required")
		return
	}
	if len(keywords) > s.cfg.MaxKeywords {
		s.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("at most %d keywords per task", s.cfg.MaxKeywords))
		return
	}

	id, err := s.tasks.CreateJob(keywords, req.ForceRestart)
	if err != nil {
		s.logger.Error("create task failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "create task failed")
		return
	}
	s.writeJSON(w, http.StatusCreated, createTaskResponse{
		TaskID:        id,
		Status:        task.StatusPending,
		TotalKeywords: len(keywords),
		ForceRestart:  req.ForceRestart,
	})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := clampLimit(r.URL.Query().Get("limit"))
	jobs := s.tasks.List(limit)
	out := make([]taskSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, taskSummary{
			TaskID:         j.ID,
			Keywords:       j.Keywords,
			Status:         j.Status,
			CreatedAt:      j.CreatedAt,
			CurrentKeyword: j.CurrentKeyword,
			KeywordIndex:   j.KeywordIndex,
			TotalKeywords:  j.TotalKeywords,
			Error:          j.Error,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	job, err := s.tasks.Job(chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) getTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.tasks.Logs(chi.URLParam(r, "task_id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if logs == nil {
		logs = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"logs": logs})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	if err := s.tasks.Cancel(id); err != nil {
		s.writeTaskError(w, err)
		return
	}
	if err := s.tasks.AppendLog(id, cancelLogLine); err != nil {
		s.logger.Warn("append cancel log failed", zap.String("job_id", id), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrNotCancellable):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("task request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// ParseKeywords splits a comma-separated list, trimming blanks and dropping
// empty entries. Order is kept.
func ParseKeywords(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if kw := strings.TrimSpace(part); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

func clampLimit(raw string) int {
	limit := defaultListLimit
	if raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	return min(max(limit, 1), maxListLimit)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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
			if expected == "" || key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
