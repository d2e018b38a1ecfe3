package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/threadscan/internal/crawler"
	"github.com/JakeFAU/threadscan/internal/metrics"
	"github.com/JakeFAU/threadscan/internal/report"
	"github.com/JakeFAU/threadscan/internal/task"
)

// failedTaskMessage is the only error text exposed for failed tasks.
const failedTaskMessage = "scan failed"

// TaskService is the task lifecycle the handlers drive.
type TaskService interface {
	Submit(ctx context.Context, username string) (string, error)
	Task(ctx context.Context, id string) (crawler.Task, error)
	FetchResult(ctx context.Context, id string) (task.Result, error)
}

// StatsService renders per-user statistics.
type StatsService interface {
	UserStats(ctx context.Context, username string) (report.UserStats, error)
}

// Pinger reports store reachability for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config tunes the HTTP layer.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the task and stats services.
type Server struct {
	router chi.Router
	tasks  TaskService
	stats  StatsService
	store  Pinger
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tasks TaskService, stats StatsService, store Pinger, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		tasks:  tasks,
		stats:  stats,
		store:  store,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Route("/tasks/{task_id}", func(r chi.Router) {
			r.Get("/status", s.getTaskStatus)
			r.Get("/result", s.getTaskResult)
		})
		r.Get("/users/{username}/stats", s.getUserStats)
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
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "record store unavailable")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	Username string `json:"username"`
}

type statusResponse struct {
	TaskID   string            `json:"task_id"`
	Username string            `json:"username"`
	State    crawler.TaskState `json:"state"`
}

type resultResponse struct {
	NoPosts      bool          `json:"no_posts,omitempty"`
	Error        string        `json:"error,omitempty"`
	Stats        *report.Stats `json:"stats,omitempty"`
	FlaggedTexts []string      `json:"flagged_texts,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.tasks.Submit(r.Context(), req.Username)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrInvalidUsername):
			s.writeError(w, http.StatusBadRequest, "username must be 1-30 letters, digits, periods or underscores")
		case errors.Is(err, task.ErrQueueFull):
			s.writeError(w, http.StatusServiceUnavailable, "too many tasks in flight")
		default:
			s.logger.Error("submit task failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) getTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	t, err := s.tasks.Task(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, statusResponse{TaskID: t.ID, Username: t.Username, State: t.State})
}

func (s *Server) getTaskResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "task_id")
	res, err := s.tasks.FetchResult(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFinished) {
			s.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": "in progress"})
			return
		}
		s.writeTaskError(w, err)
		return
	}
	switch {
	case res.NoPosts:
		s.writeJSON(w, http.StatusOK, resultResponse{NoPosts: true})
	case res.Failed:
		s.writeJSON(w, http.StatusOK, resultResponse{Error: failedTaskMessage})
	default:
		s.writeJSON(w, http.StatusOK, resultResponse{Stats: res.Stats, FlaggedTexts: nonNil(res.FlaggedTexts)})
	}
}

func (s *Server) getUserStats(w http.ResponseWriter, r *http.Request) {
	name, err := task.NormalizeUsername(chi.URLParam(r, "username"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid username")
		return
	}
	us, err := s.stats.UserStats(r.Context(), name)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	us.FlaggedTexts = nonNil(us.FlaggedTexts)
	s.writeJSON(w, http.StatusOK, us)
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, crawler.ErrStoreUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "record store unavailable")
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func nonNil(texts []string) []string {
	if texts == nil {
		return []string{}
	}
	return texts
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

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("request_id", requestID(r.Context())),
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
						zap.String("request_id", requestID(r.Context())),
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
