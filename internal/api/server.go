package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/graph"
	"github.com/Veterun/RENDLER/internal/metrics"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/scheduler"
	"github.com/Veterun/RENDLER/internal/store"
)

// Status is the live view of the scheduler the server reports on.
type Status interface {
	Snapshot() scheduler.Snapshot
	Graph() graph.Graph
	InFlight() []rendler.Task
}

// Options tunes the server.
type Options struct {
	// APIKey, when set, is required in X-API-Key (or ?api_key=) on /v1 routes.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the scheduler and result store.
type Server struct {
	router chi.Router
	status Status
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs may be nil, in which case
// the /v1/runs routes answer 503.
func NewServer(status Status, runs store.ResultRepository, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	metrics.Init()
	s := &Server{status: status, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	runsHandler := NewRunsHandler(runs, logger)
	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/stats", s.stats)
		r.Get("/graph", s.graph)
		r.Get("/tasks", s.tasks)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runsHandler.ListRuns)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", runsHandler.GetRun)
				r.Get("/edges", runsHandler.ListEdges)
				r.Get("/renders", runsHandler.ListRenders)
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the scheduler is registered and dispatching.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	state := s.status.Snapshot().State
	if state != scheduler.StateDispatching {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.status.Snapshot())
}

// graph serves the current link graph as DOT, or as JSON with ?format=json.
func (s *Server) graph(w http.ResponseWriter, r *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	g := s.status.Graph()
	switch strings.ToLower(r.URL.Query().Get("format")) {
	case "", "dot":
		w.Header().Set("Content-Type", "text/vnd.graphviz; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if err := g.WriteDOT(w); err != nil {
			s.logger.Warn("write graph failed", zap.Error(err))
		}
	case "json":
		writeJSON(w, http.StatusOK, g)
	default:
		writeError(w, http.StatusBadRequest, "format must be dot or json")
	}
}

func (s *Server) tasks(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler unavailable")
		return
	}
	inFlight := s.status.InFlight()
	out := make([]taskDTO, 0, len(inFlight))
	for _, t := range inFlight {
		out = append(out, taskDTO{ID: t.ID, Kind: string(t.Kind), URL: t.URL, Attempt: t.Attempt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

type taskDTO struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	URL     string `json:"url"`
	Attempt int    `json:"attempt"`
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
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

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
