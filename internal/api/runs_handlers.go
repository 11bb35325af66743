package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/store"
)

const (
	defaultRunLimit  = 50
	maxRunLimit      = 500
	defaultPageLimit = 100
	maxPageLimit     = 1000
	runsTimeout      = 3 * time.Second
)

// RunsHandler exposes read-only endpoints over persisted runs.
type RunsHandler struct {
	repo    store.ResultRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger.
func NewRunsHandler(repo store.ResultRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns {"runs": [...]}, 400 for
// invalid filters, 503 when no repository is configured, or 500 on repository errors.
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "result repository unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		val, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &val
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]runDTO, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunDTO(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for malformed ids,
// or 404 when the repository reports store.ErrNotFound.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "result repository unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListEdges handles GET /v1/runs/{run_id}/edges?limit=&offset=.
func (h *RunsHandler) ListEdges(w http.ResponseWriter, r *http.Request) {
	runID, limit, offset, ok := h.pageRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	edges, err := h.repo.ListEdges(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list edges failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list edges")
		return
	}
	if edges == nil {
		edges = []rendler.Edge{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

// ListRenders handles GET /v1/runs/{run_id}/renders?limit=&offset=.
func (h *RunsHandler) ListRenders(w http.ResponseWriter, r *http.Request) {
	runID, limit, offset, ok := h.pageRequest(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	renders, err := h.repo.ListRenders(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list renders failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list renders")
		return
	}
	out := make([]renderDTO, 0, len(renders))
	for _, rd := range renders {
		out = append(out, renderDTO{URL: rd.URL, ImageURL: rd.ImageURL, At: rd.At})
	}
	writeJSON(w, http.StatusOK, map[string]any{"renders": out})
}

func (h *RunsHandler) pageRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, int, int, bool) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "result repository unavailable")
		return uuid.UUID{}, 0, 0, false
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.UUID{}, 0, 0, false
	}
	limit, offset, err := parseLimitOffset(r, defaultPageLimit, maxPageLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return uuid.UUID{}, 0, 0, false
	}
	return runID, limit, offset, true
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "success":
		return store.RunSuccess, nil
	case "error", "failed", "failure":
		return store.RunError, nil
	default:
		return "", errors.New("invalid status")
	}
}

func toRunDTO(run store.Run) runDTO {
	return runDTO{
		ID:         run.ID.String(),
		SeedURL:    run.SeedURL,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     string(run.Status),
		Error:      run.ErrorMessage,
	}
}

type runDTO struct {
	ID         string     `json:"id"`
	SeedURL    string     `json:"seed_url"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Error      *string    `json:"error,omitempty"`
}

type renderDTO struct {
	URL      string    `json:"url"`
	ImageURL string    `json:"image_url"`
	At       time.Time `json:"at"`
}
