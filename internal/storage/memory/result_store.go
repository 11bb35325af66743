package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/store"
)

// ResultStore provides an in-memory store.ResultRepository.
type ResultStore struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]store.Run
	edges    map[uuid.UUID]map[rendler.Edge]struct{}
	renders  map[uuid.UUID]map[string]store.Render
	outcomes []store.TaskOutcome
}

var _ store.ResultRepository = (*ResultStore)(nil)

// NewResultStore constructs a ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		runs:    make(map[uuid.UUID]store.Run),
		edges:   make(map[uuid.UUID]map[rendler.Edge]struct{}),
		renders: make(map[uuid.UUID]map[string]store.Render),
	}
}

// UpsertRunStart stores a running row, keeping the original start time on repeat calls.
func (s *ResultStore) UpsertRunStart(_ context.Context, runID uuid.UUID, seedURL string, startedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		run = store.Run{ID: runID, SeedURL: seedURL, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	s.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (s *ResultStore) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.ErrNotFound
	}
	run.FinishedAt = pointerTime(finishedAt)
	run.Status = status
	if errMsg != nil {
		msg := *errMsg
		run.ErrorMessage = &msg
	}
	s.runs[runID] = run
	return nil
}

// InsertEdges adds edges, ignoring ones already stored.
func (s *ResultStore) InsertEdges(_ context.Context, runID uuid.UUID, edges []rendler.Edge, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.edges[runID]
	if set == nil {
		set = make(map[rendler.Edge]struct{})
		s.edges[runID] = set
	}
	for _, e := range edges {
		set[e] = struct{}{}
	}
	return nil
}

// UpsertRender stores the latest image for url.
func (s *ResultStore) UpsertRender(_ context.Context, runID uuid.UUID, url, imageURL string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.renders[runID]
	if m == nil {
		m = make(map[string]store.Render)
		s.renders[runID] = m
	}
	m[url] = store.Render{URL: url, ImageURL: imageURL, At: at}
	return nil
}

// RecordTaskOutcome appends a task report.
func (s *ResultStore) RecordTaskOutcome(_ context.Context, outcome store.TaskOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

// TaskOutcomes returns a copy of every recorded task report.
func (s *ResultStore) TaskOutcomes() []store.TaskOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]store.TaskOutcome(nil), s.outcomes...)
}

// GetRun fetches a run by ID.
func (s *ResultStore) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *ResultStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	s.mu.RLock()
	runs := make([]store.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return page(runs, limit, offset), nil
}

// ListEdges returns a page of the run's edges ordered by source then target.
func (s *ResultStore) ListEdges(_ context.Context, runID uuid.UUID, limit, offset int) ([]rendler.Edge, error) {
	s.mu.RLock()
	edges := make([]rendler.Edge, 0, len(s.edges[runID]))
	for e := range s.edges[runID] {
		edges = append(edges, e)
	}
	s.mu.RUnlock()

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return page(edges, limit, offset), nil
}

// ListRenders returns a page of the run's renders ordered by URL.
func (s *ResultStore) ListRenders(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.Render, error) {
	s.mu.RLock()
	renders := make([]store.Render, 0, len(s.renders[runID]))
	for _, r := range s.renders[runID] {
		renders = append(renders, r)
	}
	s.mu.RUnlock()

	sort.Slice(renders, func(i, j int) bool { return renders[i].URL < renders[j].URL })
	return page(renders, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
