package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the rendler_runs status column.
type RunStatus string

// Run statuses persisted in rendler_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one scheduler run.
type Run struct {
	ID      uuid.UUID
	SeedURL string
	// StartedAt captures when the scheduler registered.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt   *time.Time
	Status       RunStatus
	ErrorMessage *string
}

// TaskOutcome is one terminal task report.
type TaskOutcome struct {
	RunID   uuid.UUID
	TaskID  string
	Kind    rendler.TaskKind
	URL     string
	Attempt int
	// Outcome is finished, retried or exhausted.
	Outcome string
	At      time.Time
}

// Render is a stored page image.
type Render struct {
	URL      string
	ImageURL string
	At       time.Time
}

// ResultRepository persists run progress and results.
type ResultRepository interface {
	// UpsertRunStart inserts (or idempotently updates) a running run row.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, seedURL string, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// InsertEdges stores crawl edges; existing edges are ignored.
	InsertEdges(ctx context.Context, runID uuid.UUID, edges []rendler.Edge, at time.Time) error
	// UpsertRender stores the image for a URL, replacing any earlier one.
	UpsertRender(ctx context.Context, runID uuid.UUID, url, imageURL string, at time.Time) error
	// RecordTaskOutcome appends a terminal task report.
	RecordTaskOutcome(ctx context.Context, outcome TaskOutcome) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListEdges returns a run's edges ordered by source then target.
	ListEdges(ctx context.Context, runID uuid.UUID, limit, offset int) ([]rendler.Edge, error)
	// ListRenders returns a run's renders ordered by URL.
	ListRenders(ctx context.Context, runID uuid.UUID, limit, offset int) ([]Render, error)
}
