// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Tables names the relations the store writes to.
type Tables struct {
	Runs    string `mapstructure:"runs"`
	Edges   string `mapstructure:"edges"`
	Renders string `mapstructure:"renders"`
	Tasks   string `mapstructure:"tasks"`
}

// DefaultTables returns the default relation names.
func DefaultTables() Tables {
	return Tables{
		Runs:    "rendler_runs",
		Edges:   "rendler_edges",
		Renders: "rendler_renders",
		Tasks:   "rendler_task_outcomes",
	}
}

func (t Tables) withDefaults() Tables {
	d := DefaultTables()
	if t.Runs == "" {
		t.Runs = d.Runs
	}
	if t.Edges == "" {
		t.Edges = d.Edges
	}
	if t.Renders == "" {
		t.Renders = d.Renders
	}
	if t.Tasks == "" {
		t.Tasks = d.Tasks
	}
	return t
}

func (t Tables) validate() error {
	for _, name := range []string{t.Runs, t.Edges, t.Renders, t.Tasks} {
		if !validTableName.MatchString(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}
	return nil
}

// Config controls the Postgres connection pool used for result rows.
type Config struct {
	DSN             string
	Tables          Tables
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ResultStore implements store.ResultRepository on Postgres.
type ResultStore struct {
	pool   pool
	tables Tables
}

var _ store.ResultRepository = (*ResultStore)(nil)

// NewResultStore connects a pool using cfg.
func NewResultStore(ctx context.Context, cfg Config) (*ResultStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	tables := cfg.Tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ResultStore{pool: p, tables: tables}, nil
}

// NewResultStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewResultStoreWithPool(p pool, tables Tables) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	tables = tables.withDefaults()
	if err := tables.validate(); err != nil {
		return nil, err
	}
	return &ResultStore{pool: p, tables: tables}, nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts a running row for the run.
func (s *ResultStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, seedURL string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, seed_url, started_at, status)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE
SET status = EXCLUDED.status
WHERE %s.status <> EXCLUDED.status`, s.tables.Runs, s.tables.Runs)
	if _, err := s.pool.Exec(ctx, query, runID, seedURL, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished.
func (s *ResultStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, status = $2, error_message = $3
WHERE id = $4`, s.tables.Runs)
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// InsertEdges writes all edges in one statement.
func (s *ResultStore) InsertEdges(ctx context.Context, runID uuid.UUID, edges []rendler.Edge, at time.Time) error {
	if len(edges) == 0 {
		return nil
	}
	sources := make([]string, len(edges))
	targets := make([]string, len(edges))
	for i, e := range edges {
		sources[i] = e.From
		targets[i] = e.To
	}
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, source_url, target_url, discovered_at)
SELECT $1, e.source_url, e.target_url, $4
FROM unnest($2::text[], $3::text[]) AS e(source_url, target_url)
ON CONFLICT (run_id, source_url, target_url) DO NOTHING`, s.tables.Edges)
	if _, err := s.pool.Exec(ctx, query, runID, sources, targets, at); err != nil {
		return fmt.Errorf("insert edges: %w", err)
	}
	return nil
}

// UpsertRender stores the latest image for url.
func (s *ResultStore) UpsertRender(ctx context.Context, runID uuid.UUID, url, imageURL string, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, url, image_url, rendered_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (run_id, url) DO UPDATE
SET image_url = EXCLUDED.image_url, rendered_at = EXCLUDED.rendered_at`, s.tables.Renders)
	if _, err := s.pool.Exec(ctx, query, runID, url, imageURL, at); err != nil {
		return fmt.Errorf("upsert render: %w", err)
	}
	return nil
}

// RecordTaskOutcome appends a terminal task report.
func (s *ResultStore) RecordTaskOutcome(ctx context.Context, o store.TaskOutcome) error {
	query := fmt.Sprintf(`
INSERT INTO %s (run_id, task_id, kind, url, attempt, outcome, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.tables.Tasks)
	if _, err := s.pool.Exec(ctx, query, o.RunID, o.TaskID, string(o.Kind), o.URL, o.Attempt, o.Outcome, o.At); err != nil {
		return fmt.Errorf("record task outcome: %w", err)
	}
	return nil
}

// GetRun loads one run.
func (s *ResultStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, seed_url, started_at, finished_at, status, error_message
FROM %s
WHERE id = $1`, s.tables.Runs)
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.SeedURL,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *ResultStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
SELECT id, seed_url, started_at, finished_at, status, error_message
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.tables.Runs)
	var statusArg *string
	if status != nil {
		v := string(*status)
		statusArg = &v
	}
	rows, err := s.pool.Query(ctx, query, statusArg, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		if err := rows.Scan(
			&run.ID,
			&run.SeedURL,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ListEdges returns a page of edges for the run.
func (s *ResultStore) ListEdges(ctx context.Context, runID uuid.UUID, limit, offset int) ([]rendler.Edge, error) {
	query := fmt.Sprintf(`
SELECT source_url, target_url
FROM %s
WHERE run_id = $1
ORDER BY source_url, target_url
LIMIT $2 OFFSET $3`, s.tables.Edges)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	var edges []rendler.Edge
	for rows.Next() {
		var e rendler.Edge
		if err := rows.Scan(&e.From, &e.To); err != nil {
			return nil, fmt.Errorf("scan edge row: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

// ListRenders returns a page of renders for the run.
func (s *ResultStore) ListRenders(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.Render, error) {
	query := fmt.Sprintf(`
SELECT url, image_url, rendered_at
FROM %s
WHERE run_id = $1
ORDER BY url
LIMIT $2 OFFSET $3`, s.tables.Renders)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list renders: %w", err)
	}
	defer rows.Close()

	var renders []store.Render
	for rows.Next() {
		var r store.Render
		if err := rows.Scan(&r.URL, &r.ImageURL, &r.At); err != nil {
			return nil, fmt.Errorf("scan render row: %w", err)
		}
		renders = append(renders, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate renders: %w", err)
	}
	return renders, nil
}
