package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/store"
)

func newMockStore(t *testing.T) (*ResultStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	s, err := NewResultStoreWithPool(mock, Tables{})
	require.NoError(t, err)
	return s, mock
}

func TestNewResultStoreWithPoolValidatesTables(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewResultStoreWithPool(mock, Tables{Runs: "runs; DROP TABLE x"})
	require.Error(t, err)

	_, err = NewResultStoreWithPool(nil, Tables{})
	require.Error(t, err)
}

func TestUpsertRunStart(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO rendler_runs").
		WithArgs(runID, "https://a", now, store.RunRunning).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.UpsertRunStart(context.Background(), runID, "https://a", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRunWrapsError(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	msg := "driver aborted"

	mock.ExpectExec("UPDATE rendler_runs").
		WithArgs(now, store.RunError, &msg, runID).
		WillReturnError(errors.New("conn reset"))

	err := s.CompleteRun(context.Background(), runID, now, store.RunError, &msg)
	require.ErrorContains(t, err, "complete run")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEdges(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	edges := []rendler.Edge{
		{From: "https://a", To: "https://b"},
		{From: "https://a", To: "https://c"},
	}

	mock.ExpectExec("INSERT INTO rendler_edges").
		WithArgs(runID, []string{"https://a", "https://a"}, []string{"https://b", "https://c"}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))

	require.NoError(t, s.InsertEdges(context.Background(), runID, edges, now))
	require.NoError(t, s.InsertEdges(context.Background(), runID, nil, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRenderAndTaskOutcome(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("INSERT INTO rendler_renders").
		WithArgs(runID, "https://a", "a.png", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO rendler_task_outcomes").
		WithArgs(runID, "00000-crawl", "crawl", "https://a", 2, "retried", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	ctx := context.Background()
	require.NoError(t, s.UpsertRender(ctx, runID, "https://a", "a.png", now))
	require.NoError(t, s.RecordTaskOutcome(ctx, store.TaskOutcome{
		RunID:   runID,
		TaskID:  "00000-crawl",
		Kind:    rendler.KindCrawl,
		URL:     "https://a",
		Attempt: 2,
		Outcome: "retried",
		At:      now,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()

	rows := mock.NewRows([]string{"id", "seed_url", "started_at", "finished_at", "status", "error_message"}).
		AddRow(runID, "https://a", now, nil, store.RunRunning, nil)
	mock.ExpectQuery("SELECT id, seed_url").WithArgs(runID).WillReturnRows(rows)

	run, err := s.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runID, run.ID)
	require.Equal(t, "https://a", run.SeedURL)
	require.Equal(t, store.RunRunning, run.Status)
	require.Nil(t, run.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	mock.ExpectQuery("SELECT id, seed_url").WithArgs(runID).WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), runID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListEdges(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	rows := mock.NewRows([]string{"source_url", "target_url"}).
		AddRow("https://a", "https://b").
		AddRow("https://a", "https://c")
	mock.ExpectQuery("SELECT source_url, target_url").WithArgs(runID, 10, 0).WillReturnRows(rows)

	edges, err := s.ListEdges(context.Background(), runID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []rendler.Edge{
		{From: "https://a", To: "https://b"},
		{From: "https://a", To: "https://c"},
	}, edges)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListRenders(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	runID := uuid.New()
	now := time.Unix(1700000000, 0).UTC()
	rows := mock.NewRows([]string{"url", "image_url", "rendered_at"}).
		AddRow("https://a", "a.png", now)
	mock.ExpectQuery("SELECT url, image_url").WithArgs(runID, 5, 0).WillReturnRows(rows)

	renders, err := s.ListRenders(context.Background(), runID, 5, 0)
	require.NoError(t, err)
	require.Equal(t, []store.Render{{URL: "https://a", ImageURL: "a.png", At: now}}, renders)
}
