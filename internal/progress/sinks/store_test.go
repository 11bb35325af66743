package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/storage/memory"
	"github.com/Veterun/RENDLER/internal/store"
)

// TestStoreSinkPersistsEvents ensures runs, edges, renders and outcomes reach the repository.
func TestStoreSinkPersistsEvents(t *testing.T) {
	t.Parallel()

	repo := memory.NewResultStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now().UTC()

	batch := []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, URL: "https://a.test"},
		{RunID: runID, Stage: progress.StageTaskLaunched, TS: now, TaskID: "00000-crawl", Kind: rendler.KindCrawl, Attempt: 1},
		{RunID: runID, Stage: progress.StageTaskFinished, TS: now, TaskID: "00000-crawl", Kind: rendler.KindCrawl, Attempt: 1, URL: "https://a.test"},
		{RunID: runID, Stage: progress.StageCrawlResult, TS: now, URL: "https://a.test", Links: []string{"https://b.test"}},
		{RunID: runID, Stage: progress.StageCrawlResult, TS: now.Add(time.Second), URL: "https://b.test", Links: []string{"https://a.test"}},
		{RunID: runID, Stage: progress.StageRenderResult, TS: now, URL: "https://a.test", Image: "a.png"},
		{RunID: runID, Stage: progress.StageTaskFailed, TS: now, TaskID: "00001-render", Kind: rendler.KindRender, Attempt: 5, URL: "https://b.test"},
		{RunID: runID, Stage: progress.StageRunDone, TS: now.Add(3 * time.Second), Dur: 3 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.Equal(t, "https://a.test", run.SeedURL)

	edges, err := repo.ListEdges(context.Background(), runUUID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, []rendler.Edge{
		{From: "https://a.test", To: "https://b.test"},
		{From: "https://b.test", To: "https://a.test"},
	}, edges)

	renders, err := repo.ListRenders(context.Background(), runUUID, 10, 0)
	require.NoError(t, err)
	require.Len(t, renders, 1)
	require.Equal(t, "a.png", renders[0].ImageURL)

	outcomes := repo.TaskOutcomes()
	require.Len(t, outcomes, 2)
	require.Equal(t, "finished", outcomes[0].Outcome)
	require.Equal(t, "exhausted", outcomes[1].Outcome)
	require.Equal(t, 5, outcomes[1].Attempt)
}

func TestStoreSinkRecordsRunError(t *testing.T) {
	t.Parallel()

	repo := memory.NewResultStore()
	sink := NewStoreSink(repo, nil)
	runUUID := uuid.New()
	runID := progress.UUIDToBytes(runUUID)
	now := time.Now()

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, Stage: progress.StageRunStart, TS: now, URL: "https://a.test"},
		{RunID: runID, Stage: progress.StageRunError, TS: now, Note: "master disconnected"},
	}))
	run, err := repo.GetRun(context.Background(), runUUID)
	require.NoError(t, err)
	require.Equal(t, store.RunError, run.Status)
	require.NotNil(t, run.ErrorMessage)
	require.Equal(t, "master disconnected", *run.ErrorMessage)
}

// TestStoreSinkHandlesErrors surfaces repository failures back to the caller.
func TestStoreSinkHandlesErrors(t *testing.T) {
	t.Parallel()

	sink := NewStoreSink(failingRepo{ResultStore: memory.NewResultStore()}, nil)
	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(uuid.New()), Stage: progress.StageRunStart, TS: time.Now()},
	})
	require.Error(t, err)
}

type failingRepo struct {
	*memory.ResultStore
}

func (failingRepo) UpsertRunStart(context.Context, uuid.UUID, string, time.Time) error {
	return errors.New("db down")
}
