package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart, URL: "https://a.test"},
		{RunID: runID, TS: now, Stage: progress.StageRunStart, URL: "https://a.test"},
		{RunID: runID, TS: now, Stage: progress.StageTaskLaunched, TaskID: "00000-crawl", Kind: rendler.KindCrawl, Attempt: 1},
		{RunID: runID, TS: now, Stage: progress.StageTaskRetried, TaskID: "00000-crawl", Kind: rendler.KindCrawl, Attempt: 1},
		{RunID: runID, TS: now, Stage: progress.StageTaskFinished, TaskID: "00001-crawl", Kind: rendler.KindCrawl, Attempt: 2},
		{RunID: runID, TS: now, Stage: progress.StageCrawlResult, URL: "https://a.test", Links: []string{"https://b.test", "https://c.test"}},
		{RunID: runID, TS: now, Stage: progress.StageRenderResult, URL: "https://a.test", Image: "a.png"},
		{RunID: runID, TS: now.Add(15 * time.Second), Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 2.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskEvents.WithLabelValues("crawl", "TASK_LAUNCHED")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskEvents.WithLabelValues("crawl", "TASK_RETRIED")))
	require.Equal(t, 2.0, testutil.ToFloat64(sink.linksFound))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.rendersSaved))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runRuntime, "rendler_run_runtime_seconds"))
	require.Equal(t, 2, testutil.CollectAndCount(sink.taskAttempts, "rendler_task_attempts"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
