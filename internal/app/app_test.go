package app

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/config"
	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/scheduler"
	"github.com/Veterun/RENDLER/internal/store"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = config.StorageMemory
	cfg.Scheduler.PollIntervalMs = 10
	cfg.Local = config.LocalConfig{Nodes: 2, CPUsPerNode: 0.3, MemPerNode: 96, OfferIntervalMs: 10}
	return cfg
}

func siteRunners() map[rendler.TaskKind]executor.Runner {
	site := map[string][]string{
		"https://a": {"https://b", "https://c"},
		"https://b": {"https://a", "https://c"},
		"https://c": {},
	}
	return map[rendler.TaskKind]executor.Runner{
		rendler.KindCrawl: executor.RunnerFunc(func(_ context.Context, task rendler.Task) (rendler.Completion, error) {
			return rendler.CrawlResult{TaskID: task.ID, URL: task.URL, Links: site[task.URL]}, nil
		}),
		rendler.KindRender: executor.RunnerFunc(func(_ context.Context, task rendler.Task) (rendler.Completion, error) {
			return rendler.RenderResult{TaskID: task.ID, URL: task.URL, ImageURL: task.URL + ".png"}, nil
		}),
	}
}

func TestRunLocalClusterUntilInterrupted(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	a, err := New(context.Background(), testConfig(t), Options{
		SeedURL:    "https://a",
		Master:     LocalMaster,
		Registerer: prometheus.NewRegistry(),
		Runners:    siteRunners(),
		Out:        &out,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, interrupt := context.WithCancel(context.Background())
	defer interrupt()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	ctrl := a.GetController()
	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.Renders == 3 && s.CrawlQueue == 0 && s.RenderQueue == 0 && s.Running == 0
	}, 5*time.Second, 10*time.Millisecond)
	interrupt()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return")
	}

	require.Equal(t, scheduler.StateStopped, ctrl.State())
	require.Equal(t, "Graph written to memory://result.dot\n", out.String())

	runs, err := a.GetResults().ListRuns(context.Background(), nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, store.RunSuccess, runs[0].Status)
	edges, err := a.GetResults().ListEdges(context.Background(), runs[0].ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, edges, 4)
}

func TestRunReportsRejectedSubscription(t *testing.T) {
	t.Parallel()

	master := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "framework is not authorized", http.StatusForbidden)
	}))
	t.Cleanup(master.Close)

	cfg := testConfig(t)
	cfg.Progress.Enabled = false
	var out bytes.Buffer
	a, err := New(context.Background(), cfg, Options{
		SeedURL: "https://a",
		Master:  master.URL,
		Out:     &out,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(a.Close)

	err = a.Run(context.Background())
	require.ErrorContains(t, err, "driver aborted")
	require.ErrorContains(t, err, "403")
	require.Equal(t, "Graph written to memory://result.dot\n", out.String())
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	testCases := map[string]Options{
		"missing seed":     {Master: LocalMaster},
		"missing master":   {SeedURL: "https://a"},
		"negative renders": {SeedURL: "https://a", Master: LocalMaster, MaxRenderTasks: -1},
		"zookeeper master": {SeedURL: "https://a", Master: "zk://zk:2181/mesos"},
	}
	for name, opts := range testCases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			opts.Registerer = prometheus.NewRegistry()
			opts.Runners = siteRunners()
			_, err := New(context.Background(), cfg, opts, nil)
			require.Error(t, err)
		})
	}
}

func TestNewRejectsUnknownStorage(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Storage.Backend = "s3"
	_, err := New(context.Background(), cfg, Options{SeedURL: "https://a", Master: LocalMaster}, nil)
	require.ErrorContains(t, err, `unknown storage backend "s3"`)
}

func TestRunOutcome(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	testCases := []struct {
		name      string
		res       driverResult
		runErr    error
		exportErr error
		want      string
	}{
		{name: "clean stop", res: driverResult{status: rendler.DriverStopped}},
		{name: "aborted with cause", res: driverResult{status: rendler.DriverAborted, err: boom}, want: "driver aborted: boom"},
		{name: "aborted by scheduler", res: driverResult{status: rendler.DriverAborted}, runErr: scheduler.ErrDisconnected,
			want: "driver aborted: disconnected from cluster manager"},
		{name: "aborted without cause", res: driverResult{status: rendler.DriverAborted}, want: "driver aborted"},
		{name: "run error", res: driverResult{status: rendler.DriverStopped}, runErr: boom, want: "run failed: boom"},
		{name: "export error", res: driverResult{status: rendler.DriverStopped}, exportErr: boom, want: "boom"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := runOutcome(tc.res, tc.runErr, tc.exportErr)
			if tc.want == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tc.want)
		})
	}
}

func TestRunExecutorRequiresAgentEnvironment(t *testing.T) {
	t.Parallel()

	err := RunExecutor(context.Background(), testConfig(t), rendler.KindCrawl,
		func(string) string { return "" }, nil)
	require.ErrorContains(t, err, "missing executor environment")
}

func TestNewRunner(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	runner, done, err := NewRunner(rendler.KindCrawl, cfg.Executor, nil, nil, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, runner)
	require.Nil(t, done)

	_, _, err = NewRunner(rendler.KindRender, cfg.Executor, nil, nil, zap.NewNop())
	require.ErrorContains(t, err, "blob store is required")

	_, _, err = NewRunner("index", cfg.Executor, nil, nil, zap.NewNop())
	require.ErrorContains(t, err, "unknown task kind")
}
