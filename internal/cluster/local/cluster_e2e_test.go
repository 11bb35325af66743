package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/allocator"
	"github.com/Veterun/RENDLER/internal/cluster/local"
	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/scheduler"
	"github.com/Veterun/RENDLER/internal/storage/memory"
)

func TestControllerDrivesLocalCluster(t *testing.T) {
	t.Parallel()

	site := map[string][]string{
		"https://a": {"https://b", "https://c"},
		"https://b": {"https://a", "https://c"},
		"https://c": {},
	}
	runners := map[rendler.TaskKind]executor.Runner{
		rendler.KindCrawl: executor.RunnerFunc(func(_ context.Context, task rendler.Task) (rendler.Completion, error) {
			return rendler.CrawlResult{TaskID: task.ID, URL: task.URL, Links: site[task.URL]}, nil
		}),
		rendler.KindRender: executor.RunnerFunc(func(_ context.Context, task rendler.Task) (rendler.Completion, error) {
			return rendler.RenderResult{TaskID: task.ID, URL: task.URL, ImageURL: task.URL + ".png"}, nil
		}),
	}

	blobs := memory.NewBlobStore()
	ctrl, err := scheduler.New(scheduler.Config{
		SeedURL:      "https://a",
		Priority:     allocator.Interleave,
		PollInterval: 10 * time.Millisecond,
	}, blobs, nil, nil, zap.NewNop())
	require.NoError(t, err)

	cluster, err := local.New(local.Config{
		Nodes:         2,
		CPUsPerNode:   0.3,
		MemPerNode:    96,
		OfferInterval: 10 * time.Millisecond,
		Executor:      executor.Config{Workers: 2},
	}, ctrl, runners, zap.NewNop())
	require.NoError(t, err)

	statusCh := make(chan rendler.DriverStatus, 1)
	go func() {
		status, _ := cluster.Run(context.Background())
		statusCh <- status
	}()

	require.Eventually(t, func() bool {
		s := ctrl.Snapshot()
		return s.Renders == 3 && s.CrawlQueue == 0 && s.RenderQueue == 0 && s.Running == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, ctrl.Shutdown(context.Background()))
	select {
	case status := <-statusCh:
		require.Equal(t, rendler.DriverStopped, status)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster did not stop")
	}

	s := ctrl.Snapshot()
	require.Equal(t, scheduler.StateStopped, s.State)
	require.Equal(t, 3, s.Visited)
	require.Equal(t, 4, s.Edges)
	require.Zero(t, s.Failed)
	require.Equal(t, "memory://result.dot", s.GraphURI)

	dot, _, ok := blobs.Object("result.dot")
	require.True(t, ok)
	require.Contains(t, string(dot), `"https://a.png"`)
	require.Contains(t, string(dot), "url0 -> url1;")
	require.NoError(t, ctrl.Err())
}
