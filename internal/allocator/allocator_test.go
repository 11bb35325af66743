package allocator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/id/taskid"
	"github.com/Veterun/RENDLER/internal/ledger"
	"github.com/Veterun/RENDLER/internal/queue"
	"github.com/Veterun/RENDLER/internal/rendler"
)

var defaultCost = rendler.Resources{CPU: DefaultTaskCPU, Mem: DefaultTaskMem}

func newAllocator(t *testing.T, p Priority) *Allocator {
	t.Helper()
	a, err := New(defaultCost, p)
	require.NoError(t, err)
	return a
}

func offer(cpu, mem float64) rendler.Offer {
	return rendler.Offer{ID: "offer-1", NodeID: "node-1", Resources: rendler.Resources{CPU: cpu, Mem: mem}}
}

func fill(q *queue.Set, crawl, render int) {
	for i := 0; i < crawl; i++ {
		q.EnqueueCrawl(fmt.Sprintf("https://crawl/%d", i))
	}
	for i := 0; i < render; i++ {
		q.EnqueueRender(fmt.Sprintf("https://render/%d", i))
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, RenderFirst)
	tests := []struct {
		name string
		res  rendler.Resources
		want int
	}{
		{name: "exact one slot", res: rendler.Resources{CPU: 0.1, Mem: 32}, want: 1},
		{name: "cpu bound", res: rendler.Resources{CPU: 0.3, Mem: 1024}, want: 3},
		{name: "mem bound", res: rendler.Resources{CPU: 4, Mem: 100}, want: 3},
		{name: "too small cpu", res: rendler.Resources{CPU: 0.09, Mem: 1024}, want: 0},
		{name: "too small mem", res: rendler.Resources{CPU: 4, Mem: 31.9}, want: 0},
		{name: "zero", res: rendler.Resources{}, want: 0},
		{name: "negative", res: rendler.Resources{CPU: -1, Mem: 64}, want: 0},
		{name: "float edge", res: rendler.Resources{CPU: 0.7, Mem: 224}, want: 7},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, a.Capacity(tt.res))
		})
	}
}

func TestAllocateRenderFirst(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, RenderFirst)
	q := queue.NewSet(0)
	fill(q, 3, 2)
	l := ledger.New(5)

	directives, err := a.Allocate(offer(0.4, 1024), q, l, taskid.New(5))
	require.NoError(t, err)
	require.Len(t, directives, 4)

	kinds := make([]rendler.TaskKind, 0, len(directives))
	for _, d := range directives {
		kinds = append(kinds, d.Task.Kind)
		require.Equal(t, "offer-1", d.OfferID)
		require.Equal(t, "node-1", d.NodeID)
		require.Equal(t, defaultCost, d.Cost)
		require.Equal(t, 1, d.Task.Attempt)
	}
	require.Equal(t, []rendler.TaskKind{rendler.KindRender, rendler.KindRender, rendler.KindCrawl, rendler.KindCrawl}, kinds)
	require.Equal(t, "00000-render", directives[0].Task.ID)
	require.Equal(t, "00002-crawl", directives[2].Task.ID)
	require.Equal(t, 4, l.Running())
	require.Equal(t, []string{"https://crawl/2"}, q.PendingCrawl())
}

func TestAllocateCrawlFirst(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, CrawlFirst)
	q := queue.NewSet(0)
	fill(q, 1, 2)

	directives, err := a.Allocate(offer(0.2, 64), q, ledger.New(5), taskid.New(5))
	require.NoError(t, err)
	require.Len(t, directives, 2)
	require.Equal(t, rendler.KindCrawl, directives[0].Task.Kind)
	require.Equal(t, rendler.KindRender, directives[1].Task.Kind)
}

func TestAllocateInterleave(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, Interleave)
	q := queue.NewSet(0)
	fill(q, 3, 3)

	directives, err := a.Allocate(offer(0.4, 1024), q, ledger.New(5), taskid.New(5))
	require.NoError(t, err)
	require.Len(t, directives, 4)
	require.Equal(t, rendler.KindRender, directives[0].Task.Kind)
	require.Equal(t, rendler.KindCrawl, directives[1].Task.Kind)
	require.Equal(t, rendler.KindRender, directives[2].Task.Kind)
	require.Equal(t, rendler.KindCrawl, directives[3].Task.Kind)
}

func TestAllocateEmptyQueuesOrZeroCapacity(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, RenderFirst)
	l := ledger.New(5)

	directives, err := a.Allocate(offer(4, 4096), queue.NewSet(0), l, taskid.New(5))
	require.NoError(t, err)
	require.Empty(t, directives)

	q := queue.NewSet(0)
	fill(q, 2, 2)
	directives, err = a.Allocate(offer(0.05, 4096), q, l, taskid.New(5))
	require.NoError(t, err)
	require.Empty(t, directives)
	require.Equal(t, 2, q.Len(rendler.KindCrawl))
	require.Zero(t, l.Running())
}

func TestAllocateNeverOversubscribes(t *testing.T) {
	t.Parallel()

	costs := []rendler.Resources{
		defaultCost,
		{CPU: 0.1004, Mem: 32},
		{CPU: 0.1, Mem: 32.0004},
		{CPU: 0.2499, Mem: 17.3333},
	}
	for _, cost := range costs {
		a, err := New(cost, Interleave)
		require.NoError(t, err)
		for cpuTenths := 0; cpuTenths <= 25; cpuTenths++ {
			for mem := 0; mem <= 330; mem += 7 {
				q := queue.NewSet(0)
				fill(q, 20, 20)
				o := offer(float64(cpuTenths)*0.1, float64(mem))

				directives, err := a.Allocate(o, q, ledger.New(5), taskid.New(5))
				require.NoError(t, err)

				var usedCPU, usedMem float64
				for _, d := range directives {
					usedCPU += d.Cost.CPU
					usedMem += d.Cost.Mem
				}
				require.LessOrEqual(t, usedCPU, o.CPU+1e-9, "cpu oversubscribed for %+v at cost %+v", o.Resources, cost)
				require.LessOrEqual(t, usedMem, o.Mem+1e-9, "mem oversubscribed for %+v at cost %+v", o.Resources, cost)
				require.Equal(t, 40-len(directives), q.Len(rendler.KindCrawl)+q.Len(rendler.KindRender))
			}
		}
	}
}

func TestCapacityRoundsCostUp(t *testing.T) {
	t.Parallel()

	a, err := New(rendler.Resources{CPU: 0.1004, Mem: 32}, RenderFirst)
	require.NoError(t, err)
	require.Equal(t, 9, a.Capacity(rendler.Resources{CPU: 1, Mem: 320}))

	a, err = New(rendler.Resources{CPU: 0.1, Mem: 32.0004}, RenderFirst)
	require.NoError(t, err)
	require.Equal(t, 9, a.Capacity(rendler.Resources{CPU: 1, Mem: 320}))
}

func TestAllocateIDExhaustionKeepsURL(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, CrawlFirst)
	q := queue.NewSet(0)
	fill(q, 12, 0)
	ids := taskid.New(1)

	directives, err := a.Allocate(offer(2, 4096), q, ledger.New(5), ids)
	require.Error(t, err)
	require.True(t, errors.Is(err, taskid.ErrExhausted))
	require.Len(t, directives, 10)
	require.Equal(t, 2, q.Len(rendler.KindCrawl))
}

func TestAllocateUsesLedgerAttempt(t *testing.T) {
	t.Parallel()

	a := newAllocator(t, RenderFirst)
	q := queue.NewSet(0)
	l := ledger.New(5)
	ids := taskid.New(5)

	q.EnqueueCrawl("https://x")
	first, err := a.Allocate(offer(0.1, 32), q, l, ids)
	require.NoError(t, err)
	require.Len(t, first, 1)

	outcome, _ := l.Fail(first[0].Task.ID, q)
	require.Equal(t, ledger.OutcomeRetried, outcome)

	second, err := a.Allocate(offer(0.1, 32), q, l, ids)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, "https://x", second[0].Task.URL)
	require.Equal(t, 2, second[0].Task.Attempt)
	require.NotEqual(t, first[0].Task.ID, second[0].Task.ID)
}

func TestNewRejectsBadCost(t *testing.T) {
	t.Parallel()

	_, err := New(rendler.Resources{CPU: 0, Mem: 32}, RenderFirst)
	require.Error(t, err)
	_, err = New(rendler.Resources{CPU: 1e-10, Mem: 32}, RenderFirst)
	require.Error(t, err)

	a, err := New(defaultCost, "")
	require.NoError(t, err)
	require.Equal(t, RenderFirst, a.Priority())
}

func TestParsePriority(t *testing.T) {
	t.Parallel()

	p, err := ParsePriority("")
	require.NoError(t, err)
	require.Equal(t, RenderFirst, p)

	p, err = ParsePriority("interleave")
	require.NoError(t, err)
	require.Equal(t, Interleave, p)

	_, err = ParsePriority("random")
	require.Error(t, err)
}
