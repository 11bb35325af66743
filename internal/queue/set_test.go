package queue

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/rendler"
)

func TestSeedEnqueuesBothQueues(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	s.Seed("https://a")

	require.Equal(t, []string{"https://a"}, s.PendingCrawl())
	require.Equal(t, []string{"https://a"}, s.PendingRender())
	require.True(t, s.Visited("https://a"))
}

func TestEnqueueCrawlDeduplicates(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	urls := []string{"https://a", "https://b", "https://a", "https://a", "https://b", "https://c"}
	var added int
	for _, u := range urls {
		if s.EnqueueCrawl(u) {
			added++
		}
	}

	require.Equal(t, 3, added)
	require.Equal(t, 3, s.VisitedCount())
	require.Equal(t, []string{"https://a", "https://b", "https://c"}, s.PendingCrawl())
}

func TestEnqueueCrawlIgnoresAlreadyDispatchedURL(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	require.True(t, s.EnqueueCrawl("https://a"))
	url, ok := s.DequeueCrawl()
	require.True(t, ok)
	require.Equal(t, "https://a", url)

	require.False(t, s.EnqueueCrawl("https://a"))
	require.Zero(t, s.Len(rendler.KindCrawl))
}

func TestEnqueueRenderCap(t *testing.T) {
	t.Parallel()

	s := NewSet(2)
	require.True(t, s.EnqueueRender("https://a"))
	require.False(t, s.RenderLimitReached())
	require.True(t, s.EnqueueRender("https://b"))
	require.False(t, s.EnqueueRender("https://c"))
	require.True(t, s.RenderLimitReached())
	require.False(t, s.EnqueueRender("https://d"))

	require.Equal(t, 2, s.RenderSubmitted())
	require.Equal(t, []string{"https://a", "https://b"}, s.PendingRender())
}

func TestEnqueueRenderUnlimited(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	for i := 0; i < 50; i++ {
		require.True(t, s.EnqueueRender("https://x"))
	}
	require.False(t, s.RenderLimitReached())
	require.Equal(t, 50, s.Len(rendler.KindRender))
}

func TestRequeueGoesToBack(t *testing.T) {
	t.Parallel()

	s := NewSet(1)
	s.Seed("https://a")
	s.EnqueueCrawl("https://b")

	url, ok := s.DequeueCrawl()
	require.True(t, ok)
	s.Requeue(rendler.KindCrawl, url)
	require.Equal(t, []string{"https://b", "https://a"}, s.PendingCrawl())

	url, ok = s.DequeueRender()
	require.True(t, ok)
	s.Requeue(rendler.KindRender, url)
	require.Equal(t, []string{"https://a"}, s.PendingRender())
	require.Equal(t, 1, s.RenderSubmitted())
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	_, ok := s.DequeueCrawl()
	require.False(t, ok)
	_, ok = s.Dequeue(rendler.KindRender)
	require.False(t, ok)
	require.True(t, s.Empty())
}

func TestSnapshotDoesNotMutate(t *testing.T) {
	t.Parallel()

	s := NewSet(0)
	s.EnqueueCrawl("https://a")
	s.EnqueueCrawl("https://b")
	require.Equal(t, s.PendingCrawl(), s.PendingCrawl())

	url, ok := s.DequeueCrawl()
	require.True(t, ok)
	require.Equal(t, "https://a", url)
}
