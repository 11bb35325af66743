package aggregator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Veterun/RENDLER/internal/queue"
	"github.com/Veterun/RENDLER/internal/rendler"
)

func TestOnCrawlResultEnqueuesNewLinks(t *testing.T) {
	t.Parallel()

	q := queue.NewSet(0)
	q.Seed("https://a")
	_, _ = q.DequeueCrawl()
	res := NewResults()

	d := OnCrawlResult(res, q, rendler.CrawlResult{
		TaskID: "00000-crawl",
		URL:    "https://a",
		Links:  []string{"https://b", "https://c"},
	})

	require.Equal(t, []string{"https://b", "https://c"}, d.CrawlEnqueued)
	require.Equal(t, []string{"https://b", "https://c"}, d.RenderEnqueued)
	require.Len(t, d.NewEdges, 2)
	require.Equal(t, []string{"https://b", "https://c"}, q.PendingCrawl())
	require.Equal(t, []string{"https://a", "https://b", "https://c"}, q.PendingRender())
	require.Equal(t, []rendler.Edge{
		{From: "https://a", To: "https://b"},
		{From: "https://a", To: "https://c"},
	}, res.Edges())
}

func TestOnCrawlResultIdempotent(t *testing.T) {
	t.Parallel()

	q := queue.NewSet(0)
	res := NewResults()
	cr := rendler.CrawlResult{TaskID: "00000-crawl", URL: "https://a", Links: []string{"https://b", "https://b"}}

	first := OnCrawlResult(res, q, cr)
	require.Len(t, first.NewEdges, 1)
	require.Equal(t, []string{"https://b"}, first.CrawlEnqueued)

	second := OnCrawlResult(res, q, cr)
	require.True(t, second.Empty())
	require.Equal(t, 1, res.EdgeCount())
	require.Equal(t, 1, q.Len(rendler.KindCrawl))
	require.Equal(t, 1, q.Len(rendler.KindRender))
}

func TestOnCrawlResultKnownLinkAddsEdgeOnly(t *testing.T) {
	t.Parallel()

	q := queue.NewSet(0)
	q.EnqueueCrawl("https://b")
	res := NewResults()

	d := OnCrawlResult(res, q, rendler.CrawlResult{TaskID: "1", URL: "https://a", Links: []string{"https://b"}})
	require.Empty(t, d.CrawlEnqueued)
	require.Empty(t, d.RenderEnqueued)
	require.Len(t, d.NewEdges, 1)
	require.Zero(t, q.Len(rendler.KindRender))
}

func TestOnCrawlResultKeepsSelfLinksAndRawText(t *testing.T) {
	t.Parallel()

	q := queue.NewSet(0)
	q.EnqueueCrawl("https://a")
	_, _ = q.DequeueCrawl()
	res := NewResults()

	d := OnCrawlResult(res, q, rendler.CrawlResult{TaskID: "1", URL: "https://a", Links: []string{"https://a", "", " https://b "}})
	require.Equal(t, []rendler.Edge{
		{From: "https://a", To: "https://a"},
		{From: "https://a", To: " https://b "},
	}, d.NewEdges)
	require.Equal(t, []string{" https://b "}, d.CrawlEnqueued)
	require.Equal(t, 2, res.EdgeCount())

	crawl, ok := q.DequeueCrawl()
	require.True(t, ok)
	require.Equal(t, " https://b ", crawl)
	_, ok = q.DequeueCrawl()
	require.False(t, ok)
}

func TestOnCrawlResultRespectsRenderCap(t *testing.T) {
	t.Parallel()

	q := queue.NewSet(1)
	res := NewResults()

	d := OnCrawlResult(res, q, rendler.CrawlResult{TaskID: "1", URL: "https://a", Links: []string{"https://b", "https://c"}})
	require.Equal(t, []string{"https://b", "https://c"}, d.CrawlEnqueued)
	require.Equal(t, []string{"https://b"}, d.RenderEnqueued)
	require.Equal(t, 1, d.RenderDropped)
	require.True(t, q.RenderLimitReached())
}

func TestOnRenderResultLastWriteWins(t *testing.T) {
	t.Parallel()

	res := NewResults()
	d := OnRenderResult(res, rendler.RenderResult{TaskID: "1", URL: "https://a", ImageURL: "a.png"})
	require.True(t, d.RenderStored)
	require.False(t, d.RenderOverwritten)

	d = OnRenderResult(res, rendler.RenderResult{TaskID: "1", URL: "https://a", ImageURL: "a.png"})
	require.True(t, d.Empty())

	d = OnRenderResult(res, rendler.RenderResult{TaskID: "2", URL: "https://a", ImageURL: "a2.png"})
	require.True(t, d.RenderOverwritten)
	require.Equal(t, "a.png", d.PreviousImage)

	img, ok := res.Render("https://a")
	require.True(t, ok)
	require.Equal(t, "a2.png", img)
	require.Equal(t, 1, res.RenderCount())
}

func TestRendersReturnsCopy(t *testing.T) {
	t.Parallel()

	res := NewResults()
	OnRenderResult(res, rendler.RenderResult{URL: "https://a", ImageURL: "a.png"})
	m := res.Renders()
	m["https://a"] = "other"

	img, _ := res.Render("https://a")
	require.Equal(t, "a.png", img)
}
