// Package aggregator folds completion payloads into the run's result sets and feeds newly
// discovered URLs back into the work queues.
package aggregator

import "github.com/Veterun/RENDLER/internal/rendler"

// Queues receives discovered URLs.
type Queues interface {
	EnqueueCrawl(url string) bool
	EnqueueRender(url string) bool
}

// Delta summarises what a single completion changed.
type Delta struct {
	NewEdges       []rendler.Edge
	CrawlEnqueued  []string
	RenderEnqueued []string
	// RenderDropped counts new URLs whose render was refused by the render cap.
	RenderDropped int

	RenderStored      bool
	RenderOverwritten bool
	PreviousImage     string
}

// Empty reports whether the completion changed nothing.
func (d Delta) Empty() bool {
	return len(d.NewEdges) == 0 && len(d.CrawlEnqueued) == 0 && !d.RenderStored
}

// OnCrawlResult records an edge for every outbound link, self links included, and enqueues
// links seen for the first time for both crawling and rendering. Replaying the same result
// is a no-op.
func OnCrawlResult(results *Results, queues Queues, res rendler.CrawlResult) Delta {
	var d Delta
	for _, link := range res.Links {
		if link == "" {
			continue
		}
		if queues.EnqueueCrawl(link) {
			d.CrawlEnqueued = append(d.CrawlEnqueued, link)
			if queues.EnqueueRender(link) {
				d.RenderEnqueued = append(d.RenderEnqueued, link)
			} else {
				d.RenderDropped++
			}
		}
		edge := rendler.Edge{From: res.URL, To: link}
		if results.addEdge(edge) {
			d.NewEdges = append(d.NewEdges, edge)
		}
	}
	return d
}

// OnRenderResult stores the image reference for the rendered URL. A later render of the
// same URL replaces the earlier one.
func OnRenderResult(results *Results, res rendler.RenderResult) Delta {
	prev, existed := results.setRender(res.URL, res.ImageURL)
	return Delta{
		RenderStored:      !existed || prev != res.ImageURL,
		RenderOverwritten: existed && prev != res.ImageURL,
		PreviousImage:     prev,
	}
}
