package scheduler

import (
	"github.com/Veterun/RENDLER/internal/graph"
	"github.com/Veterun/RENDLER/internal/ledger"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// Snapshot is a point-in-time view of the run for status endpoints.
type Snapshot struct {
	RunID       string `json:"runId"`
	State       State  `json:"state"`
	FrameworkID string `json:"frameworkId,omitempty"`
	SeedURL     string `json:"seedUrl"`

	CrawlQueue         int  `json:"crawlQueue"`
	RenderQueue        int  `json:"renderQueue"`
	Visited            int  `json:"visited"`
	RenderSubmitted    int  `json:"renderTasksSubmitted"`
	RenderLimitReached bool `json:"renderLimitReached"`

	ledger.Stats

	Edges     int    `json:"edges"`
	Renders   int    `json:"renders"`
	Abandoned int    `json:"tasksAbandoned,omitempty"`
	GraphURI  string `json:"graphUri,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Snapshot copies the current counters.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		RunID:              c.cfg.RunID.String(),
		State:              c.state,
		FrameworkID:        c.framework,
		SeedURL:            c.cfg.SeedURL,
		CrawlQueue:         c.queues.Len(rendler.KindCrawl),
		RenderQueue:        c.queues.Len(rendler.KindRender),
		Visited:            c.queues.VisitedCount(),
		RenderSubmitted:    c.queues.RenderSubmitted(),
		RenderLimitReached: c.queues.RenderLimitReached(),
		Stats:              c.ledger.Stats(),
		Edges:              c.results.EdgeCount(),
		Renders:            c.results.RenderCount(),
		Abandoned:          c.abandoned,
		GraphURI:           c.graphURI,
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	return s
}

// Graph exports the results accumulated so far.
func (c *Controller) Graph() graph.Graph {
	c.mu.Lock()
	defer c.mu.Unlock()
	return graph.Export(c.results)
}

// Pending returns the crawl and render queues front to back.
func (c *Controller) Pending() (crawl, render []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queues.PendingCrawl(), c.queues.PendingRender()
}

// InFlight lists tasks awaiting a terminal status.
func (c *Controller) InFlight() []rendler.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.InFlight()
}
