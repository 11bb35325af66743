// Package queue holds the scheduler's pending work: a crawl FIFO deduplicated by a visited
// set, and a render FIFO bounded by an optional per-run submission cap.
package queue

import "github.com/Veterun/RENDLER/internal/rendler"

// Set is the pair of pending-work queues. It is not safe for concurrent use; the scheduler
// owns it and serializes access.
type Set struct {
	crawl   *fifo
	render  *fifo
	visited map[string]struct{}

	maxRender          int
	renderSubmitted    int
	renderLimitReached bool
}

// NewSet builds an empty Set. maxRenderTasks caps render enqueues for the run; 0 means
// unlimited.
func NewSet(maxRenderTasks int) *Set {
	if maxRenderTasks < 0 {
		maxRenderTasks = 0
	}
	return &Set{
		crawl:     newFIFO(),
		render:    newFIFO(),
		visited:   make(map[string]struct{}),
		maxRender: maxRenderTasks,
	}
}

// Seed enqueues the starting URL for both crawling and rendering.
func (s *Set) Seed(url string) {
	if s.EnqueueCrawl(url) {
		s.EnqueueRender(url)
	}
}

// EnqueueCrawl appends url to the crawl queue the first time it is seen and reports
// whether it was added.
func (s *Set) EnqueueCrawl(url string) bool {
	if _, seen := s.visited[url]; seen {
		return false
	}
	s.visited[url] = struct{}{}
	s.crawl.push(url)
	return true
}

// EnqueueRender appends url to the render queue unless the run's render cap is reached.
func (s *Set) EnqueueRender(url string) bool {
	if s.maxRender > 0 && s.renderSubmitted >= s.maxRender {
		s.renderLimitReached = true
		return false
	}
	s.renderSubmitted++
	s.render.push(url)
	return true
}

// Requeue puts a retried URL at the back of its kind's queue. It skips dedupe and the
// render cap because the URL was admitted once already.
func (s *Set) Requeue(kind rendler.TaskKind, url string) {
	switch kind {
	case rendler.KindCrawl:
		s.crawl.push(url)
	case rendler.KindRender:
		s.render.push(url)
	}
}

// DequeueCrawl pops the next crawl URL.
func (s *Set) DequeueCrawl() (string, bool) {
	return s.crawl.pop()
}

// DequeueRender pops the next render URL.
func (s *Set) DequeueRender() (string, bool) {
	return s.render.pop()
}

// Dequeue pops the next URL for the given kind.
func (s *Set) Dequeue(kind rendler.TaskKind) (string, bool) {
	if kind == rendler.KindRender {
		return s.DequeueRender()
	}
	return s.DequeueCrawl()
}

// Len reports the number of pending URLs for kind.
func (s *Set) Len(kind rendler.TaskKind) int {
	if kind == rendler.KindRender {
		return s.render.len()
	}
	return s.crawl.len()
}

// Empty reports whether both queues are drained.
func (s *Set) Empty() bool {
	return s.crawl.len() == 0 && s.render.len() == 0
}

// Visited reports whether url was ever enqueued for crawling.
func (s *Set) Visited(url string) bool {
	_, ok := s.visited[url]
	return ok
}

// VisitedCount is the size of the visited set.
func (s *Set) VisitedCount() int {
	return len(s.visited)
}

// RenderLimitReached reports whether a render enqueue has been dropped by the cap.
func (s *Set) RenderLimitReached() bool {
	return s.renderLimitReached
}

// RenderSubmitted is the number of renders admitted so far.
func (s *Set) RenderSubmitted() int {
	return s.renderSubmitted
}

// PendingCrawl returns the crawl queue contents front to back.
func (s *Set) PendingCrawl() []string {
	return s.crawl.snapshot()
}

// PendingRender returns the render queue contents front to back.
func (s *Set) PendingRender() []string {
	return s.render.snapshot()
}
