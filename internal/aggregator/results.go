package aggregator

import (
	"sort"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// Results is the cumulative crawl edge set and render map of a run. It is not safe for
// concurrent use.
type Results struct {
	edges   map[rendler.Edge]struct{}
	renders map[string]string
}

// NewResults returns empty result sets.
func NewResults() *Results {
	return &Results{
		edges:   make(map[rendler.Edge]struct{}),
		renders: make(map[string]string),
	}
}

// addEdge reports whether the edge was new.
func (r *Results) addEdge(e rendler.Edge) bool {
	if _, ok := r.edges[e]; ok {
		return false
	}
	r.edges[e] = struct{}{}
	return true
}

// setRender stores the image for url and returns the previous value, if any.
func (r *Results) setRender(url, image string) (string, bool) {
	prev, ok := r.renders[url]
	r.renders[url] = image
	return prev, ok
}

// Edges returns every edge sorted by source, then target.
func (r *Results) Edges() []rendler.Edge {
	out := make([]rendler.Edge, 0, len(r.edges))
	for e := range r.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].To < out[j].To
	})
	return out
}

// Renders returns a copy of the URL to image map.
func (r *Results) Renders() map[string]string {
	out := make(map[string]string, len(r.renders))
	for k, v := range r.renders {
		out[k] = v
	}
	return out
}

// Render returns the image stored for url.
func (r *Results) Render(url string) (string, bool) {
	img, ok := r.renders[url]
	return img, ok
}

// EdgeCount is the number of distinct edges.
func (r *Results) EdgeCount() int {
	return len(r.edges)
}

// RenderCount is the number of rendered URLs.
func (r *Results) RenderCount() int {
	return len(r.renders)
}
