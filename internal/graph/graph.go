// Package graph turns a run's crawl edges and render map into a Graphviz description.
package graph

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// Source supplies the result sets to export.
type Source interface {
	Edges() []rendler.Edge
	Renders() map[string]string
}

// Node is one page in the graph.
type Node struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Image string `json:"image,omitempty"`
}

// Graph is a deterministic snapshot of the link graph: nodes sorted by URL, edges sorted by
// source then target.
type Graph struct {
	Nodes []Node         `json:"nodes"`
	Edges []rendler.Edge `json:"edges"`
}

// Export builds a Graph with one node per URL that appears in an edge or in the render map.
func Export(src Source) Graph {
	edges := src.Edges()
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	renders := src.Renders()

	urls := make(map[string]struct{}, len(renders)+len(edges))
	for u := range renders {
		urls[u] = struct{}{}
	}
	for _, e := range edges {
		urls[e.From] = struct{}{}
		urls[e.To] = struct{}{}
	}
	sorted := make([]string, 0, len(urls))
	for u := range urls {
		sorted = append(sorted, u)
	}
	sort.Strings(sorted)

	nodes := make([]Node, 0, len(sorted))
	for i, u := range sorted {
		nodes = append(nodes, Node{ID: fmt.Sprintf("url%d", i), URL: u, Image: renders[u]})
	}
	return Graph{Nodes: nodes, Edges: edges}
}

// Node returns the node for url.
func (g Graph) Node(url string) (Node, bool) {
	i := sort.Search(len(g.Nodes), func(i int) bool { return g.Nodes[i].URL >= url })
	if i < len(g.Nodes) && g.Nodes[i].URL == url {
		return g.Nodes[i], true
	}
	return Node{}, false
}

// WriteDOT writes the graph in Graphviz DOT syntax.
func (g Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	ids := make(map[string]string, len(g.Nodes))

	fmt.Fprintln(bw, "digraph G {")
	fmt.Fprintln(bw, "  node [shape=box];")
	for _, n := range g.Nodes {
		ids[n.URL] = n.ID
		if n.Image != "" {
			fmt.Fprintf(bw, "  %s [label=%s, image=%s];\n", n.ID, quote(n.URL), quote(n.Image))
			continue
		}
		fmt.Fprintf(bw, "  %s [label=%s];\n", n.ID, quote(n.URL))
	}
	for _, e := range g.Edges {
		fmt.Fprintf(bw, "  %s -> %s;\n", ids[e.From], ids[e.To])
	}
	fmt.Fprintln(bw, "}")

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write dot: %w", err)
	}
	return nil
}

// String renders the graph as DOT text.
func (g Graph) String() string {
	var sb strings.Builder
	_ = g.WriteDOT(&sb)
	return sb.String()
}

var dotEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func quote(s string) string {
	return `"` + dotEscaper.Replace(s) + `"`
}
