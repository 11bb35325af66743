// Package taskid mints ordered task identifiers that carry their task kind.
package taskid

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// DefaultWidth is the zero-padded width of the numeric part of an id.
const DefaultWidth = 5

// ErrExhausted is returned once the counter no longer fits the configured width.
var ErrExhausted = errors.New("task id space exhausted")

// Generator hands out ids of the form "00042-crawl". It is not safe for concurrent use;
// the scheduler serializes access.
type Generator struct {
	width   int
	limit   uint64
	created uint64
}

// New returns a Generator with the given pad width (DefaultWidth when <= 0).
func New(width int) *Generator {
	if width <= 0 {
		width = DefaultWidth
	}
	limit := uint64(math.MaxUint64)
	if width < 20 {
		limit = uint64(math.Pow10(width))
	}
	return &Generator{width: width, limit: limit}
}

// Next returns the id for the next task of the given kind.
func (g *Generator) Next(kind rendler.TaskKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("mint task id: invalid kind %q", kind)
	}
	if g.created >= g.limit {
		return "", fmt.Errorf("mint task id: %w after %d tasks", ErrExhausted, g.created)
	}
	n := g.created
	g.created++
	return fmt.Sprintf("%0*d-%s", g.width, n, kind), nil
}

// Created reports how many ids have been handed out.
func (g *Generator) Created() uint64 {
	return g.created
}

// KindOf recovers the task kind from an id produced by Next.
func KindOf(id string) (rendler.TaskKind, bool) {
	idx := strings.LastIndexByte(id, '-')
	if idx <= 0 {
		return "", false
	}
	if _, err := strconv.ParseUint(id[:idx], 10, 64); err != nil {
		return "", false
	}
	kind := rendler.TaskKind(id[idx+1:])
	if !kind.Valid() {
		return "", false
	}
	return kind, true
}
