// Package allocator matches pending work against a single resource offer.
package allocator

import (
	"errors"
	"fmt"
	"math"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// Default per-task resource cost.
const (
	DefaultTaskCPU = 0.1
	DefaultTaskMem = 32.0
)

// Priority decides which queue a free slot is given to.
type Priority string

// Supported priorities.
const (
	RenderFirst Priority = "render-first"
	CrawlFirst  Priority = "crawl-first"
	Interleave  Priority = "interleave"
)

// ParsePriority converts a configuration string into a Priority. Empty selects RenderFirst.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "", RenderFirst:
		return RenderFirst, nil
	case CrawlFirst, Interleave:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority %q", s)
	}
}

// Queues is the view of pending work the allocator drains.
type Queues interface {
	Len(kind rendler.TaskKind) int
	Dequeue(kind rendler.TaskKind) (string, bool)
}

// Ledger records launched tasks and supplies attempt numbers.
type Ledger interface {
	NextAttempt(url string, kind rendler.TaskKind) int
	Launch(task rendler.Task)
}

// IDSource mints task ids.
type IDSource interface {
	Next(kind rendler.TaskKind) (string, error)
}

// Allocator is stateless apart from its configuration.
type Allocator struct {
	cost     rendler.Resources
	priority Priority

	cpuUnits int64
	memUnits int64
}

// New builds an Allocator charging cost per task.
func New(cost rendler.Resources, priority Priority) (*Allocator, error) {
	if cost.CPU <= 0 || cost.Mem <= 0 {
		return nil, errors.New("task cost must be positive")
	}
	priority, err := ParsePriority(string(priority))
	if err != nil {
		return nil, err
	}
	a := &Allocator{
		cost:     cost,
		priority: priority,
		cpuUnits: ceilMilli(cost.CPU),
		memUnits: ceilMilli(cost.Mem),
	}
	if a.cpuUnits == 0 || a.memUnits == 0 {
		return nil, errors.New("task cost below allocation resolution")
	}
	return a, nil
}

// Cost returns the per-task resource charge.
func (a *Allocator) Cost() rendler.Resources {
	return a.cost
}

// Priority returns the configured slot priority.
func (a *Allocator) Priority() Priority {
	return a.priority
}

// Capacity is how many tasks fit in the offered resources.
func (a *Allocator) Capacity(offer rendler.Resources) int {
	cpu := floorMilli(offer.CPU) / a.cpuUnits
	mem := floorMilli(offer.Mem) / a.memUnits
	c := cpu
	if mem < c {
		c = mem
	}
	if c < 0 {
		return 0
	}
	return int(c)
}

// Allocate fills the offer greedily from queues and records each launch in ledger. When id
// minting fails the directives built so far are returned with the error; no URL is dequeued
// for the failed slot.
func (a *Allocator) Allocate(offer rendler.Offer, queues Queues, ledger Ledger, ids IDSource) ([]rendler.LaunchDirective, error) {
	capacity := a.Capacity(offer.Resources)
	if capacity == 0 {
		return nil, nil
	}

	var directives []rendler.LaunchDirective
	for slot := 0; slot < capacity; slot++ {
		kind, ok := a.pick(slot, queues)
		if !ok {
			break
		}
		id, err := ids.Next(kind)
		if err != nil {
			return directives, fmt.Errorf("mint %s task id: %w", kind, err)
		}
		url, ok := queues.Dequeue(kind)
		if !ok {
			break
		}
		task := rendler.Task{
			ID:      id,
			Kind:    kind,
			URL:     url,
			Attempt: ledger.NextAttempt(url, kind),
		}
		ledger.Launch(task)
		directives = append(directives, rendler.LaunchDirective{
			Task:    task,
			OfferID: offer.ID,
			NodeID:  offer.NodeID,
			Cost:    a.cost,
		})
	}
	return directives, nil
}

func (a *Allocator) pick(slot int, queues Queues) (rendler.TaskKind, bool) {
	first, second := rendler.KindRender, rendler.KindCrawl
	switch a.priority {
	case CrawlFirst:
		first, second = second, first
	case Interleave:
		if slot%2 == 1 {
			first, second = second, first
		}
	}
	if queues.Len(first) > 0 {
		return first, true
	}
	if queues.Len(second) > 0 {
		return second, true
	}
	return "", false
}

// ceilMilli rounds a task cost up so capacity never counts on a fraction the task
// actually needs.
func ceilMilli(v float64) int64 {
	return int64(math.Ceil(v*1000 - 1e-6))
}

// floorMilli rounds offered amounts down so a slot is never granted on a fraction that was
// not actually offered.
func floorMilli(v float64) int64 {
	if v <= 0 || math.IsNaN(v) {
		return 0
	}
	if math.IsInf(v, 1) {
		return math.MaxInt64 / 2
	}
	return int64(math.Floor(v*1000 + 1e-6))
}
