package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Veterun/RENDLER/internal/progress"
)

// PrometheusSink exports run and task progress via Prometheus. It owns its collectors so
// tests can register them against an isolated registry.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsActive    prometheus.Gauge
	runRuntime    *prometheus.HistogramVec

	taskEvents   *prometheus.CounterVec
	taskAttempts *prometheus.HistogramVec
	linksFound   prometheus.Counter
	rendersSaved prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendler_runs_started_total",
			Help: "Total scheduler runs that have started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendler_runs_completed_total",
			Help: "Total scheduler runs completed partitioned by result.",
		}, []string{"result"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rendler_runs_active",
			Help: "Current number of active scheduler runs.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendler_run_runtime_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		taskEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rendler_task_events_total",
			Help: "Task lifecycle events partitioned by kind and stage.",
		}, []string{"kind", "stage"}),
		taskAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rendler_task_attempts",
			Help:    "Attempt number at which tasks reached a terminal outcome.",
			Buckets: []float64{1, 2, 3, 4, 5},
		}, []string{"kind", "stage"}),
		linksFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendler_links_discovered_total",
			Help: "New crawl edges recorded.",
		}),
		rendersSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rendler_renders_stored_total",
			Help: "Render results stored, including overwrites.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runRuntime,
		s.taskEvents,
		s.taskAttempts,
		s.linksFound,
		s.rendersSaved,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch {
	case evt.Stage == progress.StageRunStart, evt.Stage == progress.StageRunDone, evt.Stage == progress.StageRunError:
		s.handleRunEvent(evt)
	case evt.Stage.IsTask():
		s.taskEvents.WithLabelValues(string(evt.Kind), string(evt.Stage)).Inc()
		if evt.Stage != progress.StageTaskLaunched && evt.Attempt > 0 {
			s.taskAttempts.WithLabelValues(string(evt.Kind), string(evt.Stage)).Observe(float64(evt.Attempt))
		}
	case evt.Stage == progress.StageCrawlResult:
		s.linksFound.Add(float64(len(evt.Links)))
	case evt.Stage == progress.StageRenderResult:
		s.rendersSaved.Inc()
	}
}

func (s *PrometheusSink) handleRunEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsActive.Inc()
		}
		return
	case progress.StageRunDone:
		s.runsCompleted.WithLabelValues("success").Inc()
		s.observeRuntime(evt, "success")
	case progress.StageRunError:
		s.runsCompleted.WithLabelValues("error").Inc()
		s.observeRuntime(evt, "error")
	}
	if s.tracker.complete(evt.RunID) {
		s.runsActive.Dec()
	}
}

func (s *PrometheusSink) observeRuntime(evt progress.Event, label string) {
	if evt.Dur > 0 {
		s.runRuntime.WithLabelValues(label).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu     sync.Mutex
	active map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{active: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; ok {
		return false
	}
	t.active[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[id]; !ok {
		return false
	}
	delete(t.active, id)
	return true
}
