// Package ledger tracks in-flight tasks, the running and failed counters, and the bounded
// retry of failed work.
package ledger

import (
	"sort"

	"github.com/golang-collections/collections/queue"

	"github.com/Veterun/RENDLER/internal/rendler"
)

// DefaultMaxAttempts is how many times a (URL, kind) pair may be launched before a failure
// becomes permanent.
const DefaultMaxAttempts = 5

// DefaultResultWindow is how many finished tasks may wait for their completion message at
// once. Past it the oldest is forgotten and its late message is discarded.
const DefaultResultWindow = 4096

// Outcome describes what a terminal failure report resolved to.
type Outcome int

// Failure outcomes.
const (
	// OutcomeUnknown means the task id was never launched or already reached a terminal state.
	OutcomeUnknown Outcome = iota
	// OutcomeFinished means the task's result was already consumed, so the failure is ignored.
	OutcomeFinished
	// OutcomeRetried means the URL went back to the end of its queue.
	OutcomeRetried
	// OutcomeExhausted means the attempt bound was hit and the failure is final.
	OutcomeExhausted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFinished:
		return "finished"
	case OutcomeRetried:
		return "retried"
	case OutcomeExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Requeuer receives URLs whose task should be attempted again.
type Requeuer interface {
	Requeue(kind rendler.TaskKind, url string)
}

type attemptKey struct {
	url  string
	kind rendler.TaskKind
}

type entry struct {
	task    rendler.Task
	done    bool
	claimed bool
}

// Ledger is not safe for concurrent use; the scheduler serializes access.
type Ledger struct {
	maxAttempts  int
	resultWindow int

	tasks    map[string]*entry
	attempts map[attemptKey]int
	// awaiting holds ids of finished tasks in finish order; claimed ids age out with the rest.
	awaiting *queue.Queue

	created  int
	running  int
	failed   int
	finished int
	retried  int
	dropped  int
}

// New builds a Ledger allowing maxAttempts launches per (URL, kind). Values below 1 fall
// back to DefaultMaxAttempts.
func New(maxAttempts int) *Ledger {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Ledger{
		maxAttempts:  maxAttempts,
		resultWindow: DefaultResultWindow,
		tasks:        make(map[string]*entry),
		attempts:     make(map[attemptKey]int),
		awaiting:     queue.New(),
	}
}

// MaxAttempts returns the configured attempt bound.
func (l *Ledger) MaxAttempts() int {
	return l.maxAttempts
}

// NextAttempt returns the 1-based attempt number the next launch of (url, kind) will carry.
func (l *Ledger) NextAttempt(url string, kind rendler.TaskKind) int {
	return l.attempts[attemptKey{url: url, kind: kind}] + 1
}

// Launch records a dispatched task and counts it as running.
func (l *Ledger) Launch(task rendler.Task) {
	if task.Attempt < 1 {
		task.Attempt = l.NextAttempt(task.URL, task.Kind)
	}
	l.tasks[task.ID] = &entry{task: task}
	l.attempts[attemptKey{url: task.URL, kind: task.Kind}] = task.Attempt
	l.created++
	l.running++
}

// Lookup returns the task recorded under id.
func (l *Ledger) Lookup(id string) (rendler.Task, bool) {
	e, ok := l.tasks[id]
	if !ok {
		return rendler.Task{}, false
	}
	return e.task, true
}

// Finish records a successful terminal status. It returns false for unknown ids and for
// tasks already terminal.
func (l *Ledger) Finish(id string) (rendler.Task, bool) {
	e, ok := l.tasks[id]
	if !ok || e.done {
		return rendler.Task{}, false
	}
	l.settle(id, e)
	l.finished++
	if !e.claimed {
		l.await(id)
	}
	return e.task, true
}

// await remembers a finished task whose result has not arrived, forgetting the oldest
// waiting task once the window is full.
func (l *Ledger) await(id string) {
	l.awaiting.Enqueue(id)
	for l.awaiting.Len() > l.resultWindow {
		oldest := l.awaiting.Dequeue().(string)
		if e, ok := l.tasks[oldest]; ok && e.done && !e.claimed {
			delete(l.tasks, oldest)
			l.dropped++
		}
	}
}

// Fail records a failed terminal status and either requeues the URL or counts a permanent
// failure once the attempt bound is reached.
func (l *Ledger) Fail(id string, requeuer Requeuer) (Outcome, rendler.Task) {
	e, ok := l.tasks[id]
	if !ok || e.done {
		return OutcomeUnknown, rendler.Task{}
	}
	l.settle(id, e)
	if e.claimed {
		l.finished++
		return OutcomeFinished, e.task
	}
	delete(l.tasks, id)
	if e.task.Attempt < l.maxAttempts {
		l.retried++
		if requeuer != nil {
			requeuer.Requeue(e.task.Kind, e.task.URL)
		}
		return OutcomeRetried, e.task
	}
	l.failed++
	return OutcomeExhausted, e.task
}

// settle moves a task out of the running set. Finished tasks whose result has not arrived
// yet are kept so a late completion message can still be claimed.
func (l *Ledger) settle(id string, e *entry) {
	e.done = true
	if l.running > 0 {
		l.running--
	}
	if e.claimed {
		delete(l.tasks, id)
	}
}

// Claim marks the completion payload for id as consumed. It returns false when the id was
// never launched, was already claimed, failed, or belongs to another kind.
func (l *Ledger) Claim(id string, kind rendler.TaskKind) bool {
	e, ok := l.tasks[id]
	if !ok || e.claimed || e.task.Kind != kind {
		return false
	}
	e.claimed = true
	if e.done {
		delete(l.tasks, id)
	}
	return true
}

// Stats is a point-in-time copy of the ledger counters.
type Stats struct {
	Created  int `json:"tasksCreated"`
	Running  int `json:"tasksRunning"`
	Failed   int `json:"tasksFailed"`
	Finished int `json:"tasksFinished"`
	Retried  int `json:"tasksRetried"`
	// ResultsDropped counts finished tasks forgotten before their completion message arrived.
	ResultsDropped int `json:"resultsDropped"`
}

// Stats returns the current counters.
func (l *Ledger) Stats() Stats {
	return Stats{
		Created:  l.created,
		Running:  l.running,
		Failed:   l.failed,
		Finished: l.finished,
		Retried:  l.retried,

		ResultsDropped: l.dropped,
	}
}

// AwaitingResults is the number of finished tasks whose completion message has not been
// claimed.
func (l *Ledger) AwaitingResults() int {
	n := 0
	for _, e := range l.tasks {
		if e.done && !e.claimed {
			n++
		}
	}
	return n
}

// Running is the number of launched tasks without a terminal status.
func (l *Ledger) Running() int {
	return l.running
}

// Failed is the number of permanently failed tasks.
func (l *Ledger) Failed() int {
	return l.failed
}

// InFlight lists the tasks still awaiting a terminal status, ordered by id.
func (l *Ledger) InFlight() []rendler.Task {
	out := make([]rendler.Task, 0, l.running)
	for _, e := range l.tasks {
		if !e.done {
			out = append(out, e.task)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
