// Package executor runs crawl and render tasks on a node and reports their lifecycle and
// completion payloads back to the cluster manager.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Veterun/RENDLER/internal/metrics"
	"github.com/Veterun/RENDLER/internal/queue/memory"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// Runner performs one task and returns its completion payload.
type Runner interface {
	Run(ctx context.Context, task rendler.Task) (rendler.Completion, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, task rendler.Task) (rendler.Completion, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, task rendler.Task) (rendler.Completion, error) {
	return f(ctx, task)
}

// Reporter carries task status and completion messages to the scheduler.
type Reporter interface {
	Update(ctx context.Context, taskID string, state rendler.TaskState, message string) error
	Message(ctx context.Context, data []byte) error
}

// Config controls Host behavior.
type Config struct {
	// Workers is the number of tasks run concurrently (default 1).
	Workers int
	// QueueSize bounds launched-but-not-started tasks (default 256).
	QueueSize int
	// TaskTimeout bounds a single Run call (default 2m).
	TaskTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	return c
}

// Host is one executor: it queues launched tasks of a single kind and fans them out to a
// pool of workers.
type Host struct {
	kind   rendler.TaskKind
	runner Runner
	cfg    Config
	queue  *memory.Queue[rendler.Task]
	logger *zap.Logger
}

// NewHost builds a Host for kind.
func NewHost(kind rendler.TaskKind, runner Runner, cfg Config, logger *zap.Logger) (*Host, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown task kind %q", kind)
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	metrics.Init()
	return &Host{
		kind:   kind,
		runner: runner,
		cfg:    cfg,
		queue:  memory.NewQueue[rendler.Task](cfg.QueueSize),
		logger: logger.With(zap.String("executor_id", kind.ExecutorID())),
	}, nil
}

// Kind returns the task kind this host serves.
func (h *Host) Kind() rendler.TaskKind {
	return h.kind
}

// Launch queues a task for execution.
func (h *Host) Launch(ctx context.Context, task rendler.Task) error {
	if task.Kind != h.kind {
		return fmt.Errorf("task %s is %s, executor runs %s", task.ID, task.Kind, h.kind)
	}
	if err := h.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Run starts the workers and blocks until ctx ends or Close is called.
func (h *Host) Run(ctx context.Context, reporter Reporter) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < h.cfg.Workers; i++ {
		g.Go(func() error {
			h.work(ctx, reporter)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("executor workers: %w", err)
	}
	return nil
}

// Close stops accepting tasks and releases idle workers.
func (h *Host) Close() {
	h.queue.Close()
}

func (h *Host) work(ctx context.Context, reporter Reporter) {
	for {
		task, err := h.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, memory.ErrClosed) {
				return
			}
			h.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		h.process(ctx, reporter, task)
	}
}

func (h *Host) process(ctx context.Context, reporter Reporter, task rendler.Task) {
	metrics.IncActiveExecutors()
	defer metrics.DecActiveExecutors()

	logger := h.logger.With(zap.String("task_id", task.ID), zap.String("url", task.URL))
	h.update(ctx, reporter, logger, task.ID, rendler.TaskRunning, "")

	taskCtx, cancel := context.WithTimeout(ctx, h.cfg.TaskTimeout)
	defer cancel()

	start := time.Now()
	completion, err := h.runner.Run(taskCtx, task)
	if err != nil {
		metrics.ObservePage(string(h.kind), task.URL, "error")
		logger.Warn("task failed", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
		h.update(ctx, reporter, logger, task.ID, rendler.TaskFailed, err.Error())
		return
	}

	data, err := rendler.EncodeCompletion(completion)
	if err != nil {
		logger.Error("encode completion failed", zap.Error(err))
		h.update(ctx, reporter, logger, task.ID, rendler.TaskFailed, err.Error())
		return
	}
	if err := reporter.Message(ctx, data); err != nil {
		logger.Error("send completion failed", zap.Error(err))
		h.update(ctx, reporter, logger, task.ID, rendler.TaskFailed, err.Error())
		return
	}
	metrics.ObservePage(string(h.kind), task.URL, "ok")
	logger.Debug("task finished", zap.Duration("elapsed", time.Since(start)))
	h.update(ctx, reporter, logger, task.ID, rendler.TaskFinished, "")
}

func (h *Host) update(
	ctx context.Context,
	reporter Reporter,
	logger *zap.Logger,
	taskID string,
	state rendler.TaskState,
	msg string,
) {
	if err := reporter.Update(ctx, taskID, state, msg); err != nil {
		logger.Error("status update failed", zap.String("state", string(state)), zap.Error(err))
	}
}
