// Package scheduler binds the work queues, allocator, ledger and result aggregator to the
// cluster manager's event stream.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/aggregator"
	"github.com/Veterun/RENDLER/internal/allocator"
	"github.com/Veterun/RENDLER/internal/graph"
	"github.com/Veterun/RENDLER/internal/id/taskid"
	"github.com/Veterun/RENDLER/internal/ledger"
	"github.com/Veterun/RENDLER/internal/metrics"
	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/queue"
	"github.com/Veterun/RENDLER/internal/rendler"
)

var (
	// ErrDisconnected is recorded when the cluster manager connection is lost.
	ErrDisconnected = errors.New("disconnected from cluster manager")
	// ErrClusterError wraps an unrecoverable error reported by the cluster manager.
	ErrClusterError = errors.New("cluster manager error")
)

const graphContentType = "text/vnd.graphviz"

// Controller implements rendler.Scheduler. Every callback takes the same mutex, so at most
// one event mutates scheduler state at a time. Drivers must not invoke callbacks
// synchronously from Launch or Decline.
type Controller struct {
	cfg    Config
	blobs  rendler.BlobStore
	events progress.Emitter
	clock  rendler.Clock
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	driver    rendler.Driver
	framework string
	master    rendler.MasterInfo
	startedAt time.Time
	err       error

	queues  *queue.Set
	ledger  *ledger.Ledger
	ids     *taskid.Generator
	alloc   *allocator.Allocator
	results *aggregator.Results
	// placement maps in-flight task ids to the node they were launched on.
	placement map[string]string

	renderLimitLogged bool
	draining          bool
	exported          bool
	abandoned         int
	graphURI          string

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stoppedCh    chan struct{}
	stoppedOnce  sync.Once
}

var _ rendler.Scheduler = (*Controller)(nil)

// New builds a Controller and seeds the queues with cfg.SeedURL.
func New(cfg Config, blobs rendler.BlobStore, events progress.Emitter, clock rendler.Clock, logger *zap.Logger) (*Controller, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	alloc, err := allocator.New(cfg.TaskCost, cfg.Priority)
	if err != nil {
		return nil, fmt.Errorf("scheduler allocator: %w", err)
	}
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if events == nil {
		events = progress.Discard{}
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	c := &Controller{
		cfg:        cfg,
		blobs:      blobs,
		events:     events,
		clock:      clock,
		logger:     logger,
		queues:     queue.NewSet(cfg.MaxRenderTasks),
		ledger:     ledger.New(cfg.MaxAttempts),
		ids:        taskid.New(cfg.IDWidth),
		alloc:      alloc,
		results:    aggregator.NewResults(),
		placement:  make(map[string]string),
		shutdownCh: make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}
	c.queues.Seed(cfg.SeedURL)
	c.publishGauges()
	return c, nil
}

// Registered moves the controller from Idle to Dispatching.
func (c *Controller) Registered(_ context.Context, driver rendler.Driver, frameworkID string, master rendler.MasterInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		c.logger.Warn("ignoring registration", zap.Stringer("state", c.state))
		return
	}
	c.driver = driver
	c.framework = frameworkID
	c.master = master
	c.startedAt = c.clock.Now()
	c.state = StateRegistered
	c.logger.Info("registered with cluster manager",
		zap.String("framework_id", frameworkID),
		zap.String("master", fmt.Sprintf("%s:%d", master.Hostname, master.Port)),
	)
	c.emit(progress.Event{Stage: progress.StageRunStart, URL: c.cfg.SeedURL})
	c.state = StateDispatching
}

// Reregistered records the new master after a failover.
func (c *Controller) Reregistered(_ context.Context, driver rendler.Driver, master rendler.MasterInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.driver = driver
	c.master = master
	if c.state == StateIdle {
		c.startedAt = c.clock.Now()
		c.emit(progress.Event{Stage: progress.StageRunStart, URL: c.cfg.SeedURL})
		c.state = StateDispatching
	}
	c.logger.Info("re-registered with cluster manager", zap.String("master_id", master.ID))
}

// Disconnected aborts the driver; the run cannot continue without the cluster manager.
func (c *Controller) Disconnected(_ context.Context, driver rendler.Driver) {
	c.abort(driver, ErrDisconnected)
}

// Error aborts the driver with the cluster manager's message.
func (c *Controller) Error(_ context.Context, driver rendler.Driver, message string) {
	c.abort(driver, fmt.Errorf("%w: %s", ErrClusterError, message))
}

func (c *Controller) abort(driver rendler.Driver, err error) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.logger.Error("aborting driver", zap.Error(err))
	c.err = err
	c.state = StateStopped
	c.emit(progress.Event{Stage: progress.StageRunError, Note: err.Error(), Dur: c.elapsed()})
	c.mu.Unlock()

	c.requestShutdown()
	c.markStopped()
	if driver != nil {
		driver.Abort()
	}
}

// ResourceOffers launches pending work against each offer and declines what goes unused.
func (c *Controller) ResourceOffers(ctx context.Context, driver rendler.Driver, offers []rendler.Offer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, offer := range offers {
		if c.state != StateDispatching {
			c.decline(ctx, driver, offer.ID)
			continue
		}
		directives, err := c.alloc.Allocate(offer, c.queues, c.ledger, c.ids)
		if len(directives) > 0 {
			c.launch(ctx, driver, offer, directives)
		} else {
			c.decline(ctx, driver, offer.ID)
		}
		if err != nil {
			c.fail(err)
		}
	}
	if c.state != StateStopped {
		c.logStats()
	}
	c.publishGauges()
}

func (c *Controller) launch(ctx context.Context, driver rendler.Driver, offer rendler.Offer, directives []rendler.LaunchDirective) {
	for _, d := range directives {
		c.placement[d.Task.ID] = offer.NodeID
		c.logger.Info("launching task",
			zap.String("task_id", d.Task.ID),
			zap.String("url", d.Task.URL),
			zap.Int("attempt", d.Task.Attempt),
			zap.String("node_id", offer.NodeID),
		)
		metrics.ObserveLaunch(string(d.Task.Kind))
		c.emit(progress.Event{
			Stage:   progress.StageTaskLaunched,
			TaskID:  d.Task.ID,
			Kind:    d.Task.Kind,
			Attempt: d.Task.Attempt,
			URL:     d.Task.URL,
			NodeID:  offer.NodeID,
		})
	}
	metrics.ObserveOffer("accepted")
	if err := driver.Launch(ctx, offer.ID, directives); err != nil {
		c.logger.Warn("launch failed", zap.String("offer_id", offer.ID), zap.Error(err))
		for _, d := range directives {
			c.handleFailure(d.Task.ID, "launch failed: "+err.Error())
		}
	}
}

func (c *Controller) decline(ctx context.Context, driver rendler.Driver, offerID string) {
	metrics.ObserveOffer("declined")
	if driver == nil {
		return
	}
	if err := driver.Decline(ctx, offerID); err != nil {
		c.logger.Warn("decline failed", zap.String("offer_id", offerID), zap.Error(err))
	}
}

// OfferRescinded is informational; offers are never held across callbacks.
func (c *Controller) OfferRescinded(_ context.Context, _ rendler.Driver, offerID string) {
	metrics.ObserveOfferRescinded()
	c.logger.Info("offer rescinded", zap.String("offer_id", offerID))
}

// StatusUpdate applies a task state change to the ledger.
func (c *Controller) StatusUpdate(_ context.Context, _ rendler.Driver, update rendler.StatusUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	kind, _ := taskid.KindOf(update.TaskID)
	metrics.ObserveTaskUpdate(string(kind), string(update.State))
	c.logger.Debug("status update",
		zap.String("task_id", update.TaskID),
		zap.String("state", string(update.State)),
		zap.String("message", update.Message),
	)

	switch {
	case update.State == rendler.TaskFinished:
		task, ok := c.ledger.Finish(update.TaskID)
		if !ok {
			c.logger.Debug("ignoring status for settled task", zap.String("task_id", update.TaskID))
			break
		}
		delete(c.placement, task.ID)
		c.emitTask(progress.StageTaskFinished, task, "")
	case update.State.Failed():
		c.handleFailure(update.TaskID, update.Message)
	}
	c.publishGauges()
}

// handleFailure routes a failed task through the ledger's bounded retry.
func (c *Controller) handleFailure(taskID, reason string) {
	outcome, task := c.ledger.Fail(taskID, c.queues)
	delete(c.placement, taskID)
	switch outcome {
	case ledger.OutcomeUnknown:
		c.logger.Debug("ignoring failure for settled task", zap.String("task_id", taskID))
	case ledger.OutcomeFinished:
		c.emitTask(progress.StageTaskFinished, task, reason)
	case ledger.OutcomeRetried:
		c.logger.Info(fmt.Sprintf("%s try for %q", ordinal(task.Attempt+1), task.URL),
			zap.String("task_id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.String("reason", reason),
		)
		c.emitTask(progress.StageTaskRetried, task, reason)
	case ledger.OutcomeExhausted:
		c.logger.Warn("task failed permanently",
			zap.String("task_id", task.ID),
			zap.String("url", task.URL),
			zap.Int("attempts", task.Attempt),
			zap.String("reason", reason),
		)
		c.emitTask(progress.StageTaskFailed, task, reason)
	}
}

// FrameworkMessage decodes an executor completion and folds it into the results.
func (c *Controller) FrameworkMessage(_ context.Context, _ rendler.Driver, executorID, nodeID string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	completion, err := rendler.DecodeCompletion(executorID, data)
	switch {
	case errors.Is(err, rendler.ErrUnknownExecutor):
		c.logger.Warn("discarding message from unknown executor",
			zap.String("executor_id", executorID),
			zap.String("node_id", nodeID),
		)
		return
	case err != nil:
		metrics.ObserveCompletion("unknown", "malformed")
		c.fail(fmt.Errorf("framework message from %s: %w", executorID, err))
		return
	}

	kind := completion.CompletionKind()
	if !c.ledger.Claim(completion.CompletionTaskID(), kind) {
		metrics.ObserveCompletion(string(kind), "discarded")
		c.logger.Debug("discarding completion for unknown or settled task",
			zap.String("task_id", completion.CompletionTaskID()),
		)
		return
	}
	metrics.ObserveCompletion(string(kind), "accepted")

	switch res := completion.(type) {
	case rendler.CrawlResult:
		c.onCrawl(res)
	case rendler.RenderResult:
		c.onRender(res)
	}
	c.publishGauges()
}

func (c *Controller) onCrawl(res rendler.CrawlResult) {
	delta := aggregator.OnCrawlResult(c.results, c.queues, res)
	if delta.RenderDropped > 0 && !c.renderLimitLogged {
		c.renderLimitLogged = true
		c.logger.Info("render limit reached", zap.Int("max_render_tasks", c.cfg.MaxRenderTasks))
	}
	if len(delta.NewEdges) == 0 {
		return
	}
	links := make([]string, 0, len(delta.NewEdges))
	for _, e := range delta.NewEdges {
		links = append(links, e.To)
	}
	c.emit(progress.Event{
		Stage:  progress.StageCrawlResult,
		TaskID: res.TaskID,
		Kind:   rendler.KindCrawl,
		URL:    res.URL,
		Links:  links,
	})
}

func (c *Controller) onRender(res rendler.RenderResult) {
	delta := aggregator.OnRenderResult(c.results, res)
	if delta.RenderOverwritten {
		c.logger.Info("replacing render",
			zap.String("url", res.URL),
			zap.String("previous", delta.PreviousImage),
			zap.String("image", res.ImageURL),
		)
	}
	if !delta.RenderStored {
		return
	}
	c.emit(progress.Event{
		Stage:  progress.StageRenderResult,
		TaskID: res.TaskID,
		Kind:   rendler.KindRender,
		URL:    res.URL,
		Image:  res.ImageURL,
	})
}

// NodeLost fails every in-flight task placed on the node.
func (c *Controller) NodeLost(_ context.Context, _ rendler.Driver, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Warn("node lost", zap.String("node_id", nodeID))
	c.failPlaced(nodeID, "", "node lost")
}

// ExecutorLost fails the in-flight tasks of the executor's kind on the node.
func (c *Controller) ExecutorLost(_ context.Context, _ rendler.Driver, executorID, nodeID string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger.Warn("executor lost",
		zap.String("executor_id", executorID),
		zap.String("node_id", nodeID),
		zap.Int("status", status),
	)
	kind, err := rendler.KindForExecutor(executorID)
	if err != nil {
		return
	}
	c.failPlaced(nodeID, kind, "executor lost")
}

func (c *Controller) failPlaced(nodeID string, kind rendler.TaskKind, reason string) {
	if c.state == StateStopped {
		return
	}
	for _, task := range c.ledger.InFlight() {
		if c.placement[task.ID] != nodeID {
			continue
		}
		if kind != "" && task.Kind != kind {
			continue
		}
		c.handleFailure(task.ID, reason)
	}
	c.publishGauges()
}

// fail records a run-fatal error and stops dispatching.
func (c *Controller) fail(err error) {
	if c.err == nil {
		c.err = err
	}
	c.logger.Error("stopping dispatch", zap.Error(err))
	if c.state == StateDispatching || c.state == StateRegistered {
		c.state = StateShuttingDown
	}
	c.requestShutdown()
}

// ShutdownRequested is closed once the controller stops dispatching, either because
// Shutdown was called or because a fatal error occurred.
func (c *Controller) ShutdownRequested() <-chan struct{} {
	return c.shutdownCh
}

// Stopped is closed when the controller reaches StateStopped.
func (c *Controller) Stopped() <-chan struct{} {
	return c.stoppedCh
}

func (c *Controller) requestShutdown() {
	c.shutdownOnce.Do(func() { close(c.shutdownCh) })
}

func (c *Controller) markStopped() {
	c.stoppedOnce.Do(func() { close(c.stoppedCh) })
}

// Shutdown stops dispatching, waits for running tasks up to the shutdown timeout, exports
// the graph and stops the driver. The wait does not hold the state lock. Shutdown returns
// the export error, if any; Err reports run-fatal errors.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		if c.exported {
			c.mu.Unlock()
			return nil
		}
		// Aborted runs skip the drain; nothing can finish without the driver.
		c.exported = true
		g := graph.Export(c.results)
		c.mu.Unlock()
		return c.exportGraph(ctx, g)
	}
	if c.draining {
		c.mu.Unlock()
		select {
		case <-c.stoppedCh:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for shutdown: %w", ctx.Err())
		}
	}
	// A run interrupted before registration has no run record to close but still exports.
	started := c.state != StateIdle
	c.draining = true
	c.state = StateShuttingDown
	c.mu.Unlock()
	c.requestShutdown()

	c.waitForTasks(ctx)

	c.mu.Lock()
	c.state = StateStopped
	c.exported = true
	c.abandoned = c.ledger.Running()
	if c.abandoned > 0 {
		c.logger.Warn("abandoning running tasks", zap.Int("tasks", c.abandoned))
	}
	g := graph.Export(c.results)
	driver := c.driver
	runErr := c.err
	elapsed := c.elapsed()
	c.mu.Unlock()

	exportErr := c.exportGraph(ctx, g)

	c.mu.Lock()
	evt := progress.Event{Stage: progress.StageRunDone, Dur: elapsed}
	switch {
	case runErr != nil:
		evt.Stage, evt.Note = progress.StageRunError, runErr.Error()
	case exportErr != nil:
		evt.Stage, evt.Note = progress.StageRunError, exportErr.Error()
	}
	if started {
		c.emit(evt)
	}
	c.publishGauges()
	c.mu.Unlock()

	c.markStopped()
	if driver != nil {
		driver.Stop()
	}
	return exportErr
}

func (c *Controller) waitForTasks(ctx context.Context) {
	deadline := time.NewTimer(c.cfg.ShutdownTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		running := c.ledger.Running()
		c.mu.Unlock()
		if running == 0 {
			return
		}
		c.logger.Info("waiting for running tasks", zap.Int("tasks", running))
		select {
		case <-ticker.C:
		case <-deadline.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// exportGraph writes g even when ctx is already done and records where it went.
func (c *Controller) exportGraph(ctx context.Context, g graph.Graph) error {
	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.ShutdownTimeout)
	defer cancel()
	uri, err := c.export(exportCtx, g)
	c.mu.Lock()
	c.graphURI = uri
	c.mu.Unlock()
	return err
}

func (c *Controller) export(ctx context.Context, g graph.Graph) (string, error) {
	var buf bytes.Buffer
	if err := g.WriteDOT(&buf); err != nil {
		return "", fmt.Errorf("render graph: %w", err)
	}
	uri, err := c.blobs.PutObject(ctx, c.cfg.GraphPath, graphContentType, &buf)
	if err != nil {
		c.logger.Error("graph export failed", zap.Error(err))
		return "", fmt.Errorf("export graph: %w", err)
	}
	c.logger.Info("wrote graph",
		zap.String("uri", uri),
		zap.Int("nodes", len(g.Nodes)),
		zap.Int("edges", len(g.Edges)),
	)
	return uri, nil
}

// Err returns the error that ended dispatch, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// State returns the current run state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// GraphURI returns where the graph was exported, empty before Shutdown completes.
func (c *Controller) GraphURI() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graphURI
}

func (c *Controller) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(c.cfg.RunID)
	evt.TS = c.clock.Now().UTC()
	c.events.Emit(evt)
}

func (c *Controller) emitTask(stage progress.Stage, task rendler.Task, note string) {
	c.emit(progress.Event{
		Stage:   stage,
		TaskID:  task.ID,
		Kind:    task.Kind,
		Attempt: task.Attempt,
		URL:     task.URL,
		Note:    note,
	})
}

func (c *Controller) elapsed() time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	d := c.clock.Now().Sub(c.startedAt)
	if d < 0 {
		return 0
	}
	return d
}

func (c *Controller) logStats() {
	stats := c.ledger.Stats()
	c.logger.Info("scheduler statistics",
		zap.Int("crawl_queue", c.queues.Len(rendler.KindCrawl)),
		zap.Int("render_queue", c.queues.Len(rendler.KindRender)),
		zap.Int("tasks_running", stats.Running),
		zap.Int("tasks_failed", stats.Failed),
		zap.Int("results_dropped", stats.ResultsDropped),
	)
}

func (c *Controller) publishGauges() {
	metrics.SetQueueDepth(string(rendler.KindCrawl), c.queues.Len(rendler.KindCrawl))
	metrics.SetQueueDepth(string(rendler.KindRender), c.queues.Len(rendler.KindRender))
	metrics.SetTasksRunning(c.ledger.Running())
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ordinal renders n as "1st", "2nd", "3rd", "4th", "11th" and so on.
func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
