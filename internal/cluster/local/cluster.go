// Package local runs an in-process cluster: it offers the resources of a fixed set of
// simulated nodes, runs launched tasks on executor hosts and delivers status updates and
// completion messages back to the scheduler on a single event goroutine.
package local

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/queue/memory"
	"github.com/Veterun/RENDLER/internal/rendler"
)

var (
	// ErrUnknownOffer is returned for launches or declines against an offer that is not
	// outstanding.
	ErrUnknownOffer = errors.New("unknown offer")
	// ErrInsufficientResources is returned when launched tasks exceed the offer.
	ErrInsufficientResources = errors.New("tasks exceed offered resources")
)

// Config sizes the simulated cluster.
type Config struct {
	Nodes         int
	CPUsPerNode   float64
	MemPerNode    float64
	OfferInterval time.Duration
	// FailureRate is the probability that a launched task is lost before it starts.
	FailureRate float64
	Executor    executor.Config
	// EventBuffer bounds undelivered scheduler events (default 1024).
	EventBuffer int
}

func (c Config) withDefaults() (Config, error) {
	if c.Nodes <= 0 {
		return c, errors.New("nodes must be > 0")
	}
	if c.CPUsPerNode <= 0 || c.MemPerNode <= 0 {
		return c, errors.New("node cpus and mem must be > 0")
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return c, errors.New("failure rate must be within [0, 1]")
	}
	if c.OfferInterval <= 0 {
		c.OfferInterval = 500 * time.Millisecond
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return c, nil
}

// units holds resources in milli-CPU and whole megabytes so bookkeeping never drifts.
type units struct {
	cpu int64
	mem int64
}

func toUnits(r rendler.Resources) units {
	return units{cpu: int64(math.Round(r.CPU * 1000)), mem: int64(math.Round(r.Mem))}
}

func (u units) resources() rendler.Resources {
	return rendler.Resources{CPU: float64(u.cpu) / 1000, Mem: float64(u.mem)}
}

func (u units) add(o units) units { return units{cpu: u.cpu + o.cpu, mem: u.mem + o.mem} }

func (u units) sub(o units) units { return units{cpu: u.cpu - o.cpu, mem: u.mem - o.mem} }

func (u units) fits(o units) bool { return o.cpu <= u.cpu && o.mem <= u.mem }

func (u units) positive() bool { return u.cpu > 0 && u.mem > 0 }

type node struct {
	id      string
	free    units
	offered bool
	hosts   map[rendler.TaskKind]*executor.Host
}

type outstanding struct {
	node *node
	res  units
}

type placement struct {
	node *node
	cost units
}

type event func(ctx context.Context)

// Cluster implements rendler.Driver in process.
type Cluster struct {
	cfg    Config
	sched  rendler.Scheduler
	logger *zap.Logger
	events *memory.Queue[event]
	lose   func() bool

	mu        sync.Mutex
	nodes     []*node
	offers    map[string]outstanding
	tasks     map[string]placement
	nextOffer int
	started   bool
	status    rendler.DriverStatus

	doneOnce sync.Once
	done     chan struct{}
}

var _ rendler.Driver = (*Cluster)(nil)

// New builds a Cluster whose nodes each run one executor host per runner kind.
func New(
	cfg Config,
	sched rendler.Scheduler,
	runners map[rendler.TaskKind]executor.Runner,
	logger *zap.Logger,
) (*Cluster, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("local cluster config: %w", err)
	}
	if sched == nil {
		return nil, errors.New("scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cluster{
		cfg:    cfg,
		sched:  sched,
		logger: logger,
		events: memory.NewQueue[event](cfg.EventBuffer),
		offers: make(map[string]outstanding),
		tasks:  make(map[string]placement),
		done:   make(chan struct{}),
	}
	c.lose = func() bool { return cfg.FailureRate > 0 && rand.Float64() < cfg.FailureRate }

	capacity := toUnits(rendler.Resources{CPU: cfg.CPUsPerNode, Mem: cfg.MemPerNode})
	for i := 0; i < cfg.Nodes; i++ {
		n := &node{id: fmt.Sprintf("node-%d", i), free: capacity, hosts: make(map[rendler.TaskKind]*executor.Host)}
		for kind, runner := range runners {
			host, err := executor.NewHost(kind, runner, cfg.Executor, logger.With(zap.String("node_id", n.id)))
			if err != nil {
				return nil, fmt.Errorf("node %s: %w", n.id, err)
			}
			n.hosts[kind] = host
		}
		c.nodes = append(c.nodes, n)
	}
	return c, nil
}

// Run registers the scheduler and delivers events until Stop, Abort or ctx ends.
func (c *Cluster) Run(ctx context.Context) (rendler.DriverStatus, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return "", errors.New("local cluster already running")
	}
	c.started = true
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	for _, n := range c.nodes {
		for kind, host := range n.hosts {
			rep := &reporter{cluster: c, node: n, kind: kind}
			g.Go(func() error { return host.Run(gctx, rep) })
		}
	}

	frameworkID := uuid.NewString()
	master := rendler.MasterInfo{ID: "local", Hostname: "localhost"}
	c.post(gctx, func(ctx context.Context) {
		c.sched.Registered(ctx, c, frameworkID, master)
	})
	c.logger.Info("local cluster started",
		zap.Int("nodes", len(c.nodes)),
		zap.String("framework_id", frameworkID),
	)

	g.Go(func() error {
		c.eventLoop(gctx)
		return nil
	})
	g.Go(func() error {
		c.offerLoop(gctx)
		return nil
	})

	select {
	case <-c.done:
	case <-gctx.Done():
	}
	cancel()
	c.events.Close()
	for _, n := range c.nodes {
		for _, host := range n.hosts {
			host.Close()
		}
	}
	err := g.Wait()

	c.mu.Lock()
	status := c.status
	c.mu.Unlock()
	if status == "" {
		if err == nil {
			err = ctx.Err()
		}
		return rendler.DriverAborted, err
	}
	return status, nil
}

// Launch starts tasks on the offer's node. Tasks are queued on the node's executor hosts
// and Launch never waits for them to run.
func (c *Cluster) Launch(ctx context.Context, offerID string, tasks []rendler.LaunchDirective) error {
	c.mu.Lock()
	o, ok := c.offers[offerID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	delete(c.offers, offerID)
	o.node.offered = false

	var need units
	for _, d := range tasks {
		need = need.add(toUnits(d.Cost))
	}
	if !o.res.fits(need) {
		o.node.free = o.node.free.add(o.res)
		c.mu.Unlock()
		return fmt.Errorf("%w: offer %s", ErrInsufficientResources, offerID)
	}
	o.node.free = o.node.free.add(o.res.sub(need))
	for _, d := range tasks {
		c.tasks[d.Task.ID] = placement{node: o.node, cost: toUnits(d.Cost)}
	}
	c.mu.Unlock()

	for _, d := range tasks {
		c.start(ctx, o.node, d.Task)
	}
	return nil
}

func (c *Cluster) start(ctx context.Context, n *node, task rendler.Task) {
	host, ok := n.hosts[task.Kind]
	switch {
	case !ok:
		c.terminate(ctx, n, task.ID, rendler.TaskError, "no executor for "+string(task.Kind))
	case c.lose():
		c.terminate(ctx, n, task.ID, rendler.TaskLost, "simulated node failure")
	default:
		if err := host.Launch(ctx, task); err != nil {
			c.terminate(ctx, n, task.ID, rendler.TaskError, err.Error())
		}
	}
}

func (c *Cluster) terminate(ctx context.Context, n *node, taskID string, state rendler.TaskState, msg string) {
	c.release(taskID)
	update := rendler.StatusUpdate{TaskID: taskID, State: state, NodeID: n.id, Message: msg}
	// Launch runs on the event goroutine, so posting must not wait for it.
	go c.post(ctx, func(ctx context.Context) {
		c.sched.StatusUpdate(ctx, c, update)
	})
}

// Decline returns an offer's resources to its node.
func (c *Cluster) Decline(_ context.Context, offerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.offers[offerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOffer, offerID)
	}
	delete(c.offers, offerID)
	o.node.offered = false
	o.node.free = o.node.free.add(o.res)
	return nil
}

// Stop makes Run return DriverStopped.
func (c *Cluster) Stop() {
	c.finish(rendler.DriverStopped)
}

// Abort makes Run return DriverAborted.
func (c *Cluster) Abort() {
	c.finish(rendler.DriverAborted)
}

func (c *Cluster) finish(status rendler.DriverStatus) {
	c.mu.Lock()
	if c.status == "" {
		c.status = status
	}
	c.mu.Unlock()
	c.doneOnce.Do(func() { close(c.done) })
}

// Free reports the unoffered, unused resources of every node, keyed by node id.
func (c *Cluster) Free() map[string]rendler.Resources {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]rendler.Resources, len(c.nodes))
	for _, n := range c.nodes {
		out[n.id] = n.free.resources()
	}
	return out
}

func (c *Cluster) offerLoop(ctx context.Context) {
	c.makeOffers(ctx)
	ticker := time.NewTicker(c.cfg.OfferInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.makeOffers(ctx)
		}
	}
}

func (c *Cluster) makeOffers(ctx context.Context) {
	c.mu.Lock()
	var offers []rendler.Offer
	for _, n := range c.nodes {
		if n.offered || !n.free.positive() {
			continue
		}
		id := fmt.Sprintf("offer-%d", c.nextOffer)
		c.nextOffer++
		c.offers[id] = outstanding{node: n, res: n.free}
		offers = append(offers, rendler.Offer{
			ID:        id,
			NodeID:    n.id,
			Hostname:  "localhost",
			Resources: n.free.resources(),
		})
		n.free = units{}
		n.offered = true
	}
	c.mu.Unlock()

	if len(offers) == 0 {
		return
	}
	c.post(ctx, func(ctx context.Context) {
		c.sched.ResourceOffers(ctx, c, offers)
	})
}

func (c *Cluster) eventLoop(ctx context.Context) {
	for {
		ev, err := c.events.Dequeue(ctx)
		if err != nil {
			return
		}
		ev(ctx)
	}
}

func (c *Cluster) post(ctx context.Context, ev event) {
	if err := c.events.Enqueue(ctx, ev); err != nil {
		c.logger.Debug("scheduler event dropped", zap.Error(err))
	}
}

func (c *Cluster) release(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.tasks[taskID]
	if !ok {
		return
	}
	delete(c.tasks, taskID)
	p.node.free = p.node.free.add(p.cost)
}

// reporter forwards one executor host's reports to the scheduler.
type reporter struct {
	cluster *Cluster
	node    *node
	kind    rendler.TaskKind
}

func (r *reporter) Update(ctx context.Context, taskID string, state rendler.TaskState, msg string) error {
	if state.Terminal() {
		r.cluster.release(taskID)
	}
	update := rendler.StatusUpdate{TaskID: taskID, State: state, NodeID: r.node.id, Message: msg}
	r.cluster.post(ctx, func(ctx context.Context) {
		r.cluster.sched.StatusUpdate(ctx, r.cluster, update)
	})
	return nil
}

func (r *reporter) Message(ctx context.Context, data []byte) error {
	executorID, nodeID := r.kind.ExecutorID(), r.node.id
	r.cluster.post(ctx, func(ctx context.Context) {
		r.cluster.sched.FrameworkMessage(ctx, r.cluster, executorID, nodeID, data)
	})
	return nil
}
