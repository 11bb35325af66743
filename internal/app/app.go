// Package app wires configuration into a running scheduler: artifact storage, result
// persistence, progress sinks, the cluster driver and the operator HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/allocator"
	"github.com/Veterun/RENDLER/internal/api"
	"github.com/Veterun/RENDLER/internal/clock/system"
	"github.com/Veterun/RENDLER/internal/cluster/local"
	"github.com/Veterun/RENDLER/internal/cluster/mesos"
	"github.com/Veterun/RENDLER/internal/config"
	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/id/uuid"
	"github.com/Veterun/RENDLER/internal/progress"
	"github.com/Veterun/RENDLER/internal/rendler"
	"github.com/Veterun/RENDLER/internal/scheduler"
	"github.com/Veterun/RENDLER/internal/store"
)

// LocalMaster selects the in-process cluster instead of a Mesos master.
const LocalMaster = "local"

const (
	driverStopTimeout = 10 * time.Second
	closeTimeout      = 10 * time.Second
)

// Options are the per-run inputs that do not come from configuration.
type Options struct {
	SeedURL        string
	Master         string
	MaxRenderTasks int
	// Registerer receives the progress collectors. Nil uses the default registry.
	Registerer prometheus.Registerer
	// Runners replaces the crawl and render runners of the local cluster.
	Runners map[rendler.TaskKind]executor.Runner
	// Out receives the user-facing summary line. Nil discards it.
	Out io.Writer
}

// App holds the long-lived services of one scheduler run.
type App struct {
	cfg     config.Config
	opts    Options
	logger  *zap.Logger
	blobs   rendler.BlobStore
	results store.ResultRepository
	hub     *progress.Hub
	ctrl    *scheduler.Controller
	driver  rendler.Driver
	server  *http.Server
	closers []closer
}

// GetLogger returns the application logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetController returns the scheduler driving this run.
func (a *App) GetController() *scheduler.Controller {
	return a.ctrl
}

// GetResults returns the result repository the run persists to.
func (a *App) GetResults() store.ResultRepository {
	return a.results
}

// New builds every service a run needs. Nothing is started until Run.
func New(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (_ *App, err error) {
	opts.SeedURL = strings.TrimSpace(opts.SeedURL)
	opts.Master = strings.TrimSpace(opts.Master)
	if opts.SeedURL == "" {
		return nil, errors.New("seed url is required")
	}
	if opts.Master == "" {
		return nil, errors.New("cluster master address is required")
	}
	if opts.MaxRenderTasks < 0 {
		return nil, fmt.Errorf("max render tasks must be >= 0, got %d", opts.MaxRenderTasks)
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{cfg: cfg, opts: opts, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing services",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
		zap.Bool("pubsub", cfg.PubSub.ProjectID != ""),
	)

	blobs, done, err := newBlobStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.blobs = blobs
	a.track(done)

	results, done, err := newResultStore(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.results = results
	a.track(done)

	pub, done, err := newPublisher(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	a.track(done)

	a.hub, err = newHub(cfg.Progress, opts.Registerer, results, pub, cfg.PubSub.TopicName, logger)
	if err != nil {
		return nil, err
	}
	var events progress.Emitter = progress.Discard{}
	if a.hub != nil {
		events = a.hub
	}

	runID, err := uuid.New().NextRun()
	if err != nil {
		return nil, err
	}
	priority, err := allocator.ParsePriority(cfg.Scheduler.Priority)
	if err != nil {
		return nil, err
	}
	a.ctrl, err = scheduler.New(scheduler.Config{
		RunID:           runID,
		SeedURL:         opts.SeedURL,
		MaxRenderTasks:  opts.MaxRenderTasks,
		MaxAttempts:     cfg.Scheduler.TaskAttempts,
		IDWidth:         cfg.Scheduler.IDWidth,
		TaskCost:        rendler.Resources{CPU: cfg.Scheduler.TaskCPUs, Mem: cfg.Scheduler.TaskMem},
		Priority:        priority,
		ShutdownTimeout: cfg.Scheduler.ShutdownTimeout(),
		PollInterval:    cfg.Scheduler.PollInterval(),
		GraphPath:       cfg.Scheduler.GraphPath,
	}, blobs, events, system.New(), logger.Named("scheduler"))
	if err != nil {
		return nil, err
	}

	if err := a.buildDriver(); err != nil {
		return nil, err
	}

	if cfg.Server.Enabled {
		apiKey := ""
		if cfg.Auth.Enabled {
			apiKey = cfg.Auth.APIKey
		}
		srv := api.NewServer(a.ctrl, results, api.Options{
			APIKey:         apiKey,
			RequestTimeout: time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second,
		}, logger.Named("api"))
		a.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	started, _ := uuid.StartedAt(runID)
	logger.Info("services initialized",
		zap.String("run_id", runID.String()),
		zap.Time("run_started", started),
		zap.String("seed_url", opts.SeedURL),
		zap.String("master", opts.Master),
	)
	return a, nil
}

func (a *App) buildDriver() error {
	if a.opts.Master == LocalMaster {
		runnerSet := a.opts.Runners
		if runnerSet == nil {
			var closers []closer
			var err error
			runnerSet, closers, err = runners(a.cfg.Executor, a.blobs, a.logger)
			if err != nil {
				return err
			}
			for _, c := range closers {
				a.track(c)
			}
		}
		cluster, err := local.New(local.Config{
			Nodes:         a.cfg.Local.Nodes,
			CPUsPerNode:   a.cfg.Local.CPUsPerNode,
			MemPerNode:    a.cfg.Local.MemPerNode,
			OfferInterval: a.cfg.Local.OfferInterval(),
			FailureRate:   a.cfg.Local.FailureRate,
			Executor:      executor.Config{TaskTimeout: 2 * a.cfg.Executor.NavTimeout()},
		}, a.ctrl, runnerSet, a.logger.Named("cluster"))
		if err != nil {
			return err
		}
		a.driver = cluster
		return nil
	}

	fw := a.cfg.Framework
	driver, err := mesos.NewDriver(mesos.Config{
		Master:          a.opts.Master,
		Name:            fw.Name,
		User:            fw.User,
		Role:            fw.Role,
		Hostname:        fw.Hostname,
		FailoverTimeout: time.Duration(fw.FailoverTimeoutSeconds * float64(time.Second)),
		RefuseSeconds:   a.cfg.Scheduler.RefuseSeconds,
		Executors: map[rendler.TaskKind]mesos.ExecutorSpec{
			rendler.KindCrawl:  {Command: fw.CrawlExecutor.Command, URIs: fw.CrawlExecutor.URIs},
			rendler.KindRender: {Command: fw.RenderExecutor.Command, URIs: fw.RenderExecutor.URIs},
		},
	}, a.ctrl, a.logger.Named("mesos"))
	if err != nil {
		return err
	}
	a.driver = driver
	return nil
}

func (a *App) track(c closer) {
	if c != nil {
		a.closers = append(a.closers, c)
	}
}

type driverResult struct {
	status rendler.DriverStatus
	err    error
}

// Run drives the scheduler until ctx ends, the scheduler stops dispatching or the driver
// terminates. It then drains running tasks, exports the graph and reports how the run
// ended: nil for a clean stop.
func (a *App) Run(ctx context.Context) error {
	driverCtx, cancelDriver := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDriver()

	driverDone := make(chan driverResult, 1)
	go func() {
		status, err := a.driver.Run(driverCtx)
		driverDone <- driverResult{status: status, err: err}
	}()
	serverErr := a.serve()

	var (
		res      driverResult
		finished bool
	)
	select {
	case <-ctx.Done():
		a.logger.Info("interrupt received, shutting down")
	case <-a.ctrl.ShutdownRequested():
		a.logger.Info("scheduler requested shutdown")
	case res = <-driverDone:
		finished = true
		a.logger.Warn("driver terminated", zap.String("status", string(res.status)), zap.Error(res.err))
	case err := <-serverErr:
		a.logger.Error("ops server failed", zap.Error(err))
	}

	// With the driver gone no task can finish, so skip the drain and only export.
	drainCtx, stopDrain := context.WithCancel(context.Background())
	if finished {
		stopDrain()
	}
	exportErr := a.ctrl.Shutdown(drainCtx)
	stopDrain()

	if !finished {
		a.driver.Stop()
		select {
		case res = <-driverDone:
		case <-time.After(driverStopTimeout):
			a.logger.Warn("driver did not stop in time, cancelling")
			cancelDriver()
			res = <-driverDone
		}
	}

	a.shutdownServer()
	a.closeHub()

	if uri := a.ctrl.GraphURI(); uri != "" {
		fmt.Fprintf(a.opts.Out, "Graph written to %s\n", uri)
	}
	snap := a.ctrl.Snapshot()
	a.logger.Info("run finished",
		zap.String("driver_status", string(res.status)),
		zap.Int("renders", snap.Renders),
		zap.Int("visited", snap.Visited),
		zap.Int("tasks_failed", snap.Failed),
	)
	return runOutcome(res, a.ctrl.Err(), exportErr)
}

func runOutcome(res driverResult, runErr, exportErr error) error {
	if res.status == rendler.DriverAborted {
		cause := res.err
		if cause == nil {
			cause = runErr
		}
		if cause == nil {
			return errors.New("driver aborted")
		}
		return fmt.Errorf("driver aborted: %w", cause)
	}
	if runErr != nil {
		return fmt.Errorf("run failed: %w", runErr)
	}
	if res.err != nil {
		return fmt.Errorf("driver: %w", res.err)
	}
	return exportErr
}

func (a *App) serve() <-chan error {
	errCh := make(chan error, 1)
	if a.server == nil {
		return errCh
	}
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh
}

func (a *App) shutdownServer() {
	if a.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("server shutdown error", zap.Error(err))
	}
}

func (a *App) closeHub() {
	if a.hub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("progress hub close error", zap.Error(err))
	}
	a.hub = nil
}

// Close releases storage clients, database pools and browsers. It is safe to call after
// Run and more than once.
func (a *App) Close() {
	a.closeHub()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
