package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/cluster/mesos"
	"github.com/Veterun/RENDLER/internal/config"
	"github.com/Veterun/RENDLER/internal/executor"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// RunExecutor serves one executor of kind for the Mesos agent described by getenv. It
// returns when the agent shuts the executor down or ctx ends.
func RunExecutor(
	ctx context.Context,
	cfg config.Config,
	kind rendler.TaskKind,
	getenv func(string) string,
	logger *zap.Logger,
) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	envCfg, err := mesos.ExecutorConfigFromEnv(getenv)
	if err != nil {
		return err
	}

	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	var blobs rendler.BlobStore
	if kind == rendler.KindRender {
		store, done, err := newBlobStore(ctx, cfg.Storage)
		if err != nil {
			return err
		}
		blobs = store
		if done != nil {
			closers = append(closers, done)
		}
	}
	runner, done, err := NewRunner(kind, cfg.Executor, blobs, nil, logger)
	if err != nil {
		return err
	}
	if done != nil {
		closers = append(closers, done)
	}

	host, err := executor.NewHost(kind, runner, executor.Config{
		Workers:     max(1, cfg.Executor.RenderMaxParallel),
		TaskTimeout: 2 * cfg.Executor.NavTimeout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("executor host: %w", err)
	}
	driver, err := mesos.NewExecutorDriver(envCfg, host, logger.Named("mesos"))
	if err != nil {
		return err
	}
	logger.Info("executor starting",
		zap.String("executor_id", envCfg.ExecutorID),
		zap.String("agent", envCfg.AgentEndpoint),
	)
	if err := driver.Run(ctx); err != nil {
		return fmt.Errorf("executor %s: %w", envCfg.ExecutorID, err)
	}
	logger.Info("executor stopped", zap.String("executor_id", envCfg.ExecutorID))
	return nil
}
