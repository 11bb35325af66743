// Package cmd defines the rendler command line: the scheduler as the root command and the
// executors as the "executor" subcommand.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Veterun/RENDLER/internal/app"
	"github.com/Veterun/RENDLER/internal/config"
	"github.com/Veterun/RENDLER/internal/logging"
)

// Runner is the part of app.App the root command drives.
type Runner interface {
	Run(ctx context.Context) error
	Close()
}

// newApp is the application factory. Tests replace it to run the command without a cluster.
var newApp = func(ctx context.Context, cfg config.Config, opts app.Options, logger *zap.Logger) (Runner, error) {
	return app.New(ctx, cfg, opts, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "rendler <seedUrl> <clusterMasterAddress> [maxRenderTasks]",
		Short: "Crawl a site and render its pages on a cluster",
		Long: `rendler registers as a framework with a cluster manager and spends the
resource offers it receives on two kinds of tasks: crawl tasks that collect
the links of a page and render tasks that capture it as an image. When it is
interrupted it waits for running tasks and writes the link graph as a DOT file.

Use "local" as the master address to run an in-process cluster.`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(cmd, cfgFile, args)
		},
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.AddCommand(newExecutorCmd(&cfgFile))
	return cmd
}

func runScheduler(cmd *cobra.Command, cfgFile string, args []string) error {
	maxRenderTasks := 0
	if len(args) == 3 {
		n, err := strconv.Atoi(args[2])
		if err != nil || n < 0 {
			return fmt.Errorf("maxRenderTasks must be a non-negative integer, got %q", args[2])
		}
		maxRenderTasks = n
	}

	cfg, logger, err := setup(cfgFile)
	if err != nil {
		return err
	}
	defer syncLogger(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	a, err := newApp(ctx, cfg, app.Options{
		SeedURL:        args[0],
		Master:         args[1],
		MaxRenderTasks: maxRenderTasks,
		Out:            out,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize application services: %w", err)
	}
	defer a.Close()

	fmt.Fprintln(out, "(Listening for Ctrl-C)")
	err = a.Run(ctx)
	fmt.Fprintln(out, "Goodbye!")
	return err
}

func setup(cfgFile string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

func syncLogger(logger *zap.Logger) {
	// Sync on a console core reports EINVAL for stderr; nothing useful can be done with it.
	_ = logger.Sync()
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rendler:", err)
		os.Exit(1)
	}
}
