package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Veterun/RENDLER/internal/app"
	"github.com/Veterun/RENDLER/internal/rendler"
)

// runExecutor is swapped out in tests.
var runExecutor = app.RunExecutor

func newExecutorCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "executor <crawl|render>",
		Short: "Run a crawl or render executor under a Mesos agent",
		Long: `Connects to the agent named by MESOS_AGENT_ENDPOINT, runs the tasks it
launches and reports their status and results back to the scheduler. Agents
start this command from the framework's executor descriptors.`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(rendler.KindCrawl), string(rendler.KindRender)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := rendler.TaskKind(args[0])
			if !kind.Valid() {
				return fmt.Errorf("unknown executor kind %q, want crawl or render", args[0])
			}
			cfg, logger, err := setup(*cfgFile)
			if err != nil {
				return err
			}
			defer syncLogger(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runExecutor(ctx, cfg, kind, os.Getenv, logger.Named(string(kind)+"_executor"))
		},
	}
}
