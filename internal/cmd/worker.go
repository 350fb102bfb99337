package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/pipeline"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued pipeline stages",
	Long: `Claim stage jobs from the queue and run them, advancing each
document through its pipeline. The worker also runs the stalled-step
monitor and, with --serve, the HTTP API.

Several workers may share one database; every step runs at most once at a
time regardless of how many workers claim its job.

Example:
  docflow worker
  docflow worker --serve --port 8080
  docflow worker --no-monitor`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

var (
	workerServe     bool
	workerNoMonitor bool
)

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().BoolVar(&workerServe, "serve", false, "Also serve the HTTP API")
	workerCmd.Flags().BoolVar(&workerNoMonitor, "no-monitor", false, "Do not run the stalled-step monitor")
	addServerFlags(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	return withRuntime(ctx, runtimeOptions{Processors: true}, func(env *runtimeEnv) error {
		logger := observability.CLILogger
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			logger.Info("Worker started", zap.Int("concurrency", env.cfg.Workers))
			return env.queue.Run(gctx, env.orch.Handle)
		})

		if !workerNoMonitor {
			monitor := pipeline.NewMonitor(env.steps, pipeline.MonitorOptions{
				Interval:  env.cfg.Monitor.Interval,
				Timeout:   env.cfg.Monitor.StepTimeout,
				OnFailure: env.orch.Fail,
				Logger:    logger,
			})
			g.Go(func() error { return monitor.Run(gctx) })
		}

		if workerServe {
			srv := newServer(env)
			g.Go(func() error { return srv.Run(gctx) })
		}

		err := g.Wait()
		if ctx.Err() != nil && cmd.Context().Err() == nil {
			logger.Info("Worker stopped by signal")
			return nil
		}
		if err != nil {
			return exitError(exitUnavailable, "Worker failed", err)
		}
		return nil
	})
}

// signalContext cancels on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
