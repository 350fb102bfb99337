package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/output"
	"github.com/3leaps/docflow/pkg/pipeline"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Fail steps stuck in progress past the step timeout",
	Long: `Run one pass of the stalled-step monitor: every step that has been
in progress longer than the step timeout is marked failed with detail
"timeout". 'docflow worker' runs the same sweep on an interval.

Example:
  docflow sweep
  docflow sweep --timeout 15m`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

var (
	sweepTimeout time.Duration
	sweepOutput  string
)

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().DurationVar(&sweepTimeout, "timeout", 0, "Step timeout (default: monitor.step_timeout)")
	addOutputFlag(sweepCmd, &sweepOutput)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	w, cleanup, err := createWriter(sweepOutput, cmd.OutOrStdout(), "")
	if err != nil {
		return exitError(exitFileWrite, "Failed to open output", err)
	}
	defer cleanup()

	return withRuntime(ctx, runtimeOptions{}, func(env *runtimeEnv) error {
		timeout := sweepTimeout
		if timeout <= 0 {
			timeout = env.cfg.Monitor.StepTimeout
		}
		monitor := pipeline.NewMonitor(env.steps, pipeline.MonitorOptions{
			Timeout:   timeout,
			OnFailure: env.orch.Fail,
			Logger:    observability.CLILogger,
		})

		started := time.Now()
		failed, err := monitor.Sweep(ctx)
		if err != nil {
			return exitError(exitUnavailable, "Sweep failed", err)
		}
		observability.CLILogger.Info("Sweep complete", zap.Int("failed", failed), zap.Duration("timeout", timeout))
		return w.WriteSweep(ctx, &output.SweepRecord{
			Failed:  failed,
			Timeout: monitor.Timeout(),
			Cutoff:  started.Add(-monitor.Timeout()).UTC(),
		})
	})
}
