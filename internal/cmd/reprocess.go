package cmd

import (
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/pipeline"
)

var reprocessCmd = &cobra.Command{
	Use:   "reprocess ID",
	Short: "Re-run failed or selected stages of a document",
	Long: `Reset the failed steps of a document back to pending and enqueue
whatever became runnable. Completed stages are kept unless named with
--force or reset wholesale with --full.

Example:
  docflow reprocess 6f1c2a9e-...
  docflow reprocess 6f1c2a9e-... --force metadata_extraction
  docflow reprocess 6f1c2a9e-... --full`,
	Args: cobra.ExactArgs(1),
	RunE: runReprocess,
}

var (
	reprocessForce  []string
	reprocessFull   bool
	reprocessOutput string
)

func init() {
	rootCmd.AddCommand(reprocessCmd)
	reprocessCmd.Flags().StringSliceVar(&reprocessForce, "force", nil, "Stage to re-run even if it succeeded (repeatable)")
	reprocessCmd.Flags().BoolVar(&reprocessFull, "full", false, "Re-run every stage")
	addOutputFlag(reprocessCmd, &reprocessOutput)
}

func runReprocess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	id := args[0]

	w, cleanup, err := createWriter(reprocessOutput, cmd.OutOrStdout(), "")
	if err != nil {
		return exitError(exitFileWrite, "Failed to open output", err)
	}
	defer cleanup()

	return withRuntime(ctx, runtimeOptions{}, func(env *runtimeEnv) error {
		enqueued, err := env.orch.Reprocess(ctx, id, pipeline.ReprocessOptions{Force: reprocessForce, Full: reprocessFull})
		switch {
		case errors.Is(err, document.ErrNotFound):
			return exitError(exitFileNotFound, "Unknown document", err)
		case errors.Is(err, pipeline.ErrUnknownStage):
			return exitError(exitInvalidArgument, "Invalid --force stage", err)
		case err != nil:
			return exitError(exitUnavailable, "Reprocess failed", err)
		}

		observability.CLILogger.Info("Document reprocessing",
			zap.String("document_id", id),
			zap.Strings("enqueued", enqueued),
			zap.Bool("full", reprocessFull))

		steps, err := env.status.ListSteps(ctx, id)
		if err != nil {
			return exitError(exitUnavailable, "Failed to list steps", err)
		}
		for _, s := range steps {
			if err := w.WriteStep(ctx, id, stepRecord(s)); err != nil {
				return exitError(exitFileWrite, "Failed to write output", err)
			}
		}
		return nil
	})
}
