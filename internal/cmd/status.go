package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/output"
)

var statusCmd = &cobra.Command{
	Use:   "status ID...",
	Short: "Show the aggregate status of documents",
	Long: `Show the aggregate status of one or more documents as
docflow.status.v1 records: pending, processing, completed,
partially_completed or failed.

Example:
  docflow status 6f1c2a9e-...`,
	Args: cobra.MinimumNArgs(1),
	RunE: runStatus,
}

var stepsCmd = &cobra.Command{
	Use:   "steps ID",
	Short: "List the pipeline steps of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSteps,
}

var eventsCmd = &cobra.Command{
	Use:   "events ID",
	Short: "Show the processing log of a document",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var queryOutput string

func init() {
	rootCmd.AddCommand(statusCmd, stepsCmd, eventsCmd)
	for _, c := range []*cobra.Command{statusCmd, stepsCmd, eventsCmd} {
		addOutputFlag(c, &queryOutput)
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runQuery(cmd, args, func(ctx context.Context, env *runtimeEnv, w output.Writer, id string) error {
		view, err := env.status.Describe(ctx, id)
		if err != nil {
			return err
		}
		return w.WriteStatus(ctx, id, statusRecord(view))
	})
}

func runSteps(cmd *cobra.Command, args []string) error {
	return runQuery(cmd, args, func(ctx context.Context, env *runtimeEnv, w output.Writer, id string) error {
		steps, err := env.status.ListSteps(ctx, id)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if err := w.WriteStep(ctx, id, stepRecord(s)); err != nil {
				return err
			}
		}
		return nil
	})
}

func runEvents(cmd *cobra.Command, args []string) error {
	return runQuery(cmd, args, func(ctx context.Context, env *runtimeEnv, w output.Writer, id string) error {
		events, err := env.status.Events(ctx, id)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if err := w.WriteEvent(ctx, id, eventRecord(ev)); err != nil {
				return err
			}
		}
		return nil
	})
}

// runQuery runs fn per document ID. Unknown documents are reported as
// error records; the command fails if any ID failed.
func runQuery(cmd *cobra.Command, ids []string, fn func(context.Context, *runtimeEnv, output.Writer, string) error) error {
	ctx := cmd.Context()
	w, cleanup, err := createWriter(queryOutput, cmd.OutOrStdout(), "")
	if err != nil {
		return exitError(exitFileWrite, "Failed to open output", err)
	}
	defer cleanup()

	return withRuntime(ctx, runtimeOptions{}, func(env *runtimeEnv) error {
		missing := 0
		for _, id := range ids {
			err := fn(ctx, env, w, id)
			switch {
			case err == nil:
			case errors.Is(err, document.ErrNotFound):
				missing++
				_ = w.WriteError(ctx, id, &output.ErrorRecord{Code: output.ErrCodeNotFound, Message: "document not found"})
			default:
				return exitError(exitUnavailable, "Query failed", err)
			}
		}
		if missing > 0 {
			return exitError(exitFileNotFound, "Unknown documents", fmt.Errorf("%d of %d documents not found", missing, len(ids)))
		}
		return nil
	})
}
