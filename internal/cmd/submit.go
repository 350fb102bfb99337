package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/internal/observability"
	"github.com/3leaps/docflow/pkg/output"
	"github.com/3leaps/docflow/pkg/pipeline"
)

var submitCmd = &cobra.Command{
	Use:   "submit FILE...",
	Short: "Register documents and enqueue their first stage",
	Long: `Register one or more documents and enqueue the first stage of the
pipeline for each. Processing happens in 'docflow worker'.

Each submitted document is reported as a docflow.document.v1 record.

Example:
  docflow submit invoice.pdf
  docflow submit --name "Q3 report.pdf" /tmp/upload-8812
  docflow submit scans/*.pdf -o file:submitted.jsonl`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSubmit,
}

var (
	submitID     string
	submitName   string
	submitOutput string
)

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().StringVar(&submitID, "id", "", "Document ID (single file only; default: generated)")
	submitCmd.Flags().StringVar(&submitName, "name", "", "Original filename (single file only; default: base name of FILE)")
	addOutputFlag(submitCmd, &submitOutput)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	if len(args) > 1 && (submitID != "" || submitName != "") {
		return exitError(exitInvalidArgument, "Invalid arguments", errors.New("--id and --name require a single file"))
	}

	ctx := cmd.Context()
	w, cleanup, err := createWriter(submitOutput, cmd.OutOrStdout(), "")
	if err != nil {
		return exitError(exitFileWrite, "Failed to open output", err)
	}
	defer cleanup()

	return withRuntime(ctx, runtimeOptions{}, func(env *runtimeEnv) error {
		failed := 0
		for _, path := range args {
			if _, err := os.Stat(path); err != nil {
				failed++
				observability.CLILogger.Error("Cannot read document", zap.String("path", path), zap.Error(err))
				_ = w.WriteError(ctx, "", &output.ErrorRecord{Code: output.ErrCodeNotFound, Message: err.Error(), Details: map[string]any{"path": path}})
				continue
			}

			name := submitName
			if name == "" {
				name = filepath.Base(path)
			}
			doc, err := env.orch.Submit(ctx, pipeline.Intake{ID: submitID, Path: path, OriginalFilename: name})
			if err != nil {
				failed++
				observability.CLILogger.Error("Submit failed", zap.String("path", path), zap.Error(err))
				_ = w.WriteError(ctx, "", &output.ErrorRecord{Code: output.ErrCodeInternal, Message: err.Error(), Details: map[string]any{"path": path}})
				continue
			}

			var plan []string
			if steps, err := env.steps.List(ctx, doc.ID); err == nil {
				for _, s := range steps {
					plan = append(plan, s.Stage)
				}
			}
			observability.CLILogger.Info("Document submitted",
				zap.String("document_id", doc.ID),
				zap.String("filename", doc.OriginalFilename),
				zap.Int("stages", len(plan)))
			if err := w.WriteDocument(ctx, documentRecord(doc, plan)); err != nil {
				return exitError(exitFileWrite, "Failed to write output", err)
			}
		}
		if failed > 0 {
			return exitError(exitFailure, "Submit incomplete", fmt.Errorf("%d of %d documents failed", failed, len(args)))
		}
		return nil
	})
}
