package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/output"
	"github.com/3leaps/docflow/pkg/pipeline"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
)

// addOutputFlag registers --output on cmd.
func addOutputFlag(cmd *cobra.Command, dest *string) {
	cmd.Flags().StringVarP(dest, "output", "o", "stdout", "Output destination (stdout, file:<path> or a path)")
}

// createWriter opens a JSONL writer on dest. The cleanup function closes the
// writer and any file it opened.
func createWriter(dest string, stdout io.Writer, runID string) (output.Writer, func(), error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	if dest == "" || dest == "stdout" {
		w := output.NewJSONLWriter(stdout, runID)
		return w, func() { _ = w.Close() }, nil
	}

	path := strings.TrimPrefix(dest, "file:")
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	w := output.NewJSONLWriter(f, runID)
	return w, func() {
		_ = w.Close()
		_ = f.Close()
	}, nil
}

func documentRecord(doc *document.Document, plan []string) *output.DocumentRecord {
	return &output.DocumentRecord{
		ID:               doc.ID,
		OriginalFilename: doc.OriginalFilename,
		ContentHash:      doc.ContentHash,
		Location:         doc.Location,
		PlanVersion:      doc.PlanVersion,
		Stages:           plan,
		CreatedAt:        doc.CreatedAt,
	}
}

func statusRecord(view *pipeline.DocumentStatus) *output.StatusRecord {
	counts := map[string]int{}
	for _, s := range view.Steps {
		counts[string(s.State)]++
	}
	return &output.StatusRecord{
		Status:   string(view.Status),
		Location: view.Document.Location,
		Counts:   counts,
	}
}

func stepRecord(s stepstore.Step) *output.StepRecord {
	rec := &output.StepRecord{
		Stage:        s.Stage,
		State:        string(s.State),
		Mandatory:    stage.Mandatory(s.Stage),
		AttemptCount: s.AttemptCount,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
	}
	if s.ErrorDetail != nil {
		rec.ErrorDetail = *s.ErrorDetail
	}
	return rec
}

func eventRecord(ev stepstore.Event) *output.EventRecord {
	rec := &output.EventRecord{
		Stage:      ev.Stage,
		From:       string(ev.From),
		To:         string(ev.To),
		Attempt:    ev.Attempt,
		OccurredAt: ev.OccurredAt,
	}
	if ev.Detail != nil {
		rec.Detail = *ev.Detail
	}
	return rec
}
