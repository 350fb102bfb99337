package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/queue"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
)

func TestPipeline_DrivenBySQLiteQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()

	m := testManifest("archive", "mirror")
	m.Retry.InitialDelay = manifest.Duration(10 * time.Millisecond)

	var flaky atomic.Int32
	processors := map[string]processor.Processor{}
	for _, name := range stage.Core() {
		processors[name] = producing(dir, name)
	}
	processors[stage.OCR] = &countingProcessor{fn: func(ctx context.Context, doc document.Document) (processor.Result, error) {
		if flaky.Add(1) == 1 {
			return processor.Result{}, processor.Transientf("ocr busy")
		}
		return processor.Result{}, processor.ErrSkip
	}}

	var uploads atomic.Int32
	upload := uploadFunc(func(ctx context.Context, doc document.Document) (string, error) {
		uploads.Add(1)
		return "ref", nil
	})

	steps := stepstore.New(db)
	docs := document.NewRepository(db)
	q := queue.NewSQLite(db, queue.Options{PollInterval: 5 * time.Millisecond, Concurrency: 2})

	orch, err := New(Options{
		Steps:      steps,
		Documents:  docs,
		Settings:   staticSettings{snap: &manifest.Snapshot{Version: "v1", Manifest: m}},
		Queue:      q,
		Processors: processors,
		Targets:    fakeTargets{"archive": upload, "mirror": upload},
	})
	require.NoError(t, err)

	path := filepath.Join(dir, "invoice.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 invoice"), 0o600))
	doc, err := orch.Submit(ctx, Intake{Path: path, OriginalFilename: "invoice.pdf"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- q.Run(runCtx, orch.Handle) }()

	status := &StatusService{Steps: steps, Documents: docs}
	require.Eventually(t, func() bool {
		st, err := status.GetStatus(ctx, doc.ID)
		return err == nil && st == StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, int32(2), uploads.Load())
	ocr, err := steps.Get(ctx, doc.ID, stage.OCR)
	require.NoError(t, err)
	assert.Equal(t, stepstore.StateSkipped, ocr.State)
	assert.Equal(t, 2, ocr.AttemptCount)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
