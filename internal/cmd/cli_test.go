package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/internal/config"
	"github.com/3leaps/docflow/pkg/output"
	"github.com/3leaps/docflow/pkg/pipeline"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/test/pdftest"
)

// isolateConfig keeps user config files out of the test.
func isolateConfig(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func executeCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	defer func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	}()
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func parseRecords(t *testing.T, out string) []output.Record {
	t.Helper()
	var records []output.Record
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var r output.Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		records = append(records, r)
	}
	return records
}

type cliFixture struct {
	dir      string
	cfgPath  string
	archive  string
	baseArgs []string
}

func newCLIFixture(t *testing.T) *cliFixture {
	t.Helper()
	isolateConfig(t)
	dir := t.TempDir()
	f := &cliFixture{dir: dir, archive: filepath.Join(dir, "archive")}

	manifestPath := filepath.Join(dir, "pipeline.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(fmt.Sprintf(`version: "1.0"
features:
  ocr: true
retry:
  max_attempts: 2
  initial_delay: 10ms
targets:
  - name: archive
    type: file
    prefix: docs
    file:
      base_dir: %s
`, f.archive)), 0o600))

	f.cfgPath = filepath.Join(dir, "docflow.yaml")
	require.NoError(t, os.WriteFile(f.cfgPath, []byte(`
workers: 2
queue:
  poll_interval: 10ms
  visibility: 1m
`), 0o600))

	f.baseArgs = []string{
		"--config", f.cfgPath,
		"--db", filepath.Join(dir, "docflow.db"),
		"--workspace", filepath.Join(dir, "ws"),
		"--manifest", manifestPath,
	}
	return f
}

func (f *cliFixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCLI(t, append(append([]string{}, f.baseArgs...), args...)...)
}

// drain runs a worker runtime until the document reaches a settled status.
func (f *cliFixture) drain(t *testing.T, id string, want pipeline.Status) {
	t.Helper()
	cfg := config.GetConfig()
	require.NotNil(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env, err := openRuntime(ctx, cfg, runtimeOptions{Processors: true})
	require.NoError(t, err)
	defer func() { _ = env.Close() }()

	done := make(chan error, 1)
	go func() { done <- env.queue.Run(ctx, env.orch.Handle) }()

	require.Eventually(t, func() bool {
		st, err := env.status.GetStatus(ctx, id)
		return err == nil && st == want
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestCLI_SubmitProcessQuery(t *testing.T) {
	f := newCLIFixture(t)
	pdf := pdftest.WriteMinimal(t, "invoice.pdf")

	out, err := f.run(t, "submit", pdf)
	require.NoError(t, err)
	records := parseRecords(t, out)
	require.Len(t, records, 1)
	require.Equal(t, output.TypeDocument, records[0].Type)

	var doc output.DocumentRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &doc))
	assert.Equal(t, "invoice.pdf", doc.OriginalFilename)
	assert.Equal(t, []string{
		stage.Conversion, stage.OCR, stage.MetadataExtraction, stage.MetadataEmbedding, stage.Distribution("archive"),
	}, doc.Stages)

	out, err = f.run(t, "status", doc.ID)
	require.NoError(t, err)
	var st output.StatusRecord
	require.NoError(t, json.Unmarshal(parseRecords(t, out)[0].Data, &st))
	assert.Equal(t, string(pipeline.StatusPending), st.Status)
	assert.Equal(t, 5, st.Counts["pending"])

	f.drain(t, doc.ID, pipeline.StatusCompleted)

	out, err = f.run(t, "status", doc.ID)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(parseRecords(t, out)[0].Data, &st))
	assert.Equal(t, string(pipeline.StatusCompleted), st.Status)
	assert.Equal(t, 4, st.Counts["success"])
	assert.Equal(t, 1, st.Counts["skipped"], "ocr is skipped without an endpoint")

	out, err = f.run(t, "steps", doc.ID)
	require.NoError(t, err)
	steps := parseRecords(t, out)
	require.Len(t, steps, 5)
	var last output.StepRecord
	require.NoError(t, json.Unmarshal(steps[4].Data, &last))
	assert.Equal(t, stage.Distribution("archive"), last.Stage)
	assert.False(t, last.Mandatory)
	assert.Equal(t, "success", last.State)
	assert.FileExists(t, filepath.Join(f.archive, "docs", doc.ID, "invoice.pdf"))

	out, err = f.run(t, "events", doc.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, parseRecords(t, out))
}

func TestCLI_ReprocessAndSweep(t *testing.T) {
	f := newCLIFixture(t)
	pdf := pdftest.WriteMinimal(t, "report.pdf")

	out, err := f.run(t, "submit", pdf)
	require.NoError(t, err)
	var doc output.DocumentRecord
	require.NoError(t, json.Unmarshal(parseRecords(t, out)[0].Data, &doc))
	f.drain(t, doc.ID, pipeline.StatusCompleted)

	defer func() { reprocessForce = nil }()
	out, err = f.run(t, "reprocess", doc.ID, "--force", stage.MetadataExtraction)
	require.NoError(t, err)
	states := map[string]string{}
	for _, r := range parseRecords(t, out) {
		var s output.StepRecord
		require.NoError(t, json.Unmarshal(r.Data, &s))
		states[s.Stage] = s.State
	}
	assert.Equal(t, "pending", states[stage.MetadataExtraction])
	assert.Equal(t, "success", states[stage.Conversion])

	f.drain(t, doc.ID, pipeline.StatusCompleted)

	_, err = f.run(t, "reprocess", doc.ID, "--force", "bogus")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	reprocessForce = nil

	out, err = f.run(t, "sweep")
	require.NoError(t, err)
	records := parseRecords(t, out)
	require.Len(t, records, 1)
	var sweep output.SweepRecord
	require.NoError(t, json.Unmarshal(records[0].Data, &sweep))
	assert.Equal(t, 0, sweep.Failed)
	assert.Equal(t, 600*time.Second, sweep.Timeout)
}

func TestCLI_UnknownDocument(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "status", "no-such-doc")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))

	records := parseRecords(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, output.TypeError, records[0].Type)
	assert.Equal(t, "no-such-doc", records[0].DocumentID)

	_, err = f.run(t, "reprocess", "no-such-doc")
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_SubmitMissingFile(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "submit", filepath.Join(f.dir, "nope.pdf"))
	require.Error(t, err)
	records := parseRecords(t, out)
	require.Len(t, records, 1)
	assert.Equal(t, output.TypeError, records[0].Type)
}

func TestCLI_InvalidManifest(t *testing.T) {
	f := newCLIFixture(t)
	bad := filepath.Join(f.dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: \"1.0\"\nretry:\n  max_attempts: -1\n"), 0o600))

	_, err := executeCLI(t, "--config", f.cfgPath, "--db", filepath.Join(f.dir, "x.db"), "--manifest", bad, "status", "x")
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))

	_, err = executeCLI(t, "--config", f.cfgPath, "manifest", "validate", filepath.Join(f.dir, "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, exitFileNotFound, ExitCode(err))
}

func TestCLI_ManifestPlan(t *testing.T) {
	f := newCLIFixture(t)

	out, err := f.run(t, "manifest", "plan")
	require.NoError(t, err)
	assert.Contains(t, out, "1. conversion")
	assert.Contains(t, out, "distribution:archive")
	assert.Contains(t, out, "archive (file) prefix=docs")

	out, err = f.run(t, "manifest", "validate", f.baseArgs[7])
	require.NoError(t, err)
	assert.Contains(t, out, "valid (5 stages)")
}

func TestCLI_Version(t *testing.T) {
	isolateConfig(t)
	defer func() { versionJSON = false }()

	out, err := executeCLI(t, "--db", ":memory:", "version", "--json")
	require.NoError(t, err)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, versionInfo.Version, info["version"])
	assert.NotEmpty(t, info["go_version"])
}
