package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, s string) []Record {
	t.Helper()
	var out []Record
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		var r Record
		require.NoError(t, json.Unmarshal([]byte(line), &r), line)
		out = append(out, r)
	}
	return out
}

func TestJSONLWriter_Records(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, w.WriteDocument(ctx, &DocumentRecord{ID: "doc-1", OriginalFilename: "a.pdf", Stages: []string{"conversion"}}))
	require.NoError(t, w.WriteStatus(ctx, "doc-1", &StatusRecord{Status: "processing", Counts: map[string]int{"pending": 3}}))
	require.NoError(t, w.WriteStep(ctx, "doc-1", &StepRecord{Stage: "ocr", State: "failure", Mandatory: true, AttemptCount: 3, ErrorDetail: "timeout"}))
	require.NoError(t, w.WriteEvent(ctx, "doc-1", &EventRecord{Stage: "ocr", From: "pending", To: "in_progress", Attempt: 1, OccurredAt: fixed}))
	require.NoError(t, w.WriteSweep(ctx, &SweepRecord{Failed: 2, Timeout: 10 * time.Minute, Cutoff: fixed}))
	require.NoError(t, w.WriteError(ctx, "doc-2", &ErrorRecord{Code: ErrCodeNotFound, Message: "document not found"}))

	records := decodeLines(t, buf.String())
	require.Len(t, records, 6)

	types := []string{TypeDocument, TypeStatus, TypeStep, TypeEvent, TypeSweep, TypeError}
	for i, r := range records {
		assert.Equal(t, types[i], r.Type)
		assert.Equal(t, "run-1", r.RunID)
		assert.Equal(t, fixed, r.TS)
	}
	assert.Equal(t, "doc-1", records[0].DocumentID)
	assert.Empty(t, records[4].DocumentID)
	assert.Equal(t, "doc-2", records[5].DocumentID)

	var step StepRecord
	require.NoError(t, json.Unmarshal(records[2].Data, &step))
	assert.Equal(t, "ocr", step.Stage)
	assert.True(t, step.Mandatory)
	assert.Equal(t, 3, step.AttemptCount)
	assert.Equal(t, "timeout", step.ErrorDetail)

	var sweep SweepRecord
	require.NoError(t, json.Unmarshal(records[4].Data, &sweep))
	assert.Equal(t, 10*time.Minute, sweep.Timeout)
}

func TestStepRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(StepRecord{Stage: "conversion", State: "pending"})
	require.NoError(t, err)
	s := string(data)
	assert.NotContains(t, s, "started_at")
	assert.NotContains(t, s, "finished_at")
	assert.NotContains(t, s, "error_detail")
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	require.NoError(t, w.Close())

	err := w.WriteStatus(context.Background(), "doc", &StatusRecord{Status: "pending"})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteStep(context.Background(), "doc", &StepRecord{Stage: "ocr", AttemptCount: i*perWriter + j})
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, buf.String()), writers*perWriter)
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteSweep(ctx, &SweepRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct{ err error }

func (f *failingWriter) Write(p []byte) (int, error) { return 0, f.err }

type shortWriter struct {
	buf bytes.Buffer
	max int
}

func (s *shortWriter) Write(p []byte) (int, error) {
	if len(p) > s.max {
		p = p[:s.max]
	}
	return s.buf.Write(p)
}

type zeroWriter struct{}

func (zeroWriter) Write(p []byte) (int, error) { return 0, nil }

func TestJSONLWriter_WriteFailures(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-1")
	err := w.WriteSweep(context.Background(), &SweepRecord{})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "write", writeErr.Op)

	sw := &shortWriter{max: 7}
	w = NewJSONLWriter(sw, "run-1")
	require.NoError(t, w.WriteStatus(context.Background(), "doc", &StatusRecord{Status: "completed"}))
	records := decodeLines(t, sw.buf.String())
	require.Len(t, records, 1)
	assert.Equal(t, TypeStatus, records[0].Type)

	w = NewJSONLWriter(zeroWriter{}, "run-1")
	assert.ErrorIs(t, w.WriteSweep(context.Background(), &SweepRecord{}), io.ErrShortWrite)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1")
	err := w.WriteError(context.Background(), "doc", &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, "marshal_data", writeErr.Op)
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal_data", Err: underlying}
	assert.Equal(t, "output: marshal_data: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}
