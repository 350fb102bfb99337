package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits JSONL records. Implementations must be safe for concurrent
// use; each call writes one complete line.
type Writer interface {
	WriteDocument(ctx context.Context, doc *DocumentRecord) error
	WriteStatus(ctx context.Context, documentID string, status *StatusRecord) error
	WriteStep(ctx context.Context, documentID string, step *StepRecord) error
	WriteEvent(ctx context.Context, documentID string, ev *EventRecord) error
	WriteSweep(ctx context.Context, sweep *SweepRecord) error
	WriteError(ctx context.Context, documentID string, err *ErrorRecord) error
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w     io.Writer
	runID string
	now   func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer stamping every record with runID.
func NewJSONLWriter(w io.Writer, runID string) *JSONLWriter {
	return &JSONLWriter{w: w, runID: runID, now: time.Now}
}

func (jw *JSONLWriter) WriteDocument(ctx context.Context, doc *DocumentRecord) error {
	return jw.writeRecord(ctx, TypeDocument, doc.ID, doc)
}

func (jw *JSONLWriter) WriteStatus(ctx context.Context, documentID string, status *StatusRecord) error {
	return jw.writeRecord(ctx, TypeStatus, documentID, status)
}

func (jw *JSONLWriter) WriteStep(ctx context.Context, documentID string, step *StepRecord) error {
	return jw.writeRecord(ctx, TypeStep, documentID, step)
}

func (jw *JSONLWriter) WriteEvent(ctx context.Context, documentID string, ev *EventRecord) error {
	return jw.writeRecord(ctx, TypeEvent, documentID, ev)
}

func (jw *JSONLWriter) WriteSweep(ctx context.Context, sweep *SweepRecord) error {
	return jw.writeRecord(ctx, TypeSweep, "", sweep)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, documentID string, err *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, documentID, err)
}

// Close marks the writer closed. The underlying writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType, documentID string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	line, err := json.Marshal(Record{
		Type:       recordType,
		TS:         jw.now().UTC(),
		RunID:      jw.runID,
		DocumentID: documentID,
		Data:       payload,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// A short write with a nil error would silently truncate the line.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
