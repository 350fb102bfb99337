// Package output writes pipeline state as JSONL.
//
// Every line is a typed envelope around one payload, so a consumer can
// stream `docflow status`, `steps` and `sweep` output into other tools
// and parse each line on its own.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record types follow the pattern docflow.<type>.v<version>.
const (
	TypeDocument = "docflow.document.v1"
	TypeStatus   = "docflow.status.v1"
	TypeStep     = "docflow.step.v1"
	TypeEvent    = "docflow.event.v1"
	TypeSweep    = "docflow.sweep.v1"
	TypeError    = "docflow.error.v1"
)

// Record is the envelope of every JSONL line.
type Record struct {
	Type string    `json:"type"`
	TS   time.Time `json:"ts"`

	// RunID correlates the records of one CLI invocation.
	RunID string `json:"run_id"`

	DocumentID string          `json:"document_id,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// DocumentRecord describes a submitted document.
type DocumentRecord struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	ContentHash      string    `json:"content_hash"`
	Location         string    `json:"location"`
	PlanVersion      string    `json:"plan_version,omitempty"`
	Stages           []string  `json:"stages,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// StatusRecord is the aggregate status of a document.
type StatusRecord struct {
	Status   string         `json:"status"`
	Location string         `json:"location"`
	Counts   map[string]int `json:"counts"`
}

// StepRecord is one step row.
type StepRecord struct {
	Stage        string     `json:"stage"`
	State        string     `json:"state"`
	Mandatory    bool       `json:"mandatory"`
	AttemptCount int        `json:"attempt_count"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorDetail  string     `json:"error_detail,omitempty"`
}

// EventRecord is one processing-log entry.
type EventRecord struct {
	Stage      string    `json:"stage"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Attempt    int       `json:"attempt"`
	OccurredAt time.Time `json:"occurred_at"`
	Detail     string    `json:"detail,omitempty"`
}

// SweepRecord summarizes one stalled-step sweep.
type SweepRecord struct {
	Failed  int           `json:"failed"`
	Timeout time.Duration `json:"timeout_ns"`
	Cutoff  time.Time     `json:"cutoff"`
}

// ErrorRecord reports a failure without aborting the stream.
type ErrorRecord struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
	Details any    `json:"details,omitempty"`
}

// Error codes for ErrorRecord.
const (
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeInvalid  = "INVALID"
	ErrCodeInternal = "INTERNAL"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("writer is closed")

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // marshal_data, marshal_record or write
	Err error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
