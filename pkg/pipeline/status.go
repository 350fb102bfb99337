package pipeline

import (
	"context"
	"fmt"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
)

// Status is the overall state of a document.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProcessing         Status = "processing"
	StatusCompleted          Status = "completed"
	StatusPartiallyCompleted Status = "partially_completed"
	StatusFailed             Status = "failed"
)

// Aggregate derives a document's status from its steps. mandatory reports
// whether a stage's failure fails the document; nil uses stage.Mandatory.
//
//   - failed: a mandatory step failed terminally, or every step is done and
//     no non-mandatory branch succeeded after one failed
//   - processing: a step is running or waiting for a retry, or the document
//     is between stages
//   - pending: no step has started
//   - completed: every step succeeded or was skipped
//   - partially completed: every step is done, a non-mandatory branch failed
//     and another succeeded
func Aggregate(steps []stepstore.Step, mandatory func(string) bool) Status {
	if mandatory == nil {
		mandatory = stage.Mandatory
	}
	if len(steps) == 0 {
		return StatusPending
	}

	var pending, running, optionalFailed, optionalSucceeded int
	for _, s := range steps {
		switch {
		case s.State == stepstore.StateInProgress || s.RetryPending():
			running++
		case s.State == stepstore.StatePending:
			pending++
		case s.State == stepstore.StateFailure:
			if mandatory(s.Stage) {
				return StatusFailed
			}
			optionalFailed++
		default:
			if s.State == stepstore.StateSuccess && !mandatory(s.Stage) {
				optionalSucceeded++
			}
		}
	}

	switch {
	case running > 0:
		return StatusProcessing
	case pending == len(steps):
		return StatusPending
	case pending > 0:
		return StatusProcessing
	case optionalFailed == 0:
		return StatusCompleted
	case optionalSucceeded > 0:
		return StatusPartiallyCompleted
	default:
		return StatusFailed
	}
}

// DocumentStatus is the full status view of one document.
type DocumentStatus struct {
	Document document.Document `json:"document"`
	Status   Status            `json:"status"`
	Steps    []stepstore.Step  `json:"steps"`
}

// StatusService is the read-only step query API.
type StatusService struct {
	Steps     *stepstore.Store
	Documents Documents
}

// GetStatus returns the aggregate status of a document.
func (s *StatusService) GetStatus(ctx context.Context, documentID string) (Status, error) {
	view, err := s.Describe(ctx, documentID)
	if err != nil {
		return "", err
	}
	return view.Status, nil
}

// ListSteps returns the steps of a document in plan order.
func (s *StatusService) ListSteps(ctx context.Context, documentID string) ([]stepstore.Step, error) {
	if _, err := s.Documents.Get(ctx, documentID); err != nil {
		return nil, err
	}
	return s.Steps.List(ctx, documentID)
}

// Events returns the processing log of a document.
func (s *StatusService) Events(ctx context.Context, documentID string) ([]stepstore.Event, error) {
	if _, err := s.Documents.Get(ctx, documentID); err != nil {
		return nil, err
	}
	return s.Steps.Events(ctx, documentID)
}

// Describe returns the document, its steps and its aggregate status.
func (s *StatusService) Describe(ctx context.Context, documentID string) (*DocumentStatus, error) {
	doc, err := s.Documents.Get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	steps, err := s.Steps.List(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return &DocumentStatus{
		Document: *doc,
		Status:   Aggregate(steps, nil),
		Steps:    steps,
	}, nil
}
