// Package stepstore persists one step row per (document, stage) and moves it
// through its lifecycle with compare-and-set transitions.
//
// Transitions are the only concurrency primitive of the pipeline: a worker
// that loses a transition race gets ok=false and must not run the stage.
package stepstore

import (
	"errors"
	"time"
)

// State is the lifecycle state of a step.
type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSuccess    State = "success"
	StateFailure    State = "failure"
	StateSkipped    State = "skipped"
)

var (
	// ErrNotFound indicates the step row does not exist.
	ErrNotFound = errors.New("step not found")

	// ErrInvalidTransition indicates the requested edge is not part of the
	// step lifecycle.
	ErrInvalidTransition = errors.New("invalid step transition")
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateInProgress, StateSuccess, StateFailure, StateSkipped:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows s -> to.
//
//	pending     -> in_progress
//	in_progress -> success | failure
//	failure     -> in_progress   (retry)
//	any         -> skipped
func (s State) CanTransitionTo(to State) bool {
	if to == StateSkipped {
		return s.Valid()
	}
	switch s {
	case StatePending, StateFailure:
		return to == StateInProgress
	case StateInProgress:
		return to == StateSuccess || to == StateFailure
	}
	return false
}

// Step is the persisted record of one stage for one document.
type Step struct {
	DocumentID   string     `json:"document_id"`
	Stage        string     `json:"stage"`
	Position     int        `json:"position"`
	State        State      `json:"state"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	ErrorDetail  *string    `json:"error_detail,omitempty"`
	RetryAt      *time.Time `json:"retry_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RetryPending reports whether the step failed and another attempt is
// scheduled. Such a failure has no finish time yet.
func (s Step) RetryPending() bool {
	return s.State == StateFailure && s.FinishedAt == nil
}

// RetryDue reports whether a retry-pending step may be claimed at now.
func (s Step) RetryDue(now time.Time) bool {
	return s.RetryPending() && (s.RetryAt == nil || !s.RetryAt.After(now))
}

// Terminal reports whether the step reached a final state.
func (s Step) Terminal() bool {
	switch s.State {
	case StateSuccess, StateSkipped:
		return true
	case StateFailure:
		return s.FinishedAt != nil
	}
	return false
}

// Event is one entry of the append-only processing log.
type Event struct {
	EventID    string    `json:"event_id"`
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	OccurredAt time.Time `json:"occurred_at"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	Attempt    int       `json:"attempt"`
	Detail     *string   `json:"detail,omitempty"`
}
