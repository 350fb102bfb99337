// Package queue carries stage jobs between the orchestrator and the workers.
//
// The pipeline only needs Enqueue with a delay and at-least-once delivery.
// SQLite is the reference substrate: a visibility-timeout queue where a
// claimed job stays invisible until it is acked or its visibility lapses.
package queue

import (
	"context"
	"time"
)

// Job asks a worker to run one stage of one document.
type Job struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Queue accepts jobs for later delivery.
type Queue interface {
	// Enqueue makes job deliverable after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error
}

// Handler processes a delivered job. A nil error acks the job; an error
// makes it visible again after the poll interval.
type Handler func(ctx context.Context, job Job) error
