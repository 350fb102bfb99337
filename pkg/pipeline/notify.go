package pipeline

import (
	"context"

	"go.uber.org/zap"
)

// Failure describes a step that failed terminally.
type Failure struct {
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Detail     string `json:"detail"`
	Attempts   int    `json:"attempts"`

	// Mandatory is true when the failure halts the document.
	Mandatory bool `json:"mandatory"`
}

// Notifier is the boundary hook for terminal failures. How failures are
// displayed or alerted is up to the implementation.
type Notifier interface {
	Notify(ctx context.Context, f Failure) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, f Failure) error

// Notify calls f.
func (fn NotifierFunc) Notify(ctx context.Context, f Failure) error { return fn(ctx, f) }

// LogNotifier reports failures to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

// Notify logs f at error level.
func (n LogNotifier) Notify(_ context.Context, f Failure) error {
	logger := n.Logger
	if logger == nil {
		return nil
	}
	logger.Error("Step failed terminally",
		zap.String("document_id", f.DocumentID),
		zap.String("stage", f.Stage),
		zap.String("detail", f.Detail),
		zap.Int("attempts", f.Attempts),
		zap.Bool("mandatory", f.Mandatory))
	return nil
}
