package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/stepstore"
)

const (
	DefaultMonitorInterval = 60 * time.Second
	DefaultStepTimeout     = 600 * time.Second

	// TimeoutDetail is recorded on steps reclaimed by the monitor.
	TimeoutDetail = "timeout"
)

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Interval time.Duration
	Timeout  time.Duration

	// OnFailure is called for every step the monitor failed.
	OnFailure func(ctx context.Context, step stepstore.Step)

	Logger *zap.Logger
}

// Monitor periodically fails steps that stayed in progress longer than the
// timeout, so a crashed worker cannot leave a document processing forever.
type Monitor struct {
	steps *stepstore.Store
	opts  MonitorOptions
	now   func() time.Time
}

// NewMonitor returns a monitor over steps.
func NewMonitor(steps *stepstore.Store, opts MonitorOptions) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultMonitorInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultStepTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Monitor{steps: steps, opts: opts, now: time.Now}
}

// Timeout is the in-progress age after which a step is failed.
func (m *Monitor) Timeout() time.Duration { return m.opts.Timeout }

// Sweep fails every step started more than Timeout ago that is still in
// progress. It returns the number of steps it failed. A step that finished
// between the query and the transition is left alone.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cutoff := m.now().Add(-m.opts.Timeout)
	stalled, err := m.steps.ListStalled(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stalled steps: %w", err)
	}

	failed := 0
	for _, s := range stalled {
		step, ok, err := m.steps.Transition(ctx, s.DocumentID, s.Stage,
			[]stepstore.State{stepstore.StateInProgress}, stepstore.StateFailure,
			stepstore.WithDetail(TimeoutDetail))
		if err != nil {
			return failed, fmt.Errorf("fail stalled step %s/%s: %w", s.DocumentID, s.Stage, err)
		}
		if !ok {
			m.opts.Logger.Debug("Stalled step finished before sweep",
				zap.String("document_id", s.DocumentID), zap.String("stage", s.Stage))
			continue
		}
		failed++

		var started time.Time
		if s.StartedAt != nil {
			started = *s.StartedAt
		}
		m.opts.Logger.Warn("Stalled step timed out",
			zap.String("document_id", s.DocumentID),
			zap.String("stage", s.Stage),
			zap.Int("attempt", s.AttemptCount),
			zap.Time("started_at", started))
		if m.opts.OnFailure != nil {
			m.opts.OnFailure(ctx, step)
		}
	}
	return failed, nil
}

// Run sweeps on every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.opts.Logger.Info("Stalled-step monitor started",
		zap.Duration("interval", m.opts.Interval), zap.Duration("timeout", m.opts.Timeout))

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.opts.Logger.Info("Stalled-step monitor stopped")
			return nil
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				m.opts.Logger.Warn("Sweep failed", zap.Error(err))
			} else if n > 0 {
				m.opts.Logger.Info("Sweep failed stalled steps", zap.Int("count", n))
			}
		}
	}
}
