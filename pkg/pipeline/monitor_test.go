package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/docflow/pkg/queue"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
)

func TestMonitor_Defaults(t *testing.T) {
	m := NewMonitor(nil, MonitorOptions{})
	assert.Equal(t, DefaultMonitorInterval, m.opts.Interval)
	assert.Equal(t, DefaultStepTimeout, m.opts.Timeout)
	assert.Equal(t, 60*time.Second, DefaultMonitorInterval)
	assert.Equal(t, 600*time.Second, DefaultStepTimeout)
}

func TestMonitor_SweepRespectsTimeout(t *testing.T) {
	h := newHarness(t, testManifest(), nil)
	doc := h.submit()

	claimed, ok, err := h.steps.Transition(h.ctx, doc.ID, stage.Conversion,
		[]stepstore.State{stepstore.StatePending}, stepstore.StateInProgress)
	require.NoError(t, err)
	require.True(t, ok)
	started := *claimed.StartedAt

	var reported []stepstore.Step
	m := NewMonitor(h.steps, MonitorOptions{
		Timeout: 10 * time.Minute,
		OnFailure: func(ctx context.Context, step stepstore.Step) {
			reported = append(reported, step)
			h.orch.Fail(ctx, step)
		},
	})

	m.now = func() time.Time { return started.Add(10*time.Minute - time.Second) }
	n, err := m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not before the timeout")
	assert.Equal(t, stepstore.StateInProgress, h.step(doc.ID, stage.Conversion).State)
	assert.Equal(t, StatusProcessing, h.status(doc.ID))

	m.now = func() time.Time { return started.Add(10*time.Minute + time.Second) }
	n, err = m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s := h.step(doc.ID, stage.Conversion)
	assert.Equal(t, stepstore.StateFailure, s.State)
	require.NotNil(t, s.ErrorDetail)
	assert.Equal(t, TimeoutDetail, *s.ErrorDetail)
	assert.NotNil(t, s.FinishedAt)
	assert.Equal(t, StatusFailed, h.status(doc.ID))

	require.Len(t, reported, 1)
	require.Len(t, h.failures, 1)
	assert.Equal(t, TimeoutDetail, h.failures[0].Detail)

	// A second sweep finds nothing; a late redelivery cannot restart the step.
	n, err = m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	report, err := h.orch.Runner().Run(h.ctx, queue.Job{DocumentID: doc.ID, Stage: stage.Conversion})
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, report.Outcome)
}

func TestMonitor_SkipsStepsThatFinished(t *testing.T) {
	h := newHarness(t, testManifest(), nil)
	doc := h.submit()
	h.drain()

	m := NewMonitor(h.steps, MonitorOptions{Timeout: time.Second})
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := m.Sweep(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, StatusCompleted, h.status(doc.ID))
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, testManifest(), nil)
	doc := h.submit()
	_, ok, err := h.steps.Transition(h.ctx, doc.ID, stage.Conversion,
		[]stepstore.State{stepstore.StatePending}, stepstore.StateInProgress)
	require.NoError(t, err)
	require.True(t, ok)

	m := NewMonitor(h.steps, MonitorOptions{Interval: 10 * time.Millisecond, Timeout: time.Second})
	m.now = func() time.Time { return time.Now().Add(time.Hour) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		s, err := h.steps.Get(context.Background(), doc.ID, stage.Conversion)
		return err == nil && s.State == stepstore.StateFailure
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
