// Package pipeline drives documents through their stage plan.
//
// The Runner executes one stage of one document per queue job. The
// Orchestrator decides what runs next, the Monitor reclaims stuck steps, and
// Aggregate derives a document's overall status from its step rows. Step
// transitions in pkg/stepstore are the only coordination between workers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/manifest"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/queue"
	"github.com/3leaps/docflow/pkg/retry"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
	"github.com/3leaps/docflow/pkg/target"
)

// Documents is the subset of the document repository the pipeline uses.
type Documents interface {
	Create(ctx context.Context, doc document.Document) (*document.Document, error)
	Get(ctx context.Context, id string) (*document.Document, error)
}

// Settings serves version-stamped manifest snapshots. A job reads one
// snapshot when it starts and uses it until it ends.
type Settings interface {
	Snapshot() (*manifest.Snapshot, error)
}

// TargetResolver looks up the upload target behind a distribution sub-step.
type TargetResolver interface {
	Target(ctx context.Context, name string) (processor.UploadTarget, error)
}

var (
	_ Documents      = (*document.Repository)(nil)
	_ Settings       = (*manifest.Cache)(nil)
	_ TargetResolver = (*target.Set)(nil)
)

// Outcome is what a Runner did with a job.
type Outcome int

const (
	// OutcomeConflict means the step was not eligible to run: another worker
	// owns it or it already finished. Nothing was changed.
	OutcomeConflict Outcome = iota
	OutcomeSucceeded
	OutcomeSkipped
	OutcomeRetryScheduled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConflict:
		return "conflict"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryScheduled:
		return "retry_scheduled"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Report describes one Run.
type Report struct {
	Outcome Outcome

	// Step is the step row after the run. For a conflict it is the row as
	// currently stored, when it exists.
	Step stepstore.Step

	// Err is the collaborator error behind a retry or failure.
	Err error

	// Delay is the backoff before the scheduled retry.
	Delay time.Duration

	// Reference is the remote object reference of a distribution upload.
	Reference string
}

// Runner executes a single stage for a single document.
type Runner struct {
	Steps      *stepstore.Store
	Documents  Documents
	Settings   Settings
	Queue      queue.Queue
	Processors map[string]processor.Processor
	Targets    TargetResolver
	Logger     *zap.Logger
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Run executes job.
//
// A returned error means bookkeeping failed (store or queue) and the job
// should be redelivered. Collaborator failures never surface as an error;
// they are recorded on the step and reported through the Report.
func (r *Runner) Run(ctx context.Context, job queue.Job) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := r.logger().With(zap.String("document_id", job.DocumentID), zap.String("stage", job.Stage))

	snap, err := r.Settings.Snapshot()
	if err != nil {
		return Report{}, fmt.Errorf("load settings: %w", err)
	}

	step, ok, err := r.Steps.Transition(ctx, job.DocumentID, job.Stage,
		[]stepstore.State{stepstore.StatePending, stepstore.StateFailure}, stepstore.StateInProgress)
	if errors.Is(err, stepstore.ErrNotFound) {
		log.Warn("Job for unknown step, dropping", zap.String("job_id", job.ID))
		return Report{Outcome: OutcomeConflict}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("claim step: %w", err)
	}
	if !ok {
		current, err := r.Steps.Get(ctx, job.DocumentID, job.Stage)
		if err != nil {
			return Report{}, fmt.Errorf("read step: %w", err)
		}
		if now := r.Steps.Now(); current.RetryPending() && !current.RetryDue(now) {
			return r.early(ctx, log, current, current.RetryAt.Sub(now))
		}
		log.Debug("Step not eligible, another worker handled it", zap.String("state", string(current.State)))
		return Report{Outcome: OutcomeConflict, Step: current}, nil
	}

	log = log.With(zap.Int("attempt", step.AttemptCount), zap.String("settings_version", snap.Version))
	log.Info("Stage started")

	ref, res, callErr := r.execute(ctx, job, snap.Manifest)

	// Bookkeeping must land even when the worker is shutting down.
	bctx := context.WithoutCancel(ctx)

	policy := snap.Manifest.RetryPolicy()
	switch {
	case callErr == nil:
		return r.succeed(bctx, log, step, policy, res, ref)
	case errors.Is(callErr, processor.ErrSkip):
		return r.skip(bctx, log, step)
	default:
		return r.fail(bctx, log, step, policy, callErr)
	}
}

// early puts back a delivery that arrived before the step's backoff ended.
func (r *Runner) early(ctx context.Context, log *zap.Logger, step stepstore.Step, wait time.Duration) (Report, error) {
	if err := r.Queue.Enqueue(ctx, queue.Job{DocumentID: step.DocumentID, Stage: step.Stage}, wait); err != nil {
		return Report{}, fmt.Errorf("requeue early retry: %w", err)
	}
	log.Debug("Retry not due yet, requeued", zap.Duration("delay", wait))
	return Report{Outcome: OutcomeConflict, Step: step, Delay: wait}, nil
}

// execute invokes the collaborator behind the job's stage under the stage
// timeout.
func (r *Runner) execute(ctx context.Context, job queue.Job, m *manifest.Manifest) (string, processor.Result, error) {
	doc, err := r.Documents.Get(ctx, job.DocumentID)
	if errors.Is(err, document.ErrNotFound) {
		return "", processor.Result{}, processor.Permanent(err)
	}
	if err != nil {
		return "", processor.Result{}, processor.Transient(err)
	}

	callCtx := ctx
	if m.StageTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(m.StageTimeout))
		defer cancel()
	}

	if name, ok := stage.TargetOf(job.Stage); ok {
		if r.Targets == nil {
			return "", processor.Result{}, processor.Permanentf("no upload targets configured")
		}
		t, err := r.Targets.Target(callCtx, name)
		if err != nil {
			return "", processor.Result{}, err
		}
		ref, err := t.Upload(callCtx, *doc)
		return ref, processor.Result{}, err
	}

	p, ok := r.Processors[job.Stage]
	if !ok {
		return "", processor.Result{}, processor.Permanentf("no processor registered for stage %s", job.Stage)
	}
	res, err := p.Process(callCtx, *doc)
	if err == nil && res.Location == doc.Location {
		res.Location = ""
	}
	return "", res, err
}

func (r *Runner) succeed(ctx context.Context, log *zap.Logger, step stepstore.Step, policy retry.Policy, res processor.Result, ref string) (Report, error) {
	var opts []stepstore.TransitionOption
	if res.Location != "" {
		opts = append(opts, stepstore.WithLocation(res.Location))
	}
	done, ok, err := r.Steps.Transition(ctx, step.DocumentID, step.Stage,
		[]stepstore.State{stepstore.StateInProgress}, stepstore.StateSuccess, opts...)
	if err != nil {
		// The output exists only in this process; the stage has to run again.
		log.Warn("Recording success failed", zap.Error(err))
		return r.fail(ctx, log, step, policy, processor.Transient(fmt.Errorf("record success: %w", err)))
	}
	if !ok {
		// The monitor timed the step out while the collaborator was running.
		return r.lost(ctx, log, step)
	}

	fields := []zap.Field{}
	if res.Location != "" {
		fields = append(fields, zap.String("location", res.Location))
	}
	if ref != "" {
		fields = append(fields, zap.String("reference", ref))
	}
	log.Info("Stage succeeded", fields...)
	return Report{Outcome: OutcomeSucceeded, Step: done, Reference: ref}, nil
}

func (r *Runner) skip(ctx context.Context, log *zap.Logger, step stepstore.Step) (Report, error) {
	done, ok, err := r.Steps.Transition(ctx, step.DocumentID, step.Stage,
		[]stepstore.State{stepstore.StateInProgress}, stepstore.StateSkipped)
	if err != nil {
		return Report{}, fmt.Errorf("record skip: %w", err)
	}
	if !ok {
		return r.lost(ctx, log, step)
	}
	log.Info("Stage skipped")
	return Report{Outcome: OutcomeSkipped, Step: done}, nil
}

func (r *Runner) fail(ctx context.Context, log *zap.Logger, step stepstore.Step, policy retry.Policy, callErr error) (Report, error) {
	decision := policy.Decide(callErr, step.AttemptCount)
	detail := callErr.Error()

	if decision.Retry {
		done, ok, err := r.Steps.Transition(ctx, step.DocumentID, step.Stage,
			[]stepstore.State{stepstore.StateInProgress}, stepstore.StateFailure,
			stepstore.WithRetryAfter(decision.Delay), stepstore.WithDetail(detail))
		if err != nil {
			return Report{}, fmt.Errorf("record retryable failure: %w", err)
		}
		if !ok {
			return r.lost(ctx, log, step)
		}
		// A lost enqueue is recovered by redelivery: the redelivered job finds
		// the step retry-pending and waits out whatever is left of the delay.
		if err := r.Queue.Enqueue(ctx, queue.Job{DocumentID: step.DocumentID, Stage: step.Stage}, decision.Delay); err != nil {
			return Report{}, fmt.Errorf("schedule retry: %w", err)
		}
		log.Warn("Stage failed, retry scheduled",
			zap.Duration("delay", decision.Delay),
			zap.String("reason", decision.Reason),
			zap.Error(callErr))
		return Report{Outcome: OutcomeRetryScheduled, Step: done, Err: callErr, Delay: decision.Delay}, nil
	}

	done, ok, err := r.Steps.Transition(ctx, step.DocumentID, step.Stage,
		[]stepstore.State{stepstore.StateInProgress}, stepstore.StateFailure,
		stepstore.WithDetail(detail))
	if err != nil {
		return Report{}, fmt.Errorf("record failure: %w", err)
	}
	if !ok {
		return r.lost(ctx, log, step)
	}
	log.Error("Stage failed",
		zap.String("reason", decision.Reason),
		zap.Bool("mandatory", stage.Mandatory(step.Stage)),
		zap.Error(callErr))
	return Report{Outcome: OutcomeFailed, Step: done, Err: callErr}, nil
}

// lost handles a step that left in_progress behind the runner's back.
func (r *Runner) lost(ctx context.Context, log *zap.Logger, step stepstore.Step) (Report, error) {
	current, err := r.Steps.Get(ctx, step.DocumentID, step.Stage)
	if err != nil {
		return Report{}, fmt.Errorf("read step: %w", err)
	}
	log.Warn("Step changed while running, result discarded", zap.String("state", string(current.State)))
	return Report{Outcome: OutcomeConflict, Step: current}, nil
}
