package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/document"
	"github.com/3leaps/docflow/pkg/processor"
	"github.com/3leaps/docflow/pkg/queue"
	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/stepstore"
)

// ErrUnknownStage is returned when a reprocess names a stage outside the
// document's plan.
var ErrUnknownStage = errors.New("stage is not part of the pipeline")

// Options wires an Orchestrator.
type Options struct {
	Steps      *stepstore.Store
	Documents  Documents
	Settings   Settings
	Queue      queue.Queue
	Processors map[string]processor.Processor
	Targets    TargetResolver
	Notifier   Notifier
	Logger     *zap.Logger
}

// Orchestrator owns the per-document state machine: it initializes step
// rows, enqueues the first stage, and on every stage outcome decides what
// becomes runnable next.
type Orchestrator struct {
	steps     *stepstore.Store
	documents Documents
	settings  Settings
	queue     queue.Queue
	runner    *Runner
	notifier  Notifier
	logger    *zap.Logger
}

// New returns an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Steps == nil {
		return nil, errors.New("step store is required")
	}
	if opts.Documents == nil {
		return nil, errors.New("document repository is required")
	}
	if opts.Settings == nil {
		return nil, errors.New("settings source is required")
	}
	if opts.Queue == nil {
		return nil, errors.New("queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	return &Orchestrator{
		steps:     opts.Steps,
		documents: opts.Documents,
		settings:  opts.Settings,
		queue:     opts.Queue,
		notifier:  notifier,
		logger:    logger,
		runner: &Runner{
			Steps:      opts.Steps,
			Documents:  opts.Documents,
			Settings:   opts.Settings,
			Queue:      opts.Queue,
			Processors: opts.Processors,
			Targets:    opts.Targets,
			Logger:     logger,
		},
	}, nil
}

// Intake describes a new document entering the pipeline.
type Intake struct {
	// ID is optional; a UUID is generated when empty.
	ID string

	// Path is the location of the ingested file.
	Path string

	// OriginalFilename defaults to the base name of Path.
	OriginalFilename string
}

// Submit records a new document and starts its pipeline.
func (o *Orchestrator) Submit(ctx context.Context, in Intake) (*document.Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(in.Path) == "" {
		return nil, errors.New("document path is required")
	}

	path, err := filepath.Abs(in.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve document path: %w", err)
	}
	hash, err := document.HashFile(path)
	if err != nil {
		return nil, err
	}
	snap, err := o.settings.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := in.OriginalFilename
	if name == "" {
		name = filepath.Base(path)
	}

	doc, err := o.documents.Create(ctx, document.Document{
		ID:               id,
		OriginalFilename: name,
		ContentHash:      hash,
		Location:         path,
		PlanVersion:      snap.Version,
	})
	if err != nil {
		return nil, err
	}

	if _, err := o.Start(ctx, doc.ID); err != nil {
		return doc, err
	}
	return doc, nil
}

// Start creates the document's step rows and enqueues its runnable stages.
//
// A document that already has step rows keeps its persisted plan, so Start
// is safe to repeat. A new document gets the plan of the current settings.
func (o *Orchestrator) Start(ctx context.Context, documentID string) (stage.Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := o.documents.Get(ctx, documentID); err != nil {
		return stage.Plan{}, err
	}

	plan, err := o.persistedPlan(ctx, documentID)
	if err != nil {
		return stage.Plan{}, err
	}
	if plan.Len() == 0 {
		snap, err := o.settings.Snapshot()
		if err != nil {
			return stage.Plan{}, fmt.Errorf("load settings: %w", err)
		}
		plan = snap.Manifest.Plan()
	}

	if err := o.steps.Initialize(ctx, documentID, plan.Stages(), stepstore.InitOptions{}); err != nil {
		return stage.Plan{}, fmt.Errorf("initialize steps: %w", err)
	}

	enqueued, err := o.enqueueFrontier(ctx, documentID, plan)
	if err != nil {
		return plan, err
	}
	o.logger.Info("Pipeline started",
		zap.String("document_id", documentID),
		zap.Strings("stages", plan.Stages()),
		zap.Strings("enqueued", enqueued))
	return plan, nil
}

// ReprocessOptions selects what a reprocess re-runs.
type ReprocessOptions struct {
	// Force names stages to run again even if they succeeded.
	Force []string

	// Full re-runs every stage.
	Full bool
}

// Reprocess re-submits an existing document.
//
// Terminally failed steps are reset; succeeded and skipped steps are kept
// unless forced. Steps currently in progress are never touched. The stages
// whose predecessors are done are enqueued.
func (o *Orchestrator) Reprocess(ctx context.Context, documentID string, opts ReprocessOptions) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := o.documents.Get(ctx, documentID); err != nil {
		return nil, err
	}

	plan, err := o.persistedPlan(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if plan.Len() == 0 {
		return nil, fmt.Errorf("document %s has no pipeline to reprocess: %w", documentID, stepstore.ErrNotFound)
	}

	reset := opts.Force
	if opts.Full {
		reset = plan.Stages()
	}
	for _, name := range reset {
		if !plan.Contains(name) {
			return nil, fmt.Errorf("%w: %q (document %s)", ErrUnknownStage, name, documentID)
		}
	}

	if err := o.steps.Initialize(ctx, documentID, plan.Stages(), stepstore.InitOptions{
		Reset:       reset,
		ResetFailed: true,
	}); err != nil {
		return nil, fmt.Errorf("reset steps: %w", err)
	}

	enqueued, err := o.enqueueFrontier(ctx, documentID, plan)
	if err != nil {
		return enqueued, err
	}
	o.logger.Info("Pipeline reprocessed",
		zap.String("document_id", documentID),
		zap.Strings("reset", reset),
		zap.Strings("enqueued", enqueued))
	return enqueued, nil
}

// Advance enqueues the stages that follow completed: the next core stage,
// or every distribution sub-step after the last core stage. Only pending
// stages are enqueued, so repeating Advance is harmless.
func (o *Orchestrator) Advance(ctx context.Context, documentID, completed string) ([]string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	steps, err := o.steps.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	plan, err := planOf(steps)
	if err != nil {
		return nil, err
	}
	next, err := plan.Next(completed)
	if err != nil {
		return nil, err
	}

	states := stateIndex(steps)
	var enqueued []string
	for _, name := range next {
		if st, ok := states[name]; !ok || st.State != stepstore.StatePending {
			continue
		}
		if err := o.enqueue(ctx, documentID, name); err != nil {
			return enqueued, err
		}
		enqueued = append(enqueued, name)
	}
	return enqueued, nil
}

// Fail records that a step failed terminally. Nothing downstream of it is
// enqueued; other branches of the document continue. The notifier is told.
func (o *Orchestrator) Fail(ctx context.Context, step stepstore.Step) {
	if ctx == nil {
		ctx = context.Background()
	}
	f := Failure{
		DocumentID: step.DocumentID,
		Stage:      step.Stage,
		Attempts:   step.AttemptCount,
		Mandatory:  stage.Mandatory(step.Stage),
	}
	if step.ErrorDetail != nil {
		f.Detail = *step.ErrorDetail
	}
	if f.Mandatory {
		o.logger.Warn("Document halted",
			zap.String("document_id", f.DocumentID), zap.String("stage", f.Stage), zap.String("detail", f.Detail))
	}
	if err := o.notifier.Notify(ctx, f); err != nil {
		o.logger.Warn("Failure notification failed",
			zap.String("document_id", f.DocumentID), zap.String("stage", f.Stage), zap.Error(err))
	}
}

// Handle is the queue handler: it runs the job's stage and acts on the
// outcome. An error asks the queue to redeliver the job.
func (o *Orchestrator) Handle(ctx context.Context, job queue.Job) error {
	report, err := o.runner.Run(ctx, job)
	if err != nil {
		return err
	}

	bctx := context.WithoutCancel(ctx)
	switch report.Outcome {
	case OutcomeSucceeded, OutcomeSkipped:
		_, err = o.Advance(bctx, job.DocumentID, job.Stage)
	case OutcomeFailed:
		o.Fail(bctx, report.Step)
	case OutcomeConflict:
		// A redelivered job for a finished step re-runs the hand-off in case
		// the first delivery died between its success write and its enqueue.
		if report.Step.State == stepstore.StateSuccess || report.Step.State == stepstore.StateSkipped {
			_, err = o.Advance(bctx, job.DocumentID, job.Stage)
		}
	}
	return err
}

// Runner returns the stage runner used by Handle.
func (o *Orchestrator) Runner() *Runner { return o.runner }

func (o *Orchestrator) persistedPlan(ctx context.Context, documentID string) (stage.Plan, error) {
	steps, err := o.steps.List(ctx, documentID)
	if err != nil {
		return stage.Plan{}, err
	}
	return planOf(steps)
}

// enqueueFrontier enqueues every pending stage whose predecessor is done.
func (o *Orchestrator) enqueueFrontier(ctx context.Context, documentID string, plan stage.Plan) ([]string, error) {
	steps, err := o.steps.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	var enqueued []string
	for _, name := range frontier(plan, stateIndex(steps)) {
		if err := o.enqueue(ctx, documentID, name); err != nil {
			return enqueued, err
		}
		enqueued = append(enqueued, name)
	}
	return enqueued, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, documentID, name string) error {
	if err := o.queue.Enqueue(ctx, queue.Job{DocumentID: documentID, Stage: name}, 0); err != nil {
		return fmt.Errorf("enqueue %s: %w", name, err)
	}
	o.logger.Debug("Stage enqueued", zap.String("document_id", documentID), zap.String("stage", name))
	return nil
}

// frontier returns the pending stages whose predecessor succeeded or was
// skipped. Entry stages have no predecessor.
func frontier(plan stage.Plan, states map[string]stepstore.Step) []string {
	var out []string
	for _, name := range plan.Stages() {
		st, ok := states[name]
		if !ok || st.State != stepstore.StatePending {
			continue
		}
		pred, hasPred := predecessor(plan, name)
		if hasPred {
			p, ok := states[pred]
			if !ok || (p.State != stepstore.StateSuccess && p.State != stepstore.StateSkipped) {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}

// predecessor returns the stage whose completion makes name runnable.
func predecessor(plan stage.Plan, name string) (string, bool) {
	stages := plan.Stages()
	idx := plan.Index(name)
	if idx <= 0 {
		return "", false
	}
	if stage.IsDistribution(name) {
		for i := idx - 1; i >= 0; i-- {
			if !stage.IsDistribution(stages[i]) {
				return stages[i], true
			}
		}
		return "", false
	}
	return stages[idx-1], true
}

func planOf(steps []stepstore.Step) (stage.Plan, error) {
	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.Stage)
	}
	return stage.FromStages(names)
}

func stateIndex(steps []stepstore.Step) map[string]stepstore.Step {
	out := make(map[string]stepstore.Step, len(steps))
	for _, s := range steps {
		out[s.Stage] = s
	}
	return out
}
