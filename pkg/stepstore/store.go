package stepstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/docflow/pkg/stage"
	"github.com/3leaps/docflow/pkg/store"
)

const stepColumns = `document_id, stage_name, position, state, started_at, finished_at, attempt_count, error_detail, retry_at, updated_at`

// Store is the step store over a migrated pipeline database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for timestamps and retry gating.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns a step store using db.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

// InitOptions controls how Initialize treats rows that already exist.
type InitOptions struct {
	// Reset returns the named stages to pending regardless of outcome.
	Reset []string

	// ResetFailed returns terminally failed stages to pending.
	ResetFailed bool
}

// Initialize creates a pending row for every stage that does not have one.
//
// It is idempotent: existing rows keep their state and history unless
// opts asks for a reset. Rows currently in progress are never reset.
func (s *Store) Initialize(ctx context.Context, documentID string, stages []string, opts InitOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(documentID) == "" {
		return errors.New("document id is required")
	}
	for _, name := range stages {
		if err := stage.Validate(name); err != nil {
			return err
		}
	}
	for _, name := range opts.Reset {
		if err := stage.Validate(name); err != nil {
			return err
		}
	}

	now := store.Millis(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, name := range stages {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (document_id, stage_name, position, state, attempt_count, updated_at)
			 VALUES (?, ?, ?, ?, 0, ?)
			 ON CONFLICT(document_id, stage_name) DO NOTHING`,
			documentID, name, i, string(StatePending), now); err != nil {
			return fmt.Errorf("initialize step %s: %w", name, err)
		}
	}

	for _, name := range opts.Reset {
		if err := resetStep(ctx, tx, documentID, name, now, false); err != nil {
			return err
		}
	}
	if opts.ResetFailed {
		for _, name := range stages {
			if err := resetStep(ctx, tx, documentID, name, now, true); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit initialize: %w", err)
	}
	return nil
}

func resetStep(ctx context.Context, tx *sql.Tx, documentID, name string, now int64, failedOnly bool) error {
	var current State
	var finished sql.NullInt64
	var attempts int
	err := tx.QueryRowContext(ctx,
		`SELECT state, finished_at, attempt_count FROM steps WHERE document_id = ? AND stage_name = ?`,
		documentID, name).Scan(&current, &finished, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, documentID, name)
	}
	if err != nil {
		return fmt.Errorf("read step %s: %w", name, err)
	}

	switch {
	case current == StateInProgress, current == StatePending:
		return nil
	case failedOnly && (current != StateFailure || !finished.Valid):
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE steps
		 SET previous_state = state, state = ?, started_at = NULL, finished_at = NULL, attempt_count = 0, error_detail = NULL, retry_at = NULL, updated_at = ?
		 WHERE document_id = ? AND stage_name = ? AND state = ?`,
		string(StatePending), now, documentID, name, string(current)); err != nil {
		return fmt.Errorf("reset step %s: %w", name, err)
	}
	detail := "reset"
	return appendEvent(ctx, tx, documentID, name, now, current, StatePending, attempts, &detail)
}

type transitionOptions struct {
	detail       *string
	retryPending bool
	retryAfter   time.Duration
	location     *string
}

// TransitionOption customizes a Transition.
type TransitionOption func(*transitionOptions)

// WithDetail records detail as the step's error detail.
func WithDetail(detail string) TransitionOption {
	return func(o *transitionOptions) { o.detail = &detail }
}

// WithRetryPending records a failure that will be retried: the step keeps
// no finish time, so it remains eligible to re-enter in_progress.
func WithRetryPending() TransitionOption {
	return func(o *transitionOptions) { o.retryPending = true }
}

// WithRetryAfter records a retry-pending failure that may not re-enter
// in_progress until delay has passed.
func WithRetryAfter(delay time.Duration) TransitionOption {
	return func(o *transitionOptions) {
		o.retryPending = true
		if delay > 0 {
			o.retryAfter = delay
		}
	}
}

// WithLocation moves the document's artifact location to loc in the same
// transaction as a success, so the step never reads as done without it.
func WithLocation(loc string) TransitionOption {
	return func(o *transitionOptions) { o.location = &loc }
}

// Transition atomically moves a step to `to` if its current state is one of
// `from`. It returns ok=false, without error, when another actor got there
// first or the step is no longer eligible.
//
// Entering in_progress additionally requires that the step has not finished,
// so a terminal failure cannot be restarted by a redelivered job, and that a
// retry-pending step's backoff has elapsed. Terminal targets set finished_at
// once; it is only cleared by a reset.
func (s *Store) Transition(ctx context.Context, documentID, stageName string, from []State, to State, opts ...TransitionOption) (Step, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(from) == 0 {
		return Step{}, false, fmt.Errorf("%w: no source states", ErrInvalidTransition)
	}
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return Step{}, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}

	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.retryPending && to != StateFailure {
		return Step{}, false, fmt.Errorf("%w: retry-pending requires failure target", ErrInvalidTransition)
	}
	if o.location != nil && (to != StateSuccess || strings.TrimSpace(*o.location) == "") {
		return Step{}, false, fmt.Errorf("%w: location requires success target and a path", ErrInvalidTransition)
	}

	at := s.now()
	now := store.Millis(at)

	// SET expressions read the pre-update row, so previous_state captures
	// the state this transition left.
	set := []string{"previous_state = state", "state = ?", "updated_at = ?"}
	args := []any{string(to), now}
	switch to {
	case StateInProgress:
		set = append(set, "started_at = ?", "attempt_count = attempt_count + 1", "error_detail = NULL", "retry_at = NULL")
		args = append(args, now)
	case StateSuccess, StateSkipped:
		set = append(set, "finished_at = COALESCE(finished_at, ?)", "retry_at = NULL")
		args = append(args, now)
	case StateFailure:
		if o.retryPending {
			set = append(set, "retry_at = ?")
			args = append(args, store.Millis(at.Add(o.retryAfter)))
		} else {
			set = append(set, "finished_at = COALESCE(finished_at, ?)", "retry_at = NULL")
			args = append(args, now)
		}
	}
	if o.detail != nil && to != StateInProgress {
		set = append(set, "error_detail = ?")
		args = append(args, *o.detail)
	}

	where := "document_id = ? AND stage_name = ? AND state IN (" + placeholders(len(from)) + ")"
	args = append(args, documentID, stageName)
	for _, f := range from {
		args = append(args, string(f))
	}
	if to == StateInProgress {
		where += " AND finished_at IS NULL AND (retry_at IS NULL OR retry_at <= ?)"
		args = append(args, now)
	}

	// The write goes first so the transaction takes the write lock up front.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Step{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `UPDATE steps SET ` + strings.Join(set, ", ") + ` WHERE ` + where + ` RETURNING ` + stepColumns + `, previous_state`
	var previous sql.NullString
	step, err := scanStep(tx.QueryRowContext(ctx, query, args...), &previous)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM steps WHERE document_id = ? AND stage_name = ?`,
			documentID, stageName).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return Step{}, false, fmt.Errorf("%w: %s/%s", ErrNotFound, documentID, stageName)
		}
		if err != nil {
			return Step{}, false, fmt.Errorf("read step: %w", err)
		}
		return Step{}, false, nil
	}
	if err != nil {
		return Step{}, false, fmt.Errorf("transition step %s/%s: %w", documentID, stageName, err)
	}

	if o.location != nil {
		if err := moveLocation(ctx, tx, documentID, *o.location, now); err != nil {
			return Step{}, false, err
		}
	}
	if err := appendEvent(ctx, tx, documentID, stageName, now, State(previous.String), to, step.AttemptCount, o.detail); err != nil {
		return Step{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Step{}, false, fmt.Errorf("commit transition: %w", err)
	}
	return *step, true, nil
}

// Get returns a single step.
func (s *Store) Get(ctx context.Context, documentID, stageName string) (Step, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	step, err := scanStep(s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE document_id = ? AND stage_name = ?`,
		documentID, stageName))
	if errors.Is(err, sql.ErrNoRows) {
		return Step{}, fmt.Errorf("%w: %s/%s", ErrNotFound, documentID, stageName)
	}
	if err != nil {
		return Step{}, fmt.Errorf("get step: %w", err)
	}
	return *step, nil
}

// List returns all steps of a document in plan order.
func (s *Store) List(ctx context.Context, documentID string) ([]Step, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE document_id = ? ORDER BY position, stage_name`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	return collectSteps(rows)
}

// ListStalled returns in-progress steps started before olderThan.
func (s *Store) ListStalled(ctx context.Context, olderThan time.Time) ([]Step, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps
		 WHERE state = ? AND started_at < ?
		 ORDER BY started_at, document_id, stage_name`,
		string(StateInProgress), store.Millis(olderThan))
	if err != nil {
		return nil, fmt.Errorf("list stalled steps: %w", err)
	}
	return collectSteps(rows)
}

// Events returns the processing log of a document in occurrence order.
func (s *Store) Events(ctx context.Context, documentID string) ([]Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, document_id, stage_name, occurred_at, from_state, to_state, attempt, detail
		 FROM step_events WHERE document_id = ?
		 ORDER BY occurred_at, rowid`,
		documentID)
	if err != nil {
		return nil, fmt.Errorf("list step events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var ev Event
		var occurred int64
		var detail sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.DocumentID, &ev.Stage, &occurred, &ev.From, &ev.To, &ev.Attempt, &detail); err != nil {
			return nil, fmt.Errorf("scan step event: %w", err)
		}
		ev.OccurredAt = store.FromMillis(occurred)
		ev.Detail = store.OptionalString(detail)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step events: %w", err)
	}
	return events, nil
}

func moveLocation(ctx context.Context, tx *sql.Tx, documentID, location string, at int64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET location = ?, updated_at = ? WHERE document_id = ?`,
		location, at, documentID)
	if err != nil {
		return fmt.Errorf("update document location: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document location: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update document location: document %s not found", documentID)
	}
	return nil
}

func appendEvent(ctx context.Context, tx *sql.Tx, documentID, stageName string, at int64, from, to State, attempt int, detail *string) error {
	var d any
	if detail != nil {
		d = *detail
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO step_events (event_id, document_id, stage_name, occurred_at, from_state, to_state, attempt, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), documentID, stageName, at, string(from), string(to), attempt, d); err != nil {
		return fmt.Errorf("append step event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStep(r rowScanner, extra ...any) (*Step, error) {
	var st Step
	var started, finished, retryAt sql.NullInt64
	var detail sql.NullString
	var updated int64
	dest := []any{&st.DocumentID, &st.Stage, &st.Position, &st.State, &started, &finished,
		&st.AttemptCount, &detail, &retryAt, &updated}
	if err := r.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	st.StartedAt = store.OptionalTime(started)
	st.FinishedAt = store.OptionalTime(finished)
	st.RetryAt = store.OptionalTime(retryAt)
	st.ErrorDetail = store.OptionalString(detail)
	st.UpdatedAt = store.FromMillis(updated)
	return &st, nil
}

func collectSteps(rows *sql.Rows) ([]Step, error) {
	defer func() { _ = rows.Close() }()

	var steps []Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		steps = append(steps, *st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return steps, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
