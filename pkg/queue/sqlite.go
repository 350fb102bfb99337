package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/3leaps/docflow/pkg/store"
)

const (
	DefaultName         = "stages"
	DefaultVisibility   = 15 * time.Minute
	DefaultPollInterval = time.Second
	DefaultBatchSize    = 16
	DefaultConcurrency  = 4
)

// Options configures the SQLite queue.
type Options struct {
	// Name is the logical queue name inside the shared table.
	Name string

	// Visibility is how long a claimed job stays invisible. Running handlers
	// extend it every half period.
	Visibility time.Duration

	// PollInterval is the delay between claim attempts in Run.
	PollInterval time.Duration

	// BatchSize is the maximum number of jobs claimed per poll.
	BatchSize int

	// Concurrency bounds the number of handlers running at once.
	Concurrency int

	// MaxDeliveries discards a job delivered more often than this.
	// Zero means unlimited.
	MaxDeliveries int

	Logger *zap.Logger
}

func (o *Options) defaults() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Visibility <= 0 {
		o.Visibility = DefaultVisibility
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Delivery is a claimed job.
type Delivery struct {
	Job
	// Deliveries counts how many times the job has been claimed.
	Deliveries int
	VisibleAt  time.Time
}

// SQLite is a visibility-timeout queue on the queue_jobs table.
type SQLite struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

var _ Queue = (*SQLite)(nil)

// NewSQLite returns a queue over a migrated pipeline database.
func NewSQLite(db *sql.DB, opts Options) *SQLite {
	opts.defaults()
	return &SQLite{db: db, opts: opts, now: time.Now}
}

// Enqueue inserts a job that becomes visible after delay. A missing job id
// is generated.
func (q *SQLite) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if job.DocumentID == "" || job.Stage == "" {
		return errors.New("job document id and stage are required")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := q.now()
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if delay < 0 {
		delay = 0
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (job_id, queue, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		job.ID, q.opts.Name, payload, store.Millis(now.Add(delay)), store.Millis(now))
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// Claim picks the oldest visible job and hides it for the visibility
// period. It returns nil, nil when nothing is visible.
func (q *SQLite) Claim(ctx context.Context) (*Delivery, error) {
	jobs, err := q.BatchClaim(ctx, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// BatchClaim atomically claims up to n visible jobs.
func (q *SQLite) BatchClaim(ctx context.Context, n int) ([]*Delivery, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	now := q.now()
	hideUntil := store.Millis(now.Add(q.opts.Visibility))

	rows, err := q.db.QueryContext(ctx, `
		UPDATE queue_jobs
		SET visible_at = ?, deliveries = deliveries + 1
		WHERE job_id IN (
			SELECT job_id FROM queue_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING job_id, payload, visible_at, deliveries`,
		hideUntil, q.opts.Name, store.Millis(now), n)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []*Delivery{}
	for rows.Next() {
		var (
			d         Delivery
			id        string
			payload   []byte
			visibleAt int64
		)
		if err := rows.Scan(&id, &payload, &visibleAt, &d.Deliveries); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(payload, &d.Job); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		d.ID = id
		d.VisibleAt = store.FromMillis(visibleAt)
		jobs = append(jobs, &d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return jobs, nil
}

// Ack deletes a processed job.
func (q *SQLite) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_jobs WHERE job_id = ? AND queue = ?`, id, q.opts.Name)
	if err != nil {
		return fmt.Errorf("ack job: %w", err)
	}
	return nil
}

// Nack makes a job visible again after delay.
func (q *SQLite) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE job_id = ? AND queue = ?`,
		store.Millis(q.now().Add(delay)), id, q.opts.Name)
	if err != nil {
		return fmt.Errorf("nack job: %w", err)
	}
	return nil
}

// Extend pushes the visibility of a running job forward.
func (q *SQLite) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET visible_at = ? WHERE job_id = ? AND queue = ?`,
		store.Millis(q.now().Add(extra)), id, q.opts.Name)
	if err != nil {
		return fmt.Errorf("extend job: %w", err)
	}
	return nil
}

// Len returns the number of jobs in the queue, visible or not.
func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_jobs WHERE queue = ?`, q.opts.Name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// Run claims jobs in batches and runs handler with bounded concurrency
// until ctx is cancelled. In-flight handlers are drained before it returns.
func (q *SQLite) Run(ctx context.Context, handler Handler) error {
	log := q.opts.Logger
	log.Info("Queue consumer started",
		zap.String("queue", q.opts.Name),
		zap.Int("concurrency", q.opts.Concurrency),
		zap.Duration("visibility", q.opts.Visibility),
		zap.Duration("poll", q.opts.PollInterval))

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		log.Info("Queue consumer stopped", zap.String("queue", q.opts.Name))
	}()

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		// Claim only as many jobs as there are free slots.
		free := q.opts.Concurrency - len(sem)
		if free <= 0 {
			continue
		}
		if free > q.opts.BatchSize {
			free = q.opts.BatchSize
		}

		jobs, err := q.BatchClaim(ctx, free)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Claim failed", zap.String("queue", q.opts.Name), zap.Error(err))
			continue
		}

		for _, d := range jobs {
			if q.opts.MaxDeliveries > 0 && d.Deliveries > q.opts.MaxDeliveries {
				log.Warn("Job exceeded max deliveries, discarding",
					zap.String("job_id", d.ID),
					zap.String("document_id", d.DocumentID),
					zap.String("stage", d.Stage),
					zap.Int("deliveries", d.Deliveries))
				_ = q.Ack(context.Background(), d.ID)
				continue
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = q.Nack(context.Background(), d.ID, 0)
				return nil
			}

			wg.Add(1)
			go func(d *Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handle(ctx, d, handler)
			}(d)
		}
	}
}

// handle runs one delivery, extending its visibility while the handler runs.
func (q *SQLite) handle(ctx context.Context, d *Delivery, handler Handler) {
	log := q.opts.Logger

	stop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		t := time.NewTicker(q.opts.Visibility / 2)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := q.Extend(context.Background(), d.ID, q.opts.Visibility); err != nil {
					log.Warn("Visibility extension failed", zap.String("job_id", d.ID), zap.Error(err))
				}
			}
		}
	}()

	err := handler(ctx, d.Job)
	close(stop)
	<-heartbeatDone

	if err != nil {
		log.Warn("Handler failed, job will be redelivered",
			zap.String("job_id", d.ID),
			zap.String("document_id", d.DocumentID),
			zap.String("stage", d.Stage),
			zap.Error(err))
		_ = q.Nack(context.Background(), d.ID, q.opts.PollInterval)
		return
	}
	if err := q.Ack(context.Background(), d.ID); err != nil {
		log.Warn("Ack failed", zap.String("job_id", d.ID), zap.Error(err))
	}
}
