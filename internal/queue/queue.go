// Package queue implements the durable delayed-send queue on top of Postgres.
// Jobs carry a deterministic key so re-enqueueing the same message attempt is
// a no-op, claims use FOR UPDATE SKIP LOCKED so any number of workers can pull
// from the same table, and failed attempts are made visible again after an
// exponential backoff.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ignite/mailsched/internal/clock"
)

// Job statuses. A job is terminal in 'completed' or 'failed'.
const (
	StatusQueued    = "queued"
	StatusClaimed   = "claimed"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DefaultMaxAttempts and DefaultBackoffInitial apply when Options leaves
// them zero.
const (
	DefaultMaxAttempts    = 3
	DefaultBackoffInitial = 5 * time.Second
)

// SendJob is the payload persisted with each queue row. Attempt starts at 1
// and is baked into the job key, so a rate-limited message re-enters the
// queue under a fresh key instead of colliding with its earlier attempt.
type SendJob struct {
	MessageID uuid.UUID `json:"messageId"`
	BatchID   uuid.UUID `json:"batchId"`
	UserID    uuid.UUID `json:"userId"`
	Attempt   int       `json:"attempt"`
}

// Job is a claimed queue row handed to a worker.
type Job struct {
	ID           uuid.UUID
	Key          string
	Payload      SendJob
	Priority     int
	AttemptsMade int
	MaxAttempts  int
	VisibleAt    time.Time
}

// Options controls placement of an enqueued job.
type Options struct {
	Delay          time.Duration // how long until the job becomes visible
	Priority       int           // smaller claims first among equally-visible jobs
	MaxAttempts    int
	BackoffInitial time.Duration
}

func (o Options) maxAttempts() int {
	if o.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return o.MaxAttempts
}

func (o Options) backoffInitial() time.Duration {
	if o.BackoffInitial <= 0 {
		return DefaultBackoffInitial
	}
	return o.BackoffInitial
}

// JobKey builds the deterministic queue key for a message attempt.
func JobKey(messageID uuid.UUID, attempt int) string {
	return fmt.Sprintf("email-%s-attempt-%d", messageID, attempt)
}

// backoffDelay is the wait before attempt n+1 after n failed attempts:
// initial * 2^(n-1). The shift is clamped so a pathological attempt count
// cannot overflow the duration.
func backoffDelay(initial time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	shift := attemptsMade - 1
	if shift > 20 {
		shift = 20
	}
	return initial << uint(shift)
}

// Queue is the Postgres-backed job queue. An optional rate.Limiter caps the
// aggregate claim throughput across the process; the per-hour email limits
// are enforced separately at send time.
type Queue struct {
	db      *sql.DB
	clock   clock.Clock
	limiter *rate.Limiter
}

// New creates a queue over db. throughputPerSec <= 0 disables the claim cap.
func New(db *sql.DB, clk clock.Clock, throughputPerSec int) *Queue {
	if clk == nil {
		clk = clock.Real()
	}
	var lim *rate.Limiter
	if throughputPerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(throughputPerSec), throughputPerSec)
	}
	return &Queue{db: db, clock: clk, limiter: lim}
}

// Enqueue inserts one job. The deterministic key makes this idempotent: if a
// job with the same key already exists (any status), the insert is skipped
// and enqueued is false.
func (q *Queue) Enqueue(ctx context.Context, payload SendJob, opts Options) (key string, enqueued bool, err error) {
	key = JobKey(payload.MessageID, payload.Attempt)
	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("marshal payload: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO send_jobs (id, job_key, payload, priority, status, visible_at, max_attempts, backoff_initial_ms)
		VALUES ($1, $2, $3, $4, 'queued', $5, $6, $7)
		ON CONFLICT (job_key) DO NOTHING
	`, uuid.New(), key, body, opts.Priority,
		q.clock.Now().Add(opts.Delay), opts.maxAttempts(), opts.backoffInitial().Milliseconds())
	if err != nil {
		return "", false, fmt.Errorf("enqueue %s: %w", key, err)
	}
	n, _ := res.RowsAffected()
	return key, n > 0, nil
}

// Entry pairs a payload with its own delay and priority for bulk enqueueing.
type Entry struct {
	Payload  SendJob
	Delay    time.Duration
	Priority int // smaller claims first among equally-visible jobs
}

const enqueueChunk = 500

// EnqueueBatch inserts many jobs in chunked multi-row statements, taking the
// delay and priority from each entry and MaxAttempts/BackoffInitial from
// opts. Duplicate keys are skipped. Returns the keys in entry order
// (including skipped duplicates).
func (q *Queue) EnqueueBatch(ctx context.Context, entries []Entry, opts Options) ([]string, error) {
	keys := make([]string, len(entries))
	now := q.clock.Now()

	for base := 0; base < len(entries); base += enqueueChunk {
		end := base + enqueueChunk
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[base:end]

		var sb strings.Builder
		sb.WriteString(`INSERT INTO send_jobs (id, job_key, payload, priority, status, visible_at, max_attempts, backoff_initial_ms) VALUES `)
		args := make([]interface{}, 0, len(chunk)*7)
		for i, e := range chunk {
			key := JobKey(e.Payload.MessageID, e.Payload.Attempt)
			keys[base+i] = key
			body, err := json.Marshal(e.Payload)
			if err != nil {
				return nil, fmt.Errorf("marshal payload %s: %w", key, err)
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			p := len(args)
			fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, 'queued', $%d, $%d, $%d)",
				p+1, p+2, p+3, p+4, p+5, p+6, p+7)
			args = append(args, uuid.New(), key, body, e.Priority,
				now.Add(e.Delay), opts.maxAttempts(), opts.backoffInitial().Milliseconds())
		}
		sb.WriteString(` ON CONFLICT (job_key) DO NOTHING`)

		if _, err := q.db.ExecContext(ctx, sb.String(), args...); err != nil {
			return nil, fmt.Errorf("enqueue batch: %w", err)
		}
	}
	return keys, nil
}

// Claim atomically marks up to limit visible jobs as claimed by workerID and
// returns them. Jobs are ordered by visibility time, then priority (smaller
// first), then insertion order. SKIP LOCKED keeps concurrent claimers from
// blocking or double-claiming.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	if q.limiter != nil {
		// Clamp the claim size to the tokens available right now rather
		// than blocking the poll loop.
		allowed := 0
		for allowed < limit && q.limiter.Allow() {
			allowed++
		}
		if allowed == 0 {
			return nil, nil
		}
		limit = allowed
	}

	rows, err := q.db.QueryContext(ctx, `
		UPDATE send_jobs SET
			status = 'claimed',
			worker_id = $1,
			claimed_at = $2
		WHERE id IN (
			SELECT id FROM send_jobs
			WHERE status = 'queued' AND visible_at <= $2
			ORDER BY visible_at ASC, priority ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, job_key, payload, priority, attempts_made, max_attempts, visible_at
	`, workerID, q.clock.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j := &Job{}
		var raw []byte
		if err := rows.Scan(&j.ID, &j.Key, &raw, &j.Priority,
			&j.AttemptsMade, &j.MaxAttempts, &j.VisibleAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if err := json.Unmarshal(raw, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", j.Key, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete acknowledges a job. The row is kept until retention cleanup so
// completions stay auditable.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_jobs SET status = 'completed', completed_at = $2, worker_id = NULL
		WHERE id = $1
	`, jobID, q.clock.Now())
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Under the attempt budget the job is
// requeued with exponential backoff; at the budget it goes terminal.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, cause string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("fail job: begin: %w", err)
	}
	defer tx.Rollback()

	var attemptsMade, maxAttempts, backoffMs int
	err = tx.QueryRowContext(ctx, `
		SELECT attempts_made, max_attempts, backoff_initial_ms
		FROM send_jobs WHERE id = $1 FOR UPDATE
	`, jobID).Scan(&attemptsMade, &maxAttempts, &backoffMs)
	if err == sql.ErrNoRows {
		return nil // already cleaned up
	}
	if err != nil {
		return fmt.Errorf("fail job: load: %w", err)
	}

	attemptsMade++
	if attemptsMade >= maxAttempts {
		_, err = tx.ExecContext(ctx, `
			UPDATE send_jobs SET
				status = 'failed',
				attempts_made = $2,
				last_error = $3,
				worker_id = NULL,
				claimed_at = NULL,
				completed_at = $4
			WHERE id = $1
		`, jobID, attemptsMade, cause, q.clock.Now())
	} else {
		delay := backoffDelay(time.Duration(backoffMs)*time.Millisecond, attemptsMade)
		_, err = tx.ExecContext(ctx, `
			UPDATE send_jobs SET
				status = 'queued',
				attempts_made = $2,
				last_error = $3,
				visible_at = $4,
				worker_id = NULL,
				claimed_at = NULL
			WHERE id = $1
		`, jobID, attemptsMade, cause, q.clock.Now().Add(delay))
	}
	if err != nil {
		return fmt.Errorf("fail job: update: %w", err)
	}
	return tx.Commit()
}

// Discard fails a job terminally regardless of remaining attempts. Used when
// the message itself has exhausted its own retry budget and must not be
// redelivered.
func (q *Queue) Discard(ctx context.Context, jobID uuid.UUID, cause string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE send_jobs SET
			status = 'failed',
			last_error = $2,
			worker_id = NULL,
			claimed_at = NULL,
			completed_at = $3
		WHERE id = $1
	`, jobID, cause, q.clock.Now())
	if err != nil {
		return fmt.Errorf("discard job: %w", err)
	}
	return nil
}

// Remove deletes a not-yet-claimed job by key. Used when a scheduled message
// is cancelled. Returns false if the job was already claimed or gone.
func (q *Queue) Remove(ctx context.Context, key string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM send_jobs WHERE job_key = $1 AND status = 'queued'`, key)
	if err != nil {
		return false, fmt.Errorf("remove job: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Depth counts jobs waiting to run (visible or not). Surfaced by the health
// endpoint.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM send_jobs WHERE status IN ('queued', 'claimed')`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
