package queue

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Retention policy for terminal queue rows. Completed jobs are kept briefly
// for auditing, failed jobs longer so operators can inspect last_error.
const (
	DefaultCleanupInterval    = time.Hour
	completedRetention        = 24 * time.Hour
	completedRetentionMaxRows = 1000
	failedRetention           = 7 * 24 * time.Hour
	counterRetention          = 24 * time.Hour
)

// CleanupWorker prunes terminal send_jobs rows and expired rate counter
// shadows on a fixed interval.
type CleanupWorker struct {
	db       *sql.DB
	interval time.Duration
}

func NewCleanupWorker(db *sql.DB, interval time.Duration) *CleanupWorker {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &CleanupWorker{db: db, interval: interval}
}

// Start runs the cleanup loop until ctx is cancelled. One pass runs
// immediately so restarts don't defer an overdue sweep by a full interval.
func (cw *CleanupWorker) Start(ctx context.Context) {
	log.Printf("[QueueCleanup] Starting (interval=%s)", cw.interval)

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	cw.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueCleanup] Stopping")
			return
		case <-ticker.C:
			cw.sweep(ctx)
		}
	}
}

func (cw *CleanupWorker) sweep(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	// Completed: age-based, then cap the survivors to the newest N.
	res, err := cw.db.ExecContext(queryCtx, `
		DELETE FROM send_jobs
		WHERE status = 'completed' AND completed_at < NOW() - $1::interval
	`, completedRetention.String())
	if err != nil {
		log.Printf("[QueueCleanup] completed sweep error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueCleanup] removed %d aged completed jobs", n)
	}

	res, err = cw.db.ExecContext(queryCtx, `
		DELETE FROM send_jobs
		WHERE status = 'completed' AND id IN (
			SELECT id FROM send_jobs
			WHERE status = 'completed'
			ORDER BY completed_at DESC
			OFFSET $1
		)
	`, completedRetentionMaxRows)
	if err != nil {
		log.Printf("[QueueCleanup] completed cap error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueCleanup] removed %d completed jobs over the row cap", n)
	}

	res, err = cw.db.ExecContext(queryCtx, `
		DELETE FROM send_jobs
		WHERE status = 'failed' AND completed_at < NOW() - $1::interval
	`, failedRetention.String())
	if err != nil {
		log.Printf("[QueueCleanup] failed sweep error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueCleanup] removed %d aged failed jobs", n)
	}

	res, err = cw.db.ExecContext(queryCtx, `
		DELETE FROM rate_counters WHERE window_end < NOW() - $1::interval
	`, counterRetention.String())
	if err != nil {
		log.Printf("[QueueCleanup] rate counter sweep error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueCleanup] removed %d expired rate counters", n)
	}
}
