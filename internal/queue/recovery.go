package queue

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// If a worker crashes between claiming a job and acking it, the row stays
// 'claimed' forever and the message never sends. The recovery worker scans
// for claims older than the lease and puts them back in the queue, counting
// the lost lease as a failed attempt so a crash-looping job still drains to
// terminal failure.

const (
	// DefaultRecoveryInterval is how often stale claims are scanned for.
	DefaultRecoveryInterval = 2 * time.Minute

	// DefaultLeaseAge is how long a claim may hold before the owner is
	// presumed dead.
	DefaultLeaseAge = 5 * time.Minute
)

// RecoveryWorker reclaims jobs whose claim lease has expired.
type RecoveryWorker struct {
	db       *sql.DB
	interval time.Duration
	leaseAge time.Duration
}

// NewRecoveryWorker creates a recovery worker. Non-positive durations fall
// back to the defaults.
func NewRecoveryWorker(db *sql.DB, interval, leaseAge time.Duration) *RecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	if leaseAge <= 0 {
		leaseAge = DefaultLeaseAge
	}
	return &RecoveryWorker{db: db, interval: interval, leaseAge: leaseAge}
}

// Start runs the recovery loop until ctx is cancelled.
func (rw *RecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s, lease_age=%s)", rw.interval, rw.leaseAge)

	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			rw.reclaim(ctx)
		}
	}
}

// reclaim makes two passes: requeue stale claims still under their attempt
// budget, then fail the ones that are over it.
func (rw *RecoveryWorker) reclaim(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res, err := rw.db.ExecContext(queryCtx, `
		UPDATE send_jobs SET
			status = 'queued',
			worker_id = NULL,
			claimed_at = NULL,
			attempts_made = attempts_made + 1,
			last_error = 'claim lease expired'
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts_made + 1 < max_attempts
	`, rw.leaseAge.String())
	if err != nil {
		log.Printf("[QueueRecovery] requeue error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] requeued %d stale claims", n)
	}

	res, err = rw.db.ExecContext(queryCtx, `
		UPDATE send_jobs SET
			status = 'failed',
			worker_id = NULL,
			claimed_at = NULL,
			attempts_made = attempts_made + 1,
			last_error = 'claim lease expired; attempts exhausted',
			completed_at = NOW()
		WHERE status = 'claimed'
		  AND claimed_at < NOW() - $1::interval
		  AND attempts_made + 1 >= max_attempts
	`, rw.leaseAge.String())
	if err != nil {
		log.Printf("[QueueRecovery] fail error: %v", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("[QueueRecovery] failed %d stale claims past their attempt budget", n)
	}
}
