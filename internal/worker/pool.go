// Package worker drains the send queue. A pool of goroutines claims jobs,
// walks each message through the PROCESSING state machine, enforces the
// hourly rate limits, and delivers over SMTP.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/queue"
	"github.com/ignite/mailsched/internal/ratelimit"
	"github.com/ignite/mailsched/internal/store"
	"github.com/ignite/mailsched/internal/transport"
)

const (
	defaultPollInterval = time.Second
	claimBatchSize      = 10
)

// MessageStore is the slice of the store the pool needs.
type MessageStore interface {
	MarkProcessing(ctx context.Context, id uuid.UUID, jobKey string) (*store.Message, error)
	MarkRateLimited(ctx context.Context, id uuid.UUID) error
	MarkRescheduled(ctx context.Context, id uuid.UUID, jobKey string, nextAt time.Time) error
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID, previewURL string, sentAt time.Time) error
	MarkRetryScheduled(ctx context.Context, id uuid.UUID, errMsg string) (int, error)
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	IncrementBatchSent(ctx context.Context, id uuid.UUID) error
	IncrementBatchFailed(ctx context.Context, id uuid.UUID) error
	ResolveSender(ctx context.Context, userID uuid.UUID, senderID *uuid.UUID) (*store.Sender, error)
}

// JobQueue is the slice of the queue the pool needs.
type JobQueue interface {
	Claim(ctx context.Context, workerID string, limit int) ([]*queue.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, cause string) error
	Discard(ctx context.Context, jobID uuid.UUID, cause string) error
	Enqueue(ctx context.Context, payload queue.SendJob, opts queue.Options) (string, bool, error)
}

// RateLimiter answers and records quota decisions.
type RateLimiter interface {
	Check(ctx context.Context, senderID uuid.UUID) (ratelimit.Decision, error)
	Increment(ctx context.Context, senderID uuid.UUID) error
}

// Config tunes a pool.
type Config struct {
	Concurrency  int
	PollInterval time.Duration
	RetryBackoff time.Duration        // initial backoff for requeued jobs
	DefaultSMTP  transport.SMTPConfig // used when a sender has no transport of its own
}

// Pool is the send worker pool.
type Pool struct {
	store    MessageStore
	queue    JobQueue
	limiter  RateLimiter
	sender   transport.Transport
	clock    clock.Clock
	cfg      Config
	workerID string

	processed atomic.Int64
	sent      atomic.Int64
	failed    atomic.Int64
	limited   atomic.Int64
}

// NewPool wires a pool. Concurrency below 1 is raised to 1.
func NewPool(st MessageStore, q JobQueue, rl RateLimiter, tr transport.Transport, clk clock.Clock, cfg Config) *Pool {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	host, _ := os.Hostname()
	return &Pool{
		store:    st,
		queue:    q,
		limiter:  rl,
		sender:   tr,
		clock:    clk,
		cfg:      cfg,
		workerID: fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// Start runs the pool until ctx is cancelled, then waits for in-flight
// messages to finish.
func (p *Pool) Start(ctx context.Context) {
	log.Printf("[SendWorker] Starting pool (workers=%d, poll=%s, id=%s)",
		p.cfg.Concurrency, p.cfg.PollInterval, p.workerID)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			p.runWorker(ctx, n)
		}(i)
	}
	wg.Wait()

	log.Printf("[SendWorker] Pool stopped (processed=%d sent=%d failed=%d rate_limited=%d)",
		p.processed.Load(), p.sent.Load(), p.failed.Load(), p.limited.Load())
}

func (p *Pool) runWorker(ctx context.Context, n int) {
	workerID := fmt.Sprintf("%s-w%d", p.workerID, n)
	for {
		if ctx.Err() != nil {
			return
		}

		jobs, err := p.queue.Claim(ctx, workerID, claimBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[SendWorker] claim error: %v", err)
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}
		if len(jobs) == 0 {
			p.sleep(ctx, p.cfg.PollInterval)
			continue
		}

		for _, job := range jobs {
			// Finish claimed jobs even during shutdown; the claim lease
			// would otherwise park them for the recovery worker.
			p.Process(context.WithoutCancel(ctx), job)
		}
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Process runs one claimed job through the full send flow.
func (p *Pool) Process(ctx context.Context, job *queue.Job) {
	p.processed.Add(1)

	msg, err := p.store.MarkProcessing(ctx, job.Payload.MessageID, job.Key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// Cancelled between enqueue and delivery. Ack and drop.
		p.ack(ctx, job)
		return
	case errors.Is(err, store.ErrIllegalTransition):
		// Already terminal (duplicate delivery after a crash). Ack and drop.
		p.ack(ctx, job)
		return
	case err != nil:
		log.Printf("[SendWorker] mark processing %s: %v", job.Payload.MessageID, err)
		p.retryJob(ctx, job, err)
		return
	}

	sender, err := p.store.ResolveSender(ctx, msg.UserID, msg.SenderID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		p.failMessage(ctx, job, msg, "no active sender available")
		return
	}
	if err != nil {
		log.Printf("[SendWorker] resolve sender for %s: %v", msg.ID, err)
		p.retryJob(ctx, job, err)
		return
	}

	decision, err := p.limiter.Check(ctx, sender.ID)
	if err != nil {
		log.Printf("[SendWorker] rate check for %s: %v", msg.ID, err)
		p.retryJob(ctx, job, err)
		return
	}
	if !decision.Allowed {
		p.reschedule(ctx, job, msg, decision)
		return
	}

	res, sendErr := p.sender.Send(ctx, p.envelope(msg, sender))
	if sendErr != nil {
		p.handleSendFailure(ctx, job, msg, sendErr)
		return
	}

	// Quota is consumed only by actual deliveries.
	if err := p.limiter.Increment(ctx, sender.ID); err != nil {
		log.Printf("[SendWorker] rate increment for %s: %v", msg.ID, err)
	}
	if err := p.store.MarkSent(ctx, msg.ID, res.MessageID, res.PreviewURL, p.clock.Now()); err != nil {
		log.Printf("[SendWorker] mark sent %s: %v", msg.ID, err)
	}
	if err := p.store.IncrementBatchSent(ctx, msg.BatchID); err != nil {
		log.Printf("[SendWorker] batch sent counter %s: %v", msg.BatchID, err)
	}
	p.sent.Add(1)
	p.ack(ctx, job)
}

func (p *Pool) envelope(msg *store.Message, sender *store.Sender) transport.Envelope {
	smtp := p.cfg.DefaultSMTP
	if sender.HasTransport() {
		smtp = transport.SMTPConfig{
			Host:     sender.SMTPHost,
			Port:     sender.SMTPPort,
			User:     sender.SMTPUser,
			Password: sender.SMTPPassword,
		}
	}
	return transport.Envelope{
		SMTP:      smtp,
		FromName:  sender.Name,
		FromEmail: sender.Email,
		To:        msg.Recipient,
		Subject:   msg.Subject,
		HTML:      msg.Body,
		Text:      transport.HTMLToText(msg.Body),
	}
}

// reschedule parks a quota-denied message until the window resets: the
// message briefly holds RATE_LIMITED, a fresh job under the next attempt key
// is queued for the reset instant, and the message returns to SCHEDULED. The
// denied attempt consumes no quota and no retry.
func (p *Pool) reschedule(ctx context.Context, job *queue.Job, msg *store.Message, d ratelimit.Decision) {
	p.limited.Add(1)

	if err := p.store.MarkRateLimited(ctx, msg.ID); err != nil {
		log.Printf("[SendWorker] mark rate limited %s: %v", msg.ID, err)
		p.retryJob(ctx, job, err)
		return
	}

	delay := d.NextSlotAt.Sub(p.clock.Now())
	if delay < 0 {
		delay = 0
	}
	payload := job.Payload
	payload.Attempt++
	// The replacement job keeps the original's priority and attempt budget.
	newKey, _, err := p.queue.Enqueue(ctx, payload, queue.Options{
		Delay:          delay,
		Priority:       job.Priority,
		MaxAttempts:    job.MaxAttempts,
		BackoffInitial: p.cfg.RetryBackoff,
	})
	if err != nil {
		log.Printf("[SendWorker] requeue rate limited %s: %v", msg.ID, err)
		p.retryJob(ctx, job, err)
		return
	}

	if err := p.store.MarkRescheduled(ctx, msg.ID, newKey, d.NextSlotAt); err != nil {
		// The replacement job exists; MarkProcessing accepts RATE_LIMITED
		// so the message still sends when that job fires.
		log.Printf("[SendWorker] mark rescheduled %s: %v", msg.ID, err)
	}
	log.Printf("[SendWorker] rate limited %s, retrying at %s", msg.ID, d.NextSlotAt.Format(time.RFC3339))
	p.ack(ctx, job)
}

// handleSendFailure decides between another delivery attempt and terminal
// failure based on the message's own retry budget.
func (p *Pool) handleSendFailure(ctx context.Context, job *queue.Job, msg *store.Message, sendErr error) {
	if msg.RetryCount+1 >= msg.MaxRetries {
		p.failMessage(ctx, job, msg, sendErr.Error())
		return
	}

	retries, err := p.store.MarkRetryScheduled(ctx, msg.ID, sendErr.Error())
	if err != nil {
		log.Printf("[SendWorker] mark retry %s: %v", msg.ID, err)
		p.retryJob(ctx, job, err)
		return
	}
	log.Printf("[SendWorker] transient failure for %s (retry %d/%d): %v",
		msg.ID, retries, msg.MaxRetries, sendErr)
	if err := p.queue.Fail(ctx, job.ID, sendErr.Error()); err != nil {
		log.Printf("[SendWorker] queue fail %s: %v", job.Key, err)
	}
}

// failMessage finalizes a message as FAILED and removes the job from the
// queue for good.
func (p *Pool) failMessage(ctx context.Context, job *queue.Job, msg *store.Message, cause string) {
	p.failed.Add(1)

	if err := p.store.MarkFailed(ctx, msg.ID, cause); err != nil {
		log.Printf("[SendWorker] mark failed %s: %v", msg.ID, err)
	}
	if err := p.store.IncrementBatchFailed(ctx, msg.BatchID); err != nil {
		log.Printf("[SendWorker] batch failed counter %s: %v", msg.BatchID, err)
	}
	if err := p.queue.Discard(ctx, job.ID, cause); err != nil {
		log.Printf("[SendWorker] discard %s: %v", job.Key, err)
	}
	log.Printf("[SendWorker] message %s failed permanently: %s", msg.ID, cause)
}

func (p *Pool) ack(ctx context.Context, job *queue.Job) {
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		log.Printf("[SendWorker] complete %s: %v", job.Key, err)
	}
}

// retryJob hands a job back to the queue's backoff after an infrastructure
// error, without touching the message's retry budget.
func (p *Pool) retryJob(ctx context.Context, job *queue.Job, cause error) {
	if err := p.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		log.Printf("[SendWorker] queue fail %s: %v", job.Key, err)
	}
}

// Stats is a point-in-time snapshot of the pool counters.
type Stats struct {
	Processed   int64 `json:"processed"`
	Sent        int64 `json:"sent"`
	Failed      int64 `json:"failed"`
	RateLimited int64 `json:"rateLimited"`
}

func (p *Pool) Stats() Stats {
	return Stats{
		Processed:   p.processed.Load(),
		Sent:        p.sent.Load(),
		Failed:      p.failed.Load(),
		RateLimited: p.limited.Load(),
	}
}
