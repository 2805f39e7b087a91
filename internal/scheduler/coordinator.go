// Package scheduler turns a schedule request into persisted state: a batch
// header, one message row per recipient with its planned send instant, and a
// delayed queue job per message.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/planner"
	"github.com/ignite/mailsched/internal/queue"
	"github.com/ignite/mailsched/internal/store"
)

var (
	// ErrInvalidSender means the request named a sender the user does not
	// own or that is inactive.
	ErrInvalidSender = errors.New("sender not found or not active")

	// ErrNoSender means the user has no active sender to fall back on.
	ErrNoSender = errors.New("no active sender configured")
)

const defaultMaxRetries = 3

// BatchStore is the slice of the store the coordinator needs.
type BatchStore interface {
	ResolveSender(ctx context.Context, userID uuid.UUID, senderID *uuid.UUID) (*store.Sender, error)
	CreateBatch(ctx context.Context, b *store.Batch) (*store.Batch, error)
	CreateMessages(ctx context.Context, msgs []*store.Message) error
	LinkJobID(ctx context.Context, id uuid.UUID, jobKey string) error
	MarkBatchFailed(ctx context.Context, batchID uuid.UUID, errMsg string) (int64, error)
	AddBatchFailed(ctx context.Context, id uuid.UUID, n int64) error
}

// Enqueuer is the slice of the queue the coordinator needs.
type Enqueuer interface {
	EnqueueBatch(ctx context.Context, entries []queue.Entry, opts queue.Options) ([]string, error)
}

// Request is a validated schedule request. The HTTP layer checks field
// bounds before building one.
type Request struct {
	UserID       uuid.UUID
	SenderID     *uuid.UUID
	Recipients   []string
	Subject      string
	Body         string
	StartTime    time.Time
	DelaySeconds int
	HourlyLimit  int
}

// Coordinator plans and persists batches.
type Coordinator struct {
	store      BatchStore
	queue      Enqueuer
	clock      clock.Clock
	loc        *time.Location // planner hour buckets
	maxRetries int            // per-message delivery budget
	retryDelay time.Duration  // initial delivery backoff
}

func New(st BatchStore, q Enqueuer, clk clock.Clock, loc *time.Location, maxRetries int, retryDelay time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	if loc == nil {
		loc = time.UTC
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Coordinator{store: st, queue: q, clock: clk, loc: loc, maxRetries: maxRetries, retryDelay: retryDelay}
}

// ScheduleBatch resolves the sender, plans the send instants, persists the
// batch and its messages, and enqueues one delayed job per message. If
// enqueueing fails after the rows are committed, the whole batch is failed
// so no message is left SCHEDULED without a queue job behind it.
func (c *Coordinator) ScheduleBatch(ctx context.Context, req Request) (*store.Batch, []*store.Message, error) {
	sender, err := c.store.ResolveSender(ctx, req.UserID, req.SenderID)
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		// ErrConflict covers an explicitly named but inactive sender.
		if req.SenderID != nil {
			return nil, nil, ErrInvalidSender
		}
		return nil, nil, ErrNoSender
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve sender: %w", err)
	}

	count := len(req.Recipients)
	instants := planner.Plan(count, req.StartTime,
		time.Duration(req.DelaySeconds)*time.Second, req.HourlyLimit, c.loc)

	batch, err := c.store.CreateBatch(ctx, &store.Batch{
		UserID:          req.UserID,
		TotalEmails:     count,
		ScheduledEmails: count,
		StartTime:       req.StartTime,
		DelaySeconds:    req.DelaySeconds,
		HourlyLimit:     req.HourlyLimit,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create batch: %w", err)
	}

	now := c.clock.Now()
	msgs := make([]*store.Message, count)
	entries := make([]queue.Entry, count)
	for i, recipient := range req.Recipients {
		senderID := sender.ID
		msgs[i] = &store.Message{
			ID:          uuid.New(),
			UserID:      req.UserID,
			SenderID:    &senderID,
			BatchID:     batch.ID,
			BatchIndex:  i,
			Recipient:   recipient,
			Subject:     req.Subject,
			Body:        req.Body,
			ScheduledAt: instants[i],
			Status:      store.StatusScheduled,
			MaxRetries:  c.maxRetries,
		}

		delay := instants[i].Sub(now)
		if delay < 0 {
			delay = 0
		}
		entries[i] = queue.Entry{
			Payload: queue.SendJob{
				MessageID: msgs[i].ID,
				BatchID:   batch.ID,
				UserID:    req.UserID,
				Attempt:   1,
			},
			Delay:    delay,
			Priority: i, // earlier batch positions claim first on ties
		}
	}

	if err := c.store.CreateMessages(ctx, msgs); err != nil {
		return nil, nil, fmt.Errorf("create messages: %w", err)
	}

	keys, err := c.queue.EnqueueBatch(ctx, entries, queue.Options{
		// The queue budget outlives the message budget so delivery retries
		// are never cut short by job-level exhaustion.
		MaxAttempts:    c.maxRetries + 2,
		BackoffInitial: c.retryDelay,
	})
	if err != nil {
		c.compensate(ctx, batch.ID, err)
		return nil, nil, fmt.Errorf("enqueue batch: %w", err)
	}

	for i, m := range msgs {
		m.JobID = keys[i]
		if err := c.store.LinkJobID(ctx, m.ID, keys[i]); err != nil {
			log.Printf("[Scheduler] link job id for %s: %v", m.ID, err)
		}
	}

	log.Printf("[Scheduler] batch %s scheduled: %d messages, first at %s, hourly limit %d",
		batch.ID, count, req.StartTime.Format(time.RFC3339), req.HourlyLimit)
	return batch, msgs, nil
}

// compensate fails every message of a batch whose jobs never made it into
// the queue.
func (c *Coordinator) compensate(ctx context.Context, batchID uuid.UUID, cause error) {
	n, err := c.store.MarkBatchFailed(ctx, batchID, "enqueue failed: "+cause.Error())
	if err != nil {
		log.Printf("[Scheduler] compensation for batch %s: %v", batchID, err)
		return
	}
	if err := c.store.AddBatchFailed(ctx, batchID, n); err != nil {
		log.Printf("[Scheduler] compensation counter for batch %s: %v", batchID, err)
	}
	log.Printf("[Scheduler] batch %s failed before enqueue, %d messages marked", batchID, n)
}
