package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/mailsched/internal/clock"
	"github.com/ignite/mailsched/internal/queue"
	"github.com/ignite/mailsched/internal/ratelimit"
	"github.com/ignite/mailsched/internal/store"
	"github.com/ignite/mailsched/internal/transport"
)

type fakeStore struct {
	msg    *store.Message
	sender *store.Sender

	markProcessingErr error
	resolveErr        error

	rateLimited    []uuid.UUID
	rescheduled    []time.Time
	rescheduledKey string
	sent           []uuid.UUID
	retried        []string
	failed         []string
	batchSent      int
	batchFailed    int
}

func (f *fakeStore) MarkProcessing(_ context.Context, id uuid.UUID, jobKey string) (*store.Message, error) {
	if f.markProcessingErr != nil {
		return nil, f.markProcessingErr
	}
	return f.msg, nil
}

func (f *fakeStore) MarkRateLimited(_ context.Context, id uuid.UUID) error {
	f.rateLimited = append(f.rateLimited, id)
	return nil
}

func (f *fakeStore) MarkRescheduled(_ context.Context, _ uuid.UUID, jobKey string, nextAt time.Time) error {
	f.rescheduledKey = jobKey
	f.rescheduled = append(f.rescheduled, nextAt)
	return nil
}

func (f *fakeStore) MarkSent(_ context.Context, id uuid.UUID, _, _ string, _ time.Time) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeStore) MarkRetryScheduled(_ context.Context, _ uuid.UUID, errMsg string) (int, error) {
	f.retried = append(f.retried, errMsg)
	f.msg.RetryCount++
	return f.msg.RetryCount, nil
}

func (f *fakeStore) MarkFailed(_ context.Context, _ uuid.UUID, errMsg string) error {
	f.failed = append(f.failed, errMsg)
	return nil
}

func (f *fakeStore) IncrementBatchSent(_ context.Context, _ uuid.UUID) error {
	f.batchSent++
	return nil
}

func (f *fakeStore) IncrementBatchFailed(_ context.Context, _ uuid.UUID) error {
	f.batchFailed++
	return nil
}

func (f *fakeStore) ResolveSender(_ context.Context, _ uuid.UUID, _ *uuid.UUID) (*store.Sender, error) {
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.sender, nil
}

type fakeQueue struct {
	completed   []uuid.UUID
	failed      []string
	discarded   []string
	enqueued    []queue.SendJob
	enqueueOpts []queue.Options
}

func (f *fakeQueue) Claim(context.Context, string, int) ([]*queue.Job, error) { return nil, nil }

func (f *fakeQueue) Complete(_ context.Context, jobID uuid.UUID) error {
	f.completed = append(f.completed, jobID)
	return nil
}

func (f *fakeQueue) Fail(_ context.Context, _ uuid.UUID, cause string) error {
	f.failed = append(f.failed, cause)
	return nil
}

func (f *fakeQueue) Discard(_ context.Context, _ uuid.UUID, cause string) error {
	f.discarded = append(f.discarded, cause)
	return nil
}

func (f *fakeQueue) Enqueue(_ context.Context, payload queue.SendJob, opts queue.Options) (string, bool, error) {
	f.enqueued = append(f.enqueued, payload)
	f.enqueueOpts = append(f.enqueueOpts, opts)
	return queue.JobKey(payload.MessageID, payload.Attempt), true, nil
}

type fakeLimiter struct {
	decision   ratelimit.Decision
	increments []uuid.UUID
}

func (f *fakeLimiter) Check(context.Context, uuid.UUID) (ratelimit.Decision, error) {
	return f.decision, nil
}

func (f *fakeLimiter) Increment(_ context.Context, senderID uuid.UUID) error {
	f.increments = append(f.increments, senderID)
	return nil
}

type fakeTransport struct {
	envelopes []transport.Envelope
	err       error
}

func (f *fakeTransport) Send(_ context.Context, env transport.Envelope) (*transport.Result, error) {
	f.envelopes = append(f.envelopes, env)
	if f.err != nil {
		return nil, f.err
	}
	return &transport.Result{MessageID: "<msg@test>"}, nil
}

func (f *fakeTransport) Close() error { return nil }

func fixture(now time.Time) (*fakeStore, *fakeQueue, *fakeLimiter, *fakeTransport, *queue.Job) {
	msgID := uuid.New()
	senderID := uuid.New()
	st := &fakeStore{
		msg: &store.Message{
			ID:         msgID,
			UserID:     uuid.New(),
			SenderID:   &senderID,
			BatchID:    uuid.New(),
			Recipient:  "customer@example.com",
			Subject:    "hello",
			Body:       "<p>hello</p>",
			Status:     store.StatusProcessing,
			MaxRetries: 3,
		},
		sender: &store.Sender{
			ID:       senderID,
			Email:    "billing@example.com",
			Name:     "Billing",
			IsActive: true,
		},
	}
	q := &fakeQueue{}
	lim := &fakeLimiter{decision: ratelimit.Decision{
		Allowed:    true,
		Remaining:  10,
		ResetAt:    now.Truncate(time.Hour).Add(time.Hour),
		NextSlotAt: now,
	}}
	tr := &fakeTransport{}
	job := &queue.Job{
		ID:          uuid.New(),
		Key:         queue.JobKey(msgID, 1),
		Payload:     queue.SendJob{MessageID: msgID, BatchID: st.msg.BatchID, UserID: st.msg.UserID, Attempt: 1},
		Priority:    4,
		MaxAttempts: 5,
	}
	return st, q, lim, tr, job
}

func newTestPool(st *fakeStore, q *fakeQueue, lim *fakeLimiter, tr *fakeTransport, now time.Time) *Pool {
	return NewPool(st, q, lim, tr, clock.Fixed(now), Config{
		Concurrency:  1,
		RetryBackoff: 2 * time.Second,
		DefaultSMTP:  transport.SMTPConfig{Host: "smtp.platform.example", Port: 587},
	})
}

func TestProcess_SuccessfulSend(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	require.Len(t, tr.envelopes, 1)
	env := tr.envelopes[0]
	assert.Equal(t, "customer@example.com", env.To)
	assert.Equal(t, "billing@example.com", env.FromEmail)
	assert.Equal(t, "smtp.platform.example", env.SMTP.Host, "sender without transport uses the platform default")
	assert.NotEmpty(t, env.Text, "plain-text alternative derived from HTML")

	assert.Equal(t, []uuid.UUID{st.msg.ID}, st.sent)
	assert.Equal(t, 1, st.batchSent)
	assert.Len(t, lim.increments, 1, "quota consumed exactly once per delivery")
	assert.Equal(t, []uuid.UUID{job.ID}, q.completed)
	assert.Empty(t, q.failed)
	assert.Empty(t, st.failed)
}

func TestProcess_SenderTransportOverridesDefault(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.sender.SMTPHost = "smtp.sender.example"
	st.sender.SMTPPort = 465
	st.sender.SMTPUser = "sender-user"
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	require.Len(t, tr.envelopes, 1)
	assert.Equal(t, "smtp.sender.example", tr.envelopes[0].SMTP.Host)
	assert.Equal(t, 465, tr.envelopes[0].SMTP.Port)
}

func TestProcess_RateLimitedReschedules(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 30, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	reset := time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC)
	lim.decision = ratelimit.Decision{Allowed: false, ResetAt: reset, NextSlotAt: reset}
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Empty(t, tr.envelopes, "denied attempt must not send")
	assert.Empty(t, lim.increments, "denied attempt must not consume quota")
	assert.Empty(t, st.retried, "denied attempt must not consume the retry budget")

	assert.Equal(t, []uuid.UUID{st.msg.ID}, st.rateLimited)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, 2, q.enqueued[0].Attempt, "replacement job uses the next attempt key")
	opts := q.enqueueOpts[0]
	assert.Equal(t, 30*time.Minute, opts.Delay, "replacement visible at the window reset")
	assert.Equal(t, job.Priority, opts.Priority, "replacement keeps the original's priority")
	assert.Equal(t, job.MaxAttempts, opts.MaxAttempts, "replacement keeps the original's attempt budget")
	assert.Equal(t, 2*time.Second, opts.BackoffInitial)
	require.Len(t, st.rescheduled, 1)
	assert.True(t, st.rescheduled[0].Equal(reset))
	assert.Equal(t, queue.JobKey(st.msg.ID, 2), st.rescheduledKey)
	assert.Equal(t, []uuid.UUID{job.ID}, q.completed, "original job is acked")
}

func TestProcess_CancelledMessageDropsJob(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.markProcessingErr = store.ErrNotFound
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Empty(t, tr.envelopes)
	assert.Equal(t, []uuid.UUID{job.ID}, q.completed)
	assert.Empty(t, q.failed)
	assert.Empty(t, st.failed)
}

func TestProcess_TerminalMessageDropsDuplicate(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.markProcessingErr = store.ErrIllegalTransition
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Empty(t, tr.envelopes, "already-sent message must not send again")
	assert.Equal(t, []uuid.UUID{job.ID}, q.completed)
}

func TestProcess_TransientFailureRetries(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	tr.err = errors.New("smtp timeout")
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Equal(t, []string{"smtp timeout"}, st.retried)
	assert.Equal(t, []string{"smtp timeout"}, q.failed, "job goes back for backoff redelivery")
	assert.Empty(t, q.completed)
	assert.Empty(t, st.failed)
	assert.Empty(t, lim.increments, "failed attempt must not consume quota")
	assert.Zero(t, st.batchFailed)
}

func TestProcess_ExhaustedRetriesFailPermanently(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.msg.RetryCount = 2 // next failure is the third and last attempt
	tr.err = errors.New("mailbox unavailable")
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Equal(t, []string{"mailbox unavailable"}, st.failed)
	assert.Equal(t, 1, st.batchFailed)
	assert.Equal(t, []string{"mailbox unavailable"}, q.discarded, "no further queue activity after terminal failure")
	assert.Empty(t, q.failed)
	assert.Empty(t, st.retried)
}

func TestProcess_NoSenderFailsPermanently(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.resolveErr = store.ErrNotFound
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Empty(t, tr.envelopes)
	require.Len(t, st.failed, 1)
	assert.Contains(t, st.failed[0], "no active sender")
	assert.Len(t, q.discarded, 1)
}

func TestProcess_InfrastructureErrorLeavesRetryBudgetAlone(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	st.markProcessingErr = errors.New("connection refused")
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	assert.Empty(t, st.retried)
	assert.Empty(t, st.failed)
	assert.Len(t, q.failed, 1, "job retries on the queue's backoff")
}

func TestPool_StatsCounters(t *testing.T) {
	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	st, q, lim, tr, job := fixture(now)
	p := newTestPool(st, q, lim, tr, now)

	p.Process(context.Background(), job)

	s := p.Stats()
	assert.Equal(t, int64(1), s.Processed)
	assert.Equal(t, int64(1), s.Sent)
	assert.Zero(t, s.Failed)
}
