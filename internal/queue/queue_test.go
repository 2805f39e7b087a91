package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/ignite/mailsched/internal/clock"
)

func TestJobKey_Deterministic(t *testing.T) {
	id := uuid.MustParse("a2b2627e-9a8e-4d5f-b6c1-0f4e8d1c2a3b")

	if got := JobKey(id, 1); got != "email-a2b2627e-9a8e-4d5f-b6c1-0f4e8d1c2a3b-attempt-1" {
		t.Errorf("JobKey = %q", got)
	}
	if JobKey(id, 1) != JobKey(id, 1) {
		t.Error("same inputs produced different keys")
	}
	if JobKey(id, 1) == JobKey(id, 2) {
		t.Error("different attempts produced the same key")
	}
	if JobKey(id, 1) == JobKey(uuid.New(), 1) {
		t.Error("different messages produced the same key")
	}
}

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		attemptsMade int
		want         time.Duration
	}{
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{0, 5 * time.Second}, // clamped up
	}
	for _, tt := range tests {
		if got := backoffDelay(5*time.Second, tt.attemptsMade); got != tt.want {
			t.Errorf("backoffDelay(5s, %d) = %v, want %v", tt.attemptsMade, got, tt.want)
		}
	}

	// Shift clamp keeps extreme attempt counts from overflowing.
	if got := backoffDelay(time.Second, 500); got != time.Second<<20 {
		t.Errorf("clamped backoff = %v", got)
	}
}

func TestEnqueue_DuplicateKeySkipped(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 0)

	payload := SendJob{
		MessageID: uuid.New(),
		BatchID:   uuid.New(),
		UserID:    uuid.New(),
		Attempt:   1,
	}
	wantKey := JobKey(payload.MessageID, 1)
	body, _ := json.Marshal(payload)

	// First enqueue lands.
	mock.ExpectExec("INSERT INTO send_jobs").
		WithArgs(sqlmock.AnyArg(), wantKey, body, 0,
			now.Add(30*time.Second), DefaultMaxAttempts, int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, enqueued, err := q.Enqueue(context.Background(), payload, Options{Delay: 30 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if key != wantKey || !enqueued {
		t.Errorf("Enqueue = (%q, %v), want (%q, true)", key, enqueued, wantKey)
	}

	// Second enqueue of the same attempt hits ON CONFLICT DO NOTHING.
	mock.ExpectExec("INSERT INTO send_jobs").
		WithArgs(sqlmock.AnyArg(), wantKey, body, 0,
			now.Add(30*time.Second), DefaultMaxAttempts, int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, enqueued, err = q.Enqueue(context.Background(), payload, Options{Delay: 30 * time.Second})
	if err != nil {
		t.Fatalf("Enqueue (dup): %v", err)
	}
	if enqueued {
		t.Error("duplicate key reported as enqueued")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueBatch_KeysInOrder(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	q := New(db, clock.Fixed(time.Now()), 0)

	entries := []Entry{
		{Payload: SendJob{MessageID: uuid.New(), Attempt: 1}},
		{Payload: SendJob{MessageID: uuid.New(), Attempt: 1}, Delay: 30 * time.Second},
		{Payload: SendJob{MessageID: uuid.New(), Attempt: 1}, Delay: time.Minute},
	}

	mock.ExpectExec("INSERT INTO send_jobs").
		WillReturnResult(sqlmock.NewResult(0, 3))

	keys, err := q.EnqueueBatch(context.Background(), entries, Options{})
	if err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("got %d keys", len(keys))
	}
	for i, e := range entries {
		if keys[i] != JobKey(e.Payload.MessageID, 1) {
			t.Errorf("keys[%d] = %q", i, keys[i])
		}
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaim_ReturnsDecodedJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 0)

	jobID := uuid.New()
	payload := SendJob{MessageID: uuid.New(), BatchID: uuid.New(), UserID: uuid.New(), Attempt: 1}
	body, _ := json.Marshal(payload)

	mock.ExpectQuery("UPDATE send_jobs SET").
		WithArgs("worker-1", now, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_key", "payload", "priority", "attempts_made", "max_attempts", "visible_at",
		}).AddRow(jobID, JobKey(payload.MessageID, 1), body, 0, 0, 3, now))

	jobs, err := q.Claim(context.Background(), "worker-1", 10)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("got %d jobs", len(jobs))
	}
	if jobs[0].Payload.MessageID != payload.MessageID {
		t.Errorf("payload message id = %s", jobs[0].Payload.MessageID)
	}
	if jobs[0].Key != JobKey(payload.MessageID, 1) {
		t.Errorf("key = %q", jobs[0].Key)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFail_RequeuesWithBackoff(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 0)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT attempts_made, max_attempts, backoff_initial_ms").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"attempts_made", "max_attempts", "backoff_initial_ms"}).
			AddRow(0, 3, 5000))
	// One failed attempt made: requeue visible 5s out.
	mock.ExpectExec("UPDATE send_jobs SET").
		WithArgs(jobID, 1, "smtp timeout", now.Add(5*time.Second)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := q.Fail(context.Background(), jobID, "smtp timeout"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestFail_TerminalAtAttemptBudget(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 0)
	jobID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT attempts_made, max_attempts, backoff_initial_ms").
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"attempts_made", "max_attempts", "backoff_initial_ms"}).
			AddRow(2, 3, 5000))
	mock.ExpectExec("UPDATE send_jobs SET").
		WithArgs(jobID, 3, "smtp rejected", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := q.Fail(context.Background(), jobID, "smtp rejected"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRemove_OnlyQueuedRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	q := New(db, clock.Real(), 0)

	mock.ExpectExec("DELETE FROM send_jobs").
		WithArgs("email-abc-attempt-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	removed, err := q.Remove(context.Background(), "email-abc-attempt-1")
	if err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if removed {
		t.Error("claimed job reported as removed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaim_ThroughputCapClampsBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 2) // burst of 2 tokens

	mock.ExpectQuery("UPDATE send_jobs SET").
		WithArgs("worker-1", now, 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_key", "payload", "priority", "attempts_made", "max_attempts", "visible_at",
		}))

	if _, err := q.Claim(context.Background(), "worker-1", 50); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestEnqueueBatch_PerEntryPriority(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	now := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	q := New(db, clock.Fixed(now), 0)

	entries := []Entry{
		{Payload: SendJob{MessageID: uuid.New(), Attempt: 1}, Priority: 0},
		{Payload: SendJob{MessageID: uuid.New(), Attempt: 1}, Priority: 1, Delay: 30 * time.Second},
	}
	bodies := make([][]byte, len(entries))
	for i, e := range entries {
		bodies[i], _ = json.Marshal(e.Payload)
	}

	mock.ExpectExec("INSERT INTO send_jobs").
		WithArgs(
			sqlmock.AnyArg(), JobKey(entries[0].Payload.MessageID, 1), bodies[0], 0, now, 3, int64(5000),
			sqlmock.AnyArg(), JobKey(entries[1].Payload.MessageID, 1), bodies[1], 1, now.Add(30*time.Second), 3, int64(5000),
		).
		WillReturnResult(sqlmock.NewResult(0, 2))

	if _, err := q.EnqueueBatch(context.Background(), entries, Options{}); err != nil {
		t.Fatalf("EnqueueBatch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClaim_SmallerPriorityFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	q := New(db, clock.Fixed(time.Now()), 0)

	// The tie-break contract: among equally-visible jobs, the smaller
	// priority value claims first.
	mock.ExpectQuery(`ORDER BY visible_at ASC, priority ASC, created_at ASC`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_key", "payload", "priority", "attempts_made", "max_attempts", "visible_at",
		}))

	if _, err := q.Claim(context.Background(), "worker-1", 10); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
