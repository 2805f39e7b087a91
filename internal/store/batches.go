package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const batchColumns = `id, user_id, total_emails, scheduled_emails, sent_emails,
	failed_emails, start_time, delay_seconds, hourly_limit, created_at, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*Batch, error) {
	b := &Batch{}
	err := row.Scan(
		&b.ID, &b.UserID, &b.TotalEmails, &b.ScheduledEmails, &b.SentEmails,
		&b.FailedEmails, &b.StartTime, &b.DelaySeconds, &b.HourlyLimit,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// CreateBatch persists a new batch header.
func (s *Store) CreateBatch(ctx context.Context, b *Batch) (*Batch, error) {
	created, err := scanBatch(s.db.QueryRowContext(ctx, `
		INSERT INTO batches (id, user_id, total_emails, scheduled_emails, start_time, delay_seconds, hourly_limit)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+batchColumns,
		uuid.New(), b.UserID, b.TotalEmails, b.ScheduledEmails,
		b.StartTime, b.DelaySeconds, b.HourlyLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("create batch: %w", err)
	}
	return created, nil
}

// GetBatch returns a batch by id.
func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = $1`, id))
	if err == ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// IncrementBatchSent atomically bumps the sent counter. Counters only grow.
func (s *Store) IncrementBatchSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET sent_emails = sent_emails + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment sent: %w", err)
	}
	return nil
}

// IncrementBatchFailed atomically bumps the failed counter.
func (s *Store) IncrementBatchFailed(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET failed_emails = failed_emails + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment failed: %w", err)
	}
	return nil
}

// AddBatchFailed bumps the failed counter by n. Used by the coordinator's
// compensation path when a whole batch is failed at once.
func (s *Store) AddBatchFailed(ctx context.Context, id uuid.UUID, n int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batches SET failed_emails = failed_emails + $2, updated_at = NOW() WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("add failed: %w", err)
	}
	return nil
}
