package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const messageColumns = `id, user_id, sender_id, batch_id, batch_index,
	recipient, subject, body, scheduled_at, sent_at, status,
	COALESCE(error_message, ''), retry_count, max_retries,
	COALESCE(job_id, ''), COALESCE(provider_message_id, ''),
	COALESCE(preview_url, ''), created_at, updated_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	m := &Message{}
	var senderID uuid.NullUUID
	var sentAt sql.NullTime
	var status string

	err := row.Scan(
		&m.ID, &m.UserID, &senderID, &m.BatchID, &m.BatchIndex,
		&m.Recipient, &m.Subject, &m.Body, &m.ScheduledAt, &sentAt, &status,
		&m.ErrorMessage, &m.RetryCount, &m.MaxRetries,
		&m.JobID, &m.ProviderMessageID, &m.PreviewURL,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if senderID.Valid {
		id := senderID.UUID
		m.SenderID = &id
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	m.Status = MessageStatus(status)
	return m, nil
}

// CreateMessages bulk-inserts the messages of a freshly planned batch using
// COPY. Every row starts in SCHEDULED.
func (s *Store) CreateMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer txn.Rollback()

	stmt, err := txn.Prepare(pq.CopyIn(
		"messages",
		"id", "user_id", "sender_id", "batch_id", "batch_index",
		"recipient", "subject", "body", "scheduled_at",
		"status", "retry_count", "max_retries",
	))
	if err != nil {
		return fmt.Errorf("prepare COPY: %w", err)
	}

	for _, m := range msgs {
		var senderID interface{}
		if m.SenderID != nil {
			senderID = *m.SenderID
		}
		if _, err := stmt.Exec(
			m.ID, m.UserID, senderID, m.BatchID, m.BatchIndex,
			m.Recipient, m.Subject, m.Body, m.ScheduledAt,
			string(StatusScheduled), 0, m.MaxRetries,
		); err != nil {
			return fmt.Errorf("copy message %s: %w", m.ID, err)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		return fmt.Errorf("flush COPY: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("close COPY: %w", err)
	}
	return txn.Commit()
}

// GetMessage returns a message by id regardless of owner. Workers use this.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, err
}

// GetUserMessage returns a message by id scoped to its owner.
func (s *Store) GetUserMessage(ctx context.Context, userID, id uuid.UUID) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, err
}

// ListOptions is intentionally small: status filter, terminal/non-terminal
// split, pagination and a whitelisted sort.
type ListOptions struct {
	Status    *MessageStatus
	Terminal  *bool
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

var sortColumns = map[string]string{
	"scheduledAt": "scheduled_at",
	"createdAt":   "created_at",
	"sentAt":      "sent_at",
	"status":      "status",
	"recipient":   "recipient",
}

// ListMessages returns one page of the user's messages plus the total count
// for the same filter.
func (s *Store) ListMessages(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Message, int, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 || opts.Limit > 100 {
		opts.Limit = 20
	}

	where := []string{"user_id = $1"}
	args := []interface{}{userID}

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	} else if opts.Terminal != nil {
		if *opts.Terminal {
			where = append(where, `status IN ('SENT', 'FAILED')`)
		} else {
			where = append(where, `status IN ('SCHEDULED', 'PROCESSING', 'RATE_LIMITED')`)
		}
	}

	cond := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	col, ok := sortColumns[opts.SortBy]
	if !ok {
		col = "scheduled_at"
	}
	dir := "ASC"
	if strings.EqualFold(opts.SortOrder, "desc") {
		dir = "DESC"
	}

	args = append(args, opts.Limit, (opts.Page-1)*opts.Limit)
	query := fmt.Sprintf(`SELECT %s FROM messages WHERE %s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		messageColumns, cond, col, dir, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

// GetStats returns the user's per-status message counts.
func (s *Store) GetStats(ctx context.Context, userID uuid.UUID) (*MessageStats, error) {
	stats := &MessageStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'SCHEDULED'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'SENT'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'RATE_LIMITED'),
			COUNT(*)
		FROM messages WHERE user_id = $1
	`, userID).Scan(
		&stats.Scheduled, &stats.Processing, &stats.Sent,
		&stats.Failed, &stats.RateLimited, &stats.Total,
	)
	if err != nil {
		return nil, fmt.Errorf("message stats: %w", err)
	}
	return stats, nil
}

// DeleteMessage cancels a message. Only SCHEDULED and RATE_LIMITED rows can be
// cancelled; a PROCESSING row is in a worker's hands and a terminal row is
// history. The pending queue job will later find no row and drop itself.
func (s *Store) DeleteMessage(ctx context.Context, userID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE id = $1 AND user_id = $2 AND status IN ('SCHEDULED', 'RATE_LIMITED')
	`, id, userID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish "gone" from "not cancellable"
	_, err = s.GetUserMessage(ctx, userID, id)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: message is processing or already terminal", ErrConflict)
}

// MarkProcessing transitions a message to PROCESSING for the given queue job.
// A redelivered job may find the row already PROCESSING after a worker crash;
// that is accepted. Returns ErrNotFound when the row was cancelled and
// ErrIllegalTransition when the message is already terminal.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID, jobKey string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'PROCESSING', job_id = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('SCHEDULED', 'RATE_LIMITED', 'PROCESSING')
		RETURNING `+messageColumns, id, jobKey))
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("mark processing: %w", err)
	}

	if _, getErr := s.GetMessage(ctx, id); errors.Is(getErr, ErrNotFound) {
		return nil, ErrNotFound
	}
	return nil, ErrIllegalTransition
}

// MarkRateLimited records a quota denial on a PROCESSING message.
func (s *Store) MarkRateLimited(ctx context.Context, id uuid.UUID) error {
	return s.guardedUpdate(ctx, "mark rate limited", `
		UPDATE messages
		SET status = 'RATE_LIMITED', updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id)
}

// MarkRescheduled moves a RATE_LIMITED message back to SCHEDULED for the next
// quota slot, pointing it at the replacement queue job.
func (s *Store) MarkRescheduled(ctx context.Context, id uuid.UUID, jobKey string, nextAt time.Time) error {
	return s.guardedUpdate(ctx, "mark rescheduled", `
		UPDATE messages
		SET status = 'SCHEDULED', job_id = $2, scheduled_at = $3, updated_at = NOW()
		WHERE id = $1 AND status = 'RATE_LIMITED'
	`, id, jobKey, nextAt)
}

// MarkSent finalizes a successful delivery. SENT is terminal.
func (s *Store) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID, previewURL string, sentAt time.Time) error {
	return s.guardedUpdate(ctx, "mark sent", `
		UPDATE messages
		SET status = 'SENT', sent_at = $2, provider_message_id = $3,
		    preview_url = NULLIF($4, ''), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, sentAt, providerMessageID, previewURL)
}

// MarkRetryScheduled records a transient failure and puts the message back to
// SCHEDULED for the queue's backoff redelivery. Returns the new retry count.
func (s *Store) MarkRetryScheduled(ctx context.Context, id uuid.UUID, errMsg string) (int, error) {
	var retryCount int
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = 'SCHEDULED', error_message = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING retry_count
	`, id, truncateError(errMsg)).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return 0, ErrIllegalTransition
	}
	if err != nil {
		return 0, fmt.Errorf("mark retry: %w", err)
	}
	return retryCount, nil
}

// MarkFailed finalizes a message whose retries are exhausted. FAILED is
// terminal.
func (s *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.guardedUpdate(ctx, "mark failed", `
		UPDATE messages
		SET status = 'FAILED', error_message = $2, retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'PROCESSING'
	`, id, truncateError(errMsg))
}

// MarkBatchFailed fails every non-terminal message of a batch. Used by the
// coordinator when enqueueing fails after the rows were committed, so no
// SCHEDULED row is left behind without a queue job.
func (s *Store) MarkBatchFailed(ctx context.Context, batchID uuid.UUID, errMsg string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'FAILED', error_message = $2, updated_at = NOW()
		WHERE batch_id = $1 AND status IN ('SCHEDULED', 'PROCESSING', 'RATE_LIMITED')
	`, batchID, truncateError(errMsg))
	if err != nil {
		return 0, fmt.Errorf("mark batch failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// LinkJobID stores the queue job id on a message. Best effort: the job id is
// observability metadata, not required for correctness.
func (s *Store) LinkJobID(ctx context.Context, id uuid.UUID, jobKey string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET job_id = $2, updated_at = NOW() WHERE id = $1`, id, jobKey)
	if err != nil {
		return fmt.Errorf("link job id: %w", err)
	}
	return nil
}

// CountSentInWindow counts SENT messages inside [start, end), optionally
// scoped to a sender. This is the rate limiter's durable fallback.
func (s *Store) CountSentInWindow(ctx context.Context, senderID *uuid.UUID, start, end time.Time) (int, error) {
	var count int
	var err error
	if senderID != nil {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE status = 'SENT' AND sent_at >= $1 AND sent_at < $2 AND sender_id = $3
		`, start, end, *senderID).Scan(&count)
	} else {
		err = s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE status = 'SENT' AND sent_at >= $1 AND sent_at < $2
		`, start, end).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return count, nil
}

func (s *Store) guardedUpdate(ctx context.Context, op, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrIllegalTransition
	}
	return nil
}

// truncateError keeps stored error messages bounded.
func truncateError(msg string) string {
	const max = 500
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}
