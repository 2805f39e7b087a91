package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const senderColumns = `id, user_id, email, name,
	COALESCE(smtp_host, ''), COALESCE(smtp_port, 0),
	COALESCE(smtp_user, ''), COALESCE(smtp_password, ''),
	is_default, is_active, created_at, updated_at`

func scanSender(row interface{ Scan(...interface{}) error }) (*Sender, error) {
	sd := &Sender{}
	err := row.Scan(
		&sd.ID, &sd.UserID, &sd.Email, &sd.Name,
		&sd.SMTPHost, &sd.SMTPPort, &sd.SMTPUser, &sd.SMTPPassword,
		&sd.IsDefault, &sd.IsActive, &sd.CreatedAt, &sd.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sd, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// CreateSender inserts a new sender for the user. Marking it default clears
// any previous default in the same transaction.
func (s *Store) CreateSender(ctx context.Context, sd *Sender) (*Sender, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if sd.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE senders SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_default`,
			sd.UserID); err != nil {
			return nil, fmt.Errorf("clear default: %w", err)
		}
	}

	created, err := scanSender(tx.QueryRowContext(ctx, `
		INSERT INTO senders (id, user_id, email, name, smtp_host, smtp_port, smtp_user, smtp_password, is_default, is_active)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0), NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		RETURNING `+senderColumns,
		uuid.New(), sd.UserID, sd.Email, sd.Name,
		sd.SMTPHost, sd.SMTPPort, sd.SMTPUser, sd.SMTPPassword,
		sd.IsDefault, sd.IsActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sender %s already exists", ErrConflict, sd.Email)
		}
		return nil, fmt.Errorf("insert sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// ListSenders returns all senders owned by the user, default first.
func (s *Store) ListSenders(ctx context.Context, userID uuid.UUID) ([]*Sender, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+senderColumns+` FROM senders
		WHERE user_id = $1
		ORDER BY is_default DESC, created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list senders: %w", err)
	}
	defer rows.Close()

	var out []*Sender
	for rows.Next() {
		sd, err := scanSender(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sd)
	}
	return out, rows.Err()
}

// GetUserSender returns a sender by id scoped to its owner.
func (s *Store) GetUserSender(ctx context.Context, userID, id uuid.UUID) (*Sender, error) {
	sd, err := scanSender(s.db.QueryRowContext(ctx,
		`SELECT `+senderColumns+` FROM senders WHERE id = $1 AND user_id = $2`, id, userID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get sender: %w", err)
	}
	return sd, err
}

// UpdateSender overwrites the mutable fields of a sender. Marking it default
// clears any previous default in the same transaction.
func (s *Store) UpdateSender(ctx context.Context, userID uuid.UUID, sd *Sender) (*Sender, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if sd.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE senders SET is_default = FALSE, updated_at = NOW() WHERE user_id = $1 AND is_default AND id <> $2`,
			userID, sd.ID); err != nil {
			return nil, fmt.Errorf("clear default: %w", err)
		}
	}

	updated, err := scanSender(tx.QueryRowContext(ctx, `
		UPDATE senders
		SET email = $3, name = $4,
		    smtp_host = NULLIF($5, ''), smtp_port = NULLIF($6, 0),
		    smtp_user = NULLIF($7, ''), smtp_password = NULLIF($8, ''),
		    is_default = $9, is_active = $10, updated_at = NOW()
		WHERE id = $1 AND user_id = $2
		RETURNING `+senderColumns,
		sd.ID, userID, sd.Email, sd.Name,
		sd.SMTPHost, sd.SMTPPort, sd.SMTPUser, sd.SMTPPassword,
		sd.IsDefault, sd.IsActive,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: sender %s already exists", ErrConflict, sd.Email)
		}
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return updated, nil
}

// DeleteSender removes a sender. Deleting the user's last sender is refused;
// messages referencing the sender keep sending through the default transport
// (the FK sets sender_id to NULL).
func (s *Store) DeleteSender(ctx context.Context, userID, id uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM senders WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return fmt.Errorf("count senders: %w", err)
	}
	if total <= 1 {
		return fmt.Errorf("%w: cannot delete the last sender", ErrConflict)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM senders WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete sender: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// ResolveSender picks the sender for a schedule request: the explicit sender
// when given (must be owned and active), otherwise the default active sender,
// otherwise any active sender.
func (s *Store) ResolveSender(ctx context.Context, userID uuid.UUID, senderID *uuid.UUID) (*Sender, error) {
	if senderID != nil {
		sd, err := s.GetUserSender(ctx, userID, *senderID)
		if err != nil {
			return nil, err
		}
		if !sd.IsActive {
			return nil, fmt.Errorf("%w: sender is inactive", ErrConflict)
		}
		return sd, nil
	}

	sd, err := scanSender(s.db.QueryRowContext(ctx, `
		SELECT `+senderColumns+` FROM senders
		WHERE user_id = $1 AND is_active
		ORDER BY is_default DESC, created_at ASC
		LIMIT 1
	`, userID))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}
	return sd, nil
}
