package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// UpsertUserByGoogleID finds or creates the user for a resolved Google
// identity. Email, name and avatar are refreshed on every login.
func (s *Store) UpsertUserByGoogleID(ctx context.Context, googleID, email, name, avatarURL string) (*User, error) {
	u := &User{}
	var avatar sql.NullString

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, google_id, email, name, avatar_url)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (google_id) DO UPDATE
		SET email = EXCLUDED.email,
		    name = EXCLUDED.name,
		    avatar_url = EXCLUDED.avatar_url
		RETURNING id, google_id, email, name, avatar_url, created_at
	`, uuid.New(), googleID, email, name, avatarURL).Scan(
		&u.ID, &u.GoogleID, &u.Email, &u.Name, &avatar, &u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	u.AvatarURL = avatar.String
	return u, nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	u := &User{}
	var avatar sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, google_id, email, name, avatar_url, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.GoogleID, &u.Email, &u.Name, &avatar, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.AvatarURL = avatar.String
	return u, nil
}
