package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var senderTestColumns = []string{
	"id", "user_id", "email", "name",
	"smtp_host", "smtp_port", "smtp_user", "smtp_password",
	"is_default", "is_active", "created_at", "updated_at",
}

func senderRow(id, userID uuid.UUID, isDefault, isActive bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(senderTestColumns).AddRow(
		id, userID, "sender@example.com", "Sender",
		"", 0, "", "",
		isDefault, isActive, now, now,
	)
}

func TestCreateSender_DefaultClearsPreviousDefault(t *testing.T) {
	st, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE senders SET is_default = FALSE").
		WithArgs(userID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO senders").
		WillReturnRows(senderRow(uuid.New(), userID, true, true))
	mock.ExpectCommit()

	created, err := st.CreateSender(context.Background(), &Sender{
		UserID: userID, Email: "sender@example.com", Name: "Sender",
		IsDefault: true, IsActive: true,
	})
	require.NoError(t, err)
	assert.True(t, created.IsDefault)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSender_DuplicateEmailConflicts(t *testing.T) {
	st, mock := newMockStore(t)
	userID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO senders").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := st.CreateSender(context.Background(), &Sender{
		UserID: userID, Email: "dup@example.com", Name: "Dup", IsActive: true,
	})
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteSender(t *testing.T) {
	userID := uuid.New()
	id := uuid.New()

	t.Run("deletes when another sender remains", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT").WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
		mock.ExpectExec("DELETE FROM senders").WithArgs(id, userID).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		assert.NoError(t, st.DeleteSender(context.Background(), userID, id))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("refuses to delete the last sender", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT").WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectRollback()
		assert.ErrorIs(t, st.DeleteSender(context.Background(), userID, id), ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown id is not found", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT COUNT").WithArgs(userID).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
		mock.ExpectExec("DELETE FROM senders").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
		assert.ErrorIs(t, st.DeleteSender(context.Background(), userID, id), ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestResolveSender(t *testing.T) {
	userID := uuid.New()

	t.Run("explicit sender must be active", func(t *testing.T) {
		st, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM senders WHERE id").
			WithArgs(id, userID).
			WillReturnRows(senderRow(id, userID, false, false))
		_, err := st.ResolveSender(context.Background(), userID, &id)
		assert.ErrorIs(t, err, ErrConflict)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("explicit sender missing", func(t *testing.T) {
		st, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectQuery("SELECT (.+) FROM senders WHERE id").
			WillReturnError(sql.ErrNoRows)
		_, err := st.ResolveSender(context.Background(), userID, &id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to default active sender", func(t *testing.T) {
		st, mock := newMockStore(t)
		id := uuid.New()
		mock.ExpectQuery("ORDER BY is_default DESC").
			WithArgs(userID).
			WillReturnRows(senderRow(id, userID, true, true))
		sd, err := st.ResolveSender(context.Background(), userID, nil)
		require.NoError(t, err)
		assert.Equal(t, id, sd.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no active sender at all", func(t *testing.T) {
		st, mock := newMockStore(t)
		mock.ExpectQuery("ORDER BY is_default DESC").
			WillReturnError(sql.ErrNoRows)
		_, err := st.ResolveSender(context.Background(), userID, nil)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
