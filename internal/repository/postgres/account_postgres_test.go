package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelopt/internal/model"
)

func TestAccountPostgres_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewAccountPostgres(db)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = ?").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "has_access", "stored_bytes"}).AddRow("u1", true, 2048))

		acc, err := repo.Get(ctx, "u1")

		require.NoError(t, err)
		assert.Equal(t, model.Account{UserID: "u1", HasAccess: true, StoredBytes: 2048}, acc)
	})

	t.Run("unknown user gets a zero account", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts WHERE user_id = ?").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "has_access", "stored_bytes"}))

		acc, err := repo.Get(ctx, "ghost")

		require.NoError(t, err)
		assert.Equal(t, model.Account{UserID: "ghost"}, acc)
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM accounts").
			WithArgs("u1").
			WillReturnError(errors.New("connection reset"))

		_, err := repo.Get(ctx, "u1")

		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAccountPostgres_AddUsage(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewAccountPostgres(db)

	mock.ExpectExec("INSERT INTO accounts (.+) ON CONFLICT \\(user_id\\) DO UPDATE").
		WithArgs("u1", int64(-300)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.AddUsage(context.Background(), "u1", -300)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
