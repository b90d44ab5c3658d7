package postgres

import (
	"context"
	"database/sql"
	"errors"

	"modelopt/internal/model"
	"modelopt/internal/repository"
)

// AccountPostgres is a PostgreSQL implementation of repository.AccountRepository.
type AccountPostgres struct {
	db *sql.DB
}

// NewAccountPostgres creates a new AccountPostgres repository.
func NewAccountPostgres(db *sql.DB) *AccountPostgres {
	return &AccountPostgres{db: db}
}

var _ repository.AccountRepository = (*AccountPostgres)(nil)

// Get fetches the account row, defaulting to a zero account when absent.
func (r *AccountPostgres) Get(ctx context.Context, userID string) (model.Account, error) {
	const q = `
		SELECT user_id, has_access, stored_bytes
		FROM accounts
		WHERE user_id = $1
	`
	var a model.Account
	err := r.db.QueryRowContext(ctx, q, userID).Scan(&a.UserID, &a.HasAccess, &a.StoredBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Account{UserID: userID}, nil
	}
	if err != nil {
		return model.Account{}, err
	}
	return a, nil
}

// AddUsage upserts the ledger row, clamping at zero.
func (r *AccountPostgres) AddUsage(ctx context.Context, userID string, delta int64) error {
	const q = `
		INSERT INTO accounts (user_id, stored_bytes, updated_at)
		VALUES ($1, GREATEST($2::BIGINT, 0), now())
		ON CONFLICT (user_id) DO UPDATE
		SET stored_bytes = GREATEST(accounts.stored_bytes + $2::BIGINT, 0),
		    updated_at   = now()
	`
	_, err := r.db.ExecContext(ctx, q, userID, delta)
	return err
}
