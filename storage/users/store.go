// Package users persists bot users and their shared phone numbers.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/nvoloshin/authbridge/core/logger"
)

// Store is the Postgres-backed user store.
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// RecordUser inserts the user if absent. Repeated calls for the same user are
// no-ops; profile fields are not refreshed on conflict.
func (s *Store) RecordUser(ctx context.Context, id int64, username, firstName, lastName string) error {
	const query = `
		INSERT INTO users (user_id, username, first_name, last_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, id, nullable(username), nullable(firstName), nullable(lastName))
	if err != nil {
		logger.STUsers.Error("user insert failed",
			slog.String("event", "store.record.failed"),
			slog.Int64("user_id", id),
			slog.String("err_code", "USERS_INSERT_FAIL"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("insert user: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logger.STUsers.Info("user recorded",
			slog.String("event", "store.record"),
			slog.Int64("user_id", id),
		)
	}
	return nil
}

// SavePhone stores the phone number shared by the user.
func (s *Store) SavePhone(ctx context.Context, id int64, phone string) error {
	const query = `
		INSERT INTO users (user_id, phone_number)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET phone_number = EXCLUDED.phone_number
	`
	if _, err := s.db.ExecContext(ctx, query, id, phone); err != nil {
		logger.STUsers.Error("phone save failed",
			slog.String("event", "store.phone.failed"),
			slog.Int64("user_id", id),
			slog.String("err_code", "USERS_PHONE_FAIL"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("save phone: %w", err)
	}
	return nil
}

// Phone returns the stored phone number and whether one is on file.
func (s *Store) Phone(ctx context.Context, id int64) (string, bool, error) {
	const query = `SELECT phone_number FROM users WHERE user_id = $1`
	var phone sql.NullString
	err := s.db.GetContext(ctx, &phone, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select phone: %w", err)
	}
	if !phone.Valid || phone.String == "" {
		return "", false, nil
	}
	return phone.String, true, nil
}

// CountUsers returns the total number of recorded users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
