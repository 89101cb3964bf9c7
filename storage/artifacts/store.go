// Package artifacts persists credential artifacts exported after a
// successful sign-in. One row per user; a later attempt overwrites the
// previous artifact.
package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/nvoloshin/authbridge/core/logger"
)

// ErrNotFound is returned by Load when no artifact exists for the user.
var ErrNotFound = errors.New("artifact not found")

// Store is the Postgres-backed artifact store.
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Save upserts the artifact for the user, recording which attempt produced it.
func (s *Store) Save(ctx context.Context, userID int64, attemptID string, data []byte) error {
	const query = `
		INSERT INTO credentials (user_id, attempt_id, artifact, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			attempt_id = EXCLUDED.attempt_id,
			artifact   = EXCLUDED.artifact,
			updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, userID, attemptID, data); err != nil {
		logger.STArtifacts.Error("artifact save failed",
			slog.String("event", "store.artifact.failed"),
			slog.Int64("user_id", userID),
			slog.String("attempt_id", attemptID),
			slog.String("err_code", "ARTIFACT_SAVE_FAIL"),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("save artifact: %w", err)
	}
	logger.STArtifacts.Info("artifact saved",
		slog.String("event", "store.artifact.saved"),
		slog.Int64("user_id", userID),
		slog.String("attempt_id", attemptID),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// Load returns the stored artifact for the user.
func (s *Store) Load(ctx context.Context, userID int64) ([]byte, error) {
	const query = `SELECT artifact FROM credentials WHERE user_id = $1`
	var data []byte
	err := s.db.GetContext(ctx, &data, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	return data, nil
}
