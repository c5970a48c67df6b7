package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("settleq/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS settled_events (
	event_id     TEXT PRIMARY KEY,
	message_id   TEXT NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL
);
`

// Store implements settleq.SubmissionStore on postgres. The primary-key
// insert is the first-writer-wins check across worker replicas.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("settleq/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) MarkSubmitted(ctx context.Context, eventID, messageID string, at time.Time) (bool, error) {
	if eventID == "" {
		return false, fmt.Errorf("%w: empty event id", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO settled_events (event_id, message_id, submitted_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, messageID, at.UTC())
	if err != nil {
		return false, fmt.Errorf("settleq/postgres: mark submitted: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Submitted(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM settled_events WHERE event_id = $1)
	`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("settleq/postgres: submitted lookup: %w", err)
	}
	return exists, nil
}
