package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("gate/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS redeemed_proofs (
	redemption_key TEXT PRIMARY KEY,
	redeemed_at    TIMESTAMPTZ NOT NULL
);
`

// Store implements gate.RedemptionStore on postgres. The primary-key insert
// is the atomic check-and-set: exactly one racing caller observes
// RowsAffected == 1.
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
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("gate/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Redeem(ctx context.Context, key string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if key == "" {
		return false, fmt.Errorf("%w: empty redemption key", ErrInvalidConfig)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO redeemed_proofs (redemption_key, redeemed_at)
		VALUES ($1, $2)
		ON CONFLICT (redemption_key) DO NOTHING
	`, key, at.UTC())
	if err != nil {
		return false, fmt.Errorf("gate/postgres: redeem: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
