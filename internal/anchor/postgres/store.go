package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agent-credit/credit-rails/internal/anchor"
)

var ErrInvalidConfig = errors.New("anchor/postgres: invalid config")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS anchor_outbox (
	tx_hash    TEXT NOT NULL,
	chain_id   BIGINT NOT NULL,
	kind       TEXT NOT NULL,
	stage      TEXT NOT NULL,
	data_hash  TEXT NOT NULL,
	receipt_id TEXT NOT NULL DEFAULT '',
	attempts   INT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tx_hash, chain_id)
);
`

// Store implements anchor.Outbox on postgres, shared by the API process
// that writes entries and the outbox worker that drains them.
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
		return fmt.Errorf("anchor/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, e anchor.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO anchor_outbox (tx_hash, chain_id, kind, stage, data_hash, receipt_id, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
		ON CONFLICT (tx_hash, chain_id) DO UPDATE SET
			kind = EXCLUDED.kind,
			stage = EXCLUDED.stage,
			data_hash = EXCLUDED.data_hash,
			receipt_id = EXCLUDED.receipt_id
	`, e.TxHash, e.ChainID, e.Kind, e.Stage, e.DataHash, e.ReceiptID, e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("anchor/postgres: put: %w", err)
	}
	return nil
}

func (s *Store) Pending(ctx context.Context, limit int) ([]anchor.Entry, error) {
	if limit <= 0 {
		limit = 64
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tx_hash, chain_id, kind, stage, data_hash, receipt_id, attempts, created_at
		FROM anchor_outbox
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("anchor/postgres: pending: %w", err)
	}
	defer rows.Close()

	var out []anchor.Entry
	for rows.Next() {
		var e anchor.Entry
		if err := rows.Scan(&e.TxHash, &e.ChainID, &e.Kind, &e.Stage, &e.DataHash, &e.ReceiptID, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("anchor/postgres: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("anchor/postgres: pending rows: %w", err)
	}
	return out, nil
}

func (s *Store) MarkDone(ctx context.Context, txHash string, chainID uint64) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM anchor_outbox WHERE tx_hash = $1 AND chain_id = $2
	`, txHash, chainID)
	if err != nil {
		return fmt.Errorf("anchor/postgres: mark done: %w", err)
	}
	return nil
}

func (s *Store) Bump(ctx context.Context, txHash string, chainID uint64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE anchor_outbox SET attempts = attempts + 1
		WHERE tx_hash = $1 AND chain_id = $2
	`, txHash, chainID)
	if err != nil {
		return fmt.Errorf("anchor/postgres: bump: %w", err)
	}
	return nil
}

// Depth reports the current outbox backlog for monitoring.
func (s *Store) Depth(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM anchor_outbox`).Scan(&n)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("anchor/postgres: depth: %w", err)
	}
	return n, nil
}
