// Package auditrows appends a durable audit trail of pipeline decisions:
// intents issued, transfers executed, proofs redeemed, anchors written.
package auditrows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInvalidConfig = errors.New("auditrows: invalid config")

// Row is one audit fact. Detail is free-form JSON owned by the caller.
type Row struct {
	At      time.Time       `json:"at"`
	Actor   string          `json:"actor"`
	Action  string          `json:"action"`
	Subject string          `json:"subject"`
	Detail  json.RawMessage `json:"detail,omitempty"`
}

// Sink accepts audit rows. Appends must not fail the operation they
// describe; callers log sink errors and move on.
type Sink interface {
	Append(ctx context.Context, row Row) error
	Recent(ctx context.Context, limit int) ([]Row, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS audit_rows (
	id      BIGSERIAL PRIMARY KEY,
	at      TIMESTAMPTZ NOT NULL,
	actor   TEXT NOT NULL,
	action  TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail  JSONB
);
CREATE INDEX IF NOT EXISTS audit_rows_subject_idx ON audit_rows (subject);
`

// PostgresSink stores rows in postgres.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) (*PostgresSink, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &PostgresSink{pool: pool}, nil
}

func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("auditrows: ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresSink) Append(ctx context.Context, row Row) error {
	if row.Action == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidConfig)
	}
	at := row.At
	if at.IsZero() {
		at = time.Now()
	}
	var detail any
	if len(row.Detail) > 0 {
		detail = row.Detail
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_rows (at, actor, action, subject, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, at.UTC(), row.Actor, row.Action, row.Subject, detail)
	if err != nil {
		return fmt.Errorf("auditrows: append: %w", err)
	}
	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT at, actor, action, subject, COALESCE(detail, 'null'::jsonb)
		FROM audit_rows
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("auditrows: recent: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.At, &r.Actor, &r.Action, &r.Subject, &r.Detail); err != nil {
			return nil, fmt.Errorf("auditrows: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("auditrows: recent rows: %w", err)
	}
	return out, nil
}

// MemorySink is the single-process Sink, newest first in Recent.
type MemorySink struct {
	mu   sync.Mutex
	rows []Row
	max  int
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 10_000
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Append(_ context.Context, row Row) error {
	if row.Action == "" {
		return fmt.Errorf("%w: empty action", ErrInvalidConfig)
	}
	if row.At.IsZero() {
		row.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	if len(s.rows) > s.max {
		s.rows = s.rows[len(s.rows)-s.max:]
	}
	return nil
}

func (s *MemorySink) Recent(_ context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.rows)
	if limit > n {
		limit = n
	}
	out := make([]Row, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.rows[i])
	}
	return out, nil
}
