// Package audit writes terminal orders to an append-only log.
package audit

import (
	"context"
	"fmt"

	"github.com/evdnx/marketgate/models"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sink receives every order exactly once, when it reaches a terminal state.
type Sink interface {
	Record(ctx context.Context, order models.Order) error
}

// NoopSink discards orders.
type NoopSink struct{}

// Record implements Sink.
func (NoopSink) Record(context.Context, models.Order) error { return nil }

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS order_audit (
	client_order_id   TEXT PRIMARY KEY,
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	order_type        TEXT NOT NULL,
	qty               NUMERIC NOT NULL,
	limit_price       NUMERIC,
	state             TEXT NOT NULL,
	provider_order_id TEXT,
	filled_price      NUMERIC,
	reason            TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	recorded_at       TIMESTAMPTZ NOT NULL
)`

const insertOrder = `
INSERT INTO order_audit (
	client_order_id, symbol, side, order_type, qty, limit_price, state,
	provider_order_id, filled_price, reason, created_at, recorded_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (client_order_id) DO NOTHING`

// PostgresSink inserts orders into the order_audit table.
type PostgresSink struct {
	pool *pgxpool.Pool
	db   execer
}

// NewPostgresSink connects to databaseURL.
func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	return &PostgresSink{pool: pool, db: pool}, nil
}

// EnsureSchema creates the audit table if needed.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create audit table: %w", err)
	}
	return nil
}

// Record implements Sink. Replays of the same order are ignored.
func (s *PostgresSink) Record(ctx context.Context, o models.Order) error {
	var limit any
	if o.Type == models.OrderTypeLimit {
		limit = o.LimitPrice
	}
	var reason any
	if o.Reason != "" {
		reason = o.Reason
	}
	var providerID any
	if o.ProviderOrderID != "" {
		providerID = o.ProviderOrderID
	}

	_, err := s.db.Exec(ctx, insertOrder,
		o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), o.Qty, limit,
		string(o.State), providerID, o.FilledPrice, reason, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit order %s: %w", o.ClientOrderID, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
