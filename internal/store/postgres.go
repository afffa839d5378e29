package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/model"
)

// postgresSchema mirrors sql/postgres/001_trades.sql.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id        TEXT PRIMARY KEY,
    user_id   TEXT        NOT NULL,
    market_id BIGINT      NOT NULL,
    kind      TEXT        NOT NULL,
    side      TEXT        NOT NULL,
    shares    BIGINT      NOT NULL,
    price     INTEGER     NOT NULL,
    amount    NUMERIC     NOT NULL,
    timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, timestamp);
`

// PostgresArchive mirrors the trade log into PostgreSQL.
// Amounts are stored as NUMERIC for exact decimal precision.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a PostgreSQL-backed trade archive.
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

// EnsureSchema creates the trades table if it does not exist.
func (s *PostgresArchive) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("postgres archive: apply schema: %w", err)
	}
	return nil
}

func (s *PostgresArchive) ArchiveTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, market_id, kind, side, shares, price, amount, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9)`,
		t.ID, t.UserID, t.MarketID, string(t.Kind), string(t.Side),
		t.Shares, t.Price, t.Amount.String(), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("archive trade %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresArchive) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, market_id, kind, side, shares, price, amount::TEXT, timestamp
		 FROM trades WHERE user_id = $1 ORDER BY timestamp, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

// Close releases the connection pool.
func (s *PostgresArchive) Close() error {
	s.pool.Close()
	return nil
}

// tradeRows is the subset of pgx.Rows and *sql.Rows used by scanTrades.
type tradeRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows tradeRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var kind, side, amountS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.MarketID, &kind, &side,
			&t.Shares, &t.Price, &amountS, &t.Timestamp); err != nil {
			return nil, err
		}

		t.Kind = model.TradeKind(kind)
		t.Side = model.Side(side)
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("trade %s: parse amount %q: %w", t.ID, amountS, err)
		}
		t.Amount = amount

		trades = append(trades, t)
	}
	return trades, rows.Err()
}
