package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/predictsim/market-engine/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
    id        TEXT PRIMARY KEY,
    user_id   TEXT     NOT NULL,
    market_id INTEGER  NOT NULL,
    kind      TEXT     NOT NULL,
    side      TEXT     NOT NULL,
    shares    INTEGER  NOT NULL,
    price     INTEGER  NOT NULL,
    amount    TEXT     NOT NULL,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, timestamp);
`

// SQLiteArchive mirrors the trade log into a local SQLite file (pure Go,
// no CGo). Amounts are stored as decimal strings.
type SQLiteArchive struct {
	db *sql.DB
}

// NewSQLiteArchive opens (or creates) the archive at path and applies the
// schema. Use ":memory:" for a throwaway archive.
func NewSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.NewSQLiteArchive: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.NewSQLiteArchive: apply schema: %w", err)
	}
	return &SQLiteArchive{db: db}, nil
}

func (s *SQLiteArchive) ArchiveTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, market_id, kind, side, shares, price, amount, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.MarketID, string(t.Kind), string(t.Side),
		t.Shares, t.Price, t.Amount.String(), t.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store.ArchiveTrade: insert %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteArchive) TradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, market_id, kind, side, shares, price, amount, timestamp
		 FROM trades WHERE user_id = ? ORDER BY timestamp, rowid`, userID)
	if err != nil {
		return nil, fmt.Errorf("store.TradesByUser: %w", err)
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	for i := range trades {
		trades[i].Timestamp = trades[i].Timestamp.In(time.UTC)
	}
	return trades, nil
}

// Close closes the database.
func (s *SQLiteArchive) Close() error {
	return s.db.Close()
}
