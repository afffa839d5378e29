// Package store defines the ledger interface for the market engine.
// MemoryStore is the authoritative implementation; Redis (read-through
// market cache) and the trade archives (PostgreSQL, SQLite) layer on top.
package store

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/model"
)

// Store is the ledger interface. Every call is atomic on its own; callers
// that need read-modify-write across calls serialize per user themselves.
type Store interface {
	// --- Market operations ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket returns a snapshot copy of a market.
	GetMarket(ctx context.Context, id int64) (*model.Market, error)

	// ListMarkets returns all markets ordered by ID.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// UpdateMarketPrice replaces the YES price and history ring in one write.
	UpdateMarketPrice(ctx context.Context, id int64, yesPrice int, history []int) error

	// RecordMarketActivity adds volume and one participant after a trade.
	RecordMarketActivity(ctx context.Context, id int64, volume decimal.Decimal) error

	// --- Users ---

	// CreateUser registers a user; username and email must be unique.
	CreateUser(ctx context.Context, user *model.User) error

	// GetUser returns a copy of a user.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetUserByUsername looks a user up by username.
	GetUserByUsername(ctx context.Context, username string) (*model.User, error)

	// GetAccount returns a user and their open positions read together, so
	// the balance and holdings always belong to the same instant.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// ListAccounts returns every account in registration order from one
	// consistent read.
	ListAccounts(ctx context.Context) ([]model.Account, error)

	// --- Positions ---

	// GetPositions returns the user's open positions, oldest first.
	GetPositions(ctx context.Context, userID string) ([]model.Position, error)

	// GetPosition returns one open position owned by the user.
	GetPosition(ctx context.Context, userID, positionID string) (*model.Position, error)

	// FindPosition returns the open position for (market, side), if any.
	FindPosition(ctx context.Context, userID string, marketID int64, side model.Side) (*model.Position, bool, error)

	// --- Order settlement ---

	// ApplyBuy sets the user's balance and, if pos is non-nil, inserts or
	// replaces that position by ID, as a single atomic write.
	ApplyBuy(ctx context.Context, userID string, balance decimal.Decimal, pos *model.Position) error

	// ApplySell sets the user's balance, records the win or loss and removes
	// the position, as a single atomic write.
	ApplySell(ctx context.Context, userID string, balance decimal.Decimal, positionID string, win bool) error

	// --- Immutable trade log ---

	// AppendTrade appends an immutable trade record.
	AppendTrade(ctx context.Context, trade *model.Trade) error

	// ListTrades returns the user's trades in execution order.
	ListTrades(ctx context.Context, userID string) ([]model.Trade, error)
}
