// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal, never float64 for money.
// Contract prices are integer cents in [MinPrice, MaxPrice].
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	// MinPrice and MaxPrice bound a YES price in cents. Prices never reach
	// certainty so contracts stay tradeable.
	MinPrice = 1
	MaxPrice = 99

	// HistoryLen is the fixed length of a market's price-history ring.
	HistoryLen = 20

	// titleSnippetLen caps the market title copied onto a position.
	titleSnippetLen = 60
)

// Side is the binary outcome a contract refers to.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// TradeKind distinguishes buys from sells in the trade log.
type TradeKind string

const (
	TradeBuy  TradeKind = "BUY"
	TradeSell TradeKind = "SELL"
)

// Market is one binary question with a synthetic market-maker price.
// Only the YES price is stored; the NO price is always derived.
type Market struct {
	ID               int64           `json:"id" db:"id"`
	Category         string          `json:"category" db:"category"`
	Title            string          `json:"title" db:"title"`
	YesPrice         int             `json:"yes_price" db:"yes_price"`
	History          []int           `json:"history"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	Participants     int64           `json:"participants" db:"participants"`
	DaysToResolution int             `json:"days_to_resolution" db:"days_to_resolution"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// NoPrice is the complement of the YES price.
func (m *Market) NoPrice() int {
	return 100 - m.YesPrice
}

// PriceFor returns the current price in cents for the given side.
func (m *Market) PriceFor(side Side) int {
	if side == SideNo {
		return m.NoPrice()
	}
	return m.YesPrice
}

// Clone returns a deep copy so callers never share the history slice.
func (m *Market) Clone() *Market {
	c := *m
	c.History = append([]int(nil), m.History...)
	return &c
}

// Snapshot renders the market as the read-only view served to clients.
func (m *Market) Snapshot() MarketSnapshot {
	return MarketSnapshot{
		MarketID:         m.ID,
		Category:         m.Category,
		Title:            m.Title,
		YesPrice:         m.YesPrice,
		NoPrice:          m.NoPrice(),
		History:          append([]int(nil), m.History...),
		Volume:           m.Volume,
		Participants:     m.Participants,
		DaysToResolution: m.DaysToResolution,
	}
}

// MarketSnapshot is a point-in-time view of a market.
type MarketSnapshot struct {
	MarketID         int64           `json:"market_id"`
	Category         string          `json:"category"`
	Title            string          `json:"title"`
	YesPrice         int             `json:"yes_price"`
	NoPrice          int             `json:"no_price"`
	History          []int           `json:"history"`
	Volume           decimal.Decimal `json:"volume"`
	Participants     int64           `json:"participants"`
	DaysToResolution int             `json:"days_to_resolution"`
}

// NewHistory returns a full ring filled with the initial price.
func NewHistory(price int) []int {
	h := make([]int, HistoryLen)
	for i := range h {
		h[i] = price
	}
	return h
}

// PushHistory evicts the oldest sample and appends price, returning a new
// slice of the same length. The input is left untouched.
func PushHistory(history []int, price int) []int {
	if len(history) == 0 {
		return []int{price}
	}
	next := make([]int, len(history))
	copy(next, history[1:])
	next[len(next)-1] = price
	return next
}

// User is a registered trader. Balance never goes negative.
type User struct {
	ID           string          `json:"id" db:"id"`
	Username     string          `json:"username" db:"username"`
	Email        string          `json:"email" db:"email"`
	PasswordHash string          `json:"-" db:"password_hash"`
	Balance      decimal.Decimal `json:"balance" db:"balance"`
	Wins         int64           `json:"wins" db:"wins"`
	Losses       int64           `json:"losses" db:"losses"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// WinRate is wins / (wins + losses), or 0 before any sale.
func (u *User) WinRate() float64 {
	total := u.Wins + u.Losses
	if total <= 0 {
		return 0
	}
	return float64(u.Wins) / float64(total)
}

// Account is a user together with their open positions, read as one
// snapshot.
type Account struct {
	User      User
	Positions []Position
}

// Position is an open holding keyed by (market, side). At most one exists
// per user for each pair; fully sold positions are removed.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    int64           `json:"market_id" db:"market_id"`
	Side        Side            `json:"side" db:"side"`
	Shares      int64           `json:"shares" db:"shares"`
	AvgCost     decimal.Decimal `json:"avg_cost" db:"avg_cost"` // cents per share
	MarketTitle string          `json:"market_title" db:"market_title"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// TitleSnippet shortens a market title for display on a position.
func TitleSnippet(title string) string {
	r := []rune(title)
	if len(r) <= titleSnippetLen {
		return title
	}
	return string(r[:titleSnippetLen-3]) + "..."
}

// Trade is an immutable record of an executed order.
// Once created, these are never modified or deleted.
type Trade struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	MarketID  int64           `json:"market_id" db:"market_id"`
	Kind      TradeKind       `json:"kind" db:"kind"`
	Side      Side            `json:"side" db:"side"`
	Shares    int64           `json:"shares" db:"shares"`
	Price     int             `json:"price" db:"price"`   // cents
	Amount    decimal.Decimal `json:"amount" db:"amount"` // cash paid (buy) or received (sell)
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// LeaderboardEntry is one ranked row of the leaderboard.
type LeaderboardEntry struct {
	Rank     int             `json:"rank"`
	UserID   string          `json:"user_id"`
	Username string          `json:"username"`
	NetWorth decimal.Decimal `json:"net_worth"`
	WinRate  float64         `json:"win_rate"`
	Wins     int64           `json:"wins"`
	Losses   int64           `json:"losses"`
}

// PositionValue is a position marked to the live market price.
type PositionValue struct {
	Position
	CurrentPrice  int             `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	CostBasis     decimal.Decimal `json:"cost_basis"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// Portfolio aggregates a user's marked positions with cash and net worth.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Balance       decimal.Decimal `json:"balance"`
	Positions     []PositionValue `json:"positions"`
	PositionValue decimal.Decimal `json:"position_value"`
	NetWorth      decimal.Decimal `json:"net_worth"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	WinRate       float64         `json:"win_rate"`
}
