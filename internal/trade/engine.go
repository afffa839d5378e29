package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/metrics"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

// avgCostScale is the number of decimal places kept on a cost basis.
const avgCostScale int32 = 8

var hundred = decimal.NewFromInt(100)

// BuyResult is returned by a successful Buy.
type BuyResult struct {
	TradeID    string          `json:"trade_id"`
	PositionID string          `json:"position_id,omitempty"` // empty for a dust buy with no open position
	Balance    decimal.Decimal `json:"balance"`
	Shares     int64           `json:"shares"`
	Price      int             `json:"price"`
}

// SellResult is returned by a successful Sell.
type SellResult struct {
	TradeID string          `json:"trade_id"`
	Balance decimal.Decimal `json:"balance"`
	Payout  decimal.Decimal `json:"payout"`
	Price   int             `json:"price"`
	Win     bool            `json:"win"`
}

// Engine executes buys and sells against the ledger at the current
// synthetic price. Orders for one user are serialized; different users
// trade in parallel.
type Engine struct {
	store  store.Store
	prices MarketSource
	locks  *userLocks
	wsHub  *WSHub // optional
	now    func() time.Time
}

// MarketSource supplies the market row an order executes against.
type MarketSource interface {
	GetMarket(ctx context.Context, id int64) (*model.Market, error)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithPriceSource makes orders read execution prices from src instead of
// the engine's store. Pass the authoritative ledger when the store is
// wrapped in a cache, so fills never use a cached price.
func WithPriceSource(src MarketSource) EngineOption {
	return func(e *Engine) { e.prices = src }
}

// NewEngine creates a trading engine. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewEngine(st store.Store, hub *WSHub, opts ...EngineOption) *Engine {
	e := &Engine{
		store:  st,
		prices: st,
		locks:  newUserLocks(),
		wsHub:  hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SharesFor returns floor(amount / (price/100)), the whole shares amount
// buys at price cents. It never rounds up.
func SharesFor(amount decimal.Decimal, price int) int64 {
	q, _ := amount.Mul(hundred).QuoRem(decimal.NewFromInt(int64(price)), 0)
	return q.IntPart()
}

// PayoutFor returns shares × price / 100.
func PayoutFor(shares int64, price int) decimal.Decimal {
	return decimal.NewFromInt(shares).Mul(decimal.NewFromInt(int64(price))).Shift(-2)
}

// MergeCost returns the share-weighted average of an existing cost basis and
// a new fill. newShares must be positive.
func MergeCost(oldAvg decimal.Decimal, oldShares int64, price int, shares int64) decimal.Decimal {
	total := oldShares + shares
	weighted := oldAvg.Mul(decimal.NewFromInt(oldShares)).
		Add(decimal.NewFromInt(int64(price) * shares))
	return weighted.DivRound(decimal.NewFromInt(total), avgCostScale)
}

// Buy spends amount of the user's cash on side of market at the current
// price. The whole amount is debited even when it buys zero shares.
func (e *Engine) Buy(ctx context.Context, userID string, marketID int64, side model.Side, amount decimal.Decimal) (*BuyResult, error) {
	start := time.Now()

	if !side.Valid() {
		return nil, e.reject(fmt.Errorf("%w: %q", model.ErrInvalidSide, side))
	}
	if !amount.IsPositive() {
		return nil, e.reject(fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount))
	}

	unlock := e.locks.lock(userID)
	defer unlock()

	// --- Validate everything before the first write ---
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, e.reject(err)
	}
	market, err := e.prices.GetMarket(ctx, marketID)
	if err != nil {
		return nil, e.reject(err)
	}
	if amount.GreaterThan(user.Balance) {
		return nil, e.reject(fmt.Errorf("%w: amount %s, balance %s", model.ErrInsufficientFunds, amount, user.Balance))
	}
	existing, hasPosition, err := e.store.FindPosition(ctx, userID, marketID, side)
	if err != nil {
		return nil, err
	}

	price := market.PriceFor(side)
	shares := SharesFor(amount, price)
	newBalance := user.Balance.Sub(amount)
	now := e.now()

	var pos *model.Position
	switch {
	case hasPosition && shares > 0:
		merged := *existing
		merged.AvgCost = MergeCost(existing.AvgCost, existing.Shares, price, shares)
		merged.Shares += shares
		pos = &merged
	case shares > 0:
		pos = &model.Position{
			ID:          uuid.New().String(),
			UserID:      userID,
			MarketID:    marketID,
			Side:        side,
			Shares:      shares,
			AvgCost:     decimal.NewFromInt(int64(price)),
			MarketTitle: model.TitleSnippet(market.Title),
			CreatedAt:   now,
		}
	}

	// --- Apply ---
	if err := e.store.ApplyBuy(ctx, userID, newBalance, pos); err != nil {
		return nil, fmt.Errorf("settle buy for %s: %w", userID, err)
	}
	if err := e.store.RecordMarketActivity(ctx, marketID, amount); err != nil {
		return nil, fmt.Errorf("record activity on market %d: %w", marketID, err)
	}

	positionID := ""
	switch {
	case pos != nil:
		positionID = pos.ID
		if !hasPosition {
			metrics.OpenPositions.Inc()
		}
	case hasPosition:
		positionID = existing.ID
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  marketID,
		Kind:      model.TradeBuy,
		Side:      side,
		Shares:    shares,
		Price:     price,
		Amount:    amount,
		Timestamp: now,
	}
	if err := e.store.AppendTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeBuy), string(side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(model.TradeBuy)).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(strconv.FormatInt(marketID, 10), string(side)).Add(amount.InexactFloat64())
	if shares == 0 {
		metrics.DustTrades.Inc()
	}

	slog.Info("buy executed",
		"trade_id", trade.ID,
		"user", userID,
		"market", marketID,
		"side", side,
		"amount", amount.String(),
		"price", price,
		"shares", shares,
		"balance", newBalance.String(),
	)

	e.broadcast(trade, market)

	return &BuyResult{
		TradeID:    trade.ID,
		PositionID: positionID,
		Balance:    newBalance,
		Shares:     shares,
		Price:      price,
	}, nil
}

// Sell closes the whole position at the current price of its side. A sale
// strictly above the cost basis counts as a win; anything else, including
// breakeven, counts as a loss.
func (e *Engine) Sell(ctx context.Context, userID, positionID string) (*SellResult, error) {
	start := time.Now()

	unlock := e.locks.lock(userID)
	defer unlock()

	pos, err := e.store.GetPosition(ctx, userID, positionID)
	if err != nil {
		return nil, e.reject(err)
	}
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, e.reject(err)
	}
	market, err := e.prices.GetMarket(ctx, pos.MarketID)
	if err != nil {
		return nil, e.reject(err)
	}

	price := market.PriceFor(pos.Side)
	payout := PayoutFor(pos.Shares, price)
	win := decimal.NewFromInt(int64(price)).GreaterThan(pos.AvgCost)
	newBalance := user.Balance.Add(payout)
	now := e.now()

	if err := e.store.ApplySell(ctx, userID, newBalance, positionID, win); err != nil {
		return nil, fmt.Errorf("settle sell of %s: %w", positionID, err)
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		UserID:    userID,
		MarketID:  pos.MarketID,
		Kind:      model.TradeSell,
		Side:      pos.Side,
		Shares:    pos.Shares,
		Price:     price,
		Amount:    payout,
		Timestamp: now,
	}
	if err := e.store.AppendTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record trade: %w", err)
	}

	metrics.TradesTotal.WithLabelValues(string(model.TradeSell), string(pos.Side)).Inc()
	metrics.OpenPositions.Dec()
	metrics.TradeLatency.WithLabelValues(string(model.TradeSell)).Observe(time.Since(start).Seconds())

	slog.Info("sell executed",
		"trade_id", trade.ID,
		"user", userID,
		"position", positionID,
		"market", pos.MarketID,
		"side", pos.Side,
		"shares", pos.Shares,
		"avg_cost", pos.AvgCost.String(),
		"price", price,
		"payout", payout.String(),
		"win", win,
	)

	e.broadcast(trade, market)

	return &SellResult{
		TradeID: trade.ID,
		Balance: newBalance,
		Payout:  payout,
		Price:   price,
		Win:     win,
	}, nil
}

// MarketSnapshot returns the current price, history and activity of a market.
func (e *Engine) MarketSnapshot(ctx context.Context, marketID int64) (*model.MarketSnapshot, error) {
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	snap := m.Snapshot()
	return &snap, nil
}

// Markets returns snapshots of every market.
func (e *Engine) Markets(ctx context.Context) ([]model.MarketSnapshot, error) {
	markets, err := e.store.ListMarkets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.MarketSnapshot, 0, len(markets))
	for i := range markets {
		out = append(out, markets[i].Snapshot())
	}
	return out, nil
}

// Positions returns the user's open positions.
func (e *Engine) Positions(ctx context.Context, userID string) ([]model.Position, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.GetPositions(ctx, userID)
}

// Trades returns the user's trade log.
func (e *Engine) Trades(ctx context.Context, userID string) ([]model.Trade, error) {
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	return e.store.ListTrades(ctx, userID)
}

// reject counts a rejected order by error code and passes err through.
func (e *Engine) reject(err error) error {
	code := "INTERNAL"
	var de *model.Error
	if errors.As(err, &de) {
		code = de.Code
	}
	metrics.TradeRejections.WithLabelValues(code).Inc()
	slog.Debug("order rejected", "code", code, "err", err)
	return err
}

func (e *Engine) broadcast(t *model.Trade, m *model.Market) {
	if e.wsHub == nil {
		return
	}
	e.wsHub.Broadcast(WSMessage{
		Type:     "trade_executed",
		MarketID: t.MarketID,
		Kind:     string(t.Kind),
		Side:     string(t.Side),
		Shares:   t.Shares,
		Price:    t.Price,
		YesPrice: m.YesPrice,
		NoPrice:  m.NoPrice(),
	})
}

// userLocks hands out one mutex per user so a user's balance
// read-check-write never interleaves with another of their orders. Entries
// are reference counted and dropped once no order holds or waits on them.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}

// size reports how many users currently have a lock entry.
func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
