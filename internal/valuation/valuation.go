// Package valuation computes mark-to-market net worth and leaderboards.
//
// Everything here is read-only and recomputed on every call: prices move
// continuously, so nothing is cached. Each call prices all positions from a
// single market snapshot taken at the start of the call.
package valuation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/metrics"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

// Service values users against live market prices.
type Service struct {
	store store.Store
}

// NewService creates a valuation service over st.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// priceBook maps market ID to the market as of one snapshot.
type priceBook map[int64]model.Market

func (s *Service) snapshot(ctx context.Context) (priceBook, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot markets: %w", err)
	}
	book := make(priceBook, len(markets))
	for _, m := range markets {
		book[m.ID] = m
	}
	return book, nil
}

// value returns shares × current side price / 100 for one position.
func (b priceBook) value(p model.Position) (int, decimal.Decimal, error) {
	m, ok := b[p.MarketID]
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("%w: %d (position %s)", model.ErrMarketNotFound, p.MarketID, p.ID)
	}
	price := m.PriceFor(p.Side)
	return price, decimal.NewFromInt(p.Shares * int64(price)).Shift(-2), nil
}

// netWorth values one account snapshot against book.
func netWorth(book priceBook, acct *model.Account) (decimal.Decimal, error) {
	total := acct.User.Balance
	for _, p := range acct.Positions {
		_, v, err := book.value(p)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(v)
	}
	return total, nil
}

// NetWorth returns the user's cash plus the live value of open positions.
// Cash and positions come from one account read, so an order settling
// concurrently is either fully reflected or not at all.
func (s *Service) NetWorth(ctx context.Context, userID string) (decimal.Decimal, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	book, err := s.snapshot(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return netWorth(book, acct)
}

// Leaderboard ranks all users by net worth, highest first. Ties keep
// registration order. limit <= 0 returns every user.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]model.LeaderboardEntry, error) {
	start := time.Now()
	defer func() { metrics.LeaderboardLatency.Observe(time.Since(start).Seconds()) }()

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	book, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]model.LeaderboardEntry, 0, len(accounts))
	for i := range accounts {
		u := &accounts[i].User
		nw, err := netWorth(book, &accounts[i])
		if err != nil {
			return nil, fmt.Errorf("value user %s: %w", u.ID, err)
		}
		entries = append(entries, model.LeaderboardEntry{
			UserID:   u.ID,
			Username: u.Username,
			NetWorth: nw,
			WinRate:  u.WinRate(),
			Wins:     u.Wins,
			Losses:   u.Losses,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].NetWorth.GreaterThan(entries[j].NetWorth)
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}

// Portfolio marks each open position to market and totals the user's
// unrealized P&L and net worth.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	book, err := s.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	user, positions := &acct.User, acct.Positions

	pf := &model.Portfolio{
		UserID:        userID,
		Balance:       user.Balance,
		Positions:     make([]model.PositionValue, 0, len(positions)),
		PositionValue: decimal.Zero,
		UnrealizedPnL: decimal.Zero,
		WinRate:       user.WinRate(),
	}
	for _, p := range positions {
		price, value, err := book.value(p)
		if err != nil {
			return nil, err
		}
		costBasis := p.AvgCost.Mul(decimal.NewFromInt(p.Shares)).Shift(-2)
		pnl := value.Sub(costBasis)

		pf.Positions = append(pf.Positions, model.PositionValue{
			Position:      p,
			CurrentPrice:  price,
			CurrentValue:  value,
			CostBasis:     costBasis,
			UnrealizedPnL: pnl,
		})
		pf.PositionValue = pf.PositionValue.Add(value)
		pf.UnrealizedPnL = pf.UnrealizedPnL.Add(pnl)
	}
	pf.NetWorth = user.Balance.Add(pf.PositionValue)
	return pf, nil
}
