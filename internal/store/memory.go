package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. It is the ledger of
// record for the engine: nothing survives a restart.
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[int64]*model.Market
	users     map[string]*model.User
	userOrder []string
	positions map[string][]*model.Position // userID → open positions
	trades    []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[int64]*model.Market),
		users:     make(map[string]*model.User),
		positions: make(map[string][]*model.Position),
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: %d", model.ErrDuplicateMarket, m.ID)
	}
	if m.YesPrice < model.MinPrice || m.YesPrice > model.MaxPrice {
		return fmt.Errorf("market %d: yes price %d out of range", m.ID, m.YesPrice)
	}
	s.markets[m.ID] = m.Clone()
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id int64) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", model.ErrMarketNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].ID < markets[j].ID })
	return markets, nil
}

func (s *MemoryStore) UpdateMarketPrice(_ context.Context, id int64, yesPrice int, history []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrMarketNotFound, id)
	}
	m.YesPrice = yesPrice
	m.History = append([]int(nil), history...)
	return nil
}

func (s *MemoryStore) RecordMarketActivity(_ context.Context, id int64, volume decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: %d", model.ErrMarketNotFound, id)
	}
	m.Volume = m.Volume.Add(volume)
	m.Participants++
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; ok {
		return fmt.Errorf("%w: id %s", model.ErrDuplicateUser, u.ID)
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Username, u.Username) || strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: %s", model.ErrDuplicateUser, u.Username)
		}
	}

	copy := *u
	s.users[u.ID] = &copy
	s.userOrder = append(s.userOrder, u.ID)
	return nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	copy := *u
	return &copy, nil
}

func (s *MemoryStore) GetUserByUsername(_ context.Context, username string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if strings.EqualFold(u.Username, username) {
			copy := *u
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, username)
}

// ApplyBuy writes the debited balance and, when pos is non-nil, the opened
// or merged position under one lock. Nothing is written unless both pass.
func (s *MemoryStore) ApplyBuy(_ context.Context, userID string, balance decimal.Decimal, pos *model.Position) error {
	if balance.IsNegative() {
		return fmt.Errorf("user %s: refusing negative balance %s", userID, balance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	if pos != nil {
		if err := s.upsertPositionLocked(userID, pos); err != nil {
			return err
		}
	}
	u.Balance = balance
	return nil
}

// ApplySell writes the credited balance, the win or loss, and removes the
// position under one lock.
func (s *MemoryStore) ApplySell(_ context.Context, userID string, balance decimal.Decimal, positionID string, win bool) error {
	if balance.IsNegative() {
		return fmt.Errorf("user %s: refusing negative balance %s", userID, balance)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	open := s.positions[userID]
	idx := -1
	for i, p := range open {
		if p.ID == positionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
	}

	s.positions[userID] = append(open[:idx:idx], open[idx+1:]...)
	u.Balance = balance
	if win {
		u.Wins++
	} else {
		u.Losses++
	}
	return nil
}

// GetAccount returns the user and their open positions as of one instant.
func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, userID)
	}
	acct := s.accountLocked(u)
	return &acct, nil
}

// ListAccounts returns every account in registration order, all read under
// the same lock.
func (s *MemoryStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Account, 0, len(s.userOrder))
	for _, id := range s.userOrder {
		out = append(out, s.accountLocked(s.users[id]))
	}
	return out, nil
}

func (s *MemoryStore) accountLocked(u *model.User) model.Account {
	open := s.positions[u.ID]
	positions := make([]model.Position, 0, len(open))
	for _, p := range open {
		positions = append(positions, *p)
	}
	return model.Account{User: *u, Positions: positions}
}

func (s *MemoryStore) GetPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := s.positions[userID]
	out := make([]model.Position, 0, len(open))
	for _, p := range open {
		out = append(out, *p)
	}
	return out, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, userID, positionID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions[userID] {
		if p.ID == positionID {
			copy := *p
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", model.ErrPositionNotFound, positionID)
}

func (s *MemoryStore) FindPosition(_ context.Context, userID string, marketID int64, side model.Side) (*model.Position, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions[userID] {
		if p.MarketID == marketID && p.Side == side {
			copy := *p
			return &copy, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) upsertPositionLocked(userID string, pos *model.Position) error {
	if pos.Shares <= 0 {
		return fmt.Errorf("position %s: shares must be positive, got %d", pos.ID, pos.Shares)
	}
	if pos.UserID != userID {
		return fmt.Errorf("position %s belongs to %s, not %s", pos.ID, pos.UserID, userID)
	}

	copy := *pos
	open := s.positions[userID]
	for i, p := range open {
		if p.ID == pos.ID {
			open[i] = &copy
			return nil
		}
		// One open position per (market, side).
		if p.MarketID == pos.MarketID && p.Side == pos.Side {
			return fmt.Errorf("position for market %d %s already open as %s", pos.MarketID, pos.Side, p.ID)
		}
	}
	s.positions[userID] = append(open, &copy)
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *trade)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			result = append(result, t)
		}
	}
	return result, nil
}
