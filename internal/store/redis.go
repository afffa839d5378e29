package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// single market rows. Market writes go to the primary store and invalidate
// the cached row; every other call passes straight through.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	return nil
}

func (s *CachedStore) UpdateMarketPrice(ctx context.Context, id int64, yesPrice int, history []int) error {
	if err := s.Store.UpdateMarketPrice(ctx, id, yesPrice, history); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) RecordMarketActivity(ctx context.Context, id int64, volume decimal.Decimal) error {
	if err := s.Store.RecordMarketActivity(ctx, id, volume); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id int64) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, id int64) {
	if err := s.rdb.Del(ctx, marketKey(id)).Err(); err != nil {
		slog.Warn("market cache invalidation failed", "market", id, "err", err)
	}
}

func marketKey(id int64) string { return fmt.Sprintf("market:%d", id) }
