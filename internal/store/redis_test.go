package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

func newCachedStore(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	return store.NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_ReadThrough(t *testing.T) {
	cs, ms, mr := newCachedStore(t)
	seedMarket(t, ms, 1, 40)
	ctx := context.Background()

	assert.False(t, mr.Exists("market:1"))

	m, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 40, m.YesPrice)
	assert.True(t, mr.Exists("market:1"))

	cached, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 40, cached.YesPrice)
	assert.Len(t, cached.History, model.HistoryLen)
}

func TestCachedStore_PriceUpdateInvalidates(t *testing.T) {
	cs, ms, mr := newCachedStore(t)
	seedMarket(t, ms, 1, 40)
	ctx := context.Background()

	_, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	require.True(t, mr.Exists("market:1"))

	require.NoError(t, cs.UpdateMarketPrice(ctx, 1, 41, model.PushHistory(model.NewHistory(40), 41)))
	assert.False(t, mr.Exists("market:1"))

	m, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 41, m.YesPrice)
	assert.Equal(t, 59, m.NoPrice())
}

func TestCachedStore_ActivityInvalidates(t *testing.T) {
	cs, ms, mr := newCachedStore(t)
	seedMarket(t, ms, 1, 40)
	ctx := context.Background()

	_, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, cs.RecordMarketActivity(ctx, 1, decimal.NewFromInt(20)))
	assert.False(t, mr.Exists("market:1"))

	m, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.True(t, m.Volume.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, int64(1), m.Participants)
}

func TestCachedStore_MissingMarket(t *testing.T) {
	cs, _, _ := newCachedStore(t)
	_, err := cs.GetMarket(context.Background(), 9)
	assert.ErrorIs(t, err, model.ErrMarketNotFound)
}

func TestCachedStore_PassesThroughUsers(t *testing.T) {
	cs, _, _ := newCachedStore(t)
	seedUser(t, cs, "u1", "alice")

	u, err := cs.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}
