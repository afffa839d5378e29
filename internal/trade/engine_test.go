package trade_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
	"github.com/predictsim/market-engine/internal/trade"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newEngine(t *testing.T) (*trade.Engine, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	addMarket(t, ms, 1, 40)
	addUser(t, ms, "u1", "alice", "10000")
	return trade.NewEngine(ms, nil), ms
}

func addMarket(t *testing.T, st store.Store, id int64, yes int) {
	t.Helper()
	require.NoError(t, st.CreateMarket(context.Background(), &model.Market{
		ID:               id,
		Category:         "Economics",
		Title:            "Will the Fed cut rates at the next meeting?",
		YesPrice:         yes,
		History:          model.NewHistory(yes),
		DaysToResolution: 14,
		CreatedAt:        time.Now().UTC(),
	}))
}

func addUser(t *testing.T, st store.Store, id, username, balance string) {
	t.Helper()
	require.NoError(t, st.CreateUser(context.Background(), &model.User{
		ID:        id,
		Username:  username,
		Email:     username + "@example.com",
		Balance:   d(balance),
		CreatedAt: time.Now().UTC(),
	}))
}

func setPrice(t *testing.T, st store.Store, id int64, yes int) {
	t.Helper()
	m, err := st.GetMarket(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, st.UpdateMarketPrice(context.Background(), id, yes, model.PushHistory(m.History, yes)))
}

func balanceOf(t *testing.T, st store.Store, userID string) decimal.Decimal {
	t.Helper()
	u, err := st.GetUser(context.Background(), userID)
	require.NoError(t, err)
	return u.Balance
}

func TestSharesFor(t *testing.T) {
	tests := []struct {
		amount string
		price  int
		want   int64
	}{
		{"20", 40, 50},
		{"1", 99, 1},
		{"1", 1, 100},
		{"0.30", 40, 0},
		{"0.99", 99, 1},
		{"0.98", 99, 0},
		{"10000", 1, 1000000},
		{"33.33", 33, 101},
	}
	for _, tc := range tests {
		got := trade.SharesFor(d(tc.amount), tc.price)
		assert.Equal(t, tc.want, got, "SharesFor(%s, %d)", tc.amount, tc.price)
	}
}

func TestPayoutFor(t *testing.T) {
	assert.True(t, trade.PayoutFor(50, 60).Equal(d("30")))
	assert.True(t, trade.PayoutFor(1, 1).Equal(d("0.01")))
	assert.True(t, trade.PayoutFor(0, 99).IsZero())
}

func TestMergeCost(t *testing.T) {
	// 50 @ 40 then 50 @ 60 averages to 50.
	got := trade.MergeCost(d("40"), 50, 60, 50)
	assert.True(t, got.Equal(d("50")), "got %s", got)

	// 100 @ 30 then 50 @ 60 averages to 40.
	got = trade.MergeCost(d("30"), 100, 60, 50)
	assert.True(t, got.Equal(d("40")), "got %s", got)
}

func TestMergeCost_OrderIndependent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		p1 := rapid.IntRange(model.MinPrice, model.MaxPrice).Draw(rt, "p1")
		s1 := rapid.Int64Range(1, 1_000_000).Draw(rt, "s1")
		p2 := rapid.IntRange(model.MinPrice, model.MaxPrice).Draw(rt, "p2")
		s2 := rapid.Int64Range(1, 1_000_000).Draw(rt, "s2")

		a := trade.MergeCost(decimal.NewFromInt(int64(p1)), s1, p2, s2)
		b := trade.MergeCost(decimal.NewFromInt(int64(p2)), s2, p1, s1)
		if !a.Equal(b) {
			rt.Fatalf("order dependent: %s vs %s", a, b)
		}

		lo, hi := min(p1, p2), max(p1, p2)
		if a.LessThan(decimal.NewFromInt(int64(lo))) || a.GreaterThan(decimal.NewFromInt(int64(hi))) {
			rt.Fatalf("avg %s outside [%d, %d]", a, lo, hi)
		}
	})
}

func TestBuySell_RoundTrip(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	buy, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), buy.Shares)
	assert.Equal(t, 40, buy.Price)
	assert.True(t, buy.Balance.Equal(d("9980")), "balance %s", buy.Balance)
	require.NotEmpty(t, buy.PositionID)

	pos, err := ms.GetPosition(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos.Shares)
	assert.True(t, pos.AvgCost.Equal(d("40")))
	assert.Equal(t, model.SideYes, pos.Side)

	m, err := ms.GetMarket(ctx, 1)
	require.NoError(t, err)
	assert.True(t, m.Volume.Equal(d("20")))
	assert.Equal(t, int64(1), m.Participants)

	setPrice(t, ms, 1, 60)

	sell, err := eng.Sell(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.True(t, sell.Payout.Equal(d("30")), "payout %s", sell.Payout)
	assert.True(t, sell.Balance.Equal(d("10010")), "balance %s", sell.Balance)
	assert.Equal(t, 60, sell.Price)
	assert.True(t, sell.Win)

	u, err := ms.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.Wins)
	assert.Equal(t, int64(0), u.Losses)

	positions, err := ms.GetPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := eng.Trades(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, model.TradeBuy, trades[0].Kind)
	assert.Equal(t, model.TradeSell, trades[1].Kind)
	assert.True(t, trades[1].Amount.Equal(d("30")))
}

func TestBuy_NoSideUsesComplement(t *testing.T) {
	eng, _ := newEngine(t)

	res, err := eng.Buy(context.Background(), "u1", 1, model.SideNo, d("30"))
	require.NoError(t, err)
	assert.Equal(t, 60, res.Price)
	assert.Equal(t, int64(50), res.Shares)
}

func TestBuy_MinimumShareAtTopPrice(t *testing.T) {
	eng, ms := newEngine(t)
	setPrice(t, ms, 1, 99)

	res, err := eng.Buy(context.Background(), "u1", 1, model.SideYes, d("1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Shares)
	assert.True(t, res.Balance.Equal(d("9999")))
}

func TestBuy_DustDebitsWithoutPosition(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	res, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("0.30"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Shares)
	assert.Empty(t, res.PositionID)
	assert.True(t, res.Balance.Equal(d("9999.70")))

	positions, err := ms.GetPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, positions)

	trades, err := ms.ListTrades(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(0), trades[0].Shares)
}

func TestBuy_DustOnExistingPositionLeavesItUnchanged(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	first, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)

	dust, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("0.10"))
	require.NoError(t, err)
	assert.Equal(t, first.PositionID, dust.PositionID)

	pos, err := ms.GetPosition(ctx, "u1", first.PositionID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pos.Shares)
	assert.True(t, pos.AvgCost.Equal(d("40")))
	assert.True(t, balanceOf(t, ms, "u1").Equal(d("9979.90")))
}

func TestBuy_MergesIntoExistingPosition(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	first, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20")) // 50 @ 40
	require.NoError(t, err)

	setPrice(t, ms, 1, 60)
	second, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("30")) // 50 @ 60
	require.NoError(t, err)
	assert.Equal(t, first.PositionID, second.PositionID)

	positions, err := ms.GetPositions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(100), positions[0].Shares)
	assert.True(t, positions[0].AvgCost.Equal(d("50")), "avg %s", positions[0].AvgCost)
}

func TestBuy_OppositeSidesAreSeparatePositions(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	_, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)
	_, err = eng.Buy(ctx, "u1", 1, model.SideNo, d("20"))
	require.NoError(t, err)

	positions, err := ms.GetPositions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, positions, 2)
}

func TestBuy_WholeBalance(t *testing.T) {
	eng, ms := newEngine(t)

	_, err := eng.Buy(context.Background(), "u1", 1, model.SideYes, d("10000"))
	require.NoError(t, err)
	assert.True(t, balanceOf(t, ms, "u1").IsZero())
}

func TestBuy_RejectionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name     string
		userID   string
		marketID int64
		side     model.Side
		amount   string
		want     error
	}{
		{"invalid side", "u1", 1, model.Side("MAYBE"), "10", model.ErrInvalidSide},
		{"zero amount", "u1", 1, model.SideYes, "0", model.ErrInvalidAmount},
		{"negative amount", "u1", 1, model.SideYes, "-5", model.ErrInvalidAmount},
		{"over balance", "u1", 1, model.SideYes, "10000.01", model.ErrInsufficientFunds},
		{"unknown market", "u1", 42, model.SideYes, "10", model.ErrMarketNotFound},
		{"unknown user", "ghost", 1, model.SideYes, "10", model.ErrUserNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eng, ms := newEngine(t)
			ctx := context.Background()

			_, err := eng.Buy(ctx, tc.userID, tc.marketID, tc.side, d(tc.amount))
			require.ErrorIs(t, err, tc.want)

			assert.True(t, balanceOf(t, ms, "u1").Equal(d("10000")))
			positions, err := ms.GetPositions(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, positions)
			trades, err := ms.ListTrades(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, trades)
			m, err := ms.GetMarket(ctx, 1)
			require.NoError(t, err)
			assert.True(t, m.Volume.IsZero())
		})
	}
}

func TestBuy_InsufficientFundsCarriesAmountCode(t *testing.T) {
	eng, _ := newEngine(t)

	_, err := eng.Buy(context.Background(), "u1", 1, model.SideYes, d("20000"))
	var de *model.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "INVALID_AMOUNT", de.Code)
}

func TestSell_BreakevenIsLoss(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	buy, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)

	sell, err := eng.Sell(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.False(t, sell.Win)
	assert.True(t, balanceOf(t, ms, "u1").Equal(d("10000")))

	u, err := ms.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), u.Wins)
	assert.Equal(t, int64(1), u.Losses)
}

func TestSell_NoSideUsesCurrentComplement(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()

	buy, err := eng.Buy(ctx, "u1", 1, model.SideNo, d("60")) // 100 NO @ 60
	require.NoError(t, err)
	require.Equal(t, int64(100), buy.Shares)

	setPrice(t, ms, 1, 25) // NO now 75
	sell, err := eng.Sell(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.Equal(t, 75, sell.Price)
	assert.True(t, sell.Payout.Equal(d("75")))
	assert.True(t, sell.Win)
}

func TestSell_OtherUsersPositionNotFound(t *testing.T) {
	eng, ms := newEngine(t)
	ctx := context.Background()
	addUser(t, ms, "u2", "bob", "10000")

	buy, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)

	_, err = eng.Sell(ctx, "u2", buy.PositionID)
	require.ErrorIs(t, err, model.ErrPositionNotFound)

	// Position and both balances untouched.
	_, err = ms.GetPosition(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.True(t, balanceOf(t, ms, "u2").Equal(d("10000")))
	assert.True(t, balanceOf(t, ms, "u1").Equal(d("9980")))
}

func TestSell_TwiceFails(t *testing.T) {
	eng, _ := newEngine(t)
	ctx := context.Background()

	buy, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)
	_, err = eng.Sell(ctx, "u1", buy.PositionID)
	require.NoError(t, err)

	_, err = eng.Sell(ctx, "u1", buy.PositionID)
	assert.ErrorIs(t, err, model.ErrPositionNotFound)
}

func TestBuy_ConcurrentNeverOverdraws(t *testing.T) {
	ms := store.NewMemoryStore()
	addMarket(t, ms, 1, 50)
	addUser(t, ms, "u1", "alice", "100")
	eng := trade.NewEngine(ms, nil)

	const workers = 25
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Buy(context.Background(), "u1", 1, model.SideYes, d("10")); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, success)
	assert.True(t, balanceOf(t, ms, "u1").IsZero())

	positions, err := ms.GetPositions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, int64(200), positions[0].Shares)
}

func TestBuy_ConcurrentUsersIndependent(t *testing.T) {
	ms := store.NewMemoryStore()
	addMarket(t, ms, 1, 50)
	users := []string{"u1", "u2", "u3", "u4"}
	for i, id := range users {
		addUser(t, ms, id, "user_"+string(rune('a'+i)), "50")
	}
	eng := trade.NewEngine(ms, nil)

	var wg sync.WaitGroup
	for _, id := range users {
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = eng.Buy(context.Background(), id, 1, model.SideNo, d("5"))
			}()
		}
	}
	wg.Wait()

	for _, id := range users {
		assert.True(t, balanceOf(t, ms, id).IsZero(), "user %s", id)
	}
	m, err := ms.GetMarket(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, m.Volume.Equal(d("200")))
}

// A cached market row can lag the ledger; orders must still fill at the
// ledger's price.
func TestBuySell_PriceSourceBypassesStaleCache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	addMarket(t, ms, 1, 40)
	addUser(t, ms, "u1", "alice", "10000")
	cs := store.NewCachedStore(ms, rdb, time.Minute)
	eng := trade.NewEngine(cs, nil, trade.WithPriceSource(ms))
	ctx := context.Background()

	// Warm the cache at 40, then move the ledger without invalidating.
	_, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	setPrice(t, ms, 1, 50)
	cached, err := cs.GetMarket(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 40, cached.YesPrice)

	buy, err := eng.Buy(ctx, "u1", 1, model.SideYes, d("20"))
	require.NoError(t, err)
	assert.Equal(t, 50, buy.Price)
	assert.Equal(t, int64(40), buy.Shares)

	require.NoError(t, mr.Set("market:1", mustCachedRow(t, ms, 1, 90)))
	sell, err := eng.Sell(ctx, "u1", buy.PositionID)
	require.NoError(t, err)
	assert.Equal(t, 50, sell.Price)
	assert.True(t, sell.Payout.Equal(d("20")))
}

// mustCachedRow encodes market id at price yes the way CachedStore stores it.
func mustCachedRow(t *testing.T, ms *store.MemoryStore, id int64, yes int) string {
	t.Helper()
	m, err := ms.GetMarket(context.Background(), id)
	require.NoError(t, err)
	m.YesPrice = yes
	data, err := json.Marshal(m)
	require.NoError(t, err)
	return string(data)
}

func TestPositionsAndTrades_UnknownUser(t *testing.T) {
	eng, _ := newEngine(t)

	_, err := eng.Positions(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
	_, err = eng.Trades(context.Background(), "ghost")
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

func TestMarketSnapshot(t *testing.T) {
	eng, _ := newEngine(t)

	snap, err := eng.MarketSnapshot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 40, snap.YesPrice)
	assert.Equal(t, 60, snap.NoPrice)
	assert.Len(t, snap.History, model.HistoryLen)

	_, err = eng.MarketSnapshot(context.Background(), 7)
	assert.ErrorIs(t, err, model.ErrMarketNotFound)

	all, err := eng.Markets(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
