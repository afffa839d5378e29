package trade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

func TestUserLocks_ReleasedAfterUse(t *testing.T) {
	l := newUserLocks()

	unlock := l.lock("u1")
	assert.Equal(t, 1, l.size())
	unlock()
	assert.Equal(t, 0, l.size())
}

func TestUserLocks_SerializesSameUser(t *testing.T) {
	l := newUserLocks()
	unlock := l.lock("u1")

	acquired := make(chan struct{})
	go func() {
		u := l.lock("u1")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while the first was held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-acquired
	require.Eventually(t, func() bool { return l.size() == 0 }, time.Second, time.Millisecond)
}

// Random and unknown user IDs must not leave entries behind.
func TestEngine_LocksDoNotAccumulate(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateMarket(ctx, &model.Market{
		ID: 1, Title: "m", YesPrice: 40, History: model.NewHistory(40), CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, ms.CreateUser(ctx, &model.User{
		ID: "u1", Username: "alice", Email: "alice@example.com",
		Balance: decimal.NewFromInt(10000), CreatedAt: time.Now().UTC(),
	}))
	e := NewEngine(ms, nil)

	var wg sync.WaitGroup
	for i := range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			userID := "u1"
			if i%2 == 1 {
				userID = fmt.Sprintf("ghost-%d", i)
			}
			_, _ = e.Buy(ctx, userID, 1, model.SideYes, decimal.NewFromInt(1))
			_, _ = e.Sell(ctx, userID, "no-such-position")
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, e.locks.size())
}
