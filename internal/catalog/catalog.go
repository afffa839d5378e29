// Package catalog seeds the market list at startup.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predictsim/market-engine/internal/config"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

const defaultYesPrice = 50

// Defaults is used when the configuration lists no markets.
var Defaults = []config.MarketConfig{
	{ID: 1, Category: "Politics", Title: "Will the incumbent party win the next general election?", DaysToResolution: 120},
	{ID: 2, Category: "Economics", Title: "Will the central bank cut interest rates at its next meeting?", DaysToResolution: 30},
	{ID: 3, Category: "Crypto", Title: "Will Bitcoin trade above $150,000 by the end of the quarter?", DaysToResolution: 75},
	{ID: 4, Category: "Sports", Title: "Will the reigning champions retain the title this season?", DaysToResolution: 200},
	{ID: 5, Category: "Technology", Title: "Will a major smartphone maker ship a foldable flagship this year?", DaysToResolution: 90},
	{ID: 6, Category: "Weather", Title: "Will the city record more than 50mm of rain next week?", DaysToResolution: 7},
	{ID: 7, Category: "Entertainment", Title: "Will the top-grossing film of the summer be a sequel?", DaysToResolution: 60},
	{ID: 8, Category: "Science", Title: "Will the next crewed lunar mission launch on schedule?", DaysToResolution: 365},
}

// Seed creates every market in defs, or Defaults when defs is empty.
// Markets that already exist are left alone, so Seed is safe to rerun.
func Seed(ctx context.Context, st store.Store, defs []config.MarketConfig) (int, error) {
	if len(defs) == 0 {
		defs = Defaults
	}

	now := time.Now().UTC()
	created := 0
	for _, def := range defs {
		price := def.YesPrice
		if price == 0 {
			price = defaultYesPrice
		}
		if price < model.MinPrice || price > model.MaxPrice {
			return created, fmt.Errorf("seed market %d: yes price %d out of range", def.ID, price)
		}

		m := &model.Market{
			ID:               def.ID,
			Category:         def.Category,
			Title:            def.Title,
			YesPrice:         price,
			History:          model.NewHistory(price),
			Volume:           decimal.Zero,
			DaysToResolution: def.DaysToResolution,
			CreatedAt:        now,
		}
		err := st.CreateMarket(ctx, m)
		switch {
		case errors.Is(err, model.ErrDuplicateMarket):
			slog.Debug("market already seeded", "market", def.ID)
			continue
		case err != nil:
			return created, fmt.Errorf("seed market %d: %w", def.ID, err)
		}
		created++
	}

	slog.Info("markets seeded", "created", created, "configured", len(defs))
	return created, nil
}
