// Command simulate runs the price process and a crowd of bot traders
// in-process for a fixed duration, then prints the leaderboard.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/predictsim/market-engine/internal/account"
	"github.com/predictsim/market-engine/internal/catalog"
	"github.com/predictsim/market-engine/internal/config"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/pricing"
	"github.com/predictsim/market-engine/internal/store"
	"github.com/predictsim/market-engine/internal/trade"
	"github.com/predictsim/market-engine/internal/valuation"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	bots := flag.Int("bots", 20, "number of bot traders")
	duration := flag.Duration("duration", 30*time.Second, "simulation length")
	tick := flag.Duration("tick", 50*time.Millisecond, "price tick interval (overrides config)")
	top := flag.Int("top", 10, "leaderboard rows to print, 0 for all")
	archive := flag.String("archive", "", "SQLite file to mirror trades into")
	seed := flag.Uint64("seed", 0, "random seed, 0 for time-based")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Log.Level == "info" {
		cfg.Log.Level = "warn" // per-trade logs drown the table
	}
	config.SetupLogger(cfg.Log, os.Stderr)

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	var (
		st       store.Store = store.NewMemoryStore()
		mirrored *store.ArchivingStore
	)
	if *archive != "" {
		lite, err := store.NewSQLiteArchive(*archive)
		if err != nil {
			slog.Error("open archive", "err", err)
			os.Exit(1)
		}
		defer lite.Close()
		mirrored = store.NewArchivingStore(st, lite)
		st = mirrored
	}

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if _, err := catalog.Seed(ctx, st, cfg.Markets); err != nil {
		slog.Error("seed markets", "err", err)
		os.Exit(1)
	}
	markets, err := st.ListMarkets(ctx)
	if err != nil {
		slog.Error("list markets", "err", err)
		os.Exit(1)
	}
	marketIDs := make([]int64, len(markets))
	for i, m := range markets {
		marketIDs[i] = m.ID
	}

	accounts := account.NewService(st, cfg.Engine.StartingBalance).WithHashCost(bcrypt.MinCost)
	userIDs := make([]string, 0, *bots)
	for i := range *bots {
		name := fmt.Sprintf("bot_%03d", i+1)
		u, err := accounts.Register(ctx, name, name+"@sim.local", "simulated-password")
		if err != nil {
			slog.Error("register bot", "bot", name, "err", err)
			os.Exit(1)
		}
		userIDs = append(userIDs, u.ID)
	}

	proc := pricing.NewProcess(st,
		pricing.WithInterval(*tick),
		pricing.WithMaxStep(cfg.Pricing.MaxStep),
		pricing.WithRand(rand.New(rand.NewPCG(*seed, 0))),
	)
	engine := trade.NewEngine(st, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		proc.Run(ctx)
	}()

	var (
		statsMu sync.Mutex
		stats   simStats
	)
	for i, userID := range userIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := &bot{
				userID:    userID,
				marketIDs: marketIDs,
				engine:    engine,
				rng:       rand.New(rand.NewPCG(*seed, uint64(i+1))),
			}
			s := b.run(ctx)
			statsMu.Lock()
			stats.add(s)
			statsMu.Unlock()
		}()
	}
	wg.Wait()

	val := valuation.NewService(st)
	board, err := val.Leaderboard(context.Background(), *top)
	if err != nil {
		slog.Error("leaderboard", "err", err)
		os.Exit(1)
	}

	fmt.Printf("\nsimulated %s with %d bots across %d markets (seed %d)\n", *duration, *bots, len(marketIDs), *seed)
	fmt.Printf("buys %d  sells %d  rejected %d\n\n", stats.buys, stats.sells, stats.rejected)
	printLeaderboard(board)

	if mirrored != nil {
		reportArchive(mirrored, userIDs)
	}
}

// reportArchive checks every bot's trades made it into the archive file.
func reportArchive(st *store.ArchivingStore, userIDs []string) {
	var total, missing int
	for _, id := range userIDs {
		n, lost, err := st.Reconcile(context.Background(), id)
		if err != nil {
			slog.Error("reconcile archive", "user", id, "err", err)
			return
		}
		total += n
		missing += len(lost)
		if len(lost) > 0 {
			slog.Warn("trades missing from archive", "user", id, "trade_ids", lost)
		}
	}
	fmt.Printf("\narchive: %d trades mirrored, %d missing\n", total, missing)
}

func printLeaderboard(entries []model.LeaderboardEntry) {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("#", "Trader", "Net worth", "W", "L", "Win rate")
	for _, e := range entries {
		table.Append(
			fmt.Sprintf("%d", e.Rank),
			e.Username,
			e.NetWorth.StringFixed(2),
			fmt.Sprintf("%d", e.Wins),
			fmt.Sprintf("%d", e.Losses),
			fmt.Sprintf("%.0f%%", e.WinRate*100),
		)
	}
	table.Render()
}

type simStats struct {
	buys, sells, rejected int
}

func (s *simStats) add(o simStats) {
	s.buys += o.buys
	s.sells += o.sells
	s.rejected += o.rejected
}

// bot trades at random until ctx is done: mostly small buys, with a chance
// of closing one of its open positions on each turn.
type bot struct {
	userID    string
	marketIDs []int64
	engine    *trade.Engine
	rng       *rand.Rand
}

const sellChance = 0.3

func (b *bot) run(ctx context.Context) simStats {
	var s simStats
	for {
		select {
		case <-ctx.Done():
			return s
		case <-time.After(time.Duration(5+b.rng.IntN(20)) * time.Millisecond):
		}

		if b.rng.Float64() < sellChance {
			positions, err := b.engine.Positions(ctx, b.userID)
			if err == nil && len(positions) > 0 {
				p := positions[b.rng.IntN(len(positions))]
				if _, err := b.engine.Sell(ctx, b.userID, p.ID); err != nil {
					s.rejected++
				} else {
					s.sells++
				}
				continue
			}
		}

		side := model.SideYes
		if b.rng.IntN(2) == 1 {
			side = model.SideNo
		}
		amount := decimal.NewFromInt(int64(1 + b.rng.IntN(25000))).Shift(-2) // 0.01 to 250.00
		marketID := b.marketIDs[b.rng.IntN(len(b.marketIDs))]
		if _, err := b.engine.Buy(ctx, b.userID, marketID, side, amount); err != nil {
			s.rejected++
		} else {
			s.buys++
		}
	}
}
