package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/predictsim/market-engine/internal/account"
	"github.com/predictsim/market-engine/internal/catalog"
	"github.com/predictsim/market-engine/internal/config"
	"github.com/predictsim/market-engine/internal/metrics"
	"github.com/predictsim/market-engine/internal/pricing"
	"github.com/predictsim/market-engine/internal/store"
	"github.com/predictsim/market-engine/internal/trade"
	"github.com/predictsim/market-engine/internal/valuation"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	config.SetupLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	ledger := store.NewMemoryStore()
	st, cleanup, err := buildStore(ctx, cfg, ledger)
	if err != nil {
		slog.Error("store setup failed", "err", err)
		os.Exit(1)
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	if _, err := catalog.Seed(ctx, st, cfg.Markets); err != nil {
		slog.Error("market seeding failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Price process ---
	proc := pricing.NewProcess(st,
		pricing.WithInterval(cfg.TickInterval()),
		pricing.WithMaxStep(cfg.Pricing.MaxStep),
		pricing.WithPublisher(wsHub),
	)
	go proc.Run(ctx)

	// --- Services ---
	// Orders price off the ledger directly, never the Redis cache.
	engine := trade.NewEngine(st, wsHub, trade.WithPriceSource(ledger))
	accounts := account.NewService(st, cfg.Engine.StartingBalance)
	tradeSvc := trade.NewService(engine, valuation.NewService(st), accounts, cfg.Server.TradeRPS, cfg.Server.TradeBurst)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"market-engine","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of price ticks and executed trades. No request
		// timeout here, the connection is long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			// Accounts.
			r.Post("/users", tradeSvc.Register)
			r.Post("/users/login", tradeSvc.Login)
			r.Get("/users/{userID}/networth", tradeSvc.NetWorth)
			r.Get("/users/{userID}/portfolio", tradeSvc.GetPortfolio)
			r.Get("/users/{userID}/trades", tradeSvc.ListTrades)

			// Markets.
			r.Get("/markets", tradeSvc.ListMarkets)
			r.Get("/markets/{marketID}", tradeSvc.GetMarket)
			r.Get("/leaderboard", tradeSvc.Leaderboard)

			// Trade execution.
			r.With(tradeSvc.RateLimit).Post("/trade/buy", tradeSvc.Buy)
			r.With(tradeSvc.RateLimit).Post("/trade/sell", tradeSvc.Sell)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Server.Port, "tick", proc.Interval())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}

// buildStore layers the optional Redis cache and trade archive over the
// in-memory ledger. The returned cleanup funcs run in order.
func buildStore(ctx context.Context, cfg *config.Config, ledger *store.MemoryStore) (store.Store, []func(), error) {
	var (
		st      store.Store = ledger
		cleanup []func()
	)

	// Wrap with Redis read-through cache if configured.
	if url := cfg.Storage.RedisURL; url != "" {
		opt, err := redis.ParseURL(url)
		if err != nil {
			return nil, cleanup, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL())
		slog.Info("Redis market cache enabled", "ttl", cfg.CacheTTL())
	}

	var archive store.TradeArchive
	switch {
	case cfg.Storage.DatabaseURL != "":
		pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, cleanup, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresArchive(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, cleanup, err
		}
		archive = pg
		slog.Info("trade archive: PostgreSQL")
	case cfg.Storage.SQLiteDSN != "":
		lite, err := store.NewSQLiteArchive(cfg.Storage.SQLiteDSN)
		if err != nil {
			return nil, cleanup, err
		}
		archive = lite
		slog.Info("trade archive: SQLite", "dsn", cfg.Storage.SQLiteDSN)
	default:
		slog.Warn("no trade archive configured, ledger is in-memory only")
	}

	if archive != nil {
		cleanup = append(cleanup, func() {
			if err := archive.Close(); err != nil {
				slog.Error("close trade archive", "err", err)
			}
		})
		st = store.NewArchivingStore(st, archive)
	}
	return st, cleanup, nil
}
