// Package pricing advances market prices as a bounded random walk.
//
// Every tick, each market's YES price moves by a symmetric uniform delta in
// [-MaxStep, +MaxStep] rounded to the nearest cent, then clamps to
// [model.MinPrice, model.MaxPrice] so no contract is ever priced at
// certainty. The NO price is never written; it is derived on read.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/predictsim/market-engine/internal/metrics"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

const (
	// DefaultInterval is the wall-clock cadence of price updates.
	DefaultInterval = 500 * time.Millisecond

	// DefaultMaxStep is the half-width of the uniform delta range, in cents.
	DefaultMaxStep = 1.5
)

// Publisher receives the market snapshots produced by each tick.
// Implementations must not block.
type Publisher interface {
	PublishPrices(snapshots []model.MarketSnapshot)
}

// Step applies delta to a YES price and clamps the result to the tradeable
// range. A price outside that range is a programming error.
func Step(yes int, delta float64) int {
	if yes < model.MinPrice || yes > model.MaxPrice {
		panic(fmt.Sprintf("pricing: yes price %d outside [%d, %d]", yes, model.MinPrice, model.MaxPrice))
	}
	next := yes + int(math.Round(delta))
	return Clamp(next)
}

// Clamp bounds a price in cents to [model.MinPrice, model.MaxPrice].
func Clamp(price int) int {
	if price < model.MinPrice {
		return model.MinPrice
	}
	if price > model.MaxPrice {
		return model.MaxPrice
	}
	return price
}

// Process is the background task that moves market prices.
type Process struct {
	store     store.Store
	interval  time.Duration
	maxStep   float64
	publisher Publisher

	mu  sync.Mutex // guards rng
	rng *rand.Rand
}

// Option configures a Process.
type Option func(*Process)

// WithInterval overrides the tick interval.
func WithInterval(d time.Duration) Option {
	return func(p *Process) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithMaxStep overrides the delta half-width.
func WithMaxStep(step float64) Option {
	return func(p *Process) {
		if step >= 0 {
			p.maxStep = step
		}
	}
}

// WithRand injects the random source, for deterministic tests.
func WithRand(rng *rand.Rand) Option {
	return func(p *Process) { p.rng = rng }
}

// WithPublisher attaches a consumer for tick snapshots.
func WithPublisher(pub Publisher) Option {
	return func(p *Process) { p.publisher = pub }
}

// NewProcess creates a price process over every market in st.
func NewProcess(st store.Store, opts ...Option) *Process {
	p := &Process{
		store:    st,
		interval: DefaultInterval,
		maxStep:  DefaultMaxStep,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15)),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the configured tick cadence.
func (p *Process) Interval() time.Duration {
	return p.interval
}

// Run ticks until ctx is cancelled. Tick errors are logged and the loop
// carries on; there is nothing to recover.
func (p *Process) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	slog.Info("price process started", "interval", p.interval, "max_step", p.maxStep)
	for {
		select {
		case <-ctx.Done():
			slog.Info("price process stopped")
			return
		case <-ticker.C:
			if err := p.Tick(ctx); err != nil {
				slog.Error("price tick failed", "err", err)
			}
		}
	}
}

// Tick moves every market one step and writes each new price and history
// ring back in a single store call.
func (p *Process) Tick(ctx context.Context) error {
	start := time.Now()

	markets, err := p.store.ListMarkets(ctx)
	if err != nil {
		return fmt.Errorf("list markets: %w", err)
	}

	snapshots := make([]model.MarketSnapshot, 0, len(markets))
	for i := range markets {
		m := &markets[i]
		next := Step(m.YesPrice, p.delta())
		history := model.PushHistory(m.History, next)

		if err := p.store.UpdateMarketPrice(ctx, m.ID, next, history); err != nil {
			return fmt.Errorf("update market %d: %w", m.ID, err)
		}

		m.YesPrice = next
		m.History = history
		snapshots = append(snapshots, m.Snapshot())
	}

	metrics.PriceTicks.Inc()
	metrics.PriceTickLatency.Observe(time.Since(start).Seconds())

	if p.publisher != nil {
		p.publisher.PublishPrices(snapshots)
	}
	return nil
}

// delta draws uniformly from [-maxStep, +maxStep].
func (p *Process) delta() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return (p.rng.Float64()*2 - 1) * p.maxStep
}
