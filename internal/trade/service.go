// Package trade provides the trading engine and its HTTP handlers for
// registering users, buying and selling shares, and querying markets,
// portfolios and the leaderboard.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/predictsim/market-engine/internal/account"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/valuation"
)

const defaultLeaderboardLimit = 50

// Service exposes the engine, valuation and accounts over HTTP.
type Service struct {
	engine    *Engine
	valuation *valuation.Service
	accounts  *account.Service
	limiter   *clientLimiter
}

// NewService creates the HTTP service. rps <= 0 disables rate limiting.
func NewService(eng *Engine, val *valuation.Service, acc *account.Service, rps float64, burst int) *Service {
	s := &Service{engine: eng, valuation: val, accounts: acc}
	if rps > 0 {
		s.limiter = newClientLimiter(rate.Limit(rps), burst)
	}
	return s
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /users.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginRequest is the JSON body for POST /users/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// BuyRequest is the JSON body for POST /trade/buy.
type BuyRequest struct {
	UserID   string          `json:"user_id"`
	MarketID int64           `json:"market_id"`
	Side     string          `json:"side"`   // "YES" or "NO"
	Amount   decimal.Decimal `json:"amount"` // cash to spend
}

// SellRequest is the JSON body for POST /trade/sell.
type SellRequest struct {
	UserID     string `json:"user_id"`
	PositionID string `json:"position_id"`
}

// NetWorthResponse is returned from GET /users/{userID}/networth.
type NetWorthResponse struct {
	UserID   string          `json:"user_id"`
	NetWorth decimal.Decimal `json:"net_worth"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/users
func (s *Service) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}

	user, err := s.accounts.Register(r.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// Login handles POST /api/v1/users/login. It only verifies the credential.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}

	user, err := s.accounts.CheckPassword(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, model.ErrInvalidCredentials) {
			writeError(w, err.Error(), model.ErrInvalidCredentials.Code, http.StatusUnauthorized)
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Buy handles POST /api/v1/trade/buy
func (s *Service) Buy(w http.ResponseWriter, r *http.Request) {
	var req BuyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", model.ErrInvalidUser.Code, http.StatusBadRequest)
		return
	}

	res, err := s.engine.Buy(r.Context(), req.UserID, req.MarketID, model.Side(req.Side), req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Sell handles POST /api/v1/trade/sell
func (s *Service) Sell(w http.ResponseWriter, r *http.Request) {
	var req SellRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "INVALID_BODY", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", model.ErrInvalidUser.Code, http.StatusBadRequest)
		return
	}

	res, err := s.engine.Sell(r.Context(), req.UserID, req.PositionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListMarkets handles GET /api/v1/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.engine.Markets(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if category := r.URL.Query().Get("category"); category != "" {
		filtered := make([]model.MarketSnapshot, 0, len(markets))
		for _, m := range markets {
			if m.Category == category {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "marketID"), 10, 64)
	if err != nil {
		writeError(w, "market id must be an integer", model.ErrMarketNotFound.Code, http.StatusNotFound)
		return
	}

	snap, err := s.engine.MarketSnapshot(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// NetWorth handles GET /api/v1/users/{userID}/networth
func (s *Service) NetWorth(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	nw, err := s.valuation.NetWorth(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NetWorthResponse{UserID: userID, NetWorth: nw})
}

// GetPortfolio handles GET /api/v1/users/{userID}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	pf, err := s.valuation.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pf)
}

// ListTrades handles GET /api/v1/users/{userID}/trades
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.Trades(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// Leaderboard handles GET /api/v1/leaderboard?limit=N
func (s *Service) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderboardLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, "limit must be an integer", "INVALID_LIMIT", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.valuation.Leaderboard(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// RateLimit throttles requests per client address. Mount it on the trade
// routes only.
func (s *Service) RateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.get(clientKey(r)).Allow() {
			writeError(w, "too many requests", "RATE_LIMITED", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	clients map[string]*rate.Limiter
}

func newClientLimiter(limit rate.Limit, burst int) *clientLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &clientLimiter{limit: limit, burst: burst, clients: make(map[string]*rate.Limiter)}
}

func (c *clientLimiter) get(key string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.clients[key]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.clients[key] = l
	}
	return l
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes v as a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeDomainError maps a domain error to its HTTP status. Anything that is
// not a *model.Error is logged and reported as a 500.
func writeDomainError(w http.ResponseWriter, err error) {
	var de *model.Error
	if !errors.As(err, &de) {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError)
		return
	}

	status := http.StatusBadRequest
	switch de.Kind {
	case model.KindNotFound:
		status = http.StatusNotFound
	case model.KindConflict:
		status = http.StatusConflict
	}
	writeError(w, err.Error(), de.Code, status)
}
