// Package account registers users and verifies their password credential.
// Session issuance is handled outside this package.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/predictsim/market-engine/internal/metrics"
	"github.com/predictsim/market-engine/internal/model"
	"github.com/predictsim/market-engine/internal/store"
)

// DefaultStartingBalance is the virtual cash credited at registration.
var DefaultStartingBalance = decimal.NewFromInt(10000)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt input limit, in bytes
)

var usernameRE = regexp.MustCompile(`^[a-zA-Z0-9_]{3,24}$`)

// Service creates and authenticates accounts.
type Service struct {
	store           store.Store
	startingBalance decimal.Decimal
	cost            int
}

// NewService creates an account service. A non-positive startingBalance
// falls back to DefaultStartingBalance.
func NewService(st store.Store, startingBalance decimal.Decimal) *Service {
	if !startingBalance.IsPositive() {
		startingBalance = DefaultStartingBalance
	}
	return &Service{
		store:           st,
		startingBalance: startingBalance,
		cost:            bcrypt.DefaultCost,
	}
}

// WithHashCost sets the bcrypt work factor. Tests use bcrypt.MinCost.
func (s *Service) WithHashCost(cost int) *Service {
	s.cost = cost
	return s
}

// Register validates the details, stores a bcrypt digest of the password,
// and creates the user with the starting balance.
func (s *Service) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.ToLower(strings.TrimSpace(email))

	if !usernameRE.MatchString(username) {
		return nil, fmt.Errorf("%w: username must be 3-24 letters, digits or underscores", model.ErrInvalidUser)
	}
	if at := strings.Index(email, "@"); at <= 0 || at == len(email)-1 {
		return nil, fmt.Errorf("%w: invalid email %q", model.ErrInvalidUser, email)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password must be at least %d characters", model.ErrInvalidUser, minPasswordLen)
	}
	if len(password) > maxPasswordLen {
		return nil, fmt.Errorf("%w: password must be at most %d bytes", model.ErrInvalidUser, maxPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		Balance:      s.startingBalance,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	metrics.RegisteredUsers.Inc()
	slog.Info("user registered", "user", user.ID, "username", username)
	return user, nil
}

// CheckPassword returns the user when password matches the stored digest.
// Unknown users and wrong passwords fail identically.
func (s *Service) CheckPassword(ctx context.Context, username, password string) (*model.User, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return nil, model.ErrInvalidCredentials
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, model.ErrInvalidCredentials
	}
	return user, nil
}
