package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/predictsim/market-engine/internal/model"
)

// TradeArchive is an append-only audit mirror of the trade log. The engine
// writes to it but never reads it back to rebuild state.
type TradeArchive interface {
	ArchiveTrade(ctx context.Context, trade *model.Trade) error
	TradesByUser(ctx context.Context, userID string) ([]model.Trade, error)
	Close() error
}

// ArchivingStore mirrors every appended trade into a TradeArchive.
// Archive failures are logged; they never fail the trade itself.
type ArchivingStore struct {
	Store
	archive TradeArchive
}

// NewArchivingStore wraps primary so trades are also written to archive.
func NewArchivingStore(primary Store, archive TradeArchive) *ArchivingStore {
	return &ArchivingStore{Store: primary, archive: archive}
}

func (s *ArchivingStore) AppendTrade(ctx context.Context, trade *model.Trade) error {
	if err := s.Store.AppendTrade(ctx, trade); err != nil {
		return err
	}
	if err := s.archive.ArchiveTrade(ctx, trade); err != nil {
		slog.Error("trade archive write failed",
			"trade_id", trade.ID,
			"user", trade.UserID,
			"err", err,
		)
	}
	return nil
}

// Reconcile compares the user's ledger trades against the archive and
// returns how many are mirrored and the IDs of those that are not.
func (s *ArchivingStore) Reconcile(ctx context.Context, userID string) (int, []string, error) {
	ledger, err := s.Store.ListTrades(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	archived, err := s.archive.TradesByUser(ctx, userID)
	if err != nil {
		return 0, nil, fmt.Errorf("read archive for %s: %w", userID, err)
	}

	seen := make(map[string]struct{}, len(archived))
	for _, t := range archived {
		seen[t.ID] = struct{}{}
	}
	var missing []string
	for _, t := range ledger {
		if _, ok := seen[t.ID]; !ok {
			missing = append(missing, t.ID)
		}
	}
	return len(ledger) - len(missing), missing, nil
}
