// Package ledger maintains per-wallet aggregates as trades arrive.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Ledger records trades and answers wallet age and activity questions.
type Ledger struct {
	repo domain.Repository
}

// New creates a ledger over the given repository.
func New(repo domain.Repository) *Ledger {
	return &Ledger{repo: repo}
}

// RecordTrade stores the trade and folds it into the wallet aggregate.
// It returns false when the transaction hash was already recorded; the
// aggregate is left unchanged in that case.
func (l *Ledger) RecordTrade(ctx context.Context, trade *domain.Trade) (bool, error) {
	recorded, err := l.repo.RecordTrade(ctx, trade)
	if err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			return false, fmt.Errorf("%w: %v", domain.ErrInvalidTrade, err)
		}
		return false, fmt.Errorf("%w: record trade %s: %v", domain.ErrTransientStore, trade.ID, err)
	}
	return recorded, nil
}

// Summary returns the wallet aggregate.
func (l *Ledger) Summary(ctx context.Context, wallet string) (domain.WalletSummary, error) {
	w, err := l.repo.GetWallet(ctx, wallet)
	if errors.Is(err, repository.ErrNotFound) {
		return domain.WalletSummary{Address: wallet}, fmt.Errorf("%w: %s", domain.ErrUnknownWallet, wallet)
	}
	if err != nil {
		return domain.WalletSummary{}, fmt.Errorf("%w: get wallet %s: %v", domain.ErrTransientStore, wallet, err)
	}
	return *w, nil
}

// AgeAt returns asOf minus the wallet's first-seen time, clamped at zero.
func (l *Ledger) AgeAt(ctx context.Context, wallet string, asOf time.Time) (time.Duration, error) {
	w, err := l.Summary(ctx, wallet)
	if err != nil {
		return 0, err
	}
	return w.AgeAt(asOf), nil
}

// RecentTrades returns a wallet's latest trades, newest first.
func (l *Ledger) RecentTrades(ctx context.Context, wallet string, limit int) ([]*domain.Trade, error) {
	trades, err := l.repo.ListWalletTrades(ctx, wallet, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list trades for %s: %v", domain.ErrTransientStore, wallet, err)
	}
	return trades, nil
}
