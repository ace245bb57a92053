// Package velocity summarizes a wallet's trading activity on a market
// over a trailing window.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Service computes window activity from the trade store.
type Service struct {
	repo domain.Repository
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository) *Service {
	return &Service{repo: repo}
}

// Activity returns count, volume and first/last timestamps of the wallet's
// trades on market with from <= timestamp <= to. Volumes are summed in
// decimal so long windows of sub-cent fills do not drift.
func (s *Service) Activity(ctx context.Context, wallet, market string, from, to time.Time) (domain.WindowActivity, error) {
	if wallet == "" || market == "" {
		return domain.WindowActivity{}, fmt.Errorf("wallet and market are required")
	}
	if to.Before(from) {
		return domain.WindowActivity{}, fmt.Errorf("window end %s before start %s", to, from)
	}

	trades, err := s.repo.ListWalletMarketTrades(ctx, wallet, market, from, to)
	if err != nil {
		return domain.WindowActivity{}, fmt.Errorf("%w: window trades for %s: %v", domain.ErrTransientStore, wallet, err)
	}

	return Summarize(trades, from, to), nil
}

// Summarize folds trades into a WindowActivity. Trades outside [from, to]
// are ignored.
func Summarize(trades []*domain.Trade, from, to time.Time) domain.WindowActivity {
	act := domain.WindowActivity{WindowStart: from, WindowEnd: to}
	total := decimal.Zero

	for _, t := range trades {
		if t.Timestamp.Before(from) || t.Timestamp.After(to) {
			continue
		}
		act.Count++
		total = total.Add(decimal.NewFromFloat(t.ValueUSD))
		if act.FirstTrade.IsZero() || t.Timestamp.Before(act.FirstTrade) {
			act.FirstTrade = t.Timestamp
		}
		if t.Timestamp.After(act.LastTrade) {
			act.LastTrade = t.Timestamp
		}
	}

	act.TotalUSD = total.InexactFloat64()
	return act
}
