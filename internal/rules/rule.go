// Package rules implements the detection rules run against every trade.
package rules

import (
	"context"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Snapshot is the read-only view of history a rule sees for one trade.
// Lookups are bounded by the trade timestamp, not wall-clock time.
type Snapshot interface {
	// Wallet returns the trader's aggregate. Fails with
	// domain.ErrUnknownWallet when the wallet has never been recorded.
	Wallet(ctx context.Context) (domain.WalletSummary, error)

	// Activity summarizes the trader's trades on the trade's market in
	// [since, trade.Timestamp].
	Activity(ctx context.Context, since time.Time) (domain.WindowActivity, error)

	// MarketStats returns the market's trade-size baseline.
	MarketStats(ctx context.Context) (domain.MarketStats, error)
}

// Rule is a single independent detector. Evaluate returns a nil candidate
// when the trade does not match.
type Rule interface {
	Type() domain.AlertType
	Evaluate(ctx context.Context, trade *domain.Trade, snap Snapshot) (*domain.AlertCandidate, error)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func newCandidate(t domain.AlertType, trade *domain.Trade, confidence float64, ceiling domain.Severity, ev domain.Evidence) *domain.AlertCandidate {
	return &domain.AlertCandidate{
		Type:            t,
		Confidence:      confidence,
		Evidence:        ev,
		Wallet:          trade.Wallet,
		Market:          trade.Market,
		TradeID:         trade.ID,
		TradeTime:       trade.Timestamp,
		SeverityCeiling: ceiling,
	}
}
