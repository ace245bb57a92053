package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// FreshWallet flags large trades from wallets that appeared recently.
type FreshWallet struct {
	MaxAge       time.Duration
	ThresholdUSD float64
}

// NewFreshWallet creates the rule from detection settings.
func NewFreshWallet(cfg domain.DetectionConfig) *FreshWallet {
	return &FreshWallet{
		MaxAge:       cfg.FreshWalletAge(),
		ThresholdUSD: cfg.WhaleThresholdUSD,
	}
}

func (r *FreshWallet) Type() domain.AlertType { return domain.AlertFreshWallet }

// ageBands maps wallet age to a score; younger is more suspicious.
var ageBands = []struct {
	under time.Duration
	score float64
}{
	{time.Hour, 1.0},
	{12 * time.Hour, 0.85},
	{24 * time.Hour, 0.70},
	{72 * time.Hour, 0.50},
	{7 * 24 * time.Hour, 0.35},
	{30 * 24 * time.Hour, 0.20},
	{365 * 24 * time.Hour, 0.10},
}

func ageScore(age time.Duration) float64 {
	for _, b := range ageBands {
		if age < b.under {
			return b.score
		}
	}
	return 0
}

// criticalAge is the age under which a fresh-wallet alert may be CRITICAL.
const criticalAge = 12 * time.Hour

func (r *FreshWallet) Evaluate(ctx context.Context, trade *domain.Trade, snap Snapshot) (*domain.AlertCandidate, error) {
	if trade.ValueUSD <= r.ThresholdUSD {
		return nil, nil
	}

	// A wallet the ledger has not seen is as fresh as it gets.
	var age time.Duration
	totalTrades := int64(1)
	w, err := snap.Wallet(ctx)
	switch {
	case errors.Is(err, domain.ErrUnknownWallet):
	case err != nil:
		return nil, fmt.Errorf("wallet lookup: %w", err)
	default:
		age = w.AgeAt(trade.Timestamp)
		totalTrades = w.TotalTrades
	}

	if age >= r.MaxAge {
		return nil, nil
	}

	size := 1.0
	if r.ThresholdUSD > 0 {
		size = clamp01(1 - r.ThresholdUSD/trade.ValueUSD)
	}
	bonus := 0.0
	if totalTrades <= 1 {
		bonus = 1
	}
	confidence := 0.60*ageScore(age) + 0.30*size + 0.10*bonus
	if !finite(confidence) {
		return nil, nil
	}

	ceiling := domain.SeverityHigh
	if age < criticalAge {
		ceiling = domain.SeverityCritical
	}

	return newCandidate(r.Type(), trade, clamp01(confidence), ceiling, domain.Evidence{
		"wallet_age_hours":    round2(age.Hours()),
		"trade_value_usd":     round2(trade.ValueUSD),
		"threshold_usd":       r.ThresholdUSD,
		"wallet_total_trades": totalTrades,
		"first_trade":         totalTrades <= 1,
	}), nil
}
