package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// multiplierEpsilon absorbs float error so that value == k*mean
	// counts as reaching k.
	multiplierEpsilon = 1e-9

	// saturatingMultiplier is where the multiplier component tops out.
	saturatingMultiplier = 10.0

	// highMultiplier is the multiplier at which the alert may be HIGH.
	highMultiplier = 5.0
)

// UnusualSizing flags trades far above the market's typical size.
type UnusualSizing struct {
	Multiplier float64
	MinSamples int64
}

// NewUnusualSizing creates the rule from detection settings.
func NewUnusualSizing(cfg domain.DetectionConfig) *UnusualSizing {
	return &UnusualSizing{
		Multiplier: cfg.SizingMultiplierThreshold,
		MinSamples: cfg.SizingMinSamples,
	}
}

func (r *UnusualSizing) Type() domain.AlertType { return domain.AlertUnusualSizing }

func (r *UnusualSizing) Evaluate(ctx context.Context, trade *domain.Trade, snap Snapshot) (*domain.AlertCandidate, error) {
	stats, err := snap.MarketStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("market stats: %w", err)
	}
	if stats.LowConfidence(r.MinSamples) {
		return nil, nil
	}

	mult := trade.ValueUSD / stats.MeanSize
	if !finite(mult) || mult+multiplierEpsilon < r.Multiplier {
		return nil, nil
	}

	m := 1.0
	if r.Multiplier < saturatingMultiplier {
		m = clamp01((mult - r.Multiplier) / (saturatingMultiplier - r.Multiplier))
	}
	n := clamp01(math.Log10(float64(stats.SampleCount)) / 3)

	var sigma, score float64
	if stats.StddevSize > 0 {
		sigma = (trade.ValueUSD - stats.MeanSize) / stats.StddevSize
		score = 0.50*m + 0.30*clamp01(sigma/10) + 0.20*n
	} else {
		score = 0.80*m + 0.20*n
	}

	confidence := 0.60 + 0.40*score
	if !finite(confidence, sigma) {
		return nil, nil
	}

	ceiling := domain.SeverityMedium
	if mult+multiplierEpsilon >= highMultiplier {
		ceiling = domain.SeverityHigh
	}

	return newCandidate(r.Type(), trade, clamp01(confidence), ceiling, domain.Evidence{
		"market_avg_trade_size": round2(stats.MeanSize),
		"multiplier":            round2(mult),
		"sigma_distance":        round2(sigma),
		"market_trade_count":    stats.SampleCount,
		"trade_value_usd":       round2(trade.ValueUSD),
	}), nil
}
