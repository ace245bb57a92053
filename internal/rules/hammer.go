package rules

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Structuring flags a wallet splitting a position into many fills on one
// market within a short sliding window ending at the current trade.
type Structuring struct {
	Window       time.Duration
	MinTrades    int
	MinVolumeUSD float64
}

// NewStructuring creates the rule from detection settings.
func NewStructuring(cfg domain.DetectionConfig) *Structuring {
	return &Structuring{
		Window:       cfg.HammerWindow(),
		MinTrades:    cfg.HammerMinTrades,
		MinVolumeUSD: cfg.HammerMinVolumeUSD,
	}
}

func (r *Structuring) Type() domain.AlertType { return domain.AlertStructuring }

func (r *Structuring) Evaluate(ctx context.Context, trade *domain.Trade, snap Snapshot) (*domain.AlertCandidate, error) {
	act, err := snap.Activity(ctx, trade.Timestamp.Add(-r.Window))
	if err != nil {
		return nil, fmt.Errorf("window activity: %w", err)
	}

	if act.Count < r.MinTrades || act.TotalUSD <= r.MinVolumeUSD {
		return nil, nil
	}

	floor := float64(r.MinTrades)
	c := clamp01((float64(act.Count) - floor) / (2 * floor))
	v := clamp01(1 - r.MinVolumeUSD/act.TotalUSD)
	s := clamp01(1 - float64(act.Span())/float64(r.Window))

	confidence := 0.60 + 0.40*(0.40*c+0.35*v+0.25*s)
	if !finite(confidence) {
		return nil, nil
	}

	return newCandidate(r.Type(), trade, clamp01(confidence), domain.SeverityHigh, domain.Evidence{
		"trade_count":        act.Count,
		"total_volume_usd":   round2(act.TotalUSD),
		"avg_trade_size_usd": round2(act.TotalUSD / float64(act.Count)),
		"time_span_minutes":  round2(act.Span().Minutes()),
		"window_minutes":     r.Window.Minutes(),
	}), nil
}
