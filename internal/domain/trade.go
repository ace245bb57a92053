package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Trade is a single executed prediction-market trade.
// Trades are immutable once observed; ID is the on-chain transaction hash
// and doubles as the idempotence key.
type Trade struct {
	ID        string    `json:"id"`
	Wallet    string    `json:"wallet"`
	Market    string    `json:"market"`
	Side      Side      `json:"side"`
	Outcome   string    `json:"outcome,omitempty"`
	Size      float64   `json:"size"`
	Price     float64   `json:"price"`
	ValueUSD  float64   `json:"valueUsd"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields the detection pipeline depends on.
func (t *Trade) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: trade is nil", ErrInvalidTrade)
	}
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("%w: transaction hash is required", ErrInvalidTrade)
	}
	if strings.TrimSpace(t.Wallet) == "" {
		return fmt.Errorf("%w: wallet is required", ErrInvalidTrade)
	}
	if strings.TrimSpace(t.Market) == "" {
		return fmt.Errorf("%w: market is required", ErrInvalidTrade)
	}
	if math.IsNaN(t.ValueUSD) || math.IsInf(t.ValueUSD, 0) || t.ValueUSD < 0 {
		return fmt.Errorf("%w: value_usd must be a finite non-negative number", ErrInvalidTrade)
	}
	if t.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTrade)
	}
	return nil
}

// Normalize lower-cases the wallet address and moves the timestamp to UTC.
// Wallet addresses are hex and compare case-insensitively.
func (t *Trade) Normalize() {
	t.Wallet = strings.ToLower(strings.TrimSpace(t.Wallet))
	t.Market = strings.TrimSpace(t.Market)
	t.Side = Side(strings.ToUpper(string(t.Side)))
	t.Timestamp = t.Timestamp.UTC()
	if t.ValueUSD == 0 && t.Size > 0 && t.Price > 0 {
		t.ValueUSD = t.Size * t.Price
	}
}
