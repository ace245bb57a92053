package domain

import "time"

// WalletSummary is the per-wallet aggregate kept by the ledger.
type WalletSummary struct {
	Address        string    `json:"address"`
	FirstSeenAt    time.Time `json:"firstSeenAt"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
	TotalTrades    int64     `json:"totalTrades"`
	TotalVolumeUSD float64   `json:"totalVolumeUsd"`
}

// AgeAt returns how long the wallet had been known at asOf.
// Trades delivered out of order can put asOf before FirstSeenAt; the age is
// clamped to zero in that case.
func (w WalletSummary) AgeAt(asOf time.Time) time.Duration {
	age := asOf.Sub(w.FirstSeenAt)
	if age < 0 {
		return 0
	}
	return age
}

// MarketStats is the rolling trade-size baseline for one market.
type MarketStats struct {
	Market      string    `json:"market"`
	MeanSize    float64   `json:"meanSize"`
	StddevSize  float64   `json:"stddevSize"`
	SampleCount int64     `json:"sampleCount"`
	AsOf        time.Time `json:"asOf"`
	ComputedAt  time.Time `json:"computedAt"`
}

// LowConfidence reports whether the baseline has too few samples to judge
// a trade against.
func (s MarketStats) LowConfidence(minSamples int64) bool {
	return s.SampleCount < minSamples || s.MeanSize <= 0
}

// WindowActivity summarizes one wallet's trades on one market inside a
// trailing window.
type WindowActivity struct {
	Count       int       `json:"count"`
	TotalUSD    float64   `json:"totalUsd"`
	FirstTrade  time.Time `json:"firstTrade"`
	LastTrade   time.Time `json:"lastTrade"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
}

// Span is the time between the first and last trade in the window.
func (a WindowActivity) Span() time.Duration {
	if a.Count < 2 {
		return 0
	}
	return a.LastTrade.Sub(a.FirstTrade)
}
