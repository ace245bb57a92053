// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository is Kestrel's durable store: the trade log, wallet aggregates,
// alerts and operator rules. Lookups of absent rows return an error the
// implementation documents as its not-found sentinel.
type Repository interface {
	// RecordTrade stores a trade and folds it into the wallet aggregate in one
	// transaction. It returns false when the trade hash was already recorded,
	// in which case nothing changes.
	RecordTrade(ctx context.Context, trade *Trade) (bool, error)
	GetTrade(ctx context.Context, tradeID string) (*Trade, error)
	ListWalletMarketTrades(ctx context.Context, wallet, market string, from, to time.Time) ([]*Trade, error)
	ListWalletTrades(ctx context.Context, wallet string, limit int) ([]*Trade, error)
	ListRecentTrades(ctx context.Context, limit int) ([]*Trade, error)

	GetWallet(ctx context.Context, address string) (*WalletSummary, error)
	ListWallets(ctx context.Context, order WalletOrder, limit int) ([]*WalletSummary, error)

	MarketTradeStats(ctx context.Context, market string, from, to time.Time) (*MarketStats, error)
	ListMarkets(ctx context.Context, limit int) ([]*MarketActivity, error)

	SaveAlert(ctx context.Context, alert *Alert) (bool, error)
	AlertExists(ctx context.Context, tradeID string, alertType AlertType) (bool, error)
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error)
	MarkAlertRead(ctx context.Context, alertID string) error
	DismissAlert(ctx context.Context, alertID string) error

	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	Stats(ctx context.Context) (*StoreStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// WalletOrder sorts the wallet listing.
type WalletOrder string

const (
	// WalletsByFreshness lists the most recently first-seen wallets first.
	WalletsByFreshness WalletOrder = "freshness"
	// WalletsByVolume lists the largest lifetime USD volume first.
	WalletsByVolume WalletOrder = "volume"
)

// Valid reports whether o is a known ordering.
func (o WalletOrder) Valid() bool {
	return o == WalletsByFreshness || o == WalletsByVolume
}

// MarketActivity is a market row in the market listing.
type MarketActivity struct {
	Market     string  `json:"market"`
	TradeCount int64   `json:"tradeCount"`
	VolumeUSD  float64 `json:"volumeUsd"`
}

// StoreStats are the dashboard totals.
type StoreStats struct {
	Wallets      int64 `json:"wallets"`
	Trades       int64 `json:"trades"`
	Markets      int64 `json:"markets"`
	Alerts       int64 `json:"alerts"`
	UnreadAlerts int64 `json:"unreadAlerts"`
}

// RepositoryConfig picks the SQL driver ("sqlite" or "postgres") and its
// connection settings. Zero pool values keep driver defaults, except that
// SQLite is capped at one open connection.
type RepositoryConfig struct {
	Driver string

	SQLitePath string

	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
