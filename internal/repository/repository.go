// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository stores trades, wallet profiles, alerts and expression
// rules. The same SQL serves SQLite and PostgreSQL; rebind rewrites
// placeholders for the latter.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

var openers = map[string]func(domain.RepositoryConfig) (*sql.DB, error){
	"sqlite":   openSQLite,
	"postgres": openPostgres,
}

// New opens cfg.Driver, applies pool limits and creates any missing tables.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	open, ok := openers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported driver: %s", domain.ErrConfiguration, cfg.Driver)
	}
	db, err := open(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{db: db, driver: cfg.Driver}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.Driver, err)
	}
	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// TRADES AND WALLETS
// ============================================================================

const upsertWalletSQL = `
	INSERT INTO wallets (address, first_seen_at, last_active_at, total_trades, total_volume_usd)
	VALUES (?, ?, ?, 1, ?)
	ON CONFLICT(address) DO UPDATE SET
		first_seen_at = CASE WHEN excluded.first_seen_at < wallets.first_seen_at
			THEN excluded.first_seen_at ELSE wallets.first_seen_at END,
		last_active_at = CASE WHEN excluded.last_active_at > wallets.last_active_at
			THEN excluded.last_active_at ELSE wallets.last_active_at END,
		total_trades = wallets.total_trades + 1,
		total_volume_usd = wallets.total_volume_usd + excluded.total_volume_usd
`

// RecordTrade inserts the trade and folds it into the wallet row atomically.
// first_seen_at only ever moves earlier, so out-of-order delivery converges
// to the same aggregate.
func (r *SQLRepository) RecordTrade(ctx context.Context, trade *domain.Trade) (bool, error) {
	if trade == nil || trade.ID == "" || trade.Wallet == "" {
		return false, fmt.Errorf("%w: trade id and wallet are required", ErrInvalidInput)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	ts := trade.Timestamp.UTC()
	res, err := tx.ExecContext(ctx, r.rebind(`
		INSERT INTO trades (
			id, wallet_address, market_id, side, outcome,
			size, price, value_usd, timestamp, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`),
		trade.ID, trade.Wallet, trade.Market, string(trade.Side), trade.Outcome,
		trade.Size, trade.Price, trade.ValueUSD, ts, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, r.rebind(upsertWalletSQL), trade.Wallet, ts, ts, trade.ValueUSD); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

const tradeColumns = `id, wallet_address, market_id, side, outcome, size, price, value_usd, timestamp`

func scanTrade(row interface{ Scan(...any) error }) (*domain.Trade, error) {
	var t domain.Trade
	var side string
	var outcome sql.NullString
	if err := row.Scan(&t.ID, &t.Wallet, &t.Market, &side, &outcome, &t.Size, &t.Price, &t.ValueUSD, &t.Timestamp); err != nil {
		return nil, err
	}
	t.Side = domain.Side(side)
	t.Outcome = outcome.String
	t.Timestamp = t.Timestamp.UTC()
	return &t, nil
}

// GetTrade retrieves a trade by transaction hash.
func (r *SQLRepository) GetTrade(ctx context.Context, tradeID string) (*domain.Trade, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+tradeColumns+` FROM trades WHERE id = ?`), tradeID)
	t, err := scanTrade(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListWalletMarketTrades returns one wallet's trades on one market with
// from <= timestamp <= to, oldest first.
func (r *SQLRepository) ListWalletMarketTrades(ctx context.Context, wallet, market string, from, to time.Time) ([]*domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE wallet_address = ? AND market_id = ?
		  AND timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC
	`
	return r.queryTrades(ctx, query, wallet, market, from.UTC(), to.UTC())
}

// ListWalletTrades returns a wallet's most recent trades, newest first.
func (r *SQLRepository) ListWalletTrades(ctx context.Context, wallet string, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		WHERE wallet_address = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`
	return r.queryTrades(ctx, query, wallet, limit)
}

// ListRecentTrades returns the newest trades across all wallets.
func (r *SQLRepository) ListRecentTrades(ctx context.Context, limit int) ([]*domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + tradeColumns + `
		FROM trades
		ORDER BY timestamp DESC, id
		LIMIT ?
	`
	return r.queryTrades(ctx, query, limit)
}

func (r *SQLRepository) queryTrades(ctx context.Context, query string, args ...any) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetWallet retrieves the aggregate for a wallet.
func (r *SQLRepository) GetWallet(ctx context.Context, address string) (*domain.WalletSummary, error) {
	query := `
		SELECT address, first_seen_at, last_active_at, total_trades, total_volume_usd
		FROM wallets
		WHERE address = ?
	`

	var w domain.WalletSummary
	err := r.db.QueryRowContext(ctx, r.rebind(query), address).Scan(
		&w.Address, &w.FirstSeenAt, &w.LastActiveAt, &w.TotalTrades, &w.TotalVolumeUSD,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w.FirstSeenAt = w.FirstSeenAt.UTC()
	w.LastActiveAt = w.LastActiveAt.UTC()
	return &w, nil
}

// ListWallets returns wallet aggregates in the requested order. Unknown
// orders fall back to freshness.
func (r *SQLRepository) ListWallets(ctx context.Context, order domain.WalletOrder, limit int) ([]*domain.WalletSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	orderBy := "first_seen_at DESC, address"
	if order == domain.WalletsByVolume {
		orderBy = "total_volume_usd DESC, address"
	}
	query := `
		SELECT address, first_seen_at, last_active_at, total_trades, total_volume_usd
		FROM wallets
		ORDER BY ` + orderBy + `
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*domain.WalletSummary
	for rows.Next() {
		var w domain.WalletSummary
		if err := rows.Scan(&w.Address, &w.FirstSeenAt, &w.LastActiveAt, &w.TotalTrades, &w.TotalVolumeUSD); err != nil {
			return nil, err
		}
		w.FirstSeenAt = w.FirstSeenAt.UTC()
		w.LastActiveAt = w.LastActiveAt.UTC()
		wallets = append(wallets, &w)
	}
	return wallets, rows.Err()
}

// ============================================================================
// MARKETS
// ============================================================================

// MarketTradeStats computes the mean and sample standard deviation of trade
// value for a market over [from, to).
func (r *SQLRepository) MarketTradeStats(ctx context.Context, market string, from, to time.Time) (*domain.MarketStats, error) {
	query := `
		SELECT COUNT(*), COALESCE(SUM(value_usd), 0), COALESCE(SUM(value_usd * value_usd), 0)
		FROM trades
		WHERE market_id = ? AND timestamp >= ? AND timestamp < ?
	`

	var n int64
	var sum, sumSq float64
	if err := r.db.QueryRowContext(ctx, r.rebind(query), market, from.UTC(), to.UTC()).Scan(&n, &sum, &sumSq); err != nil {
		return nil, err
	}

	stats := &domain.MarketStats{
		Market:      market,
		SampleCount: n,
		ComputedAt:  time.Now().UTC(),
	}
	if n == 0 {
		return stats, nil
	}

	mean := sum / float64(n)
	stats.MeanSize = mean
	if n > 1 {
		variance := (sumSq - float64(n)*mean*mean) / float64(n-1)
		if variance > 0 {
			stats.StddevSize = math.Sqrt(variance)
		}
	}
	return stats, nil
}

// ListMarkets returns markets ordered by trade count.
func (r *SQLRepository) ListMarkets(ctx context.Context, limit int) ([]*domain.MarketActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT market_id, COUNT(*) AS trade_count, COALESCE(SUM(value_usd), 0)
		FROM trades
		GROUP BY market_id
		ORDER BY trade_count DESC, market_id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []*domain.MarketActivity
	for rows.Next() {
		var m domain.MarketActivity
		if err := rows.Scan(&m.Market, &m.TradeCount, &m.VolumeUSD); err != nil {
			return nil, err
		}
		markets = append(markets, &m)
	}
	return markets, rows.Err()
}

// ============================================================================
// ALERTS
// ============================================================================

// SaveAlert persists an alert. It returns false without error when an alert
// for the same (trade, type) already exists.
func (r *SQLRepository) SaveAlert(ctx context.Context, alert *domain.Alert) (bool, error) {
	if alert == nil || alert.ID == "" || alert.TradeID == "" || alert.Type == "" {
		return false, fmt.Errorf("%w: alert id, trade id and type are required", ErrInvalidInput)
	}

	evidence, err := json.Marshal(alert.Evidence)
	if err != nil {
		return false, fmt.Errorf("%w: evidence: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO alerts (
			id, alert_type, severity, confidence, title, description, evidence,
			wallet_address, market_id, trade_id, trade_time, created_at, is_read, is_dismissed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id, alert_type) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, string(alert.Type), string(alert.Severity), alert.Confidence,
		alert.Title, alert.Description, string(evidence),
		alert.Wallet, alert.Market, alert.TradeID, alert.TradeTime.UTC(), alert.CreatedAt.UTC(),
		boolInt(alert.Read), boolInt(alert.Dismissed),
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AlertExists reports whether an alert exists for the dedup key.
func (r *SQLRepository) AlertExists(ctx context.Context, tradeID string, alertType domain.AlertType) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*) FROM alerts WHERE trade_id = ? AND alert_type = ?`),
		tradeID, string(alertType),
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const alertColumns = `id, alert_type, severity, confidence, title, description, evidence,
	wallet_address, market_id, trade_id, trade_time, created_at, is_read, is_dismissed`

func scanAlert(row interface{ Scan(...any) error }) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity, evidence string
	var read, dismissed int

	if err := row.Scan(
		&a.ID, &alertType, &severity, &a.Confidence, &a.Title, &a.Description, &evidence,
		&a.Wallet, &a.Market, &a.TradeID, &a.TradeTime, &a.CreatedAt, &read, &dismissed,
	); err != nil {
		return nil, err
	}

	a.Type = domain.AlertType(alertType)
	a.Severity = domain.Severity(severity)
	a.Read = read == 1
	a.Dismissed = dismissed == 1
	a.TradeTime = a.TradeTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to parse evidence for alert %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

// GetAlert retrieves an alert by ID.
func (r *SQLRepository) GetAlert(ctx context.Context, alertID string) (*domain.Alert, error) {
	row := r.db.QueryRowContext(ctx, r.rebind(`SELECT `+alertColumns+` FROM alerts WHERE id = ?`), alertID)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAlerts returns alerts matching the filter, newest first.
// Dismissed alerts are excluded.
func (r *SQLRepository) ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	var where []string
	var args []any

	where = append(where, "is_dismissed = 0")
	if filter.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Type != "" {
		where = append(where, "alert_type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Wallet != "" {
		where = append(where, "wallet_address = ?")
		args = append(args, filter.Wallet)
	}
	if filter.UnreadOnly {
		where = append(where, "is_read = 0")
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id LIMIT ?`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// MarkAlertRead flags an alert as read.
func (r *SQLRepository) MarkAlertRead(ctx context.Context, alertID string) error {
	return r.setAlertFlag(ctx, alertID, "is_read")
}

// DismissAlert flags an alert as dismissed.
func (r *SQLRepository) DismissAlert(ctx context.Context, alertID string) error {
	return r.setAlertFlag(ctx, alertID, "is_dismissed")
}

func (r *SQLRepository) setAlertFlag(ctx context.Context, alertID, column string) error {
	result, err := r.db.ExecContext(ctx, r.rebind(`UPDATE alerts SET `+column+` = 1 WHERE id = ?`), alertID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// RULE CONFIGS
// ============================================================================

// SaveRuleConfig stores an expression rule, replacing the same version.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	version := rule.Version
	if version == "" {
		version = "1.0.0"
	}
	ceiling := rule.SeverityCeiling
	if ceiling == "" {
		ceiling = domain.SeverityHigh
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, version, expression, severity_ceiling, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			severity_ceiling = excluded.severity_ceiling,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, version, rule.Expression,
		string(ceiling), boolInt(rule.Enabled), now, now,
	)
	return err
}

const ruleColumns = `id, name, description, version, expression, severity_ceiling, enabled, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var ceiling string
	var enabled int

	if err := row.Scan(
		&cfg.ID, &cfg.Name, &description, &cfg.Version, &cfg.Expression,
		&ceiling, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cfg.Description = description.String
	cfg.SeverityCeiling = domain.Severity(ceiling)
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves the highest enabled version of a rule.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, ruleID string) (*domain.RuleConfig, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE id = ? AND enabled = 1
		ORDER BY version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

// ListRuleConfigs returns the highest enabled version of every rule.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE enabled = 1
		ORDER BY id, version
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	index := make(map[string]int)
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if i, ok := index[cfg.ID]; ok {
			configs[i] = cfg
			continue
		}
		index[cfg.ID] = len(configs)
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

// ============================================================================
// HOUSEKEEPING
// ============================================================================

// Stats returns the dashboard totals.
func (r *SQLRepository) Stats(ctx context.Context) (*domain.StoreStats, error) {
	var s domain.StoreStats
	counts := []struct {
		dst   *int64
		query string
	}{
		{&s.Wallets, `SELECT COUNT(*) FROM wallets`},
		{&s.Trades, `SELECT COUNT(*) FROM trades`},
		{&s.Markets, `SELECT COUNT(DISTINCT market_id) FROM trades`},
		{&s.Alerts, `SELECT COUNT(*) FROM alerts`},
		{&s.UnreadAlerts, `SELECT COUNT(*) FROM alerts WHERE is_read = 0 AND is_dismissed = 0`},
	}
	for _, c := range counts {
		if err := r.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
