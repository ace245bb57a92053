package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaTrades = `
CREATE TABLE IF NOT EXISTS trades (
    id TEXT PRIMARY KEY,
    wallet_address TEXT NOT NULL,
    market_id TEXT NOT NULL,
    side TEXT NOT NULL,
    outcome TEXT,
    size DOUBLE PRECISION NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    value_usd DOUBLE PRECISION NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_wallet_market ON trades(wallet_address, market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_market_time ON trades(market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_wallet_time ON trades(wallet_address, timestamp);
`

const schemaWallets = `
CREATE TABLE IF NOT EXISTS wallets (
    address TEXT PRIMARY KEY,
    first_seen_at TIMESTAMP NOT NULL,
    last_active_at TIMESTAMP NOT NULL,
    total_trades BIGINT NOT NULL DEFAULT 0,
    total_volume_usd DOUBLE PRECISION NOT NULL DEFAULT 0
);
`

// schemaAlerts enforces one alert per (trade, rule type).
const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    confidence DOUBLE PRECISION NOT NULL,
    title TEXT NOT NULL,
    description TEXT NOT NULL,
    evidence TEXT NOT NULL,
    wallet_address TEXT NOT NULL,
    market_id TEXT NOT NULL,
    trade_id TEXT NOT NULL,
    trade_time TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    is_read INTEGER NOT NULL DEFAULT 0,
    is_dismissed INTEGER NOT NULL DEFAULT 0,
    UNIQUE (trade_id, alert_type)
);

CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts(created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts(severity, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_wallet ON alerts(wallet_address, created_at);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    severity_ceiling TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaTrades,
		schemaWallets,
		schemaAlerts,
		schemaRuleConfigs,
	}
}
